// Package webhookdispatch delivers UI-worker outbound side effects (post
// comment, update status) as signed HTTP webhooks. It is adapted from the
// teacher's internal/webhooks.Manager: same HMAC-SHA256 signing and
// exponential-backoff retry idiom, retargeted from generic task-lifecycle
// events to the two UI commands the pipeline engine actually issues.
package webhookdispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/queued/queued/internal/logging"
	"github.com/queued/queued/internal/workers"
)

// RetryConfig is the exponential-backoff schedule for a delivery attempt.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// DefaultRetryConfig mirrors the teacher's EndpointDefaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}
}

// Config configures a Dispatcher's single destination endpoint (one per UI
// worker instance — e.g. one GitHub App webhook target per pipeline group).
type Config struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
	Retry   RetryConfig   `yaml:"retry"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{Timeout: 30 * time.Second, Retry: DefaultRetryConfig()}
}

// payload is the JSON body delivered to the endpoint.
type payload struct {
	PipelineID string    `json:"pipeline_id"`
	PRID       string    `json:"pr_id"`
	Kind       string    `json:"kind"` // "comment" or "status"
	Text       string    `json:"text,omitempty"`
	Status     string    `json:"status,omitempty"`
	Commit     string    `json:"commit,omitempty"`
	URL        string    `json:"url,omitempty"`
	At         time.Time `json:"at"`
}

// Dispatcher posts signed webhooks for UI.comment and UI.status commands.
type Dispatcher struct {
	cfg    *Config
	client *http.Client
}

// NewDispatcher constructs a Dispatcher. A nil cfg uses DefaultConfig.
func NewDispatcher(cfg *Config) *Dispatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Dispatcher{cfg: cfg, client: &http.Client{}}
}

// Dispatch delivers cmd as a signed webhook with retry. It runs on the
// caller's goroutine and returns only once delivery has succeeded or its
// retries are exhausted, so it blocks for the whole retry schedule —
// callers that want non-blocking delivery should invoke it from their own
// goroutine, matching the teacher's Manager.Dispatch fan-out pattern.
func (d *Dispatcher) Dispatch(cmd workers.Command) error {
	p := payload{PipelineID: cmd.PipelineID, PRID: cmd.PRID, At: time.Now()}
	switch cmd.Type {
	case workers.CmdUIComment:
		p.Kind = "comment"
		p.Text = cmd.Text
		p.URL = cmd.URL
	case workers.CmdUIStatus:
		p.Kind = "status"
		p.Status = cmd.Status
		p.Commit = cmd.Commit
	default:
		return fmt.Errorf("webhookdispatch: unsupported command %s", cmd.Type)
	}
	return d.deliver(context.Background(), p)
}

func (d *Dispatcher) deliver(ctx context.Context, p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("webhookdispatch: marshal: %w", err)
	}
	signature := d.sign(body)

	delay := d.cfg.Retry.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= d.cfg.Retry.MaxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
		if err != nil {
			cancel()
			return fmt.Errorf("webhookdispatch: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Queued-Signature", signature)
		req.Header.Set("X-Queued-Kind", p.Kind)

		resp, err := d.client.Do(req)
		cancel()
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		logging.Warn("webhookdispatch: delivery attempt failed", "pipeline", p.PipelineID, "attempt", attempt, "error", lastErr)
		if attempt >= d.cfg.Retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * d.cfg.Retry.Multiplier)
		if delay > d.cfg.Retry.MaxDelay {
			delay = d.cfg.Retry.MaxDelay
		}
	}
	return fmt.Errorf("webhookdispatch: delivery exhausted retries: %w", lastErr)
}

func (d *Dispatcher) sign(body []byte) string {
	if d.cfg.Secret == "" {
		return ""
	}
	h := hmac.New(sha256.New, []byte(d.cfg.Secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature against a payload body,
// for handlers on the receiving end of a queued webhook.
func VerifySignature(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	expected := "sha256=" + hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
