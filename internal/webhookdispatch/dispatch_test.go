package webhookdispatch

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/queued/queued/internal/workers"
)

func TestDispatchDeliversSignedPayload(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Queued-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(&Config{URL: srv.URL, Secret: "s3cr3t", Timeout: time.Second, Retry: DefaultRetryConfig()})
	err := d.Dispatch(workers.Command{Type: workers.CmdUIComment, PipelineID: "p1", PRID: "pr-1", Text: "hello"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if gotSig == "" {
		t.Fatal("expected a signature header")
	}
	if !VerifySignature(gotBody, gotSig, "s3cr3t") {
		t.Fatal("expected signature to verify against the delivered body")
	}
	if VerifySignature(gotBody, gotSig, "wrong-secret") {
		t.Fatal("expected signature to fail verification with the wrong secret")
	}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(&Config{
		URL: srv.URL, Timeout: time.Second,
		Retry: RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
	})
	err := d.Dispatch(workers.Command{Type: workers.CmdUIStatus, PipelineID: "p1", PRID: "pr-1", Status: "testing"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
}

func TestDispatchExhaustsRetriesAndReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher(&Config{
		URL: srv.URL, Timeout: time.Second,
		Retry: RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
	})
	err := d.Dispatch(workers.Command{Type: workers.CmdUIComment, PipelineID: "p1", PRID: "pr-1", Text: "x"})
	if err == nil {
		t.Fatal("expected an error once retries are exhausted")
	}
}

func TestDispatchRejectsUnsupportedCommand(t *testing.T) {
	d := NewDispatcher(DefaultConfig())
	err := d.Dispatch(workers.Command{Type: workers.CmdVCSMerge})
	if err == nil {
		t.Fatal("expected an error for a non-UI command")
	}
}

func TestVerifySignatureRejectsEmptySecretOrSignature(t *testing.T) {
	if VerifySignature([]byte("body"), "sig", "") {
		t.Fatal("expected false with empty secret")
	}
	if VerifySignature([]byte("body"), "", "secret") {
		t.Fatal("expected false with empty signature")
	}
}
