package workers

import (
	"context"
	"time"
)

// BuildStatus is the outcome a StatusFunc reports for one poll.
type BuildStatus string

const (
	BuildPending BuildStatus = "pending"
	BuildRunning BuildStatus = "running"
	BuildSuccess BuildStatus = "success"
	BuildFailure BuildStatus = "failure"
)

// StatusFunc starts or polls a build for commit and reports its status and,
// for a failure, an optional report URL. Concrete CI integrations (Jenkins,
// Buildbot, GitHub Actions, Travis) implement this instead of the worker
// itself, so PollingCIWorker stays integration-agnostic.
type StatusFunc func(ctx context.Context, commit string) (status BuildStatus, buildHandle, url string, err error)

// PollingCIWorker is a reference CI worker that polls a StatusFunc at a fixed
// interval until a terminal status is observed (adapted from the teacher's
// internal/adapters/github.Poller functional-options polling idiom, applied
// to build status instead of issue discovery).
type PollingCIWorker struct {
	name     string
	interval time.Duration
	check    StatusFunc
	sink     EventSink

	cancels map[string]context.CancelFunc
	started map[string]bool
}

// CIWorkerOption configures a PollingCIWorker.
type CIWorkerOption func(*PollingCIWorker)

// WithPollInterval overrides the default 30s poll interval.
func WithPollInterval(d time.Duration) CIWorkerOption {
	return func(w *PollingCIWorker) { w.interval = d }
}

// NewPollingCIWorker constructs a CI worker that polls check via StatusFunc.
func NewPollingCIWorker(name string, check StatusFunc, sink EventSink, opts ...CIWorkerOption) *PollingCIWorker {
	w := &PollingCIWorker{
		name: name, interval: 30 * time.Second, check: check, sink: sink,
		cancels: make(map[string]context.CancelFunc),
		started: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *PollingCIWorker) Name() string { return w.name }

func (w *PollingCIWorker) Dispatch(cmd Command) error {
	switch cmd.Type {
	case CmdCIStart:
		ctx, cancel := context.WithCancel(context.Background())
		w.cancels[cmd.CorrelationID] = cancel
		go w.poll(ctx, cmd)
	case CmdCICancel:
		if cancel, ok := w.cancels[cmd.CorrelationID]; ok {
			cancel()
			delete(w.cancels, cmd.CorrelationID)
		}
		delete(w.started, cmd.CorrelationID)
	}
	return nil
}

func (w *PollingCIWorker) poll(ctx context.Context, cmd Command) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Poll immediately rather than waiting a full interval for the first check.
	if w.tick(ctx, cmd) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.tick(ctx, cmd) {
				return
			}
		}
	}
}

// tick performs one poll and reports a terminal event if the build concluded.
// Returns true once a terminal event has been reported (so the caller stops
// polling).
func (w *PollingCIWorker) tick(ctx context.Context, cmd Command) bool {
	status, handle, url, err := w.check(ctx, cmd.Commit)
	if err != nil {
		return false // transient worker failure: retried on the next tick
	}
	if !w.started[cmd.CorrelationID] && handle != "" {
		w.started[cmd.CorrelationID] = true
		_ = w.sink.Route(ctx, Event{Type: EvtCIStarted, PipelineID: cmd.PipelineID, CorrelationID: cmd.CorrelationID, At: time.Now(), Build: handle})
	}
	switch status {
	case BuildSuccess:
		delete(w.started, cmd.CorrelationID)
		_ = w.sink.Route(ctx, Event{Type: EvtCISucceeded, PipelineID: cmd.PipelineID, CorrelationID: cmd.CorrelationID, At: time.Now(), Build: handle})
		return true
	case BuildFailure:
		delete(w.started, cmd.CorrelationID)
		_ = w.sink.Route(ctx, Event{Type: EvtCIFailed, PipelineID: cmd.PipelineID, CorrelationID: cmd.CorrelationID, At: time.Now(), Build: handle, URL: url})
		return true
	}
	return false
}
