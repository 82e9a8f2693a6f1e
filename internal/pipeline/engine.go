package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/queued/queued/internal/logging"
	"github.com/queued/queued/internal/workers"
)

// Engine is one pipeline's single-threaded cooperative state machine (spec
// §5): it owns the queue and running slot, serializes all mutations behind
// mu, and is the only writer of its own persisted state. Different pipelines
// advance independently and share nothing but the Store.
type Engine struct {
	cfg   PipelineConfig
	store Store
	ui    workers.UIWorker
	vcs   workers.VCSWorker
	ci    workers.CIWorker

	deadline time.Duration // per non-Idle sub-state; defaults to defaultDeadline

	mu              sync.Mutex
	queue           *Queue
	running         *RunningSlot
	cachedTip       CachedTip
	nextAttempt     uint64
	halted          bool // set on persistence failure; refuses further transitions
}

// New constructs an idle engine for a pipeline. Callers should call Restore
// with any persisted record before handling live events.
func New(cfg PipelineConfig, st Store, ui workers.UIWorker, vcs workers.VCSWorker, ci workers.CIWorker) *Engine {
	d := defaultDeadline
	if v, ok := cfg.Opaque["deadline"]; ok {
		if parsed, err := time.ParseDuration(v); err == nil {
			d = parsed
		}
	}
	return &Engine{
		cfg:      cfg,
		store:    st,
		ui:       ui,
		vcs:      vcs,
		ci:       ci,
		deadline: d,
		queue:    NewQueue(),
	}
}

// ID returns the pipeline identifier.
func (e *Engine) ID() string { return e.cfg.ID }

// Restore resynchronizes the engine from a persisted record at startup (spec
// §4.3). For StartingBuild it re-issues the merge; for WaitingOnCI it queries
// CI for the build's current status rather than re-starting; for
// FastForwarding it re-issues the fast-forward.
func (e *Engine) Restore(ctx context.Context, rec Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, entry := range rec.Queue {
		e.queue.Insert(entry)
	}
	if rec.CachedTip != nil {
		e.cachedTip = *rec.CachedTip
	}
	if rec.Running == nil {
		return nil
	}
	e.running = rec.Running
	ctx = logging.ContextWithPipeline(ctx, e.cfg.ID)
	ctx = logging.ContextWithCorrelationID(ctx, e.running.CorrelationID)
	logging.InfoContext(ctx, "pipeline: resynchronizing running slot",
		"sub_state", e.running.SubState, "pr_id", e.running.Entry.PRID)

	switch e.running.SubState {
	case StartingBuild:
		return e.issueMerge(e.running.Entry, e.running.CorrelationID, e.cachedTip.Commit)
	case WaitingOnCI:
		// Query CI for current status rather than re-starting the build.
		return e.ci.Dispatch(workers.Command{
			Type:          workers.CmdCIStart,
			PipelineID:    e.cfg.ID,
			CorrelationID: e.running.CorrelationID,
			Commit:        e.running.StagingCommit,
			PipelineOpts:  map[string]string{"mode": "query"},
		})
	case FastForwarding:
		return e.vcs.Dispatch(workers.Command{
			Type:          workers.CmdVCSFastForward,
			PipelineID:    e.cfg.ID,
			CorrelationID: e.running.CorrelationID,
			Base:          e.cachedTip.Commit,
			Staging:       e.running.StagingCommit,
		})
	}
	return nil
}

// Approve handles a UI.approve event (spec §4.2): new approval, re-approval
// while queued, or re-approval while running.
func (e *Engine) Approve(ctx context.Context, a workers.ApproveEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx = logging.ContextWithPipeline(ctx, e.cfg.ID)
	if e.halted {
		return fmt.Errorf("%w: pipeline %s halted", ErrPersistence, e.cfg.ID)
	}

	entry := Entry{
		PRID:       a.PRID,
		HeadCommit: a.HeadCommit,
		Message:    a.Message,
		Requester:  a.Requester,
		Priority:   a.Priority,
		ApprovedAt: a.ApprovedAt,
	}

	if e.running != nil && e.running.Entry.PRID == a.PRID && e.running.SubState != FastForwarding {
		// Re-approval while running: cancel the current attempt and
		// re-enqueue at the head of its priority class. A re-approval that
		// arrives while the attempt is FastForwarding leaves that attempt to
		// complete and is handled below as an ordinary enqueue.
		corr := e.running.CorrelationID
		build := e.running.CIBuild
		entry.ID = e.running.Entry.ID
		// Preserve the original ApprovedAt so the superseding entry keeps its
		// place at the head of its priority class (spec §4.2); re-stamping it
		// with the re-approval time would push it behind earlier same-priority
		// entries under Queue's approved-at-ascending tie-break.
		entry.ApprovedAt = e.running.Entry.ApprovedAt
		e.running = nil
		if err := e.store.SetRunning(ctx, e.cfg.ID, nil); err != nil {
			return e.haltOnPersistenceFailure(ctx, err)
		}
		if err := e.ci.Dispatch(workers.Command{
			Type: workers.CmdCICancel, PipelineID: e.cfg.ID,
			CorrelationID: corr, Build: build,
		}); err != nil {
			logging.WarnContext(logging.ContextWithCorrelationID(ctx, corr), "pipeline: cancel dispatch failed during re-approval", "error", err)
		}
		return e.enqueueLocked(ctx, entry)
	}

	if i := e.queue.IndexOf(a.PRID); i >= 0 {
		entry.ID = e.queue.Entries()[i].ID
		return e.replaceLocked(ctx, entry)
	}

	entry.ID = uuid.NewString()
	return e.enqueueLocked(ctx, entry)
}

func (e *Engine) enqueueLocked(ctx context.Context, entry Entry) error {
	if err := e.store.Enqueue(ctx, e.cfg.ID, entry); err != nil {
		return e.haltOnPersistenceFailure(ctx, err)
	}
	e.queue.Insert(entry)
	return e.promoteIfIdleLocked(ctx)
}

func (e *Engine) replaceLocked(ctx context.Context, entry Entry) error {
	if err := e.store.Replace(ctx, e.cfg.ID, entry); err != nil {
		return e.haltOnPersistenceFailure(ctx, err)
	}
	e.queue.Insert(entry)
	return nil
}

// Cancel handles a UI.cancel event: removes a queued entry, or tears down the
// running attempt if it targets the running entry.
func (e *Engine) Cancel(ctx context.Context, prID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx = logging.ContextWithPipeline(ctx, e.cfg.ID)
	if e.halted {
		return fmt.Errorf("%w: pipeline %s halted", ErrPersistence, e.cfg.ID)
	}

	if e.running != nil && e.running.Entry.PRID == prID {
		corr := e.running.CorrelationID
		build := e.running.CIBuild
		if err := e.store.SetRunning(ctx, e.cfg.ID, nil); err != nil {
			return e.haltOnPersistenceFailure(ctx, err)
		}
		if err := e.ci.Dispatch(workers.Command{Type: workers.CmdCICancel, PipelineID: e.cfg.ID, CorrelationID: corr, Build: build}); err != nil {
			logging.WarnContext(logging.ContextWithCorrelationID(ctx, corr), "pipeline: cancel dispatch failed", "error", err)
		}
		e.running = nil
		_ = e.ui.Dispatch(workers.Command{Type: workers.CmdUIComment, PipelineID: e.cfg.ID, PRID: prID, Text: "cancelled"})
		return e.promoteIfIdleLocked(ctx)
	}

	if e.queue.IndexOf(prID) >= 0 {
		if err := e.store.Remove(ctx, e.cfg.ID, prID); err != nil {
			return e.haltOnPersistenceFailure(ctx, err)
		}
		e.queue.Remove(prID)
		_ = e.ui.Dispatch(workers.Command{Type: workers.CmdUIComment, PipelineID: e.cfg.ID, PRID: prID, Text: "cancelled"})
	}
	return nil
}

// HandleEvent applies a worker event to the pipeline (spec §4.1 transition
// table). Events whose correlation id does not match the running attempt are
// discarded — they refer to a cancelled or superseded attempt.
func (e *Engine) HandleEvent(ctx context.Context, evt workers.Event) error {
	ctx = logging.ContextWithPipeline(ctx, e.cfg.ID)
	switch evt.Type {
	case workers.EvtUIApprove:
		return e.Approve(ctx, evt.Entry)
	case workers.EvtUICancel:
		return e.Cancel(ctx, evt.PRID)
	case workers.EvtVCSTipReported:
		e.mu.Lock()
		e.cachedTip = CachedTip{Commit: evt.Commit, ObservedAt: evt.At}
		err := e.store.SetCachedTip(ctx, e.cfg.ID, e.cachedTip)
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted {
		return fmt.Errorf("%w: pipeline %s halted", ErrPersistence, e.cfg.ID)
	}
	if e.running == nil || e.running.CorrelationID != evt.CorrelationID {
		logging.DebugContext(ctx, "pipeline: discarding event for stale attempt",
			"event", evt.Type, "event_correlation", evt.CorrelationID)
		return nil
	}
	ctx = logging.ContextWithCorrelationID(ctx, evt.CorrelationID)

	switch evt.Type {
	case workers.EvtVCSMerged:
		return e.onMerged(ctx, evt)
	case workers.EvtVCSMergeFailed:
		return e.onMergeFailed(ctx)
	case workers.EvtCIStarted:
		return e.onCIStarted(ctx, evt)
	case workers.EvtCISucceeded:
		return e.onCISucceeded(ctx)
	case workers.EvtCIFailed:
		return e.onCIFailed(ctx, evt)
	case workers.EvtVCSFfwdOK:
		return e.onFfwdOK(ctx, evt)
	case workers.EvtVCSFfwdStale:
		return e.onFfwdStale(ctx)
	}
	return fmt.Errorf("%w: unhandled event type %s", ErrInputRejected, evt.Type)
}

// promoteIfIdleLocked promotes the head of the queue into the running slot if
// the pipeline is Idle (spec: "Idle is observable only between promotions").
// Callers must hold mu.
func (e *Engine) promoteIfIdleLocked(ctx context.Context) error {
	if e.running != nil || e.queue.Len() == 0 {
		return nil
	}
	entry, ok := e.queue.PopFront()
	if !ok {
		return nil
	}
	corr := e.nextCorrelationLocked()
	return e.startAttemptLocked(ctx, entry, corr, 0)
}

func (e *Engine) nextCorrelationLocked() string {
	n := atomic.AddUint64(&e.nextAttempt, 1)
	return fmt.Sprintf("%s:%d", e.cfg.ID, n)
}

// startAttemptLocked persists the running slot as StartingBuild and issues
// VCS.merge, preserving attempt count across ffwd_stale retries.
func (e *Engine) startAttemptLocked(ctx context.Context, entry Entry, corr string, attempts int) error {
	if err := e.store.Remove(ctx, e.cfg.ID, entry.PRID); err != nil {
		return e.haltOnPersistenceFailure(ctx, err)
	}
	slot := &RunningSlot{
		Entry:         entry,
		SubState:      StartingBuild,
		Attempts:      attempts,
		CorrelationID: corr,
		Deadline:      time.Now().Add(e.deadline),
	}
	if err := e.store.SetRunning(ctx, e.cfg.ID, slot); err != nil {
		return e.haltOnPersistenceFailure(ctx, err)
	}
	e.running = slot
	return e.issueMerge(entry, corr, e.cachedTip.Commit)
}

func (e *Engine) issueMerge(entry Entry, corr, baseHint string) error {
	return e.vcs.Dispatch(workers.Command{
		Type: workers.CmdVCSMerge, PipelineID: e.cfg.ID, CorrelationID: corr,
		BaseTipHint: baseHint, PRHead: entry.HeadCommit, Message: entry.Message,
	})
}

func (e *Engine) onMerged(ctx context.Context, evt workers.Event) error {
	e.running.StagingCommit = evt.Commit
	e.running.SubState = WaitingOnCI
	e.running.Deadline = time.Now().Add(e.deadline)
	if err := e.store.SetRunning(ctx, e.cfg.ID, e.running); err != nil {
		return e.haltOnPersistenceFailure(ctx, err)
	}
	if err := e.ci.Dispatch(workers.Command{
		Type: workers.CmdCIStart, PipelineID: e.cfg.ID, CorrelationID: e.running.CorrelationID,
		Commit: evt.Commit, PipelineOpts: e.cfg.Opaque,
	}); err != nil {
		logging.WarnContext(ctx, "pipeline: CI.start dispatch failed", "error", err)
	}
	return e.ui.Dispatch(workers.Command{
		Type: workers.CmdUIStatus, PipelineID: e.cfg.ID, PRID: e.running.Entry.PRID,
		Status: "testing", Commit: evt.Commit,
	})
}

// onCIStarted records the CI build handle into the running slot so a later
// re-approval or cancel can target the right build (spec §3: the running
// slot "contains ... the CI build handle").
func (e *Engine) onCIStarted(ctx context.Context, evt workers.Event) error {
	e.running.CIBuild = evt.Build
	if err := e.store.SetRunning(ctx, e.cfg.ID, e.running); err != nil {
		return e.haltOnPersistenceFailure(ctx, err)
	}
	return nil
}

func (e *Engine) onMergeFailed(ctx context.Context) error {
	prID := e.running.Entry.PRID
	if err := e.dropRunningLocked(ctx); err != nil {
		return err
	}
	_ = e.ui.Dispatch(workers.Command{Type: workers.CmdUIComment, PipelineID: e.cfg.ID, PRID: prID, Text: "merge conflict"})
	return e.promoteIfIdleLocked(ctx)
}

func (e *Engine) onCISucceeded(ctx context.Context) error {
	if e.cfg.IsTry {
		// A try lane shares the state machine but never fast-forwards.
		prID := e.running.Entry.PRID
		if err := e.dropRunningLocked(ctx); err != nil {
			return err
		}
		_ = e.ui.Dispatch(workers.Command{Type: workers.CmdUIComment, PipelineID: e.cfg.ID, PRID: prID, Text: "try build passed"})
		return e.promoteIfIdleLocked(ctx)
	}
	e.running.SubState = FastForwarding
	e.running.Deadline = time.Now().Add(e.deadline)
	if err := e.store.SetRunning(ctx, e.cfg.ID, e.running); err != nil {
		return e.haltOnPersistenceFailure(ctx, err)
	}
	return e.vcs.Dispatch(workers.Command{
		Type: workers.CmdVCSFastForward, PipelineID: e.cfg.ID, CorrelationID: e.running.CorrelationID,
		Base: e.cachedTip.Commit, Staging: e.running.StagingCommit,
	})
}

func (e *Engine) onCIFailed(ctx context.Context, evt workers.Event) error {
	prID := e.running.Entry.PRID
	text := "tests failed"
	if evt.URL != "" {
		text = fmt.Sprintf("tests failed: %s", evt.URL)
	}
	if e.cfg.IsTry {
		text = "try build failed"
		if evt.URL != "" {
			text = fmt.Sprintf("try build failed: %s", evt.URL)
		}
	}
	if err := e.dropRunningLocked(ctx); err != nil {
		return err
	}
	_ = e.ui.Dispatch(workers.Command{Type: workers.CmdUIComment, PipelineID: e.cfg.ID, PRID: prID, Text: text, URL: evt.URL})
	return e.promoteIfIdleLocked(ctx)
}

func (e *Engine) onFfwdOK(ctx context.Context, evt workers.Event) error {
	prID := e.running.Entry.PRID
	e.cachedTip = CachedTip{Commit: evt.Commit, ObservedAt: evt.At}
	if err := e.store.SetCachedTip(ctx, e.cfg.ID, e.cachedTip); err != nil {
		return e.haltOnPersistenceFailure(ctx, err)
	}
	if err := e.dropRunningLocked(ctx); err != nil {
		return err
	}
	_ = e.ui.Dispatch(workers.Command{Type: workers.CmdUIComment, PipelineID: e.cfg.ID, PRID: prID, Text: "merged"})
	return e.promoteIfIdleLocked(ctx)
}

// onFfwdStale re-merges against the freshly observed base, bounded at
// maxFfwdStaleRetries consecutive retries (spec §4.1 edge policy, §8 boundary
// behavior: "on the 4th consecutive staleness, the attempt fails").
func (e *Engine) onFfwdStale(ctx context.Context) error {
	if e.running.Attempts >= maxFfwdStaleRetries {
		prID := e.running.Entry.PRID
		if err := e.dropRunningLocked(ctx); err != nil {
			return err
		}
		_ = e.ui.Dispatch(workers.Command{
			Type: workers.CmdUIComment, PipelineID: e.cfg.ID, PRID: prID,
			Text: ErrBaseMovingTooFast.Error(),
		})
		return e.promoteIfIdleLocked(ctx)
	}
	entry := e.running.Entry
	corr := e.running.CorrelationID
	attempts := e.running.Attempts + 1
	return e.startAttemptLocked(ctx, entry, corr, attempts)
}

// dropRunningLocked clears the running slot durably. Callers must hold mu.
func (e *Engine) dropRunningLocked(ctx context.Context) error {
	if err := e.store.SetRunning(ctx, e.cfg.ID, nil); err != nil {
		return e.haltOnPersistenceFailure(ctx, err)
	}
	e.running = nil
	return nil
}

func (e *Engine) haltOnPersistenceFailure(ctx context.Context, cause error) error {
	e.halted = true
	logging.ErrorContext(ctx, "pipeline: persistence failure, halting pipeline", "error", cause)
	return fmt.Errorf("%w: %v", ErrPersistence, cause)
}

// CheckDeadline synthesizes a CI.failed("timeout") event if the running
// attempt's deadline has passed (spec §5 timeouts). Intended to be called
// periodically by a scheduler.
func (e *Engine) CheckDeadline(ctx context.Context, now time.Time) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if running == nil || running.SubState == Idle {
		return nil
	}
	if now.Before(running.Deadline) {
		return nil
	}
	return e.HandleEvent(ctx, workers.Event{
		Type: workers.EvtCIFailed, PipelineID: e.cfg.ID, CorrelationID: running.CorrelationID,
		Reason: "timeout", At: now,
	})
}

// Snapshot is a read-only view of a pipeline's current state, for the status
// CLI and dashboard.
type Snapshot struct {
	PipelineID string
	SubState   SubState
	Running    *RunningSlot
	Queue      []Entry
	CachedTip  CachedTip
	Halted     bool
}

// Status returns a point-in-time snapshot of the pipeline.
func (e *Engine) Status() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub := Idle
	var running *RunningSlot
	if e.running != nil {
		sub = e.running.SubState
		cp := *e.running
		running = &cp
	}
	return Snapshot{
		PipelineID: e.cfg.ID,
		SubState:   sub,
		Running:    running,
		Queue:      e.queue.Entries(),
		CachedTip:  e.cachedTip,
		Halted:     e.halted,
	}
}
