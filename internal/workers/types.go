// Package workers defines the abstract UI/VCS/CI worker contract (spec §4.4):
// the tagged command and event variants the pipeline engine exchanges with its
// three worker classes, and the polymorphic interfaces concrete adapters (a
// GitHub-backed UI worker, a git-CLI VCS worker, a CI backend) implement.
//
// The engine never names a concrete integration — only this abstract taxonomy.
package workers

import "time"

// Kind identifies which worker family a command or event belongs to.
type Kind string

const (
	KindUI  Kind = "ui"
	KindVCS Kind = "vcs"
	KindCI  Kind = "ci"
)

// CommandType enumerates the commands the engine can issue to a worker.
type CommandType string

const (
	// VCS commands.
	CmdVCSMerge        CommandType = "vcs.merge"
	CmdVCSFastForward  CommandType = "vcs.fast_forward"
	CmdVCSQueryTip     CommandType = "vcs.query_tip"
	// CI commands.
	CmdCIStart  CommandType = "ci.start"
	CmdCICancel CommandType = "ci.cancel"
	// UI commands.
	CmdUIComment CommandType = "ui.comment"
	CmdUIStatus  CommandType = "ui.status"
)

// Command is a tagged instruction from the engine to a worker, tagged with the
// pipeline it belongs to and the correlation id of the running attempt (empty
// for commands that don't correspond to an in-flight attempt, e.g. a bare
// tip query).
type Command struct {
	Type          CommandType
	PipelineID    string
	CorrelationID string

	// VCS.merge
	BaseTipHint string
	PRHead      string
	Message     string

	// VCS.fast_forward
	Base    string
	Staging string

	// CI.start
	Commit       string
	PipelineOpts map[string]string

	// CI.cancel
	Build string

	// UI.comment / UI.status
	PRID   string
	Text   string
	Status string
	URL    string
}

// EventType enumerates the terminal and progress events workers emit back.
type EventType string

const (
	// VCS events.
	EvtVCSMerged      EventType = "vcs.merged"
	EvtVCSMergeFailed EventType = "vcs.merge_failed" // conflict
	EvtVCSFfwdOK      EventType = "vcs.ffwd_ok"
	EvtVCSFfwdStale   EventType = "vcs.ffwd_stale"
	EvtVCSTipReported EventType = "vcs.tip_reported"

	// CI events.
	EvtCIStarted   EventType = "ci.started"
	EvtCISucceeded EventType = "ci.succeeded"
	EvtCIFailed    EventType = "ci.failed"

	// UI events.
	EvtUIApprove EventType = "ui.approve"
	EvtUICancel  EventType = "ui.cancel"
)

// Event is a tagged notification from a worker to the engine, tagged with the
// pipeline it refers to and — where applicable — the correlation id it answers.
// Events whose correlation id does not match the pipeline's running attempt are
// discarded by the router/engine (spec §4.4: "unordered delivery is tolerated
// because events the engine no longer cares about are filtered by correlation id").
type Event struct {
	Type          EventType
	PipelineID    string
	CorrelationID string
	At            time.Time

	// vcs.merged / vcs.ffwd_ok
	Commit string

	// ci.failed
	Reason string
	URL    string

	// ci.started / ci.succeeded / ci.failed
	Build string

	// ui.approve
	Entry ApproveEntry

	// ui.cancel
	PRID string
}

// ApproveEntry carries the fields of a UI approval event — the data needed to
// construct or supersede a queue entry.
type ApproveEntry struct {
	PRID       string
	HeadCommit string
	Message    string
	Requester  string
	Priority   int
	ApprovedAt time.Time
}

// UIWorker surfaces pull requests and accepts approval/cancellation/retry
// commands from authorized humans. It emits Events to the engine's event
// channel and consumes Commands the engine sends it.
type UIWorker interface {
	Name() string
	// Dispatch delivers a command to the worker (e.g. post a comment, update a
	// status). Implementations should not block the caller beyond enqueueing
	// the outbound side effect.
	Dispatch(cmd Command) error
}

// VCSWorker manipulates branches on behalf of the engine.
type VCSWorker interface {
	Name() string
	Dispatch(cmd Command) error
}

// CIWorker runs tests against a named commit and emits success/failure later.
type CIWorker interface {
	Name() string
	Dispatch(cmd Command) error
}
