// Package pipeline implements the per-repository merge queue state machine: the
// engine that owns a pipeline's queue and running slot, reacts to UI/VCS/CI worker
// events, and upholds that a pipeline's default branch only ever advances to a
// commit CI has accepted.
package pipeline

import "time"

// SubState is the pipeline's position in its state machine.
type SubState string

const (
	// Idle is the default rest state: no running slot.
	Idle SubState = "idle"
	// StartingBuild: an entry has been promoted and a VCS merge command issued;
	// awaiting the staging commit identifier.
	StartingBuild SubState = "starting_build"
	// WaitingOnCI: VCS returned a staging commit and a CI start command was
	// issued; awaiting a terminal build event.
	WaitingOnCI SubState = "waiting_on_ci"
	// FastForwarding: CI reported success and a VCS fast-forward command was
	// issued; awaiting confirmation.
	FastForwarding SubState = "fast_forwarding"
)

// maxFfwdStaleRetries bounds consecutive stale-base retries (spec: "bound at 3
// consecutive ffwd_stale retries before declaring the entry failed"). The 4th
// staleness in a row fails the attempt.
const maxFfwdStaleRetries = 3

// defaultDeadline is the default per-sub-state timeout before the engine
// synthesizes a CI.failed("timeout") event.
const defaultDeadline = 2 * time.Hour

// Entry is a queued, approved pull request waiting to be tested and merged.
type Entry struct {
	ID         string // unique within the pipeline; assigned at enqueue time
	PRID       string // opaque PR identifier, unique within a pipeline
	HeadCommit string
	Message    string
	Requester  string
	Priority   int
	ApprovedAt time.Time
}

// RunningSlot is the pipeline's at-most-one active attempt.
type RunningSlot struct {
	Entry         Entry
	SubState      SubState
	StagingCommit string
	CIBuild       string // CI's handle for the in-flight build, once accepted
	Attempts      int    // consecutive ffwd_stale retries for this entry
	CorrelationID string
	Deadline      time.Time
}

// CachedTip is the engine's advisory, locally cached view of the default branch
// tip. It is never authoritative — every merge request to VCS must be against a
// freshly queried tip.
type CachedTip struct {
	Commit     string
	ObservedAt time.Time
}

// PipelineConfig is the pipeline-scoped configuration opaque to the engine but
// carried verbatim to workers.
type PipelineConfig struct {
	ID      string
	UIName  string
	VCSName string
	CIName  string
	Opaque  map[string]string // worker-specific pipeline config, passed through
	IsTry   bool              // a try lane shares the state machine but never fast-forwards
}
