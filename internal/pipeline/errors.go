package pipeline

import "errors"

// Sentinel errors for the error kinds spec §7 names. Wrapped with %w by
// callers so errors.Is keeps working through the engine and its adapters.
var (
	// ErrInputRejected: malformed event, unknown pipeline id, unauthorized
	// command. Never retried.
	ErrInputRejected = errors.New("pipeline: input rejected")

	// ErrMergeConflict: terminal for the attempt. UI comment; entry dropped.
	ErrMergeConflict = errors.New("pipeline: merge conflict")

	// ErrTestFailure: terminal. UI comment with build URL; entry dropped.
	ErrTestFailure = errors.New("pipeline: test failure")

	// ErrStaleBase: recoverable; bounded retry within the running slot.
	ErrStaleBase = errors.New("pipeline: stale base")

	// ErrBaseMovingTooFast: the 4th consecutive ffwd_stale in a row.
	ErrBaseMovingTooFast = errors.New("pipeline: base moving too fast")

	// ErrPersistence: fatal for the affected pipeline. The engine halts that
	// pipeline's processing and surfaces an alert; it does not exit the
	// process, and refuses further transitions until the store is healthy.
	ErrPersistence = errors.New("pipeline: persistence failure")

	// ErrConfiguration: fatal for the process.
	ErrConfiguration = errors.New("pipeline: configuration error")

	// ErrUnknownPipeline is returned by the router for an event whose
	// pipeline id has no binding.
	ErrUnknownPipeline = errors.New("pipeline: unknown pipeline id")
)
