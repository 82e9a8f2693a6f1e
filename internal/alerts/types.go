// Package alerts fires operational alerts for the conditions a merge-queue
// operator needs paged on: a pipeline's circuit breaker tripping (the engine
// halting after a persistence failure), or a running slot stuck past its
// sub-state deadline (a deadlock, in spec §9's terms). Adapted from the
// teacher's internal/alerts engine/dispatcher pair — its per-channel routing
// (Slack/Telegram/PagerDuty/SMTP) and rule-file config are dropped in favor
// of a single Delivery, which cmd/queued backs with the same
// webhookdispatch.Dispatcher the UI worker uses, since an operator
// integrating queued already has one webhook
// sink and gains nothing from a second, alert-specific channel matrix.
package alerts

import "time"

// Severity levels for alerts.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Type categorizes the alert.
type Type string

const (
	// TypeCircuitBreakerTrip fires when a pipeline's engine reports it has
	// halted, which it does after a persistence failure.
	TypeCircuitBreakerTrip Type = "circuit_breaker_trip"
	// TypeDeadlineExceeded fires when a running slot has sat in a non-Idle
	// sub-state past its configured deadline without an event clearing it.
	TypeDeadlineExceeded Type = "deadline_exceeded"
)

// Alert is a single fired notification.
type Alert struct {
	Type       Type              `json:"type"`
	Severity   Severity          `json:"severity"`
	PipelineID string            `json:"pipeline_id"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	FiredAt    time.Time         `json:"fired_at"`
}
