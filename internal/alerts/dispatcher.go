package alerts

import (
	"encoding/json"

	"github.com/queued/queued/internal/logging"
)

// Delivery is the sink fired alerts are sent to; cmd/queued adapts a
// webhookdispatch.Dispatcher to it. It is kept as a narrow local interface
// so this package doesn't depend on workers.Command shapes it has no use for.
type Delivery interface {
	DeliverAlert(body []byte) error
}

// Dispatcher sends fired alerts to a single delivery sink.
type Dispatcher struct {
	delivery Delivery
}

// NewDispatcher constructs a Dispatcher over delivery. A nil delivery makes
// Dispatch a no-op logger, useful when no alert webhook is configured.
func NewDispatcher(delivery Delivery) *Dispatcher {
	return &Dispatcher{delivery: delivery}
}

// Dispatch delivers alert, logging locally regardless of delivery outcome.
func (d *Dispatcher) Dispatch(alert Alert) {
	logging.Warn("alerts: fired", "type", alert.Type, "pipeline", alert.PipelineID, "message", alert.Message)
	if d.delivery == nil {
		return
	}
	body, err := json.Marshal(alert)
	if err != nil {
		logging.Error("alerts: marshal failed", "error", err)
		return
	}
	if err := d.delivery.DeliverAlert(body); err != nil {
		logging.Error("alerts: delivery failed", "type", alert.Type, "pipeline", alert.PipelineID, "error", err)
	}
}
