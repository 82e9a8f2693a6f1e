package alerts

import (
	"fmt"
	"sync"
	"time"
)

// stuckWaitingCIThreshold is how long a running slot may sit past its
// deadline before Monitor treats it as a deadlock rather than an ordinary
// timeout the scheduler's own CheckDeadline sweep will clear.
const stuckWaitingCIThreshold = 5 * time.Minute

// cooldown bounds how often the same pipeline may re-fire the same alert
// type, mirroring the teacher's per-rule shouldFire cooldown.
const cooldown = 15 * time.Minute

// Source is the subset of pipeline.Engine the monitor polls.
type Source interface {
	ID() string
	Status() Snapshot
}

// Snapshot is the subset of pipeline.Snapshot the monitor needs; declared
// locally so this package doesn't import pipeline's full Engine surface.
type Snapshot struct {
	Halted      bool
	RunningDead time.Time // zero if nothing is running
	HasRunning  bool
}

// Monitor polls a set of Sources on each scheduler tick and fires alerts for
// a circuit-breaker trip (engine halted after a persistence failure, spec
// §9) or a running slot stuck past its deadline (a deadlock, §9 Open
// Question), adapted from the teacher's handleAutopilotMetrics/
// handleEscalation rule evaluation — replacing its rule-file thresholds with
// the two conditions this domain actually has.
type Monitor struct {
	sources    []Source
	dispatcher *Dispatcher

	mu          sync.Mutex
	wasHalted   map[string]bool
	stuckSince  map[string]time.Time
	lastFired   map[string]time.Time
}

// NewMonitor constructs a Monitor over sources, delivering through dispatcher.
func NewMonitor(sources []Source, dispatcher *Dispatcher) *Monitor {
	return &Monitor{
		sources:    sources,
		dispatcher: dispatcher,
		wasHalted:  make(map[string]bool),
		stuckSince: make(map[string]time.Time),
		lastFired:  make(map[string]time.Time),
	}
}

// Check evaluates every source against now, firing any newly-tripped alerts.
func (m *Monitor) Check(now time.Time) {
	for _, src := range m.sources {
		id := src.ID()
		snap := src.Status()

		if snap.Halted && !m.wasHalted[id] {
			m.fire(Alert{
				Type:       TypeCircuitBreakerTrip,
				Severity:   SeverityCritical,
				PipelineID: id,
				Message:    "pipeline halted after a persistence failure; no further transitions will be attempted",
				FiredAt:    now,
			})
		}
		m.wasHalted[id] = snap.Halted

		if !snap.HasRunning || snap.RunningDead.IsZero() {
			delete(m.stuckSince, id)
			continue
		}
		if now.Before(snap.RunningDead) {
			delete(m.stuckSince, id)
			continue
		}

		since, tracking := m.stuckSince[id]
		if !tracking {
			m.stuckSince[id] = now
			continue
		}
		if now.Sub(since) >= stuckWaitingCIThreshold {
			m.fire(Alert{
				Type:       TypeDeadlineExceeded,
				Severity:   SeverityWarning,
				PipelineID: id,
				Message:    fmt.Sprintf("running slot %v past its deadline with no clearing event", now.Sub(since).Round(time.Minute)),
				FiredAt:    now,
			})
		}
	}
}

func (m *Monitor) fire(alert Alert) {
	m.mu.Lock()
	key := string(alert.Type) + ":" + alert.PipelineID
	if last, ok := m.lastFired[key]; ok && alert.FiredAt.Sub(last) < cooldown {
		m.mu.Unlock()
		return
	}
	m.lastFired[key] = alert.FiredAt
	m.mu.Unlock()

	m.dispatcher.Dispatch(alert)
}
