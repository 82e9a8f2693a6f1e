// Package scheduler periodically sweeps every registered pipeline for timed
// out attempts, using robfig/cron/v3 the way the teacher's autopilot package
// drives its own periodic work (a single cron.Cron running one Entry per
// recurring job) — retargeted here from release/metrics cron jobs to the
// pipeline engine's deadline sweep (spec §5 timeouts).
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/queued/queued/internal/alerts"
	"github.com/queued/queued/internal/logging"
	"github.com/queued/queued/internal/pipeline"
)

// Scheduler drives periodic maintenance across a set of pipeline engines.
type Scheduler struct {
	cron    *cron.Cron
	engines []*pipeline.Engine
	monitor *alerts.Monitor
}

// New constructs a Scheduler over engines. Call Start to begin sweeping.
// monitor may be nil, in which case no alerting runs alongside the sweep.
func New(engines []*pipeline.Engine, monitor *alerts.Monitor) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		engines: engines,
		monitor: monitor,
	}
}

// Start schedules the deadline sweep at the given cron spec (e.g. "@every 30s")
// and starts the underlying cron runner.
func (s *Scheduler) Start(spec string) error {
	_, err := s.cron.AddFunc(spec, s.sweep)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) sweep() {
	ctx := context.Background()
	now := time.Now()
	for _, eng := range s.engines {
		if err := eng.CheckDeadline(ctx, now); err != nil {
			logging.Warn("scheduler: deadline check failed", "pipeline", eng.ID(), "error", err)
		}
	}
	if s.monitor != nil {
		s.monitor.Check(now)
	}
}
