// Package router implements the process-wide event router (spec §5): it
// selects incoming worker events by pipeline id and dispatches each to its
// owning pipeline engine. Different pipelines advance on independent
// goroutines sharing no mutable state but the persistence store; this mirrors
// the teacher's internal/orchestrator worker-pool idiom (a per-key running
// set plus a bounded dispatch channel) adapted from per-task dispatch to
// per-pipeline event dispatch.
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/queued/queued/internal/logging"
	"github.com/queued/queued/internal/pipeline"
	"github.com/queued/queued/internal/workers"
)

// queueDepth bounds how many undelivered events a single pipeline's inbox may
// hold before Route blocks; this provides backpressure without dropping
// events.
const queueDepth = 64

// Router dispatches events to the engine owning their pipeline id.
type Router struct {
	mu     sync.RWMutex
	boxes  map[string]chan workers.Event
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a router bound to ctx's lifetime.
func New(ctx context.Context) *Router {
	ctx, cancel := context.WithCancel(ctx)
	return &Router{boxes: make(map[string]chan workers.Event), ctx: ctx, cancel: cancel}
}

// Register binds a pipeline engine to the router and starts its per-pipeline
// consumer goroutine. Each pipeline's events are applied strictly in the
// order this goroutine receives them; pipelines never share a goroutine.
func (r *Router) Register(eng *pipeline.Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inbox := make(chan workers.Event, queueDepth)
	r.boxes[eng.ID()] = inbox

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case evt, ok := <-inbox:
				if !ok {
					return
				}
				if err := eng.HandleEvent(r.ctx, evt); err != nil {
					logging.Error("router: event handling failed",
						"pipeline", eng.ID(), "event", evt.Type, "error", err)
				}
			}
		}
	}()
}

// Route delivers evt to the pipeline it names. It returns
// pipeline.ErrUnknownPipeline if no engine is registered for that id.
func (r *Router) Route(ctx context.Context, evt workers.Event) error {
	r.mu.RLock()
	inbox, ok := r.boxes[evt.PipelineID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrUnknownPipeline, evt.PipelineID)
	}
	select {
	case inbox <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

// Shutdown cancels the router's context and waits for every per-pipeline
// consumer to return; events still buffered in an inbox are not applied.
func (r *Router) Shutdown() {
	r.cancel()
	r.wg.Wait()
}
