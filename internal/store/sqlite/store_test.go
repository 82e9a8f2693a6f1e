package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/queued/queued/internal/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnqueueListRemove(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entry := pipeline.Entry{ID: "e1", PRID: "pr-1", HeadCommit: "c1", ApprovedAt: time.Now()}
	if err := s.Enqueue(ctx, "p1", entry); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	entries, err := s.ListQueue(ctx, "p1")
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if len(entries) != 1 || entries[0].PRID != "pr-1" {
		t.Fatalf("expected one queued entry, got %+v", entries)
	}

	if err := s.Remove(ctx, "p1", "pr-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	entries, _ = s.ListQueue(ctx, "p1")
	if len(entries) != 0 {
		t.Fatalf("expected empty queue after remove, got %+v", entries)
	}
}

func TestDequeueReturnsHigherPriorityFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.Enqueue(ctx, "p1", pipeline.Entry{ID: "e1", PRID: "low", Priority: 0, ApprovedAt: now})
	_ = s.Enqueue(ctx, "p1", pipeline.Entry{ID: "e2", PRID: "high", Priority: 10, ApprovedAt: now.Add(time.Second)})

	e, ok, err := s.Dequeue(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("Dequeue: ok=%v err=%v", ok, err)
	}
	if e.PRID != "high" {
		t.Fatalf("expected higher-priority entry first, got %s", e.PRID)
	}
}

func TestSetAndGetRunningRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	slot := &pipeline.RunningSlot{
		Entry:         pipeline.Entry{PRID: "pr-1", HeadCommit: "c1"},
		SubState:      pipeline.WaitingOnCI,
		StagingCommit: "staging1",
		Attempts:      1,
		CorrelationID: "p1:1",
		Deadline:      time.Now().Add(time.Hour).Truncate(time.Second),
	}
	if err := s.SetRunning(ctx, "p1", slot); err != nil {
		t.Fatalf("SetRunning: %v", err)
	}
	got, err := s.GetRunning(ctx, "p1")
	if err != nil {
		t.Fatalf("GetRunning: %v", err)
	}
	if got == nil || got.Entry.PRID != "pr-1" || got.SubState != pipeline.WaitingOnCI {
		t.Fatalf("unexpected running slot: %+v", got)
	}

	if err := s.SetRunning(ctx, "p1", nil); err != nil {
		t.Fatalf("clear SetRunning: %v", err)
	}
	got, err = s.GetRunning(ctx, "p1")
	if err != nil || got != nil {
		t.Fatalf("expected cleared running slot, got %+v err=%v", got, err)
	}
}

func TestCachedTipRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tip := pipeline.CachedTip{Commit: "abc123", ObservedAt: time.Now().Truncate(time.Second)}
	if err := s.SetCachedTip(ctx, "p1", tip); err != nil {
		t.Fatalf("SetCachedTip: %v", err)
	}
	got, err := s.GetCachedTip(ctx, "p1")
	if err != nil {
		t.Fatalf("GetCachedTip: %v", err)
	}
	if got.Commit != "abc123" {
		t.Fatalf("expected commit abc123, got %s", got.Commit)
	}
}

func TestLoadAllPipelinesAssemblesFullRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.Enqueue(ctx, "p1", pipeline.Entry{ID: "e1", PRID: "pr-2", ApprovedAt: time.Now()})
	_ = s.SetRunning(ctx, "p1", &pipeline.RunningSlot{
		Entry: pipeline.Entry{PRID: "pr-1"}, SubState: pipeline.StartingBuild,
		CorrelationID: "p1:1", Deadline: time.Now().Add(time.Hour),
	})
	_ = s.SetCachedTip(ctx, "p1", pipeline.CachedTip{Commit: "tip1", ObservedAt: time.Now()})

	recs, err := s.LoadAllPipelines(ctx)
	if err != nil {
		t.Fatalf("LoadAllPipelines: %v", err)
	}
	rec, ok := recs["p1"]
	if !ok {
		t.Fatal("expected a record for p1")
	}
	if len(rec.Queue) != 1 || rec.Running == nil || rec.CachedTip == nil {
		t.Fatalf("expected a fully assembled record, got %+v", rec)
	}
}
