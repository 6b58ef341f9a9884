package store

import (
	"context"
	"testing"
	"time"

	"tx/internal/txerr"
)

func TestWorkerHeartbeatMonotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := seedWorker(t, s, "worker-1")

	later := testEpoch.Add(time.Minute)
	if err := s.TouchWorkerHeartbeat(ctx, w.ID, later); err != nil {
		t.Fatal(err)
	}
	// An out-of-order sample must not move the clock backwards.
	if err := s.TouchWorkerHeartbeat(ctx, w.ID, testEpoch.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastHeartbeatAt.Equal(later) {
		t.Errorf("heartbeat = %v, want %v", got.LastHeartbeatAt, later)
	}
}

func TestTouchHeartbeatUnknownWorker(t *testing.T) {
	s := newTestStore(t)
	err := s.TouchWorkerHeartbeat(context.Background(), "worker-ghost", testEpoch)
	if !txerr.HasCode(err, txerr.CodeWorkerNotFound) {
		t.Errorf("want WorkerNotFound, got %v", err)
	}
}

func TestMarkWorkersOffline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedWorker(t, s, "worker-a")
	b := seedWorker(t, s, "worker-b")

	taskID := "task-x"
	if err := s.UpdateWorkerStatus(ctx, a.ID, WorkerBusy, &taskID); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateWorkerStatus(ctx, b.ID, WorkerOffline, nil); err != nil {
		t.Fatal(err)
	}

	// b is already offline, so only a counts.
	count, err := s.MarkWorkersOffline(ctx, []string{a.ID, b.ID})
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("offlined %d workers, want 1", count)
	}

	got, err := s.GetWorker(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != WorkerOffline || got.CurrentTaskID != nil {
		t.Errorf("worker not cleanly offlined: %+v", got)
	}
}

func TestWorkersHeartbeatOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	stale := seedWorker(t, s, "worker-stale")
	fresh := seedWorker(t, s, "worker-fresh")
	gone := seedWorker(t, s, "worker-gone")

	if err := s.TouchWorkerHeartbeat(ctx, fresh.ID, testEpoch.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	// Offline workers are excluded even when stale.
	if err := s.UpdateWorkerStatus(ctx, gone.ID, WorkerOffline, nil); err != nil {
		t.Fatal(err)
	}

	workers, err := s.WorkersHeartbeatOlderThan(ctx, testEpoch.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 1 || workers[0].ID != stale.ID {
		t.Errorf("stale workers = %v, want [%s]", workers, stale.ID)
	}
}
