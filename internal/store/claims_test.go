package store

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

func seedWorker(t *testing.T, s *Store, id string) *Worker {
	t.Helper()
	w := &Worker{
		ID:              id,
		Name:            "worker " + id,
		Hostname:        "localhost",
		PID:             4242,
		Status:          WorkerIdle,
		RegisteredAt:    s.Now(),
		LastHeartbeatAt: s.Now(),
		Capabilities:    []string{"go"},
	}
	if err := s.InsertWorker(context.Background(), w); err != nil {
		t.Fatalf("InsertWorker(%s) failed: %v", id, err)
	}
	return w
}

func seedClaim(t *testing.T, s *Store, taskID, workerID string, expires time.Time) *Claim {
	t.Helper()
	var out *Claim
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		out, err = InsertClaimQ(context.Background(), tx, &Claim{
			TaskID:         taskID,
			WorkerID:       workerID,
			Status:         ClaimActive,
			ClaimedAt:      s.Now(),
			LeaseExpiresAt: expires,
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed claim failed: %v", err)
	}
	return out
}

func TestActiveClaimUniquePerTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "task-a", TaskReady)
	seedWorker(t, s, "worker-1")
	seedWorker(t, s, "worker-2")

	seedClaim(t, s, "task-a", "worker-1", testEpoch.Add(30*time.Minute))

	// The partial unique index rejects a second active claim.
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := InsertClaimQ(ctx, tx, &Claim{
			TaskID: "task-a", WorkerID: "worker-2", Status: ClaimActive,
			ClaimedAt: s.Now(), LeaseExpiresAt: testEpoch.Add(30 * time.Minute),
		})
		return err
	})
	if err == nil {
		t.Fatal("second active claim on one task was accepted")
	}
}

func TestReleasedClaimAllowsReclaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "task-a", TaskReady)
	seedWorker(t, s, "worker-1")

	first := seedClaim(t, s, "task-a", "worker-1", testEpoch.Add(30*time.Minute))
	changed, err := s.SetClaimStatus(ctx, first.ID, ClaimReleased)
	if err != nil || !changed {
		t.Fatalf("release failed: changed=%v err=%v", changed, err)
	}

	second := seedClaim(t, s, "task-a", "worker-1", testEpoch.Add(30*time.Minute))
	if second.ID <= first.ID {
		t.Errorf("claim ids not monotone: %d then %d", first.ID, second.ID)
	}
}

func TestSetClaimStatusIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "task-a", TaskReady)
	seedWorker(t, s, "worker-1")
	c := seedClaim(t, s, "task-a", "worker-1", testEpoch.Add(30*time.Minute))

	changed, err := s.SetClaimStatus(ctx, c.ID, ClaimExpired)
	if err != nil || !changed {
		t.Fatalf("first expire: changed=%v err=%v", changed, err)
	}
	changed, err = s.SetClaimStatus(ctx, c.ID, ClaimExpired)
	if err != nil {
		t.Fatalf("second expire errored: %v", err)
	}
	if changed {
		t.Error("second expire reported a change")
	}
}

func TestExpiredClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "task-a", TaskReady)
	seedTask(t, s, "task-b", TaskReady)
	seedWorker(t, s, "worker-1")

	lapsed := seedClaim(t, s, "task-a", "worker-1", testEpoch.Add(-2*time.Minute))
	seedClaim(t, s, "task-b", "worker-1", testEpoch.Add(30*time.Minute))

	expired, err := s.ExpiredClaims(ctx, testEpoch)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != lapsed.ID {
		t.Errorf("expired = %v, want claim %d only", expired, lapsed.ID)
	}
}

func TestActiveClaimForTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "task-a", TaskReady)
	seedWorker(t, s, "worker-1")

	c, err := s.ActiveClaimForTask(ctx, "task-a")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("expected nil claim before claiming, got %+v", c)
	}

	seeded := seedClaim(t, s, "task-a", "worker-1", testEpoch.Add(30*time.Minute))
	c, err = s.ActiveClaimForTask(ctx, "task-a")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.ID != seeded.ID || c.WorkerID != "worker-1" {
		t.Errorf("active claim = %+v, want id %d", c, seeded.ID)
	}
}
