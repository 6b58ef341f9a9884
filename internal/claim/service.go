// Package claim implements the lease manager. A claim grants one worker
// exclusive right to a task for a bounded lease; renewal is capped and
// expiry is detected, never enforced in-band.
package claim

import (
	"context"
	"database/sql"
	"time"

	"tx/internal/logging"
	"tx/internal/store"
	"tx/internal/txerr"
)

// DefaultLeaseMinutes is the lease length when the caller passes none.
const DefaultLeaseMinutes = 30

// Service is the lease manager.
type Service struct {
	store        *store.Store
	leaseMinutes int
}

// NewService builds a lease manager. leaseMinutes <= 0 selects the
// default.
func NewService(s *store.Store, leaseMinutes int) *Service {
	if leaseMinutes <= 0 {
		leaseMinutes = DefaultLeaseMinutes
	}
	return &Service{store: s, leaseMinutes: leaseMinutes}
}

// Claim issues a lease on a task to a worker. Task and worker must
// exist; a task with an active claim fails with AlreadyClaimed carrying
// the holder's id. The existence checks, uniqueness check and insert
// share one write transaction.
func (svc *Service) Claim(ctx context.Context, taskID, workerID string, leaseMinutes int) (*store.Claim, error) {
	if leaseMinutes <= 0 {
		leaseMinutes = svc.leaseMinutes
	}
	now := svc.store.Now()
	var out *store.Claim
	err := svc.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := store.GetTaskQ(ctx, tx, taskID); err != nil {
			return err
		}
		if _, err := store.GetWorkerQ(ctx, tx, workerID); err != nil {
			return err
		}
		existing, err := store.ActiveClaimForTaskQ(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if existing != nil {
			return txerr.New(txerr.CodeAlreadyClaimed,
				"task %s already claimed by worker %s", taskID, existing.WorkerID).
				WithDetail("claimedByWorkerId", existing.WorkerID)
		}
		out, err = store.InsertClaimQ(ctx, tx, &store.Claim{
			TaskID:         taskID,
			WorkerID:       workerID,
			Status:         store.ClaimActive,
			ClaimedAt:      now,
			LeaseExpiresAt: now.Add(time.Duration(leaseMinutes) * time.Minute),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.Claim("Worker %s claimed task %s (claim %d, lease %dm)", workerID, taskID, out.ID, leaseMinutes)
	return out, nil
}

// Renew extends the lease on an active claim. The claim must belong to
// the worker, be unexpired, and have headroom under the renewal cap.
func (svc *Service) Renew(ctx context.Context, taskID, workerID string) (*store.Claim, error) {
	now := svc.store.Now()
	var out *store.Claim
	err := svc.store.WithTx(ctx, func(tx *sql.Tx) error {
		c, err := store.ActiveClaimForTaskQ(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if c == nil || c.WorkerID != workerID {
			return txerr.New(txerr.CodeClaimNotFound,
				"no active claim on task %s held by worker %s", taskID, workerID)
		}
		if now.After(c.LeaseExpiresAt) {
			return txerr.New(txerr.CodeLeaseExpired,
				"lease on task %s expired at %s", taskID, c.LeaseExpiresAt.Format(time.RFC3339))
		}
		if c.RenewedCount >= store.MaxRenewals {
			return txerr.New(txerr.CodeMaxRenewalsExceeded,
				"claim %d reached the renewal cap of %d", c.ID, store.MaxRenewals)
		}
		expires := now.Add(time.Duration(svc.leaseMinutes) * time.Minute)
		if err := store.UpdateClaimLeaseQ(ctx, tx, c.ID, expires, c.RenewedCount+1); err != nil {
			return err
		}
		renewed := *c
		renewed.LeaseExpiresAt = expires
		renewed.RenewedCount = c.RenewedCount + 1
		out = &renewed
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Claim("Worker %s renewed claim %d on task %s (renewal %d)", workerID, out.ID, taskID, out.RenewedCount)
	return out, nil
}

// Release ends a worker's active claim on a task.
func (svc *Service) Release(ctx context.Context, taskID, workerID string) error {
	return svc.store.WithTx(ctx, func(tx *sql.Tx) error {
		c, err := store.ActiveClaimForTaskQ(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if c == nil || c.WorkerID != workerID {
			return txerr.New(txerr.CodeClaimNotFound,
				"no active claim on task %s held by worker %s", taskID, workerID)
		}
		if _, err := store.SetClaimStatusQ(ctx, tx, c.ID, store.ClaimReleased); err != nil {
			return err
		}
		logging.Claim("Worker %s released claim %d on task %s", workerID, c.ID, taskID)
		return nil
	})
}

// Expire marks a claim expired by id. Idempotent: expiring an already
// inactive claim changes nothing and succeeds.
func (svc *Service) Expire(ctx context.Context, claimID int64) error {
	if _, err := svc.store.GetClaim(ctx, claimID); err != nil {
		return err
	}
	changed, err := svc.store.SetClaimStatus(ctx, claimID, store.ClaimExpired)
	if err != nil {
		return err
	}
	if changed {
		logging.Claim("Expired claim %d", claimID)
	}
	return nil
}

// GetExpired returns active claims whose lease has lapsed.
func (svc *Service) GetExpired(ctx context.Context) ([]*store.Claim, error) {
	return svc.store.ExpiredClaims(ctx, svc.store.Now())
}

// ReleaseByWorker bulk-releases a worker's active claims; returns count.
// Used for graceful shutdown and by the reconciler for dead workers.
func (svc *Service) ReleaseByWorker(ctx context.Context, workerID string) (int, error) {
	claims, err := svc.store.ActiveClaimsByWorker(ctx, workerID)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, c := range claims {
		changed, err := svc.store.SetClaimStatus(ctx, c.ID, store.ClaimReleased)
		if err != nil {
			return released, err
		}
		if changed {
			released++
		}
	}
	if released > 0 {
		logging.Claim("Released %d claim(s) held by worker %s", released, workerID)
	}
	return released, nil
}

// GetActiveClaim returns the active claim on a task, or nil.
func (svc *Service) GetActiveClaim(ctx context.Context, taskID string) (*store.Claim, error) {
	return svc.store.ActiveClaimForTask(ctx, taskID)
}
