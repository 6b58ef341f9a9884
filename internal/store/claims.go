// Claim repository. The partial unique index on (task_id) WHERE
// status='active' is the ground truth for the at-most-one-claim
// invariant; the service layer translates violations into AlreadyClaimed.
package store

import (
	"context"
	"database/sql"
	"time"

	"tx/internal/txerr"
)

const claimColumns = `id, task_id, worker_id, status, claimed_at, lease_expires_at, renewed_count`

func scanClaim(row interface{ Scan(...any) error }) (*Claim, error) {
	var c Claim
	var claimed, expires string
	if err := row.Scan(&c.ID, &c.TaskID, &c.WorkerID, &c.Status, &claimed, &expires, &c.RenewedCount); err != nil {
		return nil, err
	}
	var err error
	if c.ClaimedAt, err = parseTime(claimed); err != nil {
		return nil, err
	}
	if c.LeaseExpiresAt, err = parseTime(expires); err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertClaimQ inserts an active claim inside the caller's transaction
// and returns the row with its assigned id.
func InsertClaimQ(ctx context.Context, q Querier, c *Claim) (*Claim, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO claims (task_id, worker_id, status, claimed_at, lease_expires_at, renewed_count)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.TaskID, c.WorkerID, c.Status, fmtTime(c.ClaimedAt), fmtTime(c.LeaseExpiresAt), c.RenewedCount)
	if err != nil {
		return nil, txerr.Database(err, "insert claim for task %s", c.TaskID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, txerr.Database(err, "claim insert id")
	}
	out := *c
	out.ID = id
	return &out, nil
}

// ActiveClaimForTaskQ returns the active claim on a task, or nil.
func ActiveClaimForTaskQ(ctx context.Context, q Querier, taskID string) (*Claim, error) {
	c, err := scanClaim(q.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE task_id = ? AND status = 'active'`, taskID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, txerr.Database(err, "active claim for task %s", taskID)
	}
	return c, nil
}

// ActiveClaimForTask is the standalone variant.
func (s *Store) ActiveClaimForTask(ctx context.Context, taskID string) (*Claim, error) {
	var c *Claim
	err := s.read(func() error {
		var err error
		c, err = ActiveClaimForTaskQ(ctx, s.db, taskID)
		return err
	})
	return c, err
}

// GetClaim fetches a claim row by numeric id.
func (s *Store) GetClaim(ctx context.Context, id int64) (*Claim, error) {
	var c *Claim
	err := s.read(func() error {
		var scanErr error
		c, scanErr = scanClaim(s.db.QueryRowContext(ctx,
			`SELECT `+claimColumns+` FROM claims WHERE id = ?`, id))
		if scanErr == sql.ErrNoRows {
			return txerr.New(txerr.CodeClaimIdNotFound, "claim %d not found", id)
		}
		if scanErr != nil {
			return txerr.Database(scanErr, "get claim %d", id)
		}
		return nil
	})
	return c, err
}

// UpdateClaimLeaseQ stamps a renewed lease inside a transaction.
func UpdateClaimLeaseQ(ctx context.Context, q Querier, id int64, expires time.Time, renewedCount int) error {
	res, err := q.ExecContext(ctx,
		`UPDATE claims SET lease_expires_at = ?, renewed_count = ? WHERE id = ? AND status = 'active'`,
		fmtTime(expires), renewedCount, id)
	if err != nil {
		return txerr.Database(err, "renew claim %d", id)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return txerr.New(txerr.CodeUnexpectedRowCount, "renew claim %d affected %d rows", id, n)
	}
	return nil
}

// SetClaimStatusQ transitions a claim's status inside a transaction.
func SetClaimStatusQ(ctx context.Context, q Querier, id int64, status ClaimStatus) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE claims SET status = ? WHERE id = ? AND status = 'active'`, status, id)
	if err != nil {
		return false, txerr.Database(err, "set claim %d status %s", id, status)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetClaimStatus is the standalone variant.
func (s *Store) SetClaimStatus(ctx context.Context, id int64, status ClaimStatus) (bool, error) {
	var changed bool
	err := s.write(func() error {
		var err error
		changed, err = SetClaimStatusQ(ctx, s.db, id, status)
		return err
	})
	return changed, err
}

// ExpiredClaims returns active claims whose lease has lapsed.
func (s *Store) ExpiredClaims(ctx context.Context, now time.Time) ([]*Claim, error) {
	return s.claimQuery(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE status = 'active' AND lease_expires_at < ? ORDER BY id ASC`,
		fmtTime(now))
}

// ActiveClaimsByWorker returns a worker's active claims.
func (s *Store) ActiveClaimsByWorker(ctx context.Context, workerID string) ([]*Claim, error) {
	return s.claimQuery(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE worker_id = ? AND status = 'active' ORDER BY id ASC`,
		workerID)
}

// ActiveClaimByTaskAndWorker returns the active claim held by a specific
// worker on a task, or nil.
func (s *Store) ActiveClaimByTaskAndWorker(ctx context.Context, taskID, workerID string) (*Claim, error) {
	var c *Claim
	err := s.read(func() error {
		var scanErr error
		c, scanErr = scanClaim(s.db.QueryRowContext(ctx,
			`SELECT `+claimColumns+` FROM claims WHERE task_id = ? AND worker_id = ? AND status = 'active'`,
			taskID, workerID))
		if scanErr == sql.ErrNoRows {
			c = nil
			return nil
		}
		if scanErr != nil {
			return txerr.Database(scanErr, "claim lookup %s/%s", taskID, workerID)
		}
		return nil
	})
	return c, err
}

func (s *Store) claimQuery(ctx context.Context, query string, args ...any) ([]*Claim, error) {
	var claims []*Claim
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return txerr.Database(err, "claim query")
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanClaim(rows)
			if err != nil {
				return txerr.Database(err, "scan claim")
			}
			claims = append(claims, c)
		}
		return rows.Err()
	})
	return claims, err
}
