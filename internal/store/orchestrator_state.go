// OrchestratorState repository. Lifecycle transitions use compare-and-
// swap on the status column so two processes contending for the
// singleton loop resolve to exactly one winner.
package store

import (
	"context"
	"database/sql"
	"time"

	"tx/internal/txerr"
)

// GetOrchestratorState reads the singleton row.
func (s *Store) GetOrchestratorState(ctx context.Context) (*OrchestratorState, error) {
	var st OrchestratorState
	err := s.read(func() error {
		var pid sql.NullInt64
		var startedAt, lastReconcile sql.NullString
		err := s.db.QueryRowContext(ctx, `
			SELECT status, pid, started_at, worker_pool_size, heartbeat_interval_seconds,
			       lease_duration_minutes, reconcile_interval_seconds, last_reconcile_at
			FROM orchestrator_state WHERE id = 1`).Scan(
			&st.Status, &pid, &startedAt, &st.WorkerPoolSize, &st.HeartbeatIntervalSeconds,
			&st.LeaseDurationMinutes, &st.ReconcileIntervalSeconds, &lastReconcile)
		if err != nil {
			return txerr.Database(err, "read orchestrator state")
		}
		if pid.Valid {
			p := int(pid.Int64)
			st.PID = &p
		}
		st.StartedAt = parseTimePtr(startedAt)
		st.LastReconcileAt = parseTimePtr(lastReconcile)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// CASOrchestratorStatus transitions from -> to atomically; reports
// whether this process won the swap.
func (s *Store) CASOrchestratorStatus(ctx context.Context, from, to OrchestratorStatus) (bool, error) {
	var won bool
	err := s.write(func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE orchestrator_state SET status = ? WHERE id = 1 AND status = ?`, to, from)
		if err != nil {
			return txerr.Database(err, "orchestrator CAS %s -> %s", from, to)
		}
		n, _ := res.RowsAffected()
		won = n == 1
		return nil
	})
	return won, err
}

// WriteOrchestratorConfig records pid, start time and loop settings.
func (s *Store) WriteOrchestratorConfig(ctx context.Context, pid int, startedAt time.Time, st *OrchestratorState) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE orchestrator_state
			SET pid = ?, started_at = ?, worker_pool_size = ?, heartbeat_interval_seconds = ?,
			    lease_duration_minutes = ?, reconcile_interval_seconds = ?
			WHERE id = 1`,
			pid, fmtTime(startedAt), st.WorkerPoolSize, st.HeartbeatIntervalSeconds,
			st.LeaseDurationMinutes, st.ReconcileIntervalSeconds)
		if err != nil {
			return txerr.Database(err, "write orchestrator config")
		}
		return nil
	})
}

// ClearOrchestratorRuntime nulls pid/started_at after a stop.
func (s *Store) ClearOrchestratorRuntime(ctx context.Context) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE orchestrator_state SET pid = NULL, started_at = NULL WHERE id = 1`)
		if err != nil {
			return txerr.Database(err, "clear orchestrator runtime")
		}
		return nil
	})
}

// StampReconcile records the completion time of a reconcile pass.
func (s *Store) StampReconcile(ctx context.Context, at time.Time) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE orchestrator_state SET last_reconcile_at = ? WHERE id = 1`, fmtTime(at))
		if err != nil {
			return txerr.Database(err, "stamp reconcile")
		}
		return nil
	})
}
