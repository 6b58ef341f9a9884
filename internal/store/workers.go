// Worker repository.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"tx/internal/txerr"
)

const workerColumns = `id, name, hostname, pid, status, registered_at, last_heartbeat_at, current_task_id, capabilities`

func scanWorker(row interface{ Scan(...any) error }) (*Worker, error) {
	var w Worker
	var currentTask sql.NullString
	var capsJSON, registered, heartbeat string
	if err := row.Scan(&w.ID, &w.Name, &w.Hostname, &w.PID, &w.Status,
		&registered, &heartbeat, &currentTask, &capsJSON); err != nil {
		return nil, err
	}
	if currentTask.Valid {
		w.CurrentTaskID = &currentTask.String
	}
	_ = json.Unmarshal([]byte(capsJSON), &w.Capabilities)
	var err error
	if w.RegisteredAt, err = parseTime(registered); err != nil {
		return nil, err
	}
	if w.LastHeartbeatAt, err = parseTime(heartbeat); err != nil {
		return nil, err
	}
	return &w, nil
}

// InsertWorker persists a new worker row.
func (s *Store) InsertWorker(ctx context.Context, w *Worker) error {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return txerr.Wrap(txerr.CodeRegistrationError, err, "marshal capabilities")
	}
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workers (`+workerColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.ID, w.Name, w.Hostname, w.PID, w.Status,
			fmtTime(w.RegisteredAt), fmtTime(w.LastHeartbeatAt), w.CurrentTaskID, string(caps))
		if err != nil {
			return txerr.Database(err, "insert worker %s", w.ID)
		}
		return nil
	})
}

// GetWorker fetches one worker.
func (s *Store) GetWorker(ctx context.Context, id string) (*Worker, error) {
	var w *Worker
	err := s.read(func() error {
		var err error
		w, err = getWorkerQ(ctx, s.db, id)
		return err
	})
	return w, err
}

// GetWorkerQ is the transaction-scoped lookup.
func GetWorkerQ(ctx context.Context, q Querier, id string) (*Worker, error) {
	return getWorkerQ(ctx, q, id)
}

func getWorkerQ(ctx context.Context, q Querier, id string) (*Worker, error) {
	w, err := scanWorker(q.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, txerr.New(txerr.CodeWorkerNotFound, "worker %s not found", id)
	}
	if err != nil {
		return nil, txerr.Database(err, "get worker %s", id)
	}
	return w, nil
}

// TouchWorkerHeartbeat advances last_heartbeat_at, never backwards.
func (s *Store) TouchWorkerHeartbeat(ctx context.Context, id string, now time.Time) error {
	return s.write(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE workers SET last_heartbeat_at = MAX(last_heartbeat_at, ?) WHERE id = ?`,
			fmtTime(now), id)
		if err != nil {
			return txerr.Database(err, "heartbeat worker %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return txerr.New(txerr.CodeWorkerNotFound, "worker %s not found", id)
		}
		return nil
	})
}

// UpdateWorkerStatus sets status and optionally the current task.
func (s *Store) UpdateWorkerStatus(ctx context.Context, id string, status WorkerStatus, currentTaskID *string) error {
	return s.write(func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE workers SET status = ?, current_task_id = ? WHERE id = ?`,
			status, currentTaskID, id)
		if err != nil {
			return txerr.Database(err, "update worker %s status", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return txerr.New(txerr.CodeWorkerNotFound, "worker %s not found", id)
		}
		return nil
	})
}

// MarkWorkersOffline flips the given workers to offline; returns count.
func (s *Store) MarkWorkersOffline(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var count int
	err := s.write(func() error {
		for _, id := range ids {
			res, err := s.db.ExecContext(ctx,
				`UPDATE workers SET status = 'offline', current_task_id = NULL WHERE id = ? AND status != 'offline'`, id)
			if err != nil {
				return txerr.Database(err, "mark worker %s offline", id)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				count++
			}
		}
		return nil
	})
	return count, err
}

// ListWorkers returns all workers, optionally filtered by status.
func (s *Store) ListWorkers(ctx context.Context, status WorkerStatus) ([]*Worker, error) {
	var workers []*Worker
	err := s.read(func() error {
		query := `SELECT ` + workerColumns + ` FROM workers`
		var args []any
		if status != "" {
			query += ` WHERE status = ?`
			args = append(args, status)
		}
		query += ` ORDER BY registered_at ASC`
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return txerr.Database(err, "list workers")
		}
		defer rows.Close()
		for rows.Next() {
			w, err := scanWorker(rows)
			if err != nil {
				return txerr.Database(err, "scan worker")
			}
			workers = append(workers, w)
		}
		return rows.Err()
	})
	return workers, err
}

// WorkersHeartbeatOlderThan returns non-offline workers whose heartbeat
// is older than the cutoff.
func (s *Store) WorkersHeartbeatOlderThan(ctx context.Context, cutoff time.Time) ([]*Worker, error) {
	var workers []*Worker
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+workerColumns+` FROM workers
			WHERE status != 'offline' AND last_heartbeat_at < ?
			ORDER BY last_heartbeat_at ASC`, fmtTime(cutoff))
		if err != nil {
			return txerr.Database(err, "list stale workers")
		}
		defer rows.Close()
		for rows.Next() {
			w, err := scanWorker(rows)
			if err != nil {
				return txerr.Database(err, "scan stale worker")
			}
			workers = append(workers, w)
		}
		return rows.Err()
	})
	return workers, err
}

// DeleteWorker removes a worker row.
func (s *Store) DeleteWorker(ctx context.Context, id string) error {
	return s.write(func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
		if err != nil {
			return txerr.Database(err, "delete worker %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return txerr.New(txerr.CodeWorkerNotFound, "worker %s not found", id)
		}
		return nil
	})
}
