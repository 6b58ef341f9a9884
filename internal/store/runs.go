// Run repository: run rows plus the run_heartbeats activity tracker.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"tx/internal/txerr"
)

const runColumns = `id, task_id, agent, status, pid, started_at, ended_at, exit_code,
	transcript_path, stderr_path, stdout_path, error_message, metadata`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var taskID, endedAt, transcript, stderrPath, stdoutPath, errMsg sql.NullString
	var pid, exitCode sql.NullInt64
	var started, metaJSON string
	if err := row.Scan(&r.ID, &taskID, &r.Agent, &r.Status, &pid, &started, &endedAt,
		&exitCode, &transcript, &stderrPath, &stdoutPath, &errMsg, &metaJSON); err != nil {
		return nil, err
	}
	if taskID.Valid {
		r.TaskID = &taskID.String
	}
	if pid.Valid {
		p := int(pid.Int64)
		r.PID = &p
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		r.ExitCode = &c
	}
	if transcript.Valid {
		r.TranscriptPath = &transcript.String
	}
	if stderrPath.Valid {
		r.StderrPath = &stderrPath.String
	}
	if stdoutPath.Valid {
		r.StdoutPath = &stdoutPath.String
	}
	if errMsg.Valid {
		r.ErrorMessage = &errMsg.String
	}
	_ = json.Unmarshal([]byte(metaJSON), &r.Metadata)
	var err error
	if r.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	r.EndedAt = parseTimePtr(endedAt)
	return &r, nil
}

// InsertRun persists a new run row.
func (s *Store) InsertRun(ctx context.Context, r *Run) error {
	meta, err := json.Marshal(orEmptyMap(r.Metadata))
	if err != nil {
		return txerr.Wrap(txerr.CodeValidationError, err, "marshal run metadata")
	}
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (`+runColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.TaskID, r.Agent, r.Status, r.PID, fmtTime(r.StartedAt),
			fmtTimePtr(r.EndedAt), r.ExitCode, r.TranscriptPath, r.StderrPath,
			r.StdoutPath, r.ErrorMessage, string(meta))
		if err != nil {
			return txerr.Database(err, "insert run %s", r.ID)
		}
		return nil
	})
}

// GetRun fetches a single run.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var r *Run
	err := s.read(func() error {
		var scanErr error
		r, scanErr = scanRun(s.db.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
		if scanErr == sql.ErrNoRows {
			return txerr.New(txerr.CodeRunNotFound, "run %s not found", id)
		}
		if scanErr != nil {
			return txerr.Database(scanErr, "get run %s", id)
		}
		return nil
	})
	return r, err
}

// FinishRun stamps a run's terminal state. Ended runs are not updated
// twice; the active-status guard makes finish idempotent.
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, endedAt time.Time, exitCode *int, errorMessage *string) (bool, error) {
	var changed bool
	err := s.write(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, ended_at = ?, exit_code = ?, error_message = ?
			WHERE id = ? AND status = 'running'`,
			status, fmtTime(endedAt), exitCode, errorMessage, id)
		if err != nil {
			return txerr.Database(err, "finish run %s", id)
		}
		n, _ := res.RowsAffected()
		changed = n > 0
		return nil
	})
	return changed, err
}

// UpdateRunPaths records output artifact paths discovered after launch.
func (s *Store) UpdateRunPaths(ctx context.Context, id string, transcript, stdout, stderr *string) error {
	return s.write(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE runs SET
				transcript_path = COALESCE(?, transcript_path),
				stdout_path = COALESCE(?, stdout_path),
				stderr_path = COALESCE(?, stderr_path)
			WHERE id = ?`, transcript, stdout, stderr, id)
		if err != nil {
			return txerr.Database(err, "update run %s paths", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return txerr.New(txerr.CodeRunNotFound, "run %s not found", id)
		}
		return nil
	})
}

// ListRuns returns runs newest first, optionally filtered by status or
// task, limited when limit > 0.
func (s *Store) ListRuns(ctx context.Context, status RunStatus, taskID string, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var where []string
	var args []any
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	if taskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, taskID)
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.runQuery(ctx, query, args...)
}

// RunningRuns returns every run still marked running.
func (s *Store) RunningRuns(ctx context.Context) ([]*Run, error) {
	return s.runQuery(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = 'running' ORDER BY started_at ASC`)
}

func (s *Store) runQuery(ctx context.Context, query string, args ...any) ([]*Run, error) {
	var runs []*Run
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return txerr.Database(err, "run query")
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRun(rows)
			if err != nil {
				return txerr.Database(err, "scan run")
			}
			runs = append(runs, r)
		}
		return rows.Err()
	})
	return runs, err
}

// UpsertRunHeartbeat folds a new activity sample into run_heartbeats.
// Byte counters only move forward and last_activity_at advances only
// when the sample shows new bytes.
func (s *Store) UpsertRunHeartbeat(ctx context.Context, hb *RunHeartbeat) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO run_heartbeats (run_id, last_check_at, last_activity_at,
				stdout_bytes, stderr_bytes, transcript_bytes, last_delta_bytes)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET
				last_check_at = excluded.last_check_at,
				last_activity_at = CASE WHEN excluded.last_delta_bytes > 0
					THEN excluded.last_activity_at ELSE run_heartbeats.last_activity_at END,
				stdout_bytes = MAX(run_heartbeats.stdout_bytes, excluded.stdout_bytes),
				stderr_bytes = MAX(run_heartbeats.stderr_bytes, excluded.stderr_bytes),
				transcript_bytes = MAX(run_heartbeats.transcript_bytes, excluded.transcript_bytes),
				last_delta_bytes = excluded.last_delta_bytes`,
			hb.RunID, fmtTime(hb.LastCheckAt), fmtTime(hb.LastActivityAt),
			hb.StdoutBytes, hb.StderrBytes, hb.TranscriptBytes, hb.LastDeltaBytes)
		if err != nil {
			return txerr.Database(err, "upsert heartbeat for run %s", hb.RunID)
		}
		return nil
	})
}

// GetRunHeartbeat returns the heartbeat row for a run, or nil.
func (s *Store) GetRunHeartbeat(ctx context.Context, runID string) (*RunHeartbeat, error) {
	var hb *RunHeartbeat
	err := s.read(func() error {
		var h RunHeartbeat
		var check, activity string
		scanErr := s.db.QueryRowContext(ctx, `
			SELECT run_id, last_check_at, last_activity_at, stdout_bytes,
			       stderr_bytes, transcript_bytes, last_delta_bytes
			FROM run_heartbeats WHERE run_id = ?`, runID).Scan(
			&h.RunID, &check, &activity, &h.StdoutBytes, &h.StderrBytes,
			&h.TranscriptBytes, &h.LastDeltaBytes)
		if scanErr == sql.ErrNoRows {
			return nil
		}
		if scanErr != nil {
			return txerr.Database(scanErr, "get heartbeat for run %s", runID)
		}
		var err error
		if h.LastCheckAt, err = parseTime(check); err != nil {
			return txerr.Database(err, "parse heartbeat time")
		}
		if h.LastActivityAt, err = parseTime(activity); err != nil {
			return txerr.Database(err, "parse heartbeat time")
		}
		hb = &h
		return nil
	})
	return hb, err
}

// StalledRuns returns running runs whose last recorded activity is older
// than the cutoff. Runs with no heartbeat row yet fall back to their
// start time.
func (s *Store) StalledRuns(ctx context.Context, cutoff time.Time) ([]*Run, error) {
	return s.runQuery(ctx, `
		SELECT `+runColumnsPrefixed("r")+` FROM runs r
		LEFT JOIN run_heartbeats h ON h.run_id = r.id
		WHERE r.status = 'running'
		  AND COALESCE(h.last_activity_at, r.started_at) < ?
		ORDER BY r.started_at ASC`, fmtTime(cutoff))
}

func runColumnsPrefixed(alias string) string {
	return alias + `.id, ` + alias + `.task_id, ` + alias + `.agent, ` + alias + `.status, ` +
		alias + `.pid, ` + alias + `.started_at, ` + alias + `.ended_at, ` + alias + `.exit_code, ` +
		alias + `.transcript_path, ` + alias + `.stderr_path, ` + alias + `.stdout_path, ` +
		alias + `.error_message, ` + alias + `.metadata`
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
