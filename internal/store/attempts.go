// Attempt repository.
package store

import (
	"context"
	"database/sql"

	"tx/internal/txerr"
)

const attemptColumns = `id, task_id, approach, outcome, reason, created_at`

func scanAttempt(row interface{ Scan(...any) error }) (*Attempt, error) {
	var a Attempt
	var reason sql.NullString
	var created string
	if err := row.Scan(&a.ID, &a.TaskID, &a.Approach, &a.Outcome, &reason, &created); err != nil {
		return nil, err
	}
	if reason.Valid {
		a.Reason = &reason.String
	}
	var err error
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &a, nil
}

// InsertAttempt records one approach taken on a task.
func (s *Store) InsertAttempt(ctx context.Context, a *Attempt) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO attempts (`+attemptColumns+`)
			VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.TaskID, a.Approach, a.Outcome, a.Reason, fmtTime(a.CreatedAt))
		if err != nil {
			return txerr.Database(err, "insert attempt %s", a.ID)
		}
		return nil
	})
}

// GetAttempt fetches one attempt.
func (s *Store) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	var a *Attempt
	err := s.read(func() error {
		var scanErr error
		a, scanErr = scanAttempt(s.db.QueryRowContext(ctx,
			`SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id))
		if scanErr == sql.ErrNoRows {
			return txerr.New(txerr.CodeAttemptNotFound, "attempt %s not found", id)
		}
		if scanErr != nil {
			return txerr.Database(scanErr, "get attempt %s", id)
		}
		return nil
	})
	return a, err
}

// AttemptsByTask returns a task's attempts, oldest first.
func (s *Store) AttemptsByTask(ctx context.Context, taskID string) ([]*Attempt, error) {
	var attempts []*Attempt
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+attemptColumns+` FROM attempts WHERE task_id = ? ORDER BY created_at ASC, id ASC`,
			taskID)
		if err != nil {
			return txerr.Database(err, "list attempts for task %s", taskID)
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAttempt(rows)
			if err != nil {
				return txerr.Database(err, "scan attempt")
			}
			attempts = append(attempts, a)
		}
		return rows.Err()
	})
	return attempts, err
}

// DeleteAttemptsForTasksTx removes attempts belonging to the given tasks
// inside a caller-owned transaction, used by task cascade deletes.
func DeleteAttemptsForTasksTx(ctx context.Context, q Querier, taskIDs []string) error {
	for _, id := range taskIDs {
		if _, err := q.ExecContext(ctx, `DELETE FROM attempts WHERE task_id = ?`, id); err != nil {
			return txerr.Database(err, "delete attempts for task %s", id)
		}
	}
	return nil
}
