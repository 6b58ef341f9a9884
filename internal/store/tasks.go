// Task repository: row-level CRUD plus the bulk dependency-hydration
// queries the task engine needs to stay at O(1) round trips per listing.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"tx/internal/logging"
	"tx/internal/txerr"
)

const taskColumns = `id, title, description, status, parent_id, score, metadata, created_at, updated_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var parentID, completedAt sql.NullString
	var metaJSON, createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &parentID, &t.Score,
		&metaJSON, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	if metaJSON != "" && metaJSON != "{}" {
		_ = json.Unmarshal([]byte(metaJSON), &t.Metadata)
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	t.CompletedAt = parseTimePtr(completedAt)
	return &t, nil
}

func marshalMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// InsertTask persists a new task row.
func (s *Store) InsertTask(ctx context.Context, t *Task) error {
	return s.write(func() error {
		return insertTaskQ(ctx, s.db, t)
	})
}

func insertTaskQ(ctx context.Context, q Querier, t *Task) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.Status, t.ParentID, t.Score,
		marshalMetadata(t.Metadata), fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
		fmtTimePtr(t.CompletedAt),
	)
	if err != nil {
		return txerr.Database(err, "insert task %s", t.ID)
	}
	return nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var t *Task
	err := s.read(func() error {
		var err error
		t, err = getTaskQ(ctx, s.db, id)
		return err
	})
	return t, err
}

// GetTaskQ is the transaction-scoped variant used by composed services.
func GetTaskQ(ctx context.Context, q Querier, id string) (*Task, error) {
	return getTaskQ(ctx, q, id)
}

func getTaskQ(ctx context.Context, q Querier, id string) (*Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, txerr.New(txerr.CodeTaskNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, txerr.Database(err, "get task %s", id)
	}
	return t, nil
}

// UpdateTask rewrites the mutable columns of a task row.
func (s *Store) UpdateTask(ctx context.Context, t *Task) error {
	return s.write(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET title = ?, description = ?, status = ?, parent_id = ?, score = ?,
			    metadata = ?, updated_at = ?, completed_at = ?
			WHERE id = ?`,
			t.Title, t.Description, t.Status, t.ParentID, t.Score,
			marshalMetadata(t.Metadata), fmtTime(t.UpdatedAt), fmtTimePtr(t.CompletedAt), t.ID,
		)
		if err != nil {
			return txerr.Database(err, "update task %s", t.ID)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return txerr.New(txerr.CodeTaskNotFound, "task %s not found", t.ID)
		}
		if n != 1 {
			return txerr.New(txerr.CodeUnexpectedRowCount, "update task %s affected %d rows", t.ID, n)
		}
		return nil
	})
}

// SetTaskStatusQ updates status (and completion stamp) in a transaction.
// It is the single write path for both validated and forced transitions.
func SetTaskStatusQ(ctx context.Context, q Querier, id string, status TaskStatus, completedAt *time.Time, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		status, fmtTimePtr(completedAt), fmtTime(now), id,
	)
	if err != nil {
		return txerr.Database(err, "set task %s status", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return txerr.New(txerr.CodeTaskNotFound, "task %s not found", id)
	}
	return nil
}

// ListTasks returns tasks filtered by the FULL status set (empty = all),
// newest first by score then creation time.
func (s *Store) ListTasks(ctx context.Context, statuses []TaskStatus, limit int) ([]*Task, error) {
	var tasks []*Task
	err := s.read(func() error {
		query := `SELECT ` + taskColumns + ` FROM tasks`
		var args []any
		if len(statuses) > 0 {
			placeholders := strings.Repeat("?,", len(statuses))
			query += ` WHERE status IN (` + placeholders[:len(placeholders)-1] + `)`
			for _, st := range statuses {
				args = append(args, st)
			}
		}
		query += ` ORDER BY score DESC, created_at ASC`
		if limit > 0 {
			query += ` LIMIT ?`
			args = append(args, limit)
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return txerr.Database(err, "list tasks")
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return txerr.Database(err, "scan task row")
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	return tasks, err
}

// TaskExists reports whether a task row exists.
func (s *Store) TaskExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.read(func() error {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, id).Scan(&n); err != nil {
			return txerr.Database(err, "task exists %s", id)
		}
		exists = n > 0
		return nil
	})
	return exists, err
}

// BlockersByBlocked returns, for the given blocked ids, the list of
// blocker ids keyed by blocked id. One round trip for N tasks.
func (s *Store) BlockersByBlocked(ctx context.Context, ids []string) (map[string][]string, error) {
	return s.bulkDeps(ctx, ids, "blocked_id", "blocker_id")
}

// BlockedByBlocker is the symmetric bulk query: which tasks each of the
// given ids blocks.
func (s *Store) BlockedByBlocker(ctx context.Context, ids []string) (map[string][]string, error) {
	return s.bulkDeps(ctx, ids, "blocker_id", "blocked_id")
}

func (s *Store) bulkDeps(ctx context.Context, ids []string, keyCol, valCol string) (map[string][]string, error) {
	result := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	err := s.read(func() error {
		placeholders := strings.Repeat("?,", len(ids))
		query := `SELECT ` + keyCol + `, ` + valCol + ` FROM task_dependencies WHERE ` +
			keyCol + ` IN (` + placeholders[:len(placeholders)-1] + `) ORDER BY created_at ASC`
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return txerr.Database(err, "bulk dependency lookup")
		}
		defer rows.Close()
		for rows.Next() {
			var key, val string
			if err := rows.Scan(&key, &val); err != nil {
				return txerr.Database(err, "scan dependency row")
			}
			result[key] = append(result[key], val)
		}
		return rows.Err()
	})
	return result, err
}

// ChildrenByParent returns child task ids keyed by parent id in one
// round trip.
func (s *Store) ChildrenByParent(ctx context.Context, ids []string) (map[string][]string, error) {
	result := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	err := s.read(func() error {
		placeholders := strings.Repeat("?,", len(ids))
		query := `SELECT parent_id, id FROM tasks WHERE parent_id IN (` +
			placeholders[:len(placeholders)-1] + `) ORDER BY created_at ASC`
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return txerr.Database(err, "bulk children lookup")
		}
		defer rows.Close()
		for rows.Next() {
			var parent, child string
			if err := rows.Scan(&parent, &child); err != nil {
				return txerr.Database(err, "scan child row")
			}
			result[parent] = append(result[parent], child)
		}
		return rows.Err()
	})
	return result, err
}

// StatusesByID resolves status for a set of task ids in one query.
func (s *Store) StatusesByID(ctx context.Context, ids []string) (map[string]TaskStatus, error) {
	result := make(map[string]TaskStatus, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	err := s.read(func() error {
		placeholders := strings.Repeat("?,", len(ids))
		query := `SELECT id, status FROM tasks WHERE id IN (` + placeholders[:len(placeholders)-1] + `)`
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return txerr.Database(err, "bulk status lookup")
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			var st TaskStatus
			if err := rows.Scan(&id, &st); err != nil {
				return txerr.Database(err, "scan status row")
			}
			result[id] = st
		}
		return rows.Err()
	})
	return result, err
}

// SubtreeIDs returns id plus every descendant, using a recursive CTE.
func (s *Store) SubtreeIDs(ctx context.Context, id string) ([]string, error) {
	var ids []string
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, `
			WITH RECURSIVE subtree(id) AS (
				SELECT id FROM tasks WHERE id = ?
				UNION
				SELECT t.id FROM tasks t JOIN subtree s ON t.parent_id = s.id
			)
			SELECT id FROM subtree`, id)
		if err != nil {
			return txerr.Database(err, "subtree of %s", id)
		}
		defer rows.Close()
		for rows.Next() {
			var tid string
			if err := rows.Scan(&tid); err != nil {
				return txerr.Database(err, "scan subtree row")
			}
			ids = append(ids, tid)
		}
		return rows.Err()
	})
	return ids, err
}

// DeleteTasksTx removes the given tasks and every dependency row that
// references them, inside the caller's transaction.
func DeleteTasksTx(ctx context.Context, tx *sql.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	in := "(" + placeholders[:len(placeholders)-1] + ")"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_dependencies WHERE blocker_id IN `+in+` OR blocked_id IN `+in,
		append(append([]any{}, args...), args...)...); err != nil {
		return txerr.Database(err, "delete dependencies for %d tasks", len(ids))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id IN `+in, args...); err != nil {
		return txerr.Database(err, "delete %d tasks", len(ids))
	}
	logging.StoreDebug("Deleted %d task rows", len(ids))
	return nil
}

// ActiveTasksWithoutClaim finds tasks stuck in status=active with no
// active claim; the reconciler resets these to ready.
func (s *Store) ActiveTasksWithoutClaim(ctx context.Context) ([]string, error) {
	return s.idQuery(ctx, `
		SELECT t.id FROM tasks t
		WHERE t.status = 'active'
		  AND NOT EXISTS (SELECT 1 FROM claims c WHERE c.task_id = t.id AND c.status = 'active')`)
}

// ReadyTasksWithUnfinishedBlockers finds ready tasks that should be
// blocked: at least one blocker is not done.
func (s *Store) ReadyTasksWithUnfinishedBlockers(ctx context.Context) ([]string, error) {
	return s.idQuery(ctx, `
		SELECT DISTINCT t.id FROM tasks t
		JOIN task_dependencies d ON d.blocked_id = t.id
		JOIN tasks b ON b.id = d.blocker_id
		WHERE t.status = 'ready' AND b.status != 'done'`)
}

// BlockedTasksFullyUnblocked finds blocked tasks whose blockers are all
// done (or that have no blockers at all).
func (s *Store) BlockedTasksFullyUnblocked(ctx context.Context) ([]string, error) {
	return s.idQuery(ctx, `
		SELECT t.id FROM tasks t
		WHERE t.status = 'blocked'
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks b ON b.id = d.blocker_id
			WHERE d.blocked_id = t.id AND b.status != 'done')`)
}

// CompactableTasks returns done tasks completed before the cutoff whose
// children (if any) are all done.
func (s *Store) CompactableTasks(ctx context.Context, before time.Time) ([]*Task, error) {
	var tasks []*Task
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks t
			WHERE t.status = 'done'
			  AND t.completed_at IS NOT NULL AND t.completed_at < ?
			  AND NOT EXISTS (SELECT 1 FROM tasks c WHERE c.parent_id = t.id AND c.status != 'done')
			ORDER BY t.completed_at ASC`, fmtTime(before))
		if err != nil {
			return txerr.Database(err, "list compactable tasks")
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return txerr.Database(err, "scan compactable task")
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	return tasks, err
}

func (s *Store) idQuery(ctx context.Context, query string, args ...any) ([]string, error) {
	var ids []string
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return txerr.Database(err, "id query")
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return txerr.Database(err, "scan id row")
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}
