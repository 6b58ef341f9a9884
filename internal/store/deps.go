// Dependency repository. AddBlocker holds the write-intent transaction
// across the reachability check and the insert, so a cycle can never be
// created even under concurrent writers.
package store

import (
	"context"
	"database/sql"

	"tx/internal/logging"
	"tx/internal/txerr"
)

// AddBlocker inserts a blocker -> blocked edge after proving the reverse
// path does not exist. The recursive CTE uses UNION (set semantics) for
// visited-set deduplication, so a pre-existing unexpected cycle cannot
// spin the traversal.
func (s *Store) AddBlocker(ctx context.Context, blockedID, blockerID string) error {
	timer := logging.StartTimer(logging.CategoryDeps, "AddBlocker")
	defer timer.Stop()

	if blockerID == blockedID {
		return txerr.New(txerr.CodeCircularDependency, "task %s cannot block itself", blockerID)
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := getTaskQ(ctx, tx, blockerID); err != nil {
			return err
		}
		if _, err := getTaskQ(ctx, tx, blockedID); err != nil {
			return err
		}

		// Would blocker -> blocked close a cycle? That happens exactly
		// when blocked already reaches blocker through existing edges.
		var reachable int
		err := tx.QueryRowContext(ctx, `
			WITH RECURSIVE reach(id) AS (
				SELECT blocked_id FROM task_dependencies WHERE blocker_id = ?
				UNION
				SELECT d.blocked_id FROM task_dependencies d JOIN reach r ON d.blocker_id = r.id
			)
			SELECT COUNT(*) FROM reach WHERE id = ?`, blockedID, blockerID).Scan(&reachable)
		if err != nil {
			return txerr.Database(err, "reachability check %s -> %s", blockedID, blockerID)
		}
		if reachable > 0 {
			return txerr.New(txerr.CodeCircularDependency,
				"adding blocker %s to %s would create a cycle", blockerID, blockedID)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_dependencies (blocker_id, blocked_id, created_at)
			VALUES (?, ?, ?)`, blockerID, blockedID, fmtTime(s.now())); err != nil {
			return txerr.Database(err, "insert dependency %s -> %s", blockerID, blockedID)
		}
		logging.Get(logging.CategoryDeps).Debug("dependency added: %s blocks %s", blockerID, blockedID)
		return nil
	})
}

// RemoveBlocker deletes one dependency edge.
func (s *Store) RemoveBlocker(ctx context.Context, blockedID, blockerID string) error {
	return s.write(func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM task_dependencies WHERE blocker_id = ? AND blocked_id = ?`,
			blockerID, blockedID)
		if err != nil {
			return txerr.Database(err, "remove dependency %s -> %s", blockerID, blockedID)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return txerr.New(txerr.CodeDependencyNotFound,
				"no dependency %s -> %s", blockerID, blockedID)
		}
		return nil
	})
}

// ListDependencies returns every edge, for diagnostics and tests.
func (s *Store) ListDependencies(ctx context.Context) ([]Dependency, error) {
	var deps []Dependency
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT blocker_id, blocked_id, created_at FROM task_dependencies ORDER BY created_at ASC`)
		if err != nil {
			return txerr.Database(err, "list dependencies")
		}
		defer rows.Close()
		for rows.Next() {
			var d Dependency
			var created string
			if err := rows.Scan(&d.BlockerID, &d.BlockedID, &created); err != nil {
				return txerr.Database(err, "scan dependency")
			}
			if d.CreatedAt, err = parseTime(created); err != nil {
				return txerr.Database(err, "parse dependency time")
			}
			deps = append(deps, d)
		}
		return rows.Err()
	})
	return deps, err
}
