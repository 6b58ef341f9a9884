// Compaction bookkeeping. The caller archives task content to a file
// BEFORE invoking RemoveCompactedTasks, so a crash between the two steps
// duplicates the archive rather than losing rows.
package store

import (
	"context"
	"database/sql"
	"time"

	"tx/internal/txerr"
)

// CompactionRecord is one entry in the compaction log.
type CompactionRecord struct {
	ID         int64     `json:"id"`
	Cutoff     time.Time `json:"cutoff"`
	TaskCount  int       `json:"taskCount"`
	OutputFile string    `json:"outputFile"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RemoveCompactedTasks deletes the archived tasks and logs the pass in
// one transaction.
func (s *Store) RemoveCompactedTasks(ctx context.Context, ids []string, rec *CompactionRecord) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := DeleteTasksTx(ctx, tx, ids); err != nil {
			return err
		}
		if err := DeleteAttemptsForTasksTx(ctx, tx, ids); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO compaction_log (cutoff, task_count, output_file, created_at)
			VALUES (?, ?, ?, ?)`,
			fmtTime(rec.Cutoff), rec.TaskCount, rec.OutputFile, fmtTime(rec.CreatedAt)); err != nil {
			return txerr.Database(err, "record compaction")
		}
		return nil
	})
}

// CompactionHistory returns past compaction passes, newest first.
func (s *Store) CompactionHistory(ctx context.Context, limit int) ([]*CompactionRecord, error) {
	query := `SELECT id, cutoff, task_count, output_file, created_at
		FROM compaction_log ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var out []*CompactionRecord
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return txerr.Database(err, "list compaction history")
		}
		defer rows.Close()
		for rows.Next() {
			var rec CompactionRecord
			var cutoff, created string
			if err := rows.Scan(&rec.ID, &cutoff, &rec.TaskCount, &rec.OutputFile, &created); err != nil {
				return txerr.Database(err, "scan compaction record")
			}
			if rec.Cutoff, err = parseTime(cutoff); err != nil {
				return txerr.Database(err, "parse compaction cutoff")
			}
			if rec.CreatedAt, err = parseTime(created); err != nil {
				return txerr.Database(err, "parse compaction time")
			}
			out = append(out, &rec)
		}
		return rows.Err()
	})
	return out, err
}
