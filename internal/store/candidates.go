// Candidate repository for learnings-in-waiting.
package store

import (
	"context"
	"database/sql"
	"time"

	"tx/internal/txerr"
)

const candidateColumns = `id, content, confidence, status, source_run_id, source_task_id,
	merged_into, created_at, updated_at`

func scanCandidate(row interface{ Scan(...any) error }) (*Candidate, error) {
	var c Candidate
	var sourceRun, sourceTask, mergedInto sql.NullString
	var created, updated string
	if err := row.Scan(&c.ID, &c.Content, &c.Confidence, &c.Status,
		&sourceRun, &sourceTask, &mergedInto, &created, &updated); err != nil {
		return nil, err
	}
	if sourceRun.Valid {
		c.SourceRunID = &sourceRun.String
	}
	if sourceTask.Valid {
		c.SourceTaskID = &sourceTask.String
	}
	if mergedInto.Valid {
		c.MergedInto = &mergedInto.String
	}
	var err error
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertCandidate persists a new candidate.
func (s *Store) InsertCandidate(ctx context.Context, c *Candidate) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO learning_candidates (`+candidateColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Content, c.Confidence, c.Status, c.SourceRunID, c.SourceTaskID,
			c.MergedInto, fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
		if err != nil {
			return txerr.Database(err, "insert candidate %s", c.ID)
		}
		return nil
	})
}

// GetCandidate fetches one candidate.
func (s *Store) GetCandidate(ctx context.Context, id string) (*Candidate, error) {
	var c *Candidate
	err := s.read(func() error {
		var scanErr error
		c, scanErr = scanCandidate(s.db.QueryRowContext(ctx,
			`SELECT `+candidateColumns+` FROM learning_candidates WHERE id = ?`, id))
		if scanErr == sql.ErrNoRows {
			return txerr.New(txerr.CodeCandidateNotFound, "candidate %s not found", id)
		}
		if scanErr != nil {
			return txerr.Database(scanErr, "get candidate %s", id)
		}
		return nil
	})
	return c, err
}

// SetCandidateStatus transitions a candidate. merged_into is stamped for
// merged and promoted outcomes when the target is known.
func (s *Store) SetCandidateStatus(ctx context.Context, id string, status CandidateStatus, mergedInto *string, at time.Time) error {
	return s.write(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE learning_candidates
			SET status = ?, merged_into = COALESCE(?, merged_into), updated_at = ?
			WHERE id = ?`, status, mergedInto, fmtTime(at), id)
		if err != nil {
			return txerr.Database(err, "set candidate %s status", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return txerr.New(txerr.CodeCandidateNotFound, "candidate %s not found", id)
		}
		return nil
	})
}

// ListCandidates returns candidates newest first, optionally filtered by
// status, limited when limit > 0.
func (s *Store) ListCandidates(ctx context.Context, status CandidateStatus, limit int) ([]*Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM learning_candidates`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var candidates []*Candidate
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return txerr.Database(err, "list candidates")
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanCandidate(rows)
			if err != nil {
				return txerr.Database(err, "scan candidate")
			}
			candidates = append(candidates, c)
		}
		return rows.Err()
	})
	return candidates, err
}
