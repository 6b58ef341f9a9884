// Anchor repository. Status changes are logged to an append-only
// anchor_invalidations table so drift history survives re-verification.
package store

import (
	"context"
	"database/sql"
	"time"

	"tx/internal/txerr"
)

const anchorColumns = `id, learning_id, anchor_type, file_path, symbol_fqname,
	line_start, line_end, content_hash, status, pinned, verified_at`

func scanAnchor(row interface{ Scan(...any) error }) (*Anchor, error) {
	var a Anchor
	var symbol, hash, verified sql.NullString
	var lineStart, lineEnd sql.NullInt64
	var pinned int
	if err := row.Scan(&a.ID, &a.LearningID, &a.AnchorType, &a.FilePath, &symbol,
		&lineStart, &lineEnd, &hash, &a.Status, &pinned, &verified); err != nil {
		return nil, err
	}
	if symbol.Valid {
		a.SymbolFQName = &symbol.String
	}
	if lineStart.Valid {
		v := int(lineStart.Int64)
		a.LineStart = &v
	}
	if lineEnd.Valid {
		v := int(lineEnd.Int64)
		a.LineEnd = &v
	}
	if hash.Valid {
		a.ContentHash = &hash.String
	}
	a.Pinned = pinned != 0
	a.VerifiedAt = parseTimePtr(verified)
	return &a, nil
}

// InsertAnchor persists an anchor and returns it with the assigned id.
func (s *Store) InsertAnchor(ctx context.Context, a *Anchor) (*Anchor, error) {
	var out Anchor
	err := s.write(func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO learning_anchors (learning_id, anchor_type, file_path, symbol_fqname,
				line_start, line_end, content_hash, status, pinned, verified_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.LearningID, a.AnchorType, a.FilePath, a.SymbolFQName,
			a.LineStart, a.LineEnd, a.ContentHash, a.Status, boolToInt(a.Pinned),
			fmtTimePtr(a.VerifiedAt))
		if err != nil {
			return txerr.Database(err, "insert anchor for learning %s", a.LearningID)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return txerr.Database(err, "anchor insert id")
		}
		out = *a
		out.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAnchor fetches one anchor.
func (s *Store) GetAnchor(ctx context.Context, id int64) (*Anchor, error) {
	var a *Anchor
	err := s.read(func() error {
		var scanErr error
		a, scanErr = scanAnchor(s.db.QueryRowContext(ctx,
			`SELECT `+anchorColumns+` FROM learning_anchors WHERE id = ?`, id))
		if scanErr == sql.ErrNoRows {
			return txerr.New(txerr.CodeAnchorNotFound, "anchor %d not found", id)
		}
		if scanErr != nil {
			return txerr.Database(scanErr, "get anchor %d", id)
		}
		return nil
	})
	return a, err
}

// SetAnchorStatus transitions an anchor and appends the invalidation
// record in the same transaction. A no-op transition writes nothing.
func (s *Store) SetAnchorStatus(ctx context.Context, id int64, status AnchorStatus, reason string, at time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var old AnchorStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM learning_anchors WHERE id = ?`, id).Scan(&old)
		if err == sql.ErrNoRows {
			return txerr.New(txerr.CodeAnchorNotFound, "anchor %d not found", id)
		}
		if err != nil {
			return txerr.Database(err, "read anchor %d", id)
		}
		if old == status {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE learning_anchors SET status = ?, verified_at = ? WHERE id = ?`,
			status, fmtTime(at), id); err != nil {
			return txerr.Database(err, "set anchor %d status", id)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO anchor_invalidations (anchor_id, old_status, new_status, reason, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			id, old, status, reason, fmtTime(at)); err != nil {
			return txerr.Database(err, "log anchor %d invalidation", id)
		}
		return nil
	})
}

// MarkAnchorVerified stamps a successful verification without a status
// change.
func (s *Store) MarkAnchorVerified(ctx context.Context, id int64, at time.Time) error {
	return s.write(func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE learning_anchors SET verified_at = ? WHERE id = ?`, fmtTime(at), id)
		if err != nil {
			return txerr.Database(err, "verify anchor %d", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return txerr.New(txerr.CodeAnchorNotFound, "anchor %d not found", id)
		}
		return nil
	})
}

// AnchorsByLearning returns a learning's anchors.
func (s *Store) AnchorsByLearning(ctx context.Context, learningID string) ([]*Anchor, error) {
	return s.anchorQuery(ctx,
		`SELECT `+anchorColumns+` FROM learning_anchors WHERE learning_id = ? ORDER BY id ASC`,
		learningID)
}

// AnchorsByPath returns anchors pinned to a file path, used by the
// watcher to invalidate on change events.
func (s *Store) AnchorsByPath(ctx context.Context, path string) ([]*Anchor, error) {
	return s.anchorQuery(ctx,
		`SELECT `+anchorColumns+` FROM learning_anchors WHERE file_path = ? ORDER BY id ASC`, path)
}

// AllAnchors returns every anchor, used by full verification sweeps.
func (s *Store) AllAnchors(ctx context.Context) ([]*Anchor, error) {
	return s.anchorQuery(ctx,
		`SELECT `+anchorColumns+` FROM learning_anchors ORDER BY id ASC`)
}

// AnchorInvalidations returns the drift history for one anchor.
func (s *Store) AnchorInvalidations(ctx context.Context, anchorID int64) ([]*AnchorInvalidation, error) {
	var out []*AnchorInvalidation
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, anchor_id, old_status, new_status, reason, created_at
			FROM anchor_invalidations WHERE anchor_id = ? ORDER BY id ASC`, anchorID)
		if err != nil {
			return txerr.Database(err, "list invalidations for anchor %d", anchorID)
		}
		defer rows.Close()
		for rows.Next() {
			var inv AnchorInvalidation
			var created string
			if err := rows.Scan(&inv.ID, &inv.AnchorID, &inv.OldStatus, &inv.NewStatus,
				&inv.Reason, &created); err != nil {
				return txerr.Database(err, "scan invalidation")
			}
			if inv.CreatedAt, err = parseTime(created); err != nil {
				return txerr.Database(err, "parse invalidation time")
			}
			out = append(out, &inv)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) anchorQuery(ctx context.Context, query string, args ...any) ([]*Anchor, error) {
	var anchors []*Anchor
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return txerr.Database(err, "anchor query")
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAnchor(rows)
			if err != nil {
				return txerr.Database(err, "scan anchor")
			}
			anchors = append(anchors, a)
		}
		return rows.Err()
	})
	return anchors, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
