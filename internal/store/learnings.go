// Learning repository. Embeddings are stored inline as little-endian
// float32 blobs; the optional sqlite-vec index mirrors them for ANN
// queries and is rebuilt lazily when absent.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"tx/internal/txerr"
)

const learningColumns = `id, content, source_type, source_ref, created_at, keywords,
	category, usage_count, last_used_at, outcome_score, embedding`

func scanLearning(row interface{ Scan(...any) error }) (*Learning, error) {
	var l Learning
	var sourceRef, category, lastUsed sql.NullString
	var outcomeScore sql.NullFloat64
	var created, keywordsJSON string
	var blob []byte
	if err := row.Scan(&l.ID, &l.Content, &l.SourceType, &sourceRef, &created,
		&keywordsJSON, &category, &l.UsageCount, &lastUsed, &outcomeScore, &blob); err != nil {
		return nil, err
	}
	if sourceRef.Valid {
		l.SourceRef = &sourceRef.String
	}
	if category.Valid {
		l.Category = &category.String
	}
	if outcomeScore.Valid {
		l.OutcomeScore = &outcomeScore.Float64
	}
	_ = json.Unmarshal([]byte(keywordsJSON), &l.Keywords)
	var err error
	if l.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	l.LastUsedAt = parseTimePtr(lastUsed)
	if len(blob) > 0 {
		if l.Embedding, err = decodeEmbedding(blob); err != nil {
			return nil, err
		}
	}
	return &l, nil
}

// InsertLearning persists a learning and mirrors its embedding into the
// vector index when available.
func (s *Store) InsertLearning(ctx context.Context, l *Learning) error {
	keywords, err := json.Marshal(orEmptySlice(l.Keywords))
	if err != nil {
		return txerr.Wrap(txerr.CodeValidationError, err, "marshal keywords")
	}
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO learnings (`+learningColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, l.Content, l.SourceType, l.SourceRef, fmtTime(l.CreatedAt),
			string(keywords), l.Category, l.UsageCount, fmtTimePtr(l.LastUsedAt),
			l.OutcomeScore, encodeEmbedding(l.Embedding))
		if err != nil {
			return txerr.Database(err, "insert learning %s", l.ID)
		}
		s.vecUpsert(ctx, l.ID, l.Embedding)
		s.ftsUpsert(ctx, l.ID, l.Content, l.Keywords)
		return nil
	})
}

// GetLearning fetches one learning.
func (s *Store) GetLearning(ctx context.Context, id string) (*Learning, error) {
	var l *Learning
	err := s.read(func() error {
		var scanErr error
		l, scanErr = scanLearning(s.db.QueryRowContext(ctx,
			`SELECT `+learningColumns+` FROM learnings WHERE id = ?`, id))
		if scanErr == sql.ErrNoRows {
			return txerr.New(txerr.CodeLearningNotFound, "learning %s not found", id)
		}
		if scanErr != nil {
			return txerr.Database(scanErr, "get learning %s", id)
		}
		return nil
	})
	return l, err
}

// UpdateLearning rewrites mutable fields of a learning.
func (s *Store) UpdateLearning(ctx context.Context, l *Learning) error {
	keywords, err := json.Marshal(orEmptySlice(l.Keywords))
	if err != nil {
		return txerr.Wrap(txerr.CodeValidationError, err, "marshal keywords")
	}
	return s.write(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE learnings SET content = ?, keywords = ?, category = ?,
				outcome_score = ?, embedding = ?
			WHERE id = ?`,
			l.Content, string(keywords), l.Category, l.OutcomeScore,
			encodeEmbedding(l.Embedding), l.ID)
		if err != nil {
			return txerr.Database(err, "update learning %s", l.ID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return txerr.New(txerr.CodeLearningNotFound, "learning %s not found", l.ID)
		}
		s.vecUpsert(ctx, l.ID, l.Embedding)
		s.ftsUpsert(ctx, l.ID, l.Content, l.Keywords)
		return nil
	})
}

// TouchLearningUsage bumps usage_count and stamps last_used_at for each
// id in one statement batch.
func (s *Store) TouchLearningUsage(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.write(func() error {
		for _, id := range ids {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE learnings SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`,
				fmtTime(at), id); err != nil {
				return txerr.Database(err, "touch learning %s", id)
			}
		}
		return nil
	})
}

// SetLearningOutcomeScore stores an aggregated feedback score.
func (s *Store) SetLearningOutcomeScore(ctx context.Context, id string, score float64) error {
	return s.write(func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE learnings SET outcome_score = ? WHERE id = ?`, score, id)
		if err != nil {
			return txerr.Database(err, "score learning %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return txerr.New(txerr.CodeLearningNotFound, "learning %s not found", id)
		}
		return nil
	})
}

// DeleteLearning removes a learning with its edges, anchors and index
// entries.
func (s *Store) DeleteLearning(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM learnings WHERE id = ?`, id)
		if err != nil {
			return txerr.Database(err, "delete learning %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return txerr.New(txerr.CodeLearningNotFound, "learning %s not found", id)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM learning_edges WHERE from_id = ? OR to_id = ?`, id, id); err != nil {
			return txerr.Database(err, "delete edges for learning %s", id)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM learning_anchors WHERE learning_id = ?`, id); err != nil {
			return txerr.Database(err, "delete anchors for learning %s", id)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM learning_feedback WHERE learning_id = ?`, id); err != nil {
			return txerr.Database(err, "delete feedback for learning %s", id)
		}
		s.vecDeleteTx(ctx, tx, id)
		s.ftsDeleteTx(ctx, tx, id)
		return nil
	})
}

// ListLearnings returns learnings newest first with optional filters.
func (s *Store) ListLearnings(ctx context.Context, category string, sourceType LearningSourceType, limit int) ([]*Learning, error) {
	query := `SELECT ` + learningColumns + ` FROM learnings`
	var where []string
	var args []any
	if category != "" {
		where = append(where, "category = ?")
		args = append(args, category)
	}
	if sourceType != "" {
		where = append(where, "source_type = ?")
		args = append(args, sourceType)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.learningQuery(ctx, query, args...)
}

// LearningsWithEmbeddings returns every learning that carries an
// embedding, used by the fallback cosine scan and index rebuilds.
func (s *Store) LearningsWithEmbeddings(ctx context.Context) ([]*Learning, error) {
	return s.learningQuery(ctx,
		`SELECT `+learningColumns+` FROM learnings WHERE embedding IS NOT NULL ORDER BY id ASC`)
}

// LearningsByIDs fetches the given learnings preserving no particular
// order; missing ids are skipped.
func (s *Store) LearningsByIDs(ctx context.Context, ids []string) (map[string]*Learning, error) {
	out := make(map[string]*Learning, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	learnings, err := s.learningQuery(ctx,
		`SELECT `+learningColumns+` FROM learnings WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	for _, l := range learnings {
		out[l.ID] = l
	}
	return out, nil
}

func (s *Store) learningQuery(ctx context.Context, query string, args ...any) ([]*Learning, error) {
	var learnings []*Learning
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return txerr.Database(err, "learning query")
		}
		defer rows.Close()
		for rows.Next() {
			l, err := scanLearning(rows)
			if err != nil {
				return txerr.Database(err, "scan learning")
			}
			learnings = append(learnings, l)
		}
		return rows.Err()
	})
	return learnings, err
}

func orEmptySlice(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
