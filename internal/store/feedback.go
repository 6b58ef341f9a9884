// Feedback repository: append-only per-learning outcome signals plus the
// aggregate read used by retrieval weighting.
package store

import (
	"context"
	"strings"
	"time"

	"tx/internal/txerr"
)

// Feedback is one recorded outcome signal for a learning.
type Feedback struct {
	ID         int64     `json:"id"`
	LearningID string    `json:"learningId"`
	Score      float64   `json:"score"`
	Note       string    `json:"note"`
	CreatedAt  time.Time `json:"createdAt"`
}

// InsertFeedback appends a feedback row.
func (s *Store) InsertFeedback(ctx context.Context, f *Feedback) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO learning_feedback (learning_id, score, note, created_at)
			VALUES (?, ?, ?, ?)`,
			f.LearningID, f.Score, f.Note, fmtTime(f.CreatedAt))
		if err != nil {
			return txerr.Database(err, "insert feedback for learning %s", f.LearningID)
		}
		return nil
	})
}

// FeedbackByLearning returns one learning's feedback, oldest first.
func (s *Store) FeedbackByLearning(ctx context.Context, learningID string) ([]*Feedback, error) {
	var out []*Feedback
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, learning_id, score, note, created_at
			FROM learning_feedback WHERE learning_id = ? ORDER BY id ASC`, learningID)
		if err != nil {
			return txerr.Database(err, "list feedback for learning %s", learningID)
		}
		defer rows.Close()
		for rows.Next() {
			var f Feedback
			var created string
			if err := rows.Scan(&f.ID, &f.LearningID, &f.Score, &f.Note, &created); err != nil {
				return txerr.Database(err, "scan feedback")
			}
			if f.CreatedAt, err = parseTime(created); err != nil {
				return txerr.Database(err, "parse feedback time")
			}
			out = append(out, &f)
		}
		return rows.Err()
	})
	return out, err
}

// MeanFeedbackScores returns the average score per learning for the
// given ids. Learnings with no feedback are absent from the map.
func (s *Store) MeanFeedbackScores(ctx context.Context, ids []string) (map[string]float64, error) {
	out := make(map[string]float64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT learning_id, AVG(score) FROM learning_feedback
			WHERE learning_id IN (`+placeholders+`)
			GROUP BY learning_id`, args...)
		if err != nil {
			return txerr.Database(err, "aggregate feedback")
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			var mean float64
			if err := rows.Scan(&id, &mean); err != nil {
				return txerr.Database(err, "scan feedback aggregate")
			}
			out[id] = mean
		}
		return rows.Err()
	})
	return out, err
}
