// Vector index plumbing. Embeddings persist as little-endian float32
// blobs in the learnings table; when the sqlite-vec extension is loaded
// (sqlite_vec build tag) a vec0 virtual table mirrors them for KNN
// queries. Without the extension VectorCandidates returns nothing and
// retrieval falls back to an in-process cosine scan over
// LearningsWithEmbeddings.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"tx/internal/logging"
	"tx/internal/txerr"
)

// encodeEmbedding serializes a vector as a little-endian float32 blob.
// Empty vectors store as NULL.
func encodeEmbedding(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeEmbedding parses a little-endian float32 blob.
func decodeEmbedding(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// ensureVecIndex creates the vec0 mirror table sized to the corpus's
// embedding dimension. With no embedded rows yet, creation is deferred
// to the first vecUpsert.
func (s *Store) ensureVecIndex() {
	var blob []byte
	err := s.db.QueryRow(
		`SELECT embedding FROM learnings WHERE embedding IS NOT NULL LIMIT 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		return
	}
	if err != nil {
		logging.StoreDebug("vec index probe failed: %v", err)
		return
	}
	s.createVecTable(len(blob) / 4)
}

func (s *Store) createVecTable(dim int) bool {
	if dim <= 0 {
		return false
	}
	_, err := s.db.Exec(fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS learnings_vec USING vec0(
			learning_id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		)`, dim))
	if err != nil {
		logging.StoreDebug("vec table create failed: %v", err)
		return false
	}
	return true
}

// vecUpsert mirrors an embedding into the vec0 table. Callers hold the
// write lock already; failures degrade to the cosine-scan path and are
// logged, not returned.
func (s *Store) vecUpsert(ctx context.Context, id string, embedding []float32) {
	if !s.vectorExt || len(embedding) == 0 {
		return
	}
	if !s.createVecTable(len(embedding)) {
		return
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM learnings_vec WHERE learning_id = ?`, id); err != nil {
		logging.StoreDebug("vec delete before upsert failed for %s: %v", id, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO learnings_vec (learning_id, embedding) VALUES (?, ?)`,
		id, encodeEmbedding(embedding)); err != nil {
		logging.StoreDebug("vec upsert failed for %s: %v", id, err)
	}
}

// vecDeleteTx removes a mirror row inside a caller-owned transaction.
func (s *Store) vecDeleteTx(ctx context.Context, tx *sql.Tx, id string) {
	if !s.vectorExt {
		return
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM learnings_vec WHERE learning_id = ?`, id); err != nil {
		logging.StoreDebug("vec delete failed for %s: %v", id, err)
	}
}

// VectorMatch is one ANN hit with cosine distance in [0, 2].
type VectorMatch struct {
	LearningID string
	Distance   float64
}

// VectorCandidates runs a KNN query against the vec0 index. Returns nil
// when the extension is absent or the index has no rows.
func (s *Store) VectorCandidates(ctx context.Context, query []float32, k int) ([]VectorMatch, error) {
	if !s.vectorExt || len(query) == 0 {
		return nil, nil
	}
	var matches []VectorMatch
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT learning_id, distance FROM learnings_vec
			WHERE embedding MATCH ? AND k = ?
			ORDER BY distance`, encodeEmbedding(query), k)
		if err != nil {
			// Table may not exist yet when no embedding was ever written.
			logging.StoreDebug("vec query unavailable: %v", err)
			return nil
		}
		defer rows.Close()
		for rows.Next() {
			var m VectorMatch
			if err := rows.Scan(&m.LearningID, &m.Distance); err != nil {
				return txerr.Database(err, "scan vector match")
			}
			matches = append(matches, m)
		}
		return rows.Err()
	})
	return matches, err
}
