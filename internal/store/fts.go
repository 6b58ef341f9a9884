// Lexical search plumbing. With FTS5 available, learnings mirror into a
// contentless-delete fts5 table and queries run in three tiers of
// decreasing strictness: exact phrase, NEAR/10 proximity, then OR of
// terms. Without FTS5 the store degrades to a LIKE keyword scan.
package store

import (
	"context"
	"database/sql"
	"strings"

	"tx/internal/logging"
	"tx/internal/txerr"
)

// ensureFTSIndex creates the fts5 mirror table and backfills any rows
// written while the index was absent.
func (s *Store) ensureFTSIndex() {
	if _, err := s.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS learnings_fts USING fts5(
		learning_id UNINDEXED,
		content,
		keywords
	)`); err != nil {
		logging.StoreDebug("fts table create failed: %v", err)
		s.ftsExt = false
		return
	}
	_, err := s.db.Exec(`
		INSERT INTO learnings_fts (learning_id, content, keywords)
		SELECT l.id, l.content, l.keywords FROM learnings l
		WHERE NOT EXISTS (SELECT 1 FROM learnings_fts f WHERE f.learning_id = l.id)`)
	if err != nil {
		logging.StoreDebug("fts backfill failed: %v", err)
	}
}

// ftsUpsert mirrors a learning into the fts index. Callers hold the
// write lock; failures degrade to the LIKE fallback and are logged.
func (s *Store) ftsUpsert(ctx context.Context, id, content string, keywords []string) {
	if !s.ftsExt {
		return
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM learnings_fts WHERE learning_id = ?`, id); err != nil {
		logging.StoreDebug("fts delete before upsert failed for %s: %v", id, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO learnings_fts (learning_id, content, keywords) VALUES (?, ?, ?)`,
		id, content, strings.Join(keywords, " ")); err != nil {
		logging.StoreDebug("fts upsert failed for %s: %v", id, err)
	}
}

// ftsDeleteTx removes a mirror row inside a caller-owned transaction.
func (s *Store) ftsDeleteTx(ctx context.Context, tx *sql.Tx, id string) {
	if !s.ftsExt {
		return
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM learnings_fts WHERE learning_id = ?`, id); err != nil {
		logging.StoreDebug("fts delete failed for %s: %v", id, err)
	}
}

// LexicalMatch is one full-text hit. Rank is the bm25 score (more
// negative is better) for FTS hits, or 0 for LIKE fallback hits.
type LexicalMatch struct {
	LearningID string
	Rank       float64
}

// LexicalCandidates runs the tiered full-text query and returns up to
// limit matches in relevance order. Hits from stricter tiers come first;
// a learning appears at most once.
func (s *Store) LexicalCandidates(ctx context.Context, query string, limit int) ([]LexicalMatch, error) {
	terms := tokenizeQuery(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if !s.ftsExt {
		return s.likeCandidates(ctx, terms, limit)
	}

	tiers := []string{ftsPhrase(terms)}
	if len(terms) > 1 {
		tiers = append(tiers, ftsNear(terms), ftsAnyTerm(terms))
	}

	seen := make(map[string]bool)
	var matches []LexicalMatch
	for _, tier := range tiers {
		if len(matches) >= limit {
			break
		}
		tierMatches, err := s.ftsTier(ctx, tier, limit)
		if err != nil {
			return nil, err
		}
		for _, m := range tierMatches {
			if seen[m.LearningID] {
				continue
			}
			seen[m.LearningID] = true
			matches = append(matches, m)
			if len(matches) >= limit {
				break
			}
		}
	}
	return matches, nil
}

func (s *Store) ftsTier(ctx context.Context, match string, limit int) ([]LexicalMatch, error) {
	var matches []LexicalMatch
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT learning_id, bm25(learnings_fts) AS rank
			FROM learnings_fts WHERE learnings_fts MATCH ?
			ORDER BY rank LIMIT ?`, match, limit)
		if err != nil {
			// A malformed MATCH expression from unusual input is not
			// fatal; the next tier may still parse.
			logging.RetrievalDebug("fts tier %q failed: %v", match, err)
			return nil
		}
		defer rows.Close()
		for rows.Next() {
			var m LexicalMatch
			if err := rows.Scan(&m.LearningID, &m.Rank); err != nil {
				return txerr.Database(err, "scan fts match")
			}
			matches = append(matches, m)
		}
		return rows.Err()
	})
	return matches, err
}

// likeCandidates is the FTS-less fallback: rows matching any term via
// LIKE, ordered by how many terms they contain.
func (s *Store) likeCandidates(ctx context.Context, terms []string, limit int) ([]LexicalMatch, error) {
	var score strings.Builder
	var where strings.Builder
	var args []any
	for i, t := range terms {
		if i > 0 {
			score.WriteString(" + ")
			where.WriteString(" OR ")
		}
		score.WriteString("(content LIKE ? COLLATE NOCASE)")
		where.WriteString("content LIKE ? COLLATE NOCASE")
		args = append(args, "%"+t+"%")
	}
	// Score args precede filter args in the statement.
	args = append(args, args...)

	var matches []LexicalMatch
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, `+score.String()+` AS hits FROM learnings
			WHERE `+where.String()+`
			ORDER BY hits DESC, created_at DESC LIMIT ?`,
			append(args, limit)...)
		if err != nil {
			return txerr.Database(err, "keyword scan")
		}
		defer rows.Close()
		for rows.Next() {
			var m LexicalMatch
			var hits int
			if err := rows.Scan(&m.LearningID, &hits); err != nil {
				return txerr.Database(err, "scan keyword match")
			}
			matches = append(matches, m)
		}
		return rows.Err()
	})
	return matches, err
}

// tokenizeQuery lowercases and splits a query, dropping one-character
// fragments and FTS metacharacters.
func tokenizeQuery(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return false
		}
		return true
	})
	var terms []string
	for _, f := range fields {
		if len(f) > 1 {
			terms = append(terms, f)
		}
	}
	return terms
}

func ftsPhrase(terms []string) string {
	return `"` + strings.Join(terms, " ") + `"`
}

func ftsNear(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	return "NEAR(" + strings.Join(quoted, " ") + ", 10)"
}

func ftsAnyTerm(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}
