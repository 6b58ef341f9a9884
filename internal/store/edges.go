// Learning graph edge repository.
package store

import (
	"context"

	"tx/internal/txerr"
)

const edgeColumns = `id, from_id, to_id, edge_type, weight, created_at`

func scanEdge(row interface{ Scan(...any) error }) (*Edge, error) {
	var e Edge
	var created string
	if err := row.Scan(&e.ID, &e.FromID, &e.ToID, &e.Type, &e.Weight, &created); err != nil {
		return nil, err
	}
	var err error
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertEdge inserts an edge or refreshes the weight of an existing one.
// The (from, to, type) triple is unique.
func (s *Store) UpsertEdge(ctx context.Context, e *Edge) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO learning_edges (from_id, to_id, edge_type, weight, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(from_id, to_id, edge_type) DO UPDATE SET weight = excluded.weight`,
			e.FromID, e.ToID, e.Type, e.Weight, fmtTime(e.CreatedAt))
		if err != nil {
			return txerr.Database(err, "upsert edge %s -> %s", e.FromID, e.ToID)
		}
		return nil
	})
}

// RemoveEdge deletes a specific edge.
func (s *Store) RemoveEdge(ctx context.Context, fromID, toID string, edgeType EdgeType) error {
	return s.write(func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM learning_edges WHERE from_id = ? AND to_id = ? AND edge_type = ?`,
			fromID, toID, edgeType)
		if err != nil {
			return txerr.Database(err, "remove edge %s -> %s", fromID, toID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return txerr.New(txerr.CodeEdgeNotFound,
				"no %s edge %s -> %s", edgeType, fromID, toID)
		}
		return nil
	})
}

// EdgesFrom returns outgoing edges of a node.
func (s *Store) EdgesFrom(ctx context.Context, fromID string) ([]*Edge, error) {
	return s.edgeQuery(ctx,
		`SELECT `+edgeColumns+` FROM learning_edges WHERE from_id = ? ORDER BY id ASC`, fromID)
}

// EdgesTouching returns every edge incident to a node, both directions.
// Graph expansion during retrieval treats edges as undirected.
func (s *Store) EdgesTouching(ctx context.Context, id string) ([]*Edge, error) {
	return s.edgeQuery(ctx,
		`SELECT `+edgeColumns+` FROM learning_edges WHERE from_id = ? OR to_id = ? ORDER BY id ASC`,
		id, id)
}

// AllEdges returns the whole edge set, used to build the in-memory
// adjacency view for multi-hop expansion.
func (s *Store) AllEdges(ctx context.Context) ([]*Edge, error) {
	return s.edgeQuery(ctx, `SELECT `+edgeColumns+` FROM learning_edges ORDER BY id ASC`)
}

func (s *Store) edgeQuery(ctx context.Context, query string, args ...any) ([]*Edge, error) {
	var edges []*Edge
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return txerr.Database(err, "edge query")
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEdge(rows)
			if err != nil {
				return txerr.Database(err, "scan edge")
			}
			edges = append(edges, e)
		}
		return rows.Err()
	})
	return edges, err
}
