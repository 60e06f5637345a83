package dag

import (
	"context"
	"database/sql"
	"fmt"
)

// Edge is one row of the closure table: either a direct edge (Hops == 0) or a
// path implied by other rows.
type Edge struct {
	ID           int64  `json:"id"`
	EntryEdgeID  int64  `json:"entry_edge_id"`
	DirectEdgeID int64  `json:"direct_edge_id"`
	ExitEdgeID   int64  `json:"exit_edge_id"`
	StartVertex  int64  `json:"start_vertex"`
	EndVertex    int64  `json:"end_vertex"`
	Hops         int    `json:"hops"`
	Source       string `json:"source"`
}

// IsDirect reports whether e was inserted explicitly rather than implied.
func (e Edge) IsDirect() bool {
	return e.Hops == 0
}

const edgeColumns = `id, entry_edge_id, direct_edge_id, exit_edge_id, start_vertex, end_vertex, hops, source`

func scanEdge(row interface{ Scan(...any) error }) (Edge, error) {
	var e Edge
	err := row.Scan(&e.ID, &e.EntryEdgeID, &e.DirectEdgeID, &e.ExitEdgeID, &e.StartVertex, &e.EndVertex, &e.Hops, &e.Source)
	return e, err
}

func scanEdges(rows *sql.Rows) ([]Edge, error) {
	defer rows.Close()
	var edges []Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("edge rows iteration error: %w", err)
	}
	return edges, nil
}

// Edges lists every closure row of source ordered by id.
func (s *Store) Edges(ctx context.Context, source string) ([]Edge, error) {
	return s.listEdges(ctx, s.db, `SELECT `+edgeColumns+` FROM {table} WHERE source = ? ORDER BY id`, source)
}

// DirectEdges lists the explicitly inserted edges of source ordered by id.
func (s *Store) DirectEdges(ctx context.Context, source string) ([]Edge, error) {
	return s.listEdges(ctx, s.db, `SELECT `+edgeColumns+` FROM {table} WHERE source = ? AND hops = 0 ORDER BY id`, source)
}

func (s *Store) listEdges(ctx context.Context, q queryer, query string, args ...any) ([]Edge, error) {
	rows, err := q.QueryContext(ctx, s.stmt(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	edges, err := scanEdges(rows)
	if err != nil {
		return nil, err
	}
	if edges == nil {
		edges = []Edge{}
	}
	return edges, nil
}
