// edge_write.go persists one direct edge and the closure rows it implies.
//
// For a new direct edge e = A -> B, three classes of implied rows are added,
// each by one INSERT ... SELECT restricted to the edge's source:
//
//   - incoming:  every X -> A yields X -> B, entry = (X -> A), exit = e.
//   - outgoing:  every B -> Y yields A -> Y, entry = e, exit = (B -> Y).
//   - bridged:   every pair X -> A, B -> Y yields X -> Y,
//     entry = (X -> A), exit = (B -> Y), hops = a.hops + b.hops + 2.
//
// Every row carries direct_edge_id = e, which is what removal walks from.
// Rows are immutable apart from the self-reference update on e itself.

package dag

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// directEdgeExistsTx reports whether start -> end is already a direct edge of
// source.
func (s *Store) directEdgeExistsTx(ctx context.Context, tx *sql.Tx, start, end int64, source string) (bool, error) {
	_, found, err := s.findDirectEdgeTx(ctx, tx, start, end, source)
	return found, err
}

func (s *Store) findDirectEdgeTx(ctx context.Context, q queryer, start, end int64, source string) (Edge, bool, error) {
	row := q.QueryRowContext(ctx, s.stmt(`
		SELECT `+edgeColumns+` FROM {table}
		WHERE start_vertex = ? AND end_vertex = ? AND hops = 0 AND source = ?
		ORDER BY id
		LIMIT 1
	`), start, end, source)
	e, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Edge{}, false, nil
	}
	if err != nil {
		return Edge{}, false, fmt.Errorf("find direct edge: %w", err)
	}
	return e, true, nil
}

// createDirectEdgeTx inserts the hops = 0 row and points its entry, exit and
// direct references at itself.
func (s *Store) createDirectEdgeTx(ctx context.Context, tx *sql.Tx, start, end int64, source string) (int64, error) {
	var id int64
	if err := tx.QueryRowContext(ctx, s.stmt(`
		INSERT INTO {table} (start_vertex, end_vertex, hops, source)
		VALUES (?, ?, 0, ?)
		RETURNING id
	`), start, end, source).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert direct edge: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.stmt(`
		UPDATE {table}
		SET entry_edge_id = ?, exit_edge_id = ?, direct_edge_id = ?
		WHERE id = ?
	`), id, id, id, id); err != nil {
		return 0, fmt.Errorf("update direct edge references: %w", err)
	}
	return id, nil
}

// createImpliedEdgesTx adds the incoming, outgoing and bridged rows for the
// direct edge id = start -> end.
func (s *Store) createImpliedEdgesTx(ctx context.Context, tx *sql.Tx, id, start, end int64, source string) error {
	if _, err := tx.ExecContext(ctx, s.stmt(`
		INSERT INTO {table} (entry_edge_id, direct_edge_id, exit_edge_id, start_vertex, end_vertex, hops, source)
		SELECT id, CAST(? AS BIGINT), CAST(? AS BIGINT), start_vertex, CAST(? AS BIGINT), hops + 1, source
		FROM {table}
		WHERE end_vertex = ? AND source = ?
	`), id, id, end, start, source); err != nil {
		return fmt.Errorf("insert incoming implied edges: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.stmt(`
		INSERT INTO {table} (entry_edge_id, direct_edge_id, exit_edge_id, start_vertex, end_vertex, hops, source)
		SELECT CAST(? AS BIGINT), CAST(? AS BIGINT), id, CAST(? AS BIGINT), end_vertex, hops + 1, source
		FROM {table}
		WHERE start_vertex = ? AND source = ?
	`), id, id, start, end, source); err != nil {
		return fmt.Errorf("insert outgoing implied edges: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.stmt(`
		INSERT INTO {table} (entry_edge_id, direct_edge_id, exit_edge_id, start_vertex, end_vertex, hops, source)
		SELECT a.id, CAST(? AS BIGINT), b.id, a.start_vertex, b.end_vertex, a.hops + b.hops + 2, a.source
		FROM {table} a
		CROSS JOIN {table} b
		WHERE a.end_vertex = ? AND b.start_vertex = ? AND a.source = ? AND b.source = ?
	`), id, start, end, source, source); err != nil {
		return fmt.Errorf("insert bridged implied edges: %w", err)
	}
	return nil
}

// edgesForDirectTx returns the rows created for direct edge id, direct row
// first, then by hops and id.
func (s *Store) edgesForDirectTx(ctx context.Context, tx *sql.Tx, id int64) ([]Edge, error) {
	return s.listEdges(ctx, tx, `
		SELECT `+edgeColumns+` FROM {table}
		WHERE direct_edge_id = ?
		ORDER BY hops, id
	`, id)
}
