// remove.go deletes a direct edge and every closure row built on it.
//
// Dependency walk:
//
//   - The seed set is every row whose direct_edge_id is the removed edge.
//   - A row with hops > 0 depends on a set member when its entry_edge_id or
//     exit_edge_id points at that member. Each round looks up dependents of
//     the ids found in the previous round only, at most idBatchSize ids per
//     IN list, and stops once a round finds nothing new.
//   - The collected ids are deleted with one statement. Below idBatchSize
//     they are bound into an IN list; at or above it they are staged in a
//     TEMP TABLE and deleted through a subquery.

package dag

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"
)

// RemoveEdge deletes the direct edge start -> end of source and every path
// that depends on it. It reports false when no such direct edge exists.
func (s *Store) RemoveEdge(ctx context.Context, start, end int64, source string) (bool, error) {
	if source == "" {
		return false, ErrSourceRequired
	}

	started := time.Now()
	var removed int
	err := s.runWrite(ctx, "remove_edge", source, func(tx *sql.Tx) error {
		removed = 0

		direct, found, err := s.findDirectEdgeTx(ctx, tx, start, end, source)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}

		ids, err := s.collectDependentIDsTx(ctx, tx, direct)
		if err != nil {
			return err
		}
		n, err := s.deleteEdgesTx(ctx, tx, ids)
		if err != nil {
			return err
		}
		removed = n
		return nil
	})
	latencyMS := time.Since(started).Milliseconds()
	s.metrics.RecordRemove(source, latencyMS, removed, err)

	attrs := []any{"source", source, "start_vertex", start, "end_vertex", end}
	if err != nil {
		s.logger.ErrorContext(ctx, "dag edge remove failed", append(attrs, "error", err)...)
		return false, err
	}
	if removed == 0 {
		s.logger.DebugContext(ctx, "dag edge not found", attrs...)
		return false, nil
	}

	s.logger.InfoContext(ctx, "dag edge removed", append(attrs, "rows", removed, "latency_ms", latencyMS)...)
	s.appendJournal(ctx, MutationEvent{
		Kind:        MutationRemove,
		Source:      source,
		StartVertex: start,
		EndVertex:   end,
		Rows:        removed,
	})
	return true, nil
}

// collectDependentIDsTx returns the ids of every row that must go when direct
// is removed, sorted ascending.
func (s *Store) collectDependentIDsTx(ctx context.Context, tx *sql.Tx, direct Edge) ([]int64, error) {
	frontier, err := s.queryIDs(ctx, tx, s.stmt(`SELECT id FROM {table} WHERE direct_edge_id = ?`), direct.ID)
	if err != nil {
		return nil, fmt.Errorf("collect direct rows: %w", err)
	}

	visited := make(map[int64]struct{}, len(frontier))
	collected := make([]int64, 0, len(frontier))
	for _, id := range frontier {
		visited[id] = struct{}{}
		collected = append(collected, id)
	}

	for len(frontier) > 0 {
		var next []int64
		for _, batch := range chunkIDs(frontier, idBatchSize) {
			placeholders := buildInClausePlaceholders(len(batch))
			query := s.stmt(fmt.Sprintf(`
				SELECT id FROM {table}
				WHERE hops > 0 AND (entry_edge_id IN (%s) OR exit_edge_id IN (%s))
			`, placeholders, placeholders))
			args := append(int64Args(batch), int64Args(batch)...)

			found, err := s.queryIDs(ctx, tx, query, args...)
			if err != nil {
				return nil, fmt.Errorf("collect dependent rows: %w", err)
			}
			for _, id := range found {
				if _, ok := visited[id]; ok {
					continue
				}
				visited[id] = struct{}{}
				collected = append(collected, id)
				next = append(next, id)
			}
		}
		frontier = next
	}

	slices.Sort(collected)
	return collected, nil
}

// deleteEdgesTx deletes ids with one DELETE statement and returns the number
// of rows removed.
func (s *Store) deleteEdgesTx(ctx context.Context, tx *sql.Tx, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	if !shouldUseTempTable(len(ids)) {
		query := s.stmt(fmt.Sprintf(`DELETE FROM {table} WHERE id IN (%s)`, buildInClausePlaceholders(len(ids))))
		res, err := tx.ExecContext(ctx, query, int64Args(ids)...)
		if err != nil {
			return 0, fmt.Errorf("delete edges: %w", err)
		}
		return affectedRows(res, len(ids)), nil
	}

	tempName := uniqueTempName("tmp_dag_delete_ids")
	if err := s.createTempIDTable(ctx, tx, tempName); err != nil {
		return 0, err
	}
	defer func() { _ = dropTable(context.WithoutCancel(ctx), tx, tempName) }()

	if err := s.insertIDs(ctx, tx, tempName, ids); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, s.stmt(fmt.Sprintf(`DELETE FROM {table} WHERE id IN (SELECT id FROM %s)`, tempName)))
	if err != nil {
		return 0, fmt.Errorf("delete edges: %w", err)
	}
	return affectedRows(res, len(ids)), nil
}

func (s *Store) queryIDs(ctx context.Context, q queryer, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// affectedRows falls back to want for drivers that do not report counts.
func affectedRows(res sql.Result, want int) int {
	n, err := res.RowsAffected()
	if err != nil {
		return want
	}
	return int(n)
}
