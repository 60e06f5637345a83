package dag

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// guardAgainstCircularRelationTx rejects start -> end when it would close a
// cycle: either a self loop, or end already reaching start by any path in the
// same source.
func (s *Store) guardAgainstCircularRelationTx(ctx context.Context, tx *sql.Tx, start, end int64, source string) error {
	if start == end {
		return fmt.Errorf("%w: vertex %d cannot point to itself", ErrCircularReference, start)
	}

	var one int
	err := tx.QueryRowContext(ctx, s.stmt(`
		SELECT 1 FROM {table}
		WHERE start_vertex = ? AND end_vertex = ? AND source = ?
		LIMIT 1
	`), end, start, source).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check circular relation: %w", err)
	}
	return fmt.Errorf("%w: %d already reaches %d in source %q", ErrCircularReference, end, start, source)
}

// guardAgainstExceedingMaxHops checks the rows created by one insert, ordered
// by hops ascending, against the ceiling.
func guardAgainstExceedingMaxHops(edges []Edge, maxHops int) error {
	if len(edges) == 0 {
		return nil
	}
	last := edges[len(edges)-1]
	if last.Hops > maxHops {
		return fmt.Errorf("%w: %d -> %d needs %d hops, limit is %d", ErrTooManyHops, last.StartVertex, last.EndVertex, last.Hops, maxHops)
	}
	return nil
}
