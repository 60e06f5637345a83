package dag

import (
	"context"
	"fmt"
)

// EnsureSchema creates the closure table and its indexes when missing. It is
// safe to call on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	table := s.cfg.TableName
	intType := s.dialect.integerType()

	stmts := make([]string, 0, 7)
	if s.dialect == DialectDuckDB {
		stmts = append(stmts, fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s_id_seq START 1`, table))
	}
	stmts = append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			%s,
			entry_edge_id %s,
			direct_edge_id %s,
			exit_edge_id %s,
			start_vertex %s NOT NULL,
			end_vertex %s NOT NULL,
			hops %s NOT NULL,
			source VARCHAR(255) NOT NULL
		)`, table, s.dialect.idColumnDDL(table), intType, intType, intType, intType, intType, intType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_source_start ON %s(source, start_vertex, hops)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_source_end ON %s(source, end_vertex, hops)`, table, table),
	)
	// DuckDB rewrites updates of ART-indexed columns as delete+insert, which
	// trips its constraint checks inside one transaction. The reference
	// columns are written by the self-reference update, so they stay
	// unindexed there and rely on zone maps.
	if s.dialect != DialectDuckDB {
		stmts = append(stmts,
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_direct ON %s(direct_edge_id)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_entry ON %s(entry_edge_id)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_exit ON %s(exit_edge_id)`, table, table),
		)
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure %s schema: %w", table, err)
		}
	}
	return nil
}
