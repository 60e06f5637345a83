package dag

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// idBatchSize bounds the number of ids bound into one IN list. Id sets at or
// above it are staged in a TEMP TABLE instead.
const idBatchSize = 200

var tempTableCounter atomic.Int64

// uniqueTempName returns a process-unique name for a temporary table.
func uniqueTempName(prefix string) string {
	n := tempTableCounter.Add(1)
	return fmt.Sprintf("%s_%d", prefix, n)
}

func buildInClausePlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "?"
	}
	return strings.Join(parts, ",")
}

func shouldUseTempTable(count int) bool {
	return count >= idBatchSize
}

// chunkIDs splits ids into consecutive batches of at most size elements.
func chunkIDs(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = idBatchSize
	}
	batches := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		batches = append(batches, ids[start:end])
	}
	return batches
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// createTempIDTable creates a TEMP TABLE with a single integer id column. The
// caller drops it with dropTable once done.
func (s *Store) createTempIDTable(ctx context.Context, q queryer, name string) error {
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`CREATE TEMP TABLE %s (id %s)`, name, s.dialect.integerType())); err != nil {
		return fmt.Errorf("create temp id table: %w", err)
	}
	return nil
}

// insertIDs inserts ids into the named single-column table in batches.
func (s *Store) insertIDs(ctx context.Context, q queryer, tableName string, ids []int64) error {
	for _, batch := range chunkIDs(ids, idBatchSize) {
		values := strings.TrimSuffix(strings.Repeat("(?),", len(batch)), ",")
		query := s.dialect.Rebind(fmt.Sprintf(`INSERT INTO %s (id) VALUES %s`, tableName, values))
		if _, err := q.ExecContext(ctx, query, int64Args(batch)...); err != nil {
			return fmt.Errorf("insert ids: %w", err)
		}
	}
	return nil
}

func dropTable(ctx context.Context, q queryer, tableName string) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableName))
	return err
}
