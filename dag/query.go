// query.go builds bounded reachability subqueries against the closure table.
//
// A VertexQuery is a SQL fragment selecting a single column, vertex, with ?
// placeholders. It is meant to be embedded in the caller's own query, for
// example:
//
//	q, err := builder.DescendantsOf(7, "org", nil)
//	where, args := q.WhereIn("users.id")
//	rows, err := db.QueryContext(ctx, dialect.Rebind("SELECT * FROM users WHERE "+where), args...)
//
// Rows are never deduplicated here; "relations" is a UNION ALL of both
// directions and the outer query decides whether duplicates matter.

package dag

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// Direction selects which side of the seed vertices a relation query returns.
type Direction string

const (
	// DirectionDescendants returns vertices that reach a seed.
	DirectionDescendants Direction = "descendants"
	// DirectionAncestors returns vertices a seed reaches.
	DirectionAncestors Direction = "ancestors"
	// DirectionBoth returns the union of descendants and ancestors.
	DirectionBoth Direction = "relations"
)

// ParseDirection maps a direction name to a Direction.
func ParseDirection(name string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(name))) {
	case DirectionDescendants:
		return DirectionDescendants, nil
	case DirectionAncestors:
		return DirectionAncestors, nil
	case DirectionBoth, "both":
		return DirectionBoth, nil
	default:
		return "", fmt.Errorf("unknown direction %q", name)
	}
}

// VertexQuery is a composable subquery selecting vertex ids.
type VertexQuery struct {
	SQL  string
	Args []any
}

// WhereIn returns "column IN (<subquery>)" and its arguments.
func (q *VertexQuery) WhereIn(column string) (string, []any) {
	return fmt.Sprintf("%s IN (%s)", column, q.SQL), q.Args
}

// Rebind returns a copy with placeholders converted for d. Only use it when
// the fragment is executed on its own; embedded fragments are rebound as part
// of the enclosing statement.
func (q *VertexQuery) Rebind(d Dialect) *VertexQuery {
	return &VertexQuery{SQL: d.Rebind(q.SQL), Args: q.Args}
}

// QueryBuilder turns relation requests into VertexQuery values for one
// closure table and hop ceiling.
type QueryBuilder struct {
	table   string
	maxHops int
}

// NewQueryBuilder creates a builder for cfg. cfg is expected to be normalized.
func NewQueryBuilder(cfg Config) *QueryBuilder {
	table := cfg.TableName
	if table == "" {
		table = DefaultTableName
	}
	return &QueryBuilder{table: table, maxHops: cfg.MaxHops}
}

// DescendantsOf selects the vertices with a path into any seed.
func (b *QueryBuilder) DescendantsOf(seeds any, source string, maxHops *int) (*VertexQuery, error) {
	return b.Relations(seeds, source, DirectionDescendants, maxHops)
}

// AncestorsOf selects the vertices any seed has a path into.
func (b *QueryBuilder) AncestorsOf(seeds any, source string, maxHops *int) (*VertexQuery, error) {
	return b.Relations(seeds, source, DirectionAncestors, maxHops)
}

// RelationsOf selects both descendants and ancestors of the seeds.
func (b *QueryBuilder) RelationsOf(seeds any, source string, maxHops *int) (*VertexQuery, error) {
	return b.Relations(seeds, source, DirectionBoth, maxHops)
}

// Relations builds the query for direction. seeds is a single integer or a
// slice of integers; json.Number values holding integer literals are
// accepted. An empty slice yields a query that matches nothing. The requested maxHops is clamped to [0, configured ceiling]; nil
// means the configured ceiling.
func (b *QueryBuilder) Relations(seeds any, source string, direction Direction, maxHops *int) (*VertexQuery, error) {
	if source == "" {
		return nil, ErrSourceRequired
	}
	ids, err := parseSeeds(seeds)
	if err != nil {
		return nil, err
	}
	hops := clampMaxHops(maxHops, b.maxHops)

	switch direction {
	case DirectionDescendants:
		return b.selectSide("start_vertex", "end_vertex", ids, source, hops), nil
	case DirectionAncestors:
		return b.selectSide("end_vertex", "start_vertex", ids, source, hops), nil
	case DirectionBoth:
		down := b.selectSide("start_vertex", "end_vertex", ids, source, hops)
		up := b.selectSide("end_vertex", "start_vertex", ids, source, hops)
		args := make([]any, 0, len(down.Args)+len(up.Args))
		args = append(args, down.Args...)
		args = append(args, up.Args...)
		return &VertexQuery{SQL: down.SQL + " UNION ALL " + up.SQL, Args: args}, nil
	default:
		return nil, fmt.Errorf("unknown direction %q", direction)
	}
}

func (b *QueryBuilder) selectSide(selectColumn, whereColumn string, ids []int64, source string, hops int) *VertexQuery {
	seedFilter := "1 = 0"
	if len(ids) > 0 {
		seedFilter = fmt.Sprintf("%s IN (%s)", whereColumn, buildInClausePlaceholders(len(ids)))
	}
	query := fmt.Sprintf(
		"SELECT %s AS vertex FROM %s WHERE source = ? AND hops <= ? AND %s",
		selectColumn, b.table, seedFilter,
	)
	args := make([]any, 0, len(ids)+2)
	args = append(args, source, hops)
	args = append(args, int64Args(ids)...)
	return &VertexQuery{SQL: query, Args: args}
}

// clampMaxHops prefers the requested ceiling, never exceeds the configured
// one, and never goes below zero.
func clampMaxHops(requested *int, configured int) int {
	hops := configured
	if requested != nil && *requested < hops {
		hops = *requested
	}
	return max(hops, 0)
}

func parseSeeds(seeds any) ([]int64, error) {
	if seeds == nil {
		return nil, fmt.Errorf("%w: got nil", ErrInvalidArgument)
	}
	if id, ok := seedInt(seeds); ok {
		return []int64{id}, nil
	}
	if _, ok := seeds.([]byte); ok {
		return nil, fmt.Errorf("%w: got []byte", ErrInvalidArgument)
	}

	rv := reflect.ValueOf(seeds)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: got %T", ErrInvalidArgument, seeds)
	}
	ids := make([]int64, 0, rv.Len())
	seen := make(map[int64]struct{}, rv.Len())
	for i := range rv.Len() {
		elem := rv.Index(i).Interface()
		id, ok := seedInt(elem)
		if !ok {
			return nil, fmt.Errorf("%w: element %d is %T", ErrInvalidArgument, i, elem)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func seedInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return uintSeed(uint64(n))
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return uintSeed(n)
	case json.Number:
		id, err := n.Int64()
		return id, err == nil
	default:
		return 0, false
	}
}

func uintSeed(n uint64) (int64, bool) {
	if n > math.MaxInt64 {
		return 0, false
	}
	return int64(n), true
}

// DescendantsOf is QueryBuilder().DescendantsOf.
func (s *Store) DescendantsOf(seeds any, source string, maxHops *int) (*VertexQuery, error) {
	return s.queries.DescendantsOf(seeds, source, maxHops)
}

// AncestorsOf is QueryBuilder().AncestorsOf.
func (s *Store) AncestorsOf(seeds any, source string, maxHops *int) (*VertexQuery, error) {
	return s.queries.AncestorsOf(seeds, source, maxHops)
}

// RelationsOf is QueryBuilder().RelationsOf.
func (s *Store) RelationsOf(seeds any, source string, maxHops *int) (*VertexQuery, error) {
	return s.queries.RelationsOf(seeds, source, maxHops)
}

// QueryVertices runs q and returns the distinct vertex ids, ascending.
func (s *Store) QueryVertices(ctx context.Context, q *VertexQuery) ([]int64, error) {
	if q == nil {
		return nil, fmt.Errorf("vertex query is required")
	}
	query := s.dialect.Rebind(fmt.Sprintf(`SELECT DISTINCT vertex FROM (%s) rel ORDER BY vertex`, q.SQL))
	ids, err := s.queryIDs(ctx, s.db, query, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("query vertices: %w", err)
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

// Vertices builds and runs a relation query in one call.
func (s *Store) Vertices(ctx context.Context, seeds any, source string, direction Direction, maxHops *int) ([]int64, error) {
	started := time.Now()
	var ids []int64
	q, err := s.queries.Relations(seeds, source, direction, maxHops)
	if err == nil {
		ids, err = s.QueryVertices(ctx, q)
	}
	s.metrics.RecordQuery(source, string(direction), time.Since(started).Milliseconds(), len(ids), err)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
