package dag

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func buildChain(t *testing.T, s *Store) {
	t.Helper()
	mustInsert(t, s, vB, vA)
	mustInsert(t, s, vC, vB)
	mustInsert(t, s, vD, vC)
}

// buildComplexBoxDiamond builds B->A, D->B, E->B, C->A, E->C, F->D, F->E.
func buildComplexBoxDiamond(t *testing.T, s *Store) {
	t.Helper()
	for _, e := range [][2]int64{{vB, vA}, {vD, vB}, {vE, vB}, {vC, vA}, {vE, vC}, {vF, vD}, {vF, vE}} {
		mustInsert(t, s, e[0], e[1])
	}
}

func TestRelationQueries(t *testing.T) {
	t.Run("simple_chain", testRelationQueriesSimpleChain)
	t.Run("complex_box_diamond", testRelationQueriesComplexBoxDiamond)
	t.Run("multiple_seeds", testRelationQueriesMultipleSeeds)
	t.Run("composes_into_outer_query", testRelationQueriesCompose)
}

type relationCase struct {
	name      string
	direction Direction
	seeds     any
	maxHops   *int
	want      []int64
}

func runRelationCases(t *testing.T, s *Store, tests []relationCase) {
	t.Helper()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.Vertices(context.Background(), tc.seeds, testSource, tc.direction, tc.maxHops)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func testRelationQueriesSimpleChain(t *testing.T) {
	tests := []relationCase{
		{name: "relations_of_b", direction: DirectionBoth, seeds: vB, want: []int64{vA, vC, vD}},
		{name: "relations_of_b_hops_0", direction: DirectionBoth, seeds: vB, maxHops: intPtr(0), want: []int64{vA, vC}},
		{name: "relations_of_b_hops_1", direction: DirectionBoth, seeds: vB, maxHops: intPtr(1), want: []int64{vA, vC, vD}},
		{name: "relations_of_b_hops_3", direction: DirectionBoth, seeds: vB, maxHops: intPtr(3), want: []int64{vA, vC, vD}},
		{name: "relations_of_b_negative_hops", direction: DirectionBoth, seeds: vB, maxHops: intPtr(-1), want: []int64{vA, vC}},
		{name: "descendants_of_b", direction: DirectionDescendants, seeds: vB, want: []int64{vC, vD}},
		{name: "ancestors_of_c", direction: DirectionAncestors, seeds: vC, want: []int64{vA, vB}},
		{name: "descendants_of_a_hops_0", direction: DirectionDescendants, seeds: vA, maxHops: intPtr(0), want: []int64{vB}},
		{name: "descendants_of_a_hops_1", direction: DirectionDescendants, seeds: vA, maxHops: intPtr(1), want: []int64{vB, vC}},
		{name: "descendants_of_a_hops_2", direction: DirectionDescendants, seeds: vA, maxHops: intPtr(2), want: []int64{vB, vC, vD}},
		{name: "descendants_of_a_negative_hops", direction: DirectionDescendants, seeds: vA, maxHops: intPtr(-1), want: []int64{vB}},
		{name: "ancestors_of_d_hops_0", direction: DirectionAncestors, seeds: vD, maxHops: intPtr(0), want: []int64{vC}},
		{name: "ancestors_of_d_hops_1", direction: DirectionAncestors, seeds: vD, maxHops: intPtr(1), want: []int64{vB, vC}},
		{name: "ancestors_of_d", direction: DirectionAncestors, seeds: vD, want: []int64{vA, vB, vC}},
		{name: "requested_above_ceiling_is_capped", direction: DirectionAncestors, seeds: vD, maxHops: intPtr(50), want: []int64{vA, vB, vC}},
	}

	ForEachDialect(t, func(t *testing.T, h *TestHarness) {
		buildChain(t, h.Store())
		runRelationCases(t, h.Store(), tests)
	})
}

func testRelationQueriesComplexBoxDiamond(t *testing.T) {
	tests := []relationCase{
		{name: "relations_of_b", direction: DirectionBoth, seeds: vB, want: []int64{vA, vD, vE, vF}},
		{name: "relations_of_b_hops_0", direction: DirectionBoth, seeds: vB, maxHops: intPtr(0), want: []int64{vA, vD, vE}},
		{name: "relations_of_c", direction: DirectionBoth, seeds: vC, want: []int64{vA, vE, vF}},
		{name: "descendants_of_b", direction: DirectionDescendants, seeds: vB, want: []int64{vD, vE, vF}},
		{name: "descendants_of_c", direction: DirectionDescendants, seeds: vC, want: []int64{vE, vF}},
		{name: "descendants_of_a_hops_0", direction: DirectionDescendants, seeds: vA, maxHops: intPtr(0), want: []int64{vB, vC}},
		{name: "descendants_of_a_hops_1", direction: DirectionDescendants, seeds: vA, maxHops: intPtr(1), want: []int64{vB, vC, vD, vE}},
		{name: "descendants_of_a", direction: DirectionDescendants, seeds: vA, want: []int64{vB, vC, vD, vE, vF}},
		{name: "ancestors_of_e", direction: DirectionAncestors, seeds: vE, want: []int64{vA, vB, vC}},
		{name: "ancestors_of_d", direction: DirectionAncestors, seeds: vD, want: []int64{vA, vB}},
		{name: "ancestors_of_f_hops_0", direction: DirectionAncestors, seeds: vF, maxHops: intPtr(0), want: []int64{vD, vE}},
		{name: "ancestors_of_f_hops_1", direction: DirectionAncestors, seeds: vF, maxHops: intPtr(1), want: []int64{vB, vC, vD, vE}},
		{name: "ancestors_of_f", direction: DirectionAncestors, seeds: vF, want: []int64{vA, vB, vC, vD, vE}},
	}

	ForEachDialect(t, func(t *testing.T, h *TestHarness) {
		buildComplexBoxDiamond(t, h.Store())
		runRelationCases(t, h.Store(), tests)
	})
}

func testRelationQueriesMultipleSeeds(t *testing.T) {
	all := []int64{vA, vB, vC, vD, vE, vF}
	tests := []relationCase{
		{name: "descendants_b_c", direction: DirectionDescendants, seeds: []int64{vB, vC}, want: []int64{vD, vE, vF}},
		{name: "descendants_b_c_hops_0", direction: DirectionDescendants, seeds: []int64{vB, vC}, maxHops: intPtr(0), want: []int64{vD, vE}},
		{name: "descendants_c_d_hops_0", direction: DirectionDescendants, seeds: []int{int(vC), int(vD)}, maxHops: intPtr(0), want: []int64{vE, vF}},
		{name: "descendants_a_d_hops_0", direction: DirectionDescendants, seeds: []int64{vA, vD}, maxHops: intPtr(0), want: []int64{vB, vC, vF}},
		{name: "descendants_a_f_hops_0", direction: DirectionDescendants, seeds: []int64{vA, vF}, maxHops: intPtr(0), want: []int64{vB, vC}},
		{name: "descendants_of_leaf", direction: DirectionDescendants, seeds: vF, want: []int64{}},
		{name: "descendants_all_hops_0", direction: DirectionDescendants, seeds: all, maxHops: intPtr(0), want: []int64{vB, vC, vD, vE, vF}},
		{name: "ancestors_d_e_hops_0", direction: DirectionAncestors, seeds: []int64{vD, vE}, maxHops: intPtr(0), want: []int64{vB, vC}},
		{name: "ancestors_b_f_hops_0", direction: DirectionAncestors, seeds: []int64{vB, vF}, maxHops: intPtr(0), want: []int64{vA, vD, vE}},
		{name: "ancestors_b_f", direction: DirectionAncestors, seeds: []int64{vB, vF}, want: []int64{vA, vB, vC, vD, vE}},
		{name: "ancestors_a_f_hops_0", direction: DirectionAncestors, seeds: []int64{vA, vF}, maxHops: intPtr(0), want: []int64{vD, vE}},
		{name: "ancestors_of_root", direction: DirectionAncestors, seeds: vA, want: []int64{}},
		{name: "ancestors_all", direction: DirectionAncestors, seeds: all, want: []int64{vA, vB, vC, vD, vE}},
		{name: "json_numbers", direction: DirectionAncestors, seeds: []any{json.Number("2"), json.Number("6")}, maxHops: intPtr(0), want: []int64{vA, vD, vE}},
		{name: "duplicate_seeds", direction: DirectionDescendants, seeds: []int64{vC, vC}, want: []int64{vE, vF}},
	}

	ForEachDialect(t, func(t *testing.T, h *TestHarness) {
		buildComplexBoxDiamond(t, h.Store())
		runRelationCases(t, h.Store(), tests)
	})
}

func testRelationQueriesCompose(t *testing.T) {
	ForEachDialect(t, func(t *testing.T, h *TestHarness) {
		s := h.Store()
		ctx := context.Background()
		buildChain(t, s)

		items := uniqueTempName("items")
		_, err := h.DB().ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s (id BIGINT, name VARCHAR(8))`, items))
		require.NoError(t, err)
		t.Cleanup(func() { _, _ = h.DB().Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, items)) })
		for id, name := range map[int64]string{vA: "a", vB: "b", vC: "c", vD: "d"} {
			_, err := h.DB().ExecContext(ctx, h.Dialect().Rebind(fmt.Sprintf(`INSERT INTO %s (id, name) VALUES (?, ?)`, items)), id, name)
			require.NoError(t, err)
		}

		q, err := s.DescendantsOf(vB, testSource, nil)
		require.NoError(t, err)
		where, args := q.WhereIn(items + ".id")
		query := h.Dialect().Rebind(fmt.Sprintf(`SELECT name FROM %s WHERE %s ORDER BY name`, items, where))

		rows, err := h.DB().QueryContext(ctx, query, args...)
		require.NoError(t, err)
		defer rows.Close()
		var names []string
		for rows.Next() {
			var name string
			require.NoError(t, rows.Scan(&name))
			names = append(names, name)
		}
		require.NoError(t, rows.Err())
		assert.Equal(t, []string{"c", "d"}, names)
	})
}

func TestQueryBuilder(t *testing.T) {
	b := NewQueryBuilder(Config{TableName: "dag_edges", MaxHops: 5})

	t.Run("descendants_sql", func(t *testing.T) {
		q, err := b.DescendantsOf([]int64{1, 2}, "src", intPtr(2))
		require.NoError(t, err)
		assert.Equal(t, "SELECT start_vertex AS vertex FROM dag_edges WHERE source = ? AND hops <= ? AND end_vertex IN (?,?)", q.SQL)
		assert.Equal(t, []any{"src", 2, int64(1), int64(2)}, q.Args)
	})

	t.Run("ancestors_sql", func(t *testing.T) {
		q, err := b.AncestorsOf(3, "src", nil)
		require.NoError(t, err)
		assert.Equal(t, "SELECT end_vertex AS vertex FROM dag_edges WHERE source = ? AND hops <= ? AND start_vertex IN (?)", q.SQL)
		assert.Equal(t, []any{"src", 5, int64(3)}, q.Args)
	})

	t.Run("relations_union_all", func(t *testing.T) {
		q, err := b.RelationsOf(uint8(4), "src", intPtr(-3))
		require.NoError(t, err)
		assert.Contains(t, q.SQL, " UNION ALL ")
		assert.Equal(t, []any{"src", 0, int64(4), "src", 0, int64(4)}, q.Args)
	})

	t.Run("rebind_postgres", func(t *testing.T) {
		q, err := b.DescendantsOf(1, "src", nil)
		require.NoError(t, err)
		pg := q.Rebind(DialectPostgres)
		assert.Equal(t, "SELECT start_vertex AS vertex FROM dag_edges WHERE source = $1 AND hops <= $2 AND end_vertex IN ($3)", pg.SQL)
		assert.Equal(t, q.Args, pg.Args)
		assert.Equal(t, q.SQL, q.Rebind(DialectSQLite).SQL)
	})

	t.Run("where_in", func(t *testing.T) {
		q, err := b.DescendantsOf(1, "src", nil)
		require.NoError(t, err)
		where, args := q.WhereIn("users.id")
		assert.Equal(t, "users.id IN ("+q.SQL+")", where)
		assert.Equal(t, q.Args, args)
	})

	t.Run("unknown_direction", func(t *testing.T) {
		_, err := b.Relations(1, "src", Direction("sideways"), nil)
		require.Error(t, err)
	})

	t.Run("empty_seeds_match_nothing", func(t *testing.T) {
		q, err := b.DescendantsOf([]int64{}, "src", nil)
		require.NoError(t, err)
		assert.Equal(t, "SELECT start_vertex AS vertex FROM dag_edges WHERE source = ? AND hops <= ? AND 1 = 0", q.SQL)
		assert.Equal(t, []any{"src", 5}, q.Args)
	})

	t.Run("requires_source", func(t *testing.T) {
		for _, direction := range []Direction{DirectionDescendants, DirectionAncestors, DirectionBoth} {
			q, err := b.Relations(1, "", direction, nil)
			require.ErrorIs(t, err, ErrSourceRequired)
			assert.Nil(t, q)
		}
	})
}

func TestEmptySeeds(t *testing.T) {
	ForEachDialect(t, func(t *testing.T, h *TestHarness) {
		ctx := context.Background()
		s := h.Store()
		buildChain(t, s)

		for _, direction := range []Direction{DirectionDescendants, DirectionAncestors, DirectionBoth} {
			got, err := s.Vertices(ctx, []int64{}, testSource, direction, nil)
			require.NoError(t, err)
			assert.Equal(t, []int64{}, got, string(direction))
		}

		q, err := s.RelationsOf([]any{}, testSource, nil)
		require.NoError(t, err)
		got, err := s.QueryVertices(ctx, q)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestClampMaxHops(t *testing.T) {
	tests := []struct {
		name       string
		requested  *int
		configured int
		want       int
	}{
		{name: "nil_uses_configured", requested: nil, configured: 5, want: 5},
		{name: "lower_request_wins", requested: intPtr(2), configured: 5, want: 2},
		{name: "higher_request_capped", requested: intPtr(9), configured: 5, want: 5},
		{name: "negative_floors_at_zero", requested: intPtr(-1), configured: 5, want: 0},
		{name: "zero_configured", requested: nil, configured: 0, want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, clampMaxHops(tc.requested, tc.configured))
		})
	}
}

func TestInvalidSeeds(t *testing.T) {
	b := NewQueryBuilder(DefaultConfig())

	tests := []struct {
		name  string
		seeds any
	}{
		{name: "nil", seeds: nil},
		{name: "true", seeds: true},
		{name: "false", seeds: false},
		{name: "struct", seeds: struct{}{}},
		{name: "string", seeds: "a.string"},
		{name: "float", seeds: 1.0},
		{name: "float_slice", seeds: []float64{1, 2}},
		{name: "mixed_slice", seeds: []any{1, "2"}},
		{name: "nested_slice", seeds: [][]int64{{1}}},
		{name: "bytes", seeds: []byte("1")},
		{name: "json_float", seeds: json.Number("1.5")},
		{name: "uint_overflow", seeds: uint64(1 << 63)},
		{name: "pointer", seeds: intPtr(1)},
		{name: "map", seeds: map[string]int{"a": 1}},
	}

	builders := map[string]func(any) (*VertexQuery, error){
		"descendants": func(s any) (*VertexQuery, error) { return b.DescendantsOf(s, "src", nil) },
		"ancestors":   func(s any) (*VertexQuery, error) { return b.AncestorsOf(s, "src", nil) },
		"relations":   func(s any) (*VertexQuery, error) { return b.RelationsOf(s, "src", nil) },
	}

	for _, tc := range tests {
		for name, build := range builders {
			t.Run(tc.name+"_"+name, func(t *testing.T) {
				q, err := build(tc.seeds)
				require.ErrorIs(t, err, ErrInvalidArgument)
				assert.Nil(t, q)
			})
		}
	}
}

func TestParseDirection(t *testing.T) {
	for in, want := range map[string]Direction{
		"descendants": DirectionDescendants,
		"Ancestors":   DirectionAncestors,
		"relations":   DirectionBoth,
		"both":        DirectionBoth,
	} {
		got, err := ParseDirection(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseDirection("up")
	require.Error(t, err)
}
