package dag

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	t.Run("defaults", func(t *testing.T) {
		s, err := NewStore(db, DialectSQLite)
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), s.Config())
		assert.Equal(t, DialectSQLite, s.Dialect())
		assert.Same(t, db, s.DB())
		assert.Nil(t, s.Journal())
	})

	t.Run("options", func(t *testing.T) {
		s, err := NewStore(db, DialectSQLite, WithTableName("org_edges"), WithMaxHops(2))
		require.NoError(t, err)
		assert.Equal(t, Config{TableName: "org_edges", MaxHops: 2}, s.Config())

		q, err := s.QueryBuilder().AncestorsOf(1, "src", nil)
		require.NoError(t, err)
		assert.Contains(t, q.SQL, "FROM org_edges ")
		assert.Equal(t, 2, q.Args[1])
	})

	t.Run("with_config", func(t *testing.T) {
		s, err := NewStore(db, DialectSQLite, WithConfig(Config{TableName: " ", MaxHops: 0}))
		require.NoError(t, err)
		assert.Equal(t, Config{TableName: DefaultTableName, MaxHops: 0}, s.Config())
	})

	t.Run("rejects_bad_config", func(t *testing.T) {
		_, err := NewStore(db, DialectSQLite, WithTableName("edges; DROP TABLE x"))
		require.Error(t, err)
		_, err = NewStore(db, DialectSQLite, WithMaxHops(-1))
		require.Error(t, err)
		_, err = NewStore(nil, DialectSQLite)
		require.Error(t, err)
	})
}

func TestEdgesListing(t *testing.T) {
	ForEachDialect(t, func(t *testing.T, h *TestHarness) {
		ctx := context.Background()
		s := h.Store()

		empty, err := s.Edges(ctx, testSource)
		require.NoError(t, err)
		assert.NotNil(t, empty)
		assert.Empty(t, empty)

		buildChain(t, s)

		direct, err := s.DirectEdges(ctx, testSource)
		require.NoError(t, err)
		require.Len(t, direct, 3)
		for _, e := range direct {
			assert.True(t, e.IsDirect())
			assert.Equal(t, e.ID, e.DirectEdgeID)
			assert.Equal(t, e.ID, e.EntryEdgeID)
			assert.Equal(t, e.ID, e.ExitEdgeID)
			assert.Equal(t, testSource, e.Source)
		}
		assert.Equal(t, vB, direct[0].StartVertex)
		assert.Equal(t, vD, direct[2].StartVertex)

		all, err := s.Edges(ctx, testSource)
		require.NoError(t, err)
		assert.Len(t, all, 6)
		for i := 1; i < len(all); i++ {
			assert.Less(t, all[i-1].ID, all[i].ID)
		}

		// ids stay unique across sources and after removal plus reinsert
		_, err = s.InsertEdge(ctx, vB, vA, "other")
		require.NoError(t, err)
		removed, err := s.RemoveEdge(ctx, vC, vB, testSource)
		require.NoError(t, err)
		require.True(t, removed)
		mustInsert(t, s, vC, vB)

		var total, distinct int
		row := h.DB().QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*), COUNT(DISTINCT id) FROM %s`, s.Config().TableName))
		require.NoError(t, row.Scan(&total, &distinct))
		assert.Equal(t, total, distinct)
		assert.Equal(t, 8, total)
	})
}
