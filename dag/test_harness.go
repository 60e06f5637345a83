package dag

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

// PostgresTestDSNEnv names the environment variable that enables the Postgres
// dialect in tests.
const PostgresTestDSNEnv = "DAGCORE_TEST_POSTGRES_DSN"

var harnessTableSeq atomic.Int64

// TestHarness opens a fresh closure store for one test.
//
// Example:
//
//	h := NewTestHarness(t, DialectSQLite).WithOptions(WithMaxHops(3)).Setup()
//	edges, err := h.Store().InsertEdge(ctx, 2, 1, "test")
//
// Embedded dialects get their own database file under t.TempDir(). Postgres
// shares the database named by DAGCORE_TEST_POSTGRES_DSN and isolates tests
// with a unique table that is dropped on cleanup.
type TestHarness struct {
	t       testing.TB
	dialect Dialect
	dsn     string
	opts    []StoreOption

	db    *sql.DB
	store *Store
	table string
}

// NewTestHarness creates a harness for dialect. Postgres tests are skipped
// unless DAGCORE_TEST_POSTGRES_DSN is set.
func NewTestHarness(t testing.TB, dialect Dialect) *TestHarness {
	t.Helper()

	h := &TestHarness{t: t, dialect: dialect}
	switch dialect {
	case DialectPostgres:
		h.dsn = os.Getenv(PostgresTestDSNEnv)
		if h.dsn == "" {
			t.Skipf("%s not set; skipping Postgres test", PostgresTestDSNEnv)
		}
		h.table = fmt.Sprintf("dag_edges_test_%d_%d", os.Getpid(), harnessTableSeq.Add(1))
	case DialectDuckDB:
		h.dsn = filepath.Join(t.TempDir(), "dag.duckdb")
	default:
		h.dsn = "sqlite://" + filepath.Join(t.TempDir(), "dag.db")
	}
	return h
}

// WithOptions adds store options applied during Setup.
func (h *TestHarness) WithOptions(opts ...StoreOption) *TestHarness {
	h.opts = append(h.opts, opts...)
	return h
}

// Setup opens the database, builds the store and creates the schema.
func (h *TestHarness) Setup() *TestHarness {
	h.t.Helper()
	ctx := context.Background()

	db, dialect, err := Open(ctx, h.dsn)
	if err != nil {
		h.t.Fatalf("open %s: %v", h.dialect, err)
	}
	h.db = db
	h.t.Cleanup(h.cleanup)

	opts := h.opts
	if h.table != "" {
		opts = append([]StoreOption{WithTableName(h.table)}, opts...)
	}
	store, err := NewStore(db, dialect, opts...)
	if err != nil {
		h.t.Fatalf("new store: %v", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		h.t.Fatalf("ensure schema: %v", err)
	}
	h.store = store
	return h
}

func (h *TestHarness) cleanup() {
	if h.db == nil {
		return
	}
	if h.dialect == DialectPostgres && h.store != nil {
		_, _ = h.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, h.store.Config().TableName))
	}
	_ = h.db.Close()
	h.db = nil
}

// Store returns the store built by Setup.
func (h *TestHarness) Store() *Store {
	if h.store == nil {
		h.t.Fatalf("harness not set up")
	}
	return h.store
}

// DB returns the raw database handle.
func (h *TestHarness) DB() *sql.DB {
	if h.db == nil {
		h.t.Fatalf("harness not set up")
	}
	return h.db
}

// Dialect returns the dialect under test.
func (h *TestHarness) Dialect() Dialect {
	return h.dialect
}

// HarnessDialects lists every dialect tests should cover.
func HarnessDialects() []Dialect {
	return []Dialect{DialectSQLite, DialectDuckDB, DialectPostgres}
}

// ForEachDialect runs fn as a subtest per dialect with a set-up harness.
func ForEachDialect(t *testing.T, fn func(t *testing.T, h *TestHarness), opts ...StoreOption) {
	t.Helper()
	for _, d := range HarnessDialects() {
		t.Run(d.String(), func(t *testing.T) {
			fn(t, NewTestHarness(t, d).WithOptions(opts...).Setup())
		})
	}
}
