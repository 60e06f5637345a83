package dag

import (
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

const (
	// DefaultTableName is the closure table used when none is configured.
	DefaultTableName = "dag_edges"
	// DefaultMaxHops is the hop ceiling used when none is configured.
	DefaultMaxHops = 5
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds the closure table settings. It is loaded by the application
// and passed to NewStore as a plain value.
type Config struct {
	// TableName is the closure table. Several sources share one table.
	TableName string `json:"table_name" yaml:"table_name"`
	// MaxHops is the ceiling on the hop count of any stored path. Zero allows
	// direct edges only.
	MaxHops int `json:"max_hops" yaml:"max_hops"`
}

// DefaultConfig returns the configuration used by NewStore when no options
// override it.
func DefaultConfig() Config {
	return Config{TableName: DefaultTableName, MaxHops: DefaultMaxHops}
}

func normalizeConfig(cfg Config) (Config, error) {
	cfg.TableName = strings.TrimSpace(cfg.TableName)
	if cfg.TableName == "" {
		cfg.TableName = DefaultTableName
	}
	if !tableNamePattern.MatchString(cfg.TableName) {
		return cfg, fmt.Errorf("invalid table name %q", cfg.TableName)
	}
	if cfg.MaxHops < 0 {
		return cfg, fmt.Errorf("max hops must be >= 0, got %d", cfg.MaxHops)
	}
	return cfg, nil
}

// Store maintains the transitive closure of every source graph held in one
// closure table.
//
// Writes (InsertEdge, RemoveEdge) each run in exactly one transaction.
// Reads go through the QueryBuilder and need no locking.
type Store struct {
	db      *sql.DB
	dialect Dialect
	cfg     Config
	queries *QueryBuilder

	logger  *slog.Logger
	metrics Metrics
	journal Journal

	leaseManager  WriteLeaseManager
	leaseTTL      time.Duration
	leaseRetries  int
	retryObserver MutationRetryObserver
}

// StoreOption configures Store instances.
type StoreOption func(*Store)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) StoreOption {
	return func(s *Store) {
		s.cfg = cfg
	}
}

// WithTableName sets the closure table name.
func WithTableName(name string) StoreOption {
	return func(s *Store) {
		if name != "" {
			s.cfg.TableName = name
		}
	}
}

// WithMaxHops sets the hop ceiling.
func WithMaxHops(maxHops int) StoreOption {
	return func(s *Store) {
		s.cfg.MaxHops = maxHops
	}
}

// WithLogger sets the structured logger used for write outcomes.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) StoreOption {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithJournal records every committed mutation in j.
func WithJournal(j Journal) StoreOption {
	return func(s *Store) {
		s.journal = j
	}
}

// WithWriteLeaseManager serialises writes per source through mgr, in addition
// to whatever the database itself provides.
func WithWriteLeaseManager(mgr WriteLeaseManager) StoreOption {
	return func(s *Store) {
		s.leaseManager = mgr
	}
}

// WithWriteLeaseTTL sets the TTL for write leases.
func WithWriteLeaseTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		if ttl <= 0 {
			s.leaseTTL = defaultWriteLeaseTTL
			return
		}
		s.leaseTTL = ttl
	}
}

// WithLeaseRetries sets how many times a write retries after a lease
// conflict before giving up.
func WithLeaseRetries(n int) StoreOption {
	return func(s *Store) {
		if n >= 0 {
			s.leaseRetries = n
		}
	}
}

// WithMutationRetryObserver sets an observer for lease retry events.
func WithMutationRetryObserver(observer MutationRetryObserver) StoreOption {
	return func(s *Store) {
		s.retryObserver = observer
	}
}

// NewStore creates a Store over db. The schema is not created; call
// EnsureSchema for that.
func NewStore(db *sql.DB, dialect Dialect, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	s := &Store{
		db:       db,
		dialect:  dialect,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		metrics:  NoopMetrics{},
		leaseTTL: defaultWriteLeaseTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	cfg, err := normalizeConfig(s.cfg)
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	s.queries = NewQueryBuilder(cfg)
	return s, nil
}

// Config returns the normalized configuration.
func (s *Store) Config() Config { return s.cfg }

// Dialect returns the SQL dialect of the underlying database.
func (s *Store) Dialect() Dialect { return s.dialect }

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// QueryBuilder returns the relation query builder bound to this store's table
// and hop ceiling.
func (s *Store) QueryBuilder() *QueryBuilder { return s.queries }

// stmt expands {table} and rebinds placeholders for the store's dialect.
func (s *Store) stmt(query string) string {
	return s.dialect.Rebind(strings.ReplaceAll(query, "{table}", s.cfg.TableName))
}
