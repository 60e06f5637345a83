package dag

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alwaysConflictLeaseManager struct{}

func (alwaysConflictLeaseManager) Acquire(ctx context.Context, source string, ttl time.Duration) (*WriteLease, error) {
	return nil, ErrWriteLeaseConflict
}

func (alwaysConflictLeaseManager) Renew(ctx context.Context, lease *WriteLease, ttl time.Duration) (*WriteLease, error) {
	return nil, ErrWriteLeaseConflict
}

func (alwaysConflictLeaseManager) Release(ctx context.Context, lease *WriteLease) error {
	return nil
}

// flakyLeaseManager conflicts on the first n acquisitions.
type flakyLeaseManager struct {
	*InMemoryWriteLeaseManager

	mu        sync.Mutex
	conflicts int
	acquired  int
	released  int
}

func (m *flakyLeaseManager) Acquire(ctx context.Context, source string, ttl time.Duration) (*WriteLease, error) {
	m.mu.Lock()
	if m.conflicts > 0 {
		m.conflicts--
		m.mu.Unlock()
		return nil, ErrWriteLeaseConflict
	}
	m.acquired++
	m.mu.Unlock()
	return m.InMemoryWriteLeaseManager.Acquire(ctx, source, ttl)
}

func (m *flakyLeaseManager) Release(ctx context.Context, lease *WriteLease) error {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
	return m.InMemoryWriteLeaseManager.Release(ctx, lease)
}

func TestWriteLeaseRedis(t *testing.T) {
	type testCase struct {
		name string
		run  func(t *testing.T, ctx context.Context, mr *miniredis.Miniredis, mgr *RedisWriteLeaseManager)
	}

	tests := []testCase{
		{
			name: "renew_before_expiry",
			run: func(t *testing.T, ctx context.Context, _ *miniredis.Miniredis, mgr *RedisWriteLeaseManager) {
				lease, err := mgr.Acquire(ctx, "src-1", 500*time.Millisecond)
				require.NoError(t, err)
				require.NotEmpty(t, lease.Token)

				_, err = mgr.Acquire(ctx, "src-1", 500*time.Millisecond)
				require.ErrorIs(t, err, ErrWriteLeaseConflict)

				renewed, err := mgr.Renew(ctx, lease, 1200*time.Millisecond)
				require.NoError(t, err)
				assert.Equal(t, lease.Token, renewed.Token)
				assert.True(t, renewed.ExpiresAt.After(lease.ExpiresAt))

				require.NoError(t, mgr.Release(ctx, renewed))
				_, err = mgr.Acquire(ctx, "src-1", 500*time.Millisecond)
				require.NoError(t, err)
			},
		},
		{
			name: "renew_after_expiry_conflicts",
			run: func(t *testing.T, ctx context.Context, mr *miniredis.Miniredis, mgr *RedisWriteLeaseManager) {
				lease, err := mgr.Acquire(ctx, "src-1", 500*time.Millisecond)
				require.NoError(t, err)

				mr.FastForward(2 * time.Second)

				_, err = mgr.Renew(ctx, lease, time.Second)
				require.ErrorIs(t, err, ErrWriteLeaseConflict)
				_, err = mgr.Acquire(ctx, "src-1", 500*time.Millisecond)
				require.NoError(t, err)
			},
		},
		{
			name: "release_requires_matching_token",
			run: func(t *testing.T, ctx context.Context, _ *miniredis.Miniredis, mgr *RedisWriteLeaseManager) {
				lease, err := mgr.Acquire(ctx, "src-1", time.Second)
				require.NoError(t, err)

				wrong := &WriteLease{Source: lease.Source, Token: "not-the-token"}
				require.NoError(t, mgr.Release(ctx, wrong))

				_, err = mgr.Acquire(ctx, "src-1", time.Second)
				require.ErrorIs(t, err, ErrWriteLeaseConflict)

				require.NoError(t, mgr.Release(ctx, lease))
				_, err = mgr.Acquire(ctx, "src-1", time.Second)
				require.NoError(t, err)
			},
		},
		{
			name: "sources_do_not_share_leases",
			run: func(t *testing.T, ctx context.Context, mr *miniredis.Miniredis, mgr *RedisWriteLeaseManager) {
				_, err := mgr.Acquire(ctx, "src-1", time.Second)
				require.NoError(t, err)
				_, err = mgr.Acquire(ctx, "src-2", time.Second)
				require.NoError(t, err)

				assert.True(t, mr.Exists("test:lease:src-1"))
				assert.True(t, mr.Exists("test:lease:src-2"))
			},
		},
		{
			name: "empty_source_rejected",
			run: func(t *testing.T, ctx context.Context, _ *miniredis.Miniredis, mgr *RedisWriteLeaseManager) {
				_, err := mgr.Acquire(ctx, " ", time.Second)
				require.ErrorIs(t, err, ErrSourceRequired)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			mr := miniredis.RunT(t)

			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })

			mgr, err := NewRedisWriteLeaseManager(client, "test:lease:")
			require.NoError(t, err)
			tc.run(t, ctx, mr, mgr)
		})
	}
}

func TestWriteLeaseInMemory(t *testing.T) {
	ctx := context.Background()
	mgr := NewInMemoryWriteLeaseManager()

	lease, err := mgr.Acquire(ctx, "src-lease", 100*time.Millisecond)
	require.NoError(t, err)

	_, err = mgr.Acquire(ctx, "src-lease", 100*time.Millisecond)
	require.ErrorIs(t, err, ErrWriteLeaseConflict)

	renewed, err := mgr.Renew(ctx, lease, 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(lease.ExpiresAt))

	require.NoError(t, mgr.Release(ctx, lease))

	_, err = mgr.Acquire(ctx, "src-lease", 100*time.Millisecond)
	require.NoError(t, err)
}

func TestWriteLeaseInMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	mgr := NewInMemoryWriteLeaseManager()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return now }

	lease, err := mgr.Acquire(ctx, "src-lease", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)

	_, err = mgr.Renew(ctx, lease, time.Second)
	require.ErrorIs(t, err, ErrWriteLeaseConflict)

	next, err := mgr.Acquire(ctx, "src-lease", time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, lease.Token, next.Token)

	// stale token must not drop the new holder
	require.NoError(t, mgr.Release(ctx, lease))
	_, err = mgr.Acquire(ctx, "src-lease", time.Second)
	require.ErrorIs(t, err, ErrWriteLeaseConflict)
}

func TestWriteLeaseInjectedManager(t *testing.T) {
	ctx := context.Background()

	var observed []MutationRetryStats
	observer := MutationRetryObserverFunc(func(stats MutationRetryStats) {
		observed = append(observed, stats)
	})

	h := NewTestHarness(t, DialectSQLite).
		WithOptions(
			WithWriteLeaseManager(alwaysConflictLeaseManager{}),
			WithLeaseRetries(2),
			WithMutationRetryObserver(observer),
		).
		Setup()

	_, err := h.Store().InsertEdge(ctx, vB, vA, testSource)
	require.ErrorIs(t, err, ErrWriteLeaseConflict)

	edges, err := h.Store().Edges(ctx, testSource)
	require.NoError(t, err)
	assert.Empty(t, edges)

	require.Len(t, observed, 1)
	assert.Equal(t, "insert_edge", observed[0].Operation)
	assert.Equal(t, testSource, observed[0].Source)
	assert.Equal(t, 3, observed[0].Attempts)
	assert.Equal(t, 3, observed[0].ConflictCount)
	assert.False(t, observed[0].Success)
	assert.Equal(t, 50*time.Millisecond, observed[0].TotalRetryDelay)
}

func TestWriteLeaseRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	mgr := &flakyLeaseManager{InMemoryWriteLeaseManager: NewInMemoryWriteLeaseManager(), conflicts: 2}

	var observed []MutationRetryStats
	h := NewTestHarness(t, DialectSQLite).
		WithOptions(
			WithWriteLeaseManager(mgr),
			WithLeaseRetries(3),
			WithMutationRetryObserver(MutationRetryObserverFunc(func(stats MutationRetryStats) {
				observed = append(observed, stats)
			})),
		).
		Setup()

	created, err := h.Store().InsertEdge(ctx, vB, vA, testSource)
	require.NoError(t, err)
	require.Len(t, created, 1)

	require.Len(t, observed, 1)
	assert.True(t, observed[0].Success)
	assert.Equal(t, 3, observed[0].Attempts)
	assert.Equal(t, 2, observed[0].ConflictCount)

	removed, err := h.Store().RemoveEdge(ctx, vB, vA, testSource)
	require.NoError(t, err)
	assert.True(t, removed)

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	assert.Equal(t, 2, mgr.acquired)
	assert.Equal(t, mgr.acquired, mgr.released)
}

func TestRunWithLeaseRetry(t *testing.T) {
	t.Run("non_conflict_error_is_not_retried", func(t *testing.T) {
		calls := 0
		boom := assert.AnError
		err := runWithLeaseRetry(context.Background(), "op", testSource, 5, nil, func() error {
			calls++
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled_context_stops_backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := runWithLeaseRetry(ctx, "op", testSource, 5, nil, func() error {
			calls++
			cancel()
			return ErrWriteLeaseConflict
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}
