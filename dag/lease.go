// lease.go defines the WriteLeaseManager interface and how writes take a
// per-source lease around their transaction.
//
// withTx already serialises writers of one source within a database
// (advisory lock on Postgres, IMMEDIATE transactions on SQLite, an
// in-process lock on DuckDB). A lease manager adds a coarse cluster-wide lock
// keyed by source so that a fleet of API pods queues on the lease and holds
// no database connection while waiting.
//
// Implementations:
//
//   - InMemoryWriteLeaseManager: in-process map, single pod and tests.
//   - RedisWriteLeaseManager: SET NX plus token-checked Lua scripts.

package dag

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultWriteLeaseTTL = 30 * time.Second

// WriteLease is a held write lock for one source. Token proves ownership on
// Renew and Release.
type WriteLease struct {
	Source    string
	Token     string
	ExpiresAt time.Time
}

// WriteLeaseManager coordinates writes per source. Acquire returns
// ErrWriteLeaseConflict when the lease is held by someone else.
type WriteLeaseManager interface {
	Acquire(ctx context.Context, source string, ttl time.Duration) (*WriteLease, error)
	Renew(ctx context.Context, lease *WriteLease, ttl time.Duration) (*WriteLease, error)
	Release(ctx context.Context, lease *WriteLease) error
}

// runWrite runs fn in one transaction for source, holding the source's write
// lease when a manager is configured. Lease conflicts are retried with
// backoff up to leaseRetries times.
func (s *Store) runWrite(ctx context.Context, operation, source string, fn func(tx *sql.Tx) error) error {
	if s.leaseManager == nil {
		return s.withTx(ctx, source, fn)
	}

	return runWithLeaseRetry(ctx, operation, source, s.leaseRetries, s.retryObserver, func() error {
		lease, err := s.acquireWriteLease(ctx, source)
		if err != nil {
			return err
		}
		defer func() {
			if err := s.leaseManager.Release(context.WithoutCancel(ctx), lease); err != nil {
				s.logger.WarnContext(ctx, "write lease release failed", "source", source, "error", err)
			}
		}()
		return s.withTx(ctx, source, fn)
	})
}

// acquireWriteLease logs conflicts at WARN and other failures at ERROR.
func (s *Store) acquireWriteLease(ctx context.Context, source string) (*WriteLease, error) {
	lease, err := s.leaseManager.Acquire(ctx, source, s.leaseTTL)
	if err != nil {
		if errors.Is(err, ErrWriteLeaseConflict) {
			s.logger.WarnContext(ctx, "write lease acquisition conflict", "source", source, "reason", "lease_conflict", "ttl", s.leaseTTL.String())
		} else {
			s.logger.ErrorContext(ctx, "write lease acquisition failed", "source", source, "reason", "lease_acquire_failed", "error", err)
		}
		return nil, fmt.Errorf("acquire write lease: %w", err)
	}
	return lease, nil
}
