package dag

import (
	"context"
	"errors"
	"time"
)

// MutationRetryStats describes how one write to a source fared against lease
// conflicts.
type MutationRetryStats struct {
	Operation       string
	Source          string
	Attempts        int
	ConflictCount   int
	TotalRetryDelay time.Duration
	Success         bool
}

// MutationRetryObserver is notified once per write that went through the
// lease path.
type MutationRetryObserver interface {
	ObserveMutationRetry(stats MutationRetryStats)
}

// MutationRetryObserverFunc adapts a function to MutationRetryObserver.
type MutationRetryObserverFunc func(stats MutationRetryStats)

func (f MutationRetryObserverFunc) ObserveMutationRetry(stats MutationRetryStats) {
	if f != nil {
		f(stats)
	}
}

// leaseRetryBackoff is the wait before retrying after the n-th conflict:
// 10ms, 40ms, 90ms, ...
func leaseRetryBackoff(n int) time.Duration {
	return time.Duration(n*n) * 10 * time.Millisecond
}

// runWithLeaseRetry runs op until it succeeds, fails with something other
// than ErrWriteLeaseConflict, or has conflicted more than maxRetries times.
// The observer sees exactly one stats value per call.
func runWithLeaseRetry(ctx context.Context, operation, source string, maxRetries int, observer MutationRetryObserver, op func() error) (err error) {
	stats := MutationRetryStats{Operation: operation, Source: source}
	defer func() {
		stats.Success = err == nil
		if observer != nil {
			observer.ObserveMutationRetry(stats)
		}
	}()

	for {
		stats.Attempts++
		err = op()
		if !errors.Is(err, ErrWriteLeaseConflict) {
			return err
		}

		stats.ConflictCount++
		if stats.ConflictCount > max(maxRetries, 0) {
			return err
		}

		wait := leaseRetryBackoff(stats.ConflictCount)
		stats.TotalRetryDelay += wait
		if err = sleepWithContext(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
