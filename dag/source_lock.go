package dag

import (
	"context"
	"database/sql"
	"sync"
)

// processSourceLocks serialises writers of one source within this process.
// DuckDB admits concurrent transactions that insert disjoint rows, so two
// opposite edges can both pass the cycle guard unless something outside the
// database orders them. Locks are keyed by the *sql.DB so every Store sharing
// a handle shares the lock.
var processSourceLocks = newSourceLocks()

type sourceLockKey struct {
	db     *sql.DB
	source string
}

type sourceLock struct {
	sem  chan struct{}
	refs int
}

type sourceLocks struct {
	mu    sync.Mutex
	locks map[sourceLockKey]*sourceLock
}

func newSourceLocks() *sourceLocks {
	return &sourceLocks{locks: make(map[sourceLockKey]*sourceLock)}
}

// acquire blocks until the lock for (db, source) is held or ctx is done. The
// returned func releases it.
func (l *sourceLocks) acquire(ctx context.Context, db *sql.DB, source string) (func(), error) {
	key := sourceLockKey{db: db, source: source}

	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &sourceLock{sem: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
		return func() {
			<-lock.sem
			l.release(key, lock)
		}, nil
	case <-ctx.Done():
		l.release(key, lock)
		return nil, ctx.Err()
	}
}

func (l *sourceLocks) release(key sourceLockKey, lock *sourceLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *sourceLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
