package dag

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceLocks(t *testing.T) {
	t.Run("same_source_waits", func(t *testing.T) {
		locks := newSourceLocks()
		db := &sql.DB{}

		unlock, err := locks.acquire(context.Background(), db, "org")
		require.NoError(t, err)

		acquired := make(chan struct{})
		go func() {
			second, err := locks.acquire(context.Background(), db, "org")
			if err == nil {
				second()
			}
			close(acquired)
		}()

		select {
		case <-acquired:
			t.Fatal("second writer entered while the first held the lock")
		case <-time.After(50 * time.Millisecond):
		}

		unlock()
		select {
		case <-acquired:
		case <-time.After(2 * time.Second):
			t.Fatal("second writer never acquired the lock")
		}
		assert.Equal(t, 0, locks.size())
	})

	t.Run("other_sources_and_handles_are_independent", func(t *testing.T) {
		locks := newSourceLocks()
		db1, db2 := &sql.DB{}, &sql.DB{}

		a, err := locks.acquire(context.Background(), db1, "org")
		require.NoError(t, err)
		b, err := locks.acquire(context.Background(), db1, "billing")
		require.NoError(t, err)
		c, err := locks.acquire(context.Background(), db2, "org")
		require.NoError(t, err)
		assert.Equal(t, 3, locks.size())

		a()
		b()
		c()
		assert.Equal(t, 0, locks.size())
	})

	t.Run("cancelled_wait", func(t *testing.T) {
		locks := newSourceLocks()
		db := &sql.DB{}

		unlock, err := locks.acquire(context.Background(), db, "org")
		require.NoError(t, err)
		defer unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = locks.acquire(ctx, db, "org")
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 1, locks.size())
	})
}
