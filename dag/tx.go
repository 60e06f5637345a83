package dag

import (
	"context"
	"database/sql"
	"fmt"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside one write transaction for source. The transaction is
// rolled back when fn returns an error or panics, and committed otherwise.
// Writers of one source never overlap: Postgres takes an advisory lock inside
// the transaction, DuckDB holds an in-process lock around it, and SQLite
// begins every write transaction IMMEDIATE.
func (s *Store) withTx(ctx context.Context, source string, fn func(tx *sql.Tx) error) error {
	if s.dialect.locksInProcess() {
		unlock, err := processSourceLocks.acquire(ctx, s.db, source)
		if err != nil {
			return fmt.Errorf("lock source %q: %w", source, err)
		}
		// released after commit or rollback
		defer unlock()
	}

	tx, err := s.db.BeginTx(ctx, s.dialect.txOptions())
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// no-op after a successful commit
		_ = tx.Rollback()
	}()

	if err := s.dialect.lockSourceTx(ctx, tx, source); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
