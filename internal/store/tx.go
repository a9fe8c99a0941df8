package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Tx is one atomic unit of work against the store.
//
// Every Store write method runs inside its own Tx. Callers that need
// several writes to commit together (an event append plus a CMS snapshot,
// a checkpoint advance plus the agent's effect) use WithTx and call the
// Tx methods directly.
//
// A Tx must not be used after the WithTx callback returns, and the
// callback must not call Store methods (the single connection is held by
// the Tx).
type Tx struct {
	tx  *sql.Tx
	now time.Time
}

// Now returns the transaction's timestamp. It is fixed for the lifetime of
// the Tx so that every row written in one unit shares the same time.
func (tx *Tx) Now() time.Time {
	return tx.now
}

// WithTx runs fn inside a transaction. The transaction commits if fn
// returns nil and rolls back otherwise.
//
// Transient SQLite lock errors restart the whole transaction, so fn may
// run more than once and must not have side effects outside the Tx.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return retryOp(ctx, s.retry, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer sqlTx.Rollback()

		if err := fn(&Tx{tx: sqlTx, now: s.Now()}); err != nil {
			return err
		}

		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}
