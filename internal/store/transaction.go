package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/phrazzld/synopsis/internal/platform/logger"
)

// TxFn runs inside a transaction opened by RunInTransaction.
type TxFn func(ctx context.Context, tx *sql.Tx) error

// RunInTransaction runs fn in a transaction on db. The transaction commits
// when fn returns nil and rolls back when fn returns an error or panics.
// fn's error is returned unchanged so callers can match store sentinels.
func RunInTransaction(ctx context.Context, db *sql.DB, fn TxFn) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return NewStoreError("transaction", "begin", "failed to begin transaction", err)
	}
	log := logger.FromContext(ctx)

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Error("rollback after panic failed", "error", rbErr, "panic", p)
			}
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Error("rollback failed", "error", rbErr, "cause", err)
			return errors.Join(err, NewStoreError("transaction", "rollback", "failed to roll back", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("transaction", "commit", "failed to commit transaction", err)
	}
	return nil
}
