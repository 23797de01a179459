package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// InTx runs fn against a copy of the store bound to a serializable
// transaction. On a serialization failure or deadlock the transaction is
// rolled back and fn is re-run from scratch with exponential backoff, up to
// the configured retry count. fn must therefore be free of side effects other
// than its database writes. Serialization conflicts are never surfaced to
// callers while retries remain.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		// Already inside a transaction; run directly.
		return fn(s)
	}

	attempt := func() error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return classifyTxError(fmt.Errorf("begin tx: %w", err))
		}

		txStore := &PostgresStore{db: tx, txRetries: s.txRetries, backoffBase: s.backoffBase}
		if err := fn(txStore); err != nil {
			_ = tx.Rollback(ctx)
			return classifyTxError(err)
		}

		if err := tx.Commit(ctx); err != nil {
			return classifyTxError(fmt.Errorf("commit tx: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.backoffBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1

	err := backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(s.txRetries)), ctx))
	if err != nil && isSerializationError(err) {
		slog.Warn("transaction retries exhausted", "retries", s.txRetries, "error", err)
		return fmt.Errorf("transaction not completed after %d retries: %w", s.txRetries, err)
	}
	return err
}

// classifyTxError marks non-retryable errors permanent so the backoff loop
// only retries serialization failures and deadlocks.
func classifyTxError(err error) error {
	if err == nil {
		return nil
	}
	if isSerializationError(err) {
		return err
	}
	return backoff.Permanent(err)
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
