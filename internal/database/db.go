package database

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BradenHooton/aegis/internal/metrics"
	"github.com/BradenHooton/aegis/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrRetry asks WithLockingTransaction to run the transaction again, for
// races the repository detects itself (a concurrent insert winning a
// partial unique index).
var ErrRetry = errors.New("transaction must be retried")

// SQLSTATE codes
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeNotNullViolation     = "23502"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

const retryBackoff = 15 * time.Millisecond

// MapPostgresError translates driver errors into model sentinels.
func MapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return models.ErrConflict
		case codeForeignKeyViolation, codeNotNullViolation:
			return models.ErrBadRequest
		}
	}

	return err
}

// retryCause names why a failed transaction may be re-run, or returns ""
// when it may not. A statement timeout is not retried: the work would just
// time out again.
func retryCause(err error) string {
	if errors.Is(err, ErrRetry) {
		return "race"
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}
	switch pgErr.Code {
	case codeSerializationFailure:
		return "serialization_failure"
	case codeDeadlockDetected:
		return "deadlock"
	case codeLockNotAvailable:
		return "lock_timeout"
	}
	return ""
}

func (db *DB) WithTransaction(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	err = fn(tx)
	return err
}

// WithLockingTransaction runs fn like WithTransaction and re-runs it on a
// fresh transaction, up to the configured retry count, when it fails with a
// deadlock, serialization failure, lock timeout or ErrRetry. fn must not
// keep state between attempts.
func (db *DB) WithLockingTransaction(ctx context.Context, fn func(pgx.Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = db.WithTransaction(ctx, fn)
		cause := retryCause(err)
		if cause == "" || attempt >= db.txRetries {
			break
		}

		metrics.DBTxRetriesTotal.WithLabelValues(cause).Inc()
		db.logger.Debug("retrying transaction",
			slog.String("cause", cause),
			slog.Int("attempt", attempt+1),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * retryBackoff):
		}
	}

	if errors.Is(err, ErrRetry) {
		return models.ErrConflict
	}
	return err
}
