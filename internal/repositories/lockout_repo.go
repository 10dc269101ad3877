package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/aegis/internal/database"
	"github.com/BradenHooton/aegis/internal/models"
	"github.com/jackc/pgx/v5"
)

// LockoutRepository persists account lockouts. At most one lockout per
// account is active (enforced by a partial unique index), and
// accounts.is_locked is kept in step inside the same statement or
// transaction.
type LockoutRepository struct {
	db *database.DB
}

func NewLockoutRepository(db *database.DB) *LockoutRepository {
	return &LockoutRepository{db: db}
}

const lockoutColumns = `id, account_id, lockout_type, reason, expires_at, is_active,
	locked_by, unlocked_by, unlocked_at, created_at`

func scanLockoutRow(scanner rowScanner) (*models.Lockout, error) {
	var l models.Lockout
	var lockoutType string

	err := scanner.Scan(
		&l.ID, &l.AccountID, &lockoutType, &l.Reason, &l.ExpiresAt, &l.IsActive,
		&l.LockedBy, &l.UnlockedBy, &l.UnlockedAt, &l.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	l.Type = models.LockoutType(lockoutType)

	return &l, nil
}

func (r *LockoutRepository) GetActive(ctx context.Context, accountID string) (*models.Lockout, error) {
	query := `SELECT ` + lockoutColumns + ` FROM account_lockouts WHERE account_id = $1 AND is_active`
	return scanLockoutRow(r.db.Pool.QueryRow(ctx, query, accountID))
}

// Create activates lockout for its account, superseding the current active
// lockout unless that one outlasts it (an administrative lockout, or a
// later expiry). In that case the existing lockout is returned together
// with models.ErrConflict.
func (r *LockoutRepository) Create(ctx context.Context, lockout *models.Lockout) (*models.Lockout, error) {
	var created, existing *models.Lockout

	err := r.db.WithLockingTransaction(ctx, func(tx pgx.Tx) error {
		created, existing = nil, nil

		current, err := scanLockoutRow(tx.QueryRow(ctx,
			`SELECT `+lockoutColumns+` FROM account_lockouts WHERE account_id = $1 AND is_active FOR UPDATE`,
			lockout.AccountID,
		))
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("failed to load active lockout: %w", err)
		}

		if current != nil {
			if current.Outlasts(lockout) {
				existing = current
				return models.ErrConflict
			}

			if _, err := tx.Exec(ctx,
				`UPDATE account_lockouts SET is_active = FALSE, unlocked_at = $2 WHERE id = $1`,
				current.ID, lockout.CreatedAt,
			); err != nil {
				return fmt.Errorf("failed to supersede lockout: %w", err)
			}
		}

		created, err = scanLockoutRow(tx.QueryRow(ctx, `
			INSERT INTO account_lockouts (account_id, lockout_type, reason, expires_at, is_active, locked_by, created_at)
			VALUES ($1, $2, $3, $4, TRUE, $5, $6)
			RETURNING `+lockoutColumns,
			lockout.AccountID, string(lockout.Type), lockout.Reason, lockout.ExpiresAt, lockout.LockedBy, lockout.CreatedAt,
		))
		if errors.Is(err, models.ErrConflict) {
			// A concurrent Create inserted the active row first; the
			// next attempt sees it under FOR UPDATE.
			return fmt.Errorf("%w: concurrent lockout insert", database.ErrRetry)
		}
		if err != nil {
			return fmt.Errorf("failed to insert lockout: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET is_locked = TRUE, updated_at = NOW() WHERE id = $1`, lockout.AccountID,
		); err != nil {
			return fmt.Errorf("failed to flag account locked: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) && existing != nil {
			return existing, models.ErrConflict
		}
		return nil, err
	}

	return created, nil
}

// Deactivate ends the active lockout of an account regardless of type and
// returns it. Returns models.ErrNotFound when there is none.
func (r *LockoutRepository) Deactivate(ctx context.Context, accountID string, unlockedBy *string, at time.Time) (*models.Lockout, error) {
	var ended *models.Lockout

	err := r.db.WithLockingTransaction(ctx, func(tx pgx.Tx) error {
		var err error
		ended, err = scanLockoutRow(tx.QueryRow(ctx, `
			UPDATE account_lockouts
			SET is_active = FALSE, unlocked_by = $2, unlocked_at = $3
			WHERE account_id = $1 AND is_active
			RETURNING `+lockoutColumns,
			accountID, unlockedBy, at,
		))
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `UPDATE accounts SET is_locked = FALSE, updated_at = NOW() WHERE id = $1`, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return ended, nil
}

// expireQuery deactivates expired non-administrative lockouts and clears
// the account flag in one statement. The WHERE clause is re-checked under
// the row lock, so a lockout superseded concurrently is left alone.
const expireQuery = `
	WITH expired AS (
		UPDATE account_lockouts
		SET is_active = FALSE, unlocked_at = $1
		WHERE is_active
		  AND lockout_type <> 'administrative'
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
		  %s
		RETURNING account_id
	)
	UPDATE accounts SET is_locked = FALSE, updated_at = NOW()
	WHERE id IN (SELECT account_id FROM expired)
	RETURNING id
`

// DeactivateIfExpired ends the account's lockout only if it is
// non-administrative and expired at now. Reports whether a row changed.
func (r *LockoutRepository) DeactivateIfExpired(ctx context.Context, accountID string, now time.Time) (bool, error) {
	rows, err := r.db.Pool.Query(ctx, fmt.Sprintf(expireQuery, "AND account_id = $2"), now, accountID)
	if err != nil {
		return false, fmt.Errorf("failed to expire lockout: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// SweepExpired ends every expired non-administrative lockout and returns
// the affected account IDs. Safe to run concurrently and repeatedly.
func (r *LockoutRepository) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, fmt.Sprintf(expireQuery, ""), now)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep lockouts: %w", err)
	}
	return collectIDs(rows)
}

func (r *LockoutRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.Lockout, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+lockoutColumns+` FROM account_lockouts WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query lockouts: %w", err)
	}
	defer rows.Close()

	lockouts := make([]*models.Lockout, 0)
	for rows.Next() {
		l, err := scanLockoutRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lockout: %w", err)
		}
		lockouts = append(lockouts, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lockout rows: %w", err)
	}

	return lockouts, nil
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect ids: %w", err)
	}
	return ids, nil
}
