package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/aegis/internal/database"
	"github.com/BradenHooton/aegis/internal/models"
	"github.com/jackc/pgx/v5"
)

// LoginAttemptRepository handles database operations for login attempts
type LoginAttemptRepository struct {
	db *database.DB
}

func NewLoginAttemptRepository(db *database.DB) *LoginAttemptRepository {
	return &LoginAttemptRepository{db: db}
}

// Record records a login attempt in the database
func (r *LoginAttemptRepository) Record(ctx context.Context, attempt *models.LoginAttempt) error {
	query := `
		INSERT INTO login_attempts (account_id, email, ip_address, user_agent, device_id, success, failure_reason, attempted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		attempt.AccountID,
		attempt.Email,
		attempt.IPAddress,
		attempt.UserAgent,
		attempt.DeviceID,
		attempt.Success,
		attempt.FailureReason,
		attempt.AttemptedAt,
		attempt.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record login attempt: %w", err)
	}
	return nil
}

// CountFailedSince returns the number of failed attempts for an account since a point in time
func (r *LoginAttemptRepository) CountFailedSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM login_attempts
		WHERE account_id = $1 AND success = FALSE AND attempted_at >= $2
	`

	var count int
	if err := r.db.Pool.QueryRow(ctx, query, accountID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count failed attempts: %w", err)
	}
	return count, nil
}

// RecentSuccessful returns successful attempts since a point in time, newest first
func (r *LoginAttemptRepository) RecentSuccessful(ctx context.Context, accountID string, since time.Time, limit int) ([]*models.LoginAttempt, error) {
	query := `
		SELECT id, account_id, email, ip_address, user_agent, device_id, attempted_at, success, failure_reason, expires_at
		FROM login_attempts
		WHERE account_id = $1 AND success = TRUE AND attempted_at >= $2
		ORDER BY attempted_at DESC
		LIMIT $3
	`

	rows, err := r.db.Pool.Query(ctx, query, accountID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query successful attempts: %w", err)
	}

	attempts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.LoginAttempt, error) {
		var a models.LoginAttempt
		err := row.Scan(&a.ID, &a.AccountID, &a.Email, &a.IPAddress, &a.UserAgent, &a.DeviceID,
			&a.AttemptedAt, &a.Success, &a.FailureReason, &a.ExpiresAt)
		return &a, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan login attempts: %w", err)
	}
	return attempts, nil
}

// DeleteExpired removes attempts past their retention and returns the count
func (r *LoginAttemptRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM login_attempts WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired login attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}
