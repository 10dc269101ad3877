package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/aegis/internal/database"
	"github.com/BradenHooton/aegis/internal/models"
)

// TOTPRepository stores the encrypted TOTP secret of each account.
type TOTPRepository struct {
	db *database.DB
}

func NewTOTPRepository(db *database.DB) *TOTPRepository {
	return &TOTPRepository{db: db}
}

func (r *TOTPRepository) Get(ctx context.Context, accountID string) (*models.TOTPEnrollment, error) {
	var e models.TOTPEnrollment
	err := r.db.Pool.QueryRow(ctx, `
		SELECT account_id, totp_secret_encrypted, totp_secret_nonce, last_used_at, created_at, verified_at
		FROM totp_enrollments WHERE account_id = $1
	`, accountID).Scan(&e.AccountID, &e.TOTPSecretEncrypted, &e.TOTPSecretNonce, &e.LastUsedAt, &e.CreatedAt, &e.VerifiedAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &e, nil
}

// Upsert stores a pending enrollment. A verified enrollment is never
// overwritten; models.ErrConflict is returned instead.
func (r *TOTPRepository) Upsert(ctx context.Context, e *models.TOTPEnrollment) error {
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO totp_enrollments (account_id, totp_secret_encrypted, totp_secret_nonce, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE SET
			totp_secret_encrypted = EXCLUDED.totp_secret_encrypted,
			totp_secret_nonce = EXCLUDED.totp_secret_nonce,
			last_used_at = NULL,
			created_at = EXCLUDED.created_at
		WHERE totp_enrollments.verified_at IS NULL
	`, e.AccountID, e.TOTPSecretEncrypted, e.TOTPSecretNonce, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save totp enrollment: %w", database.MapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict
	}
	return nil
}

func (r *TOTPRepository) MarkVerified(ctx context.Context, accountID string, at time.Time) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE totp_enrollments SET verified_at = $2, last_used_at = $2 WHERE account_id = $1`, accountID, at)
	if err != nil {
		return fmt.Errorf("failed to verify totp enrollment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// TouchLastUsed records the time of an accepted code for replay protection.
func (r *TOTPRepository) TouchLastUsed(ctx context.Context, accountID string, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE totp_enrollments SET last_used_at = $2 WHERE account_id = $1`, accountID, at)
	if err != nil {
		return fmt.Errorf("failed to update totp last used: %w", err)
	}
	return nil
}
