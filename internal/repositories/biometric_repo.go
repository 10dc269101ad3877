package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/aegis/internal/database"
	"github.com/BradenHooton/aegis/internal/models"
)

// BiometricRepository persists biometric credentials and their failure
// counters. Counter updates are single statements so concurrent
// verifications cannot lose an increment.
type BiometricRepository struct {
	db *database.DB
}

func NewBiometricRepository(db *database.DB) *BiometricRepository {
	return &BiometricRepository{db: db}
}

const biometricColumns = `id, account_id, device_id, biometric_type, template_hash, enabled,
	success_count, failure_count, last_failure_at, locked_until, last_used_at, created_at, updated_at`

func scanBiometricRow(scanner rowScanner) (*models.BiometricCredential, error) {
	var c models.BiometricCredential
	var biometricType string

	err := scanner.Scan(
		&c.ID, &c.AccountID, &c.DeviceID, &biometricType, &c.TemplateHash, &c.Enabled,
		&c.SuccessCount, &c.FailureCount, &c.LastFailureAt, &c.LockedUntil, &c.LastUsedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	c.Type = models.BiometricType(biometricType)

	return &c, nil
}

func (r *BiometricRepository) Get(ctx context.Context, accountID, deviceID string, biometricType models.BiometricType) (*models.BiometricCredential, error) {
	query := `SELECT ` + biometricColumns + `
		FROM biometric_credentials
		WHERE account_id = $1 AND device_id = $2 AND biometric_type = $3`
	return scanBiometricRow(r.db.Pool.QueryRow(ctx, query, accountID, deviceID, string(biometricType)))
}

// Upsert registers a credential, replacing any template previously enrolled
// for the same account, device and type. Re-registration re-enables the
// credential and clears its failure state.
func (r *BiometricRepository) Upsert(ctx context.Context, cred *models.BiometricCredential) (*models.BiometricCredential, error) {
	query := `
		INSERT INTO biometric_credentials (account_id, device_id, biometric_type, template_hash, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $5)
		ON CONFLICT (account_id, device_id, biometric_type) DO UPDATE SET
			template_hash = EXCLUDED.template_hash,
			enabled = TRUE,
			failure_count = 0,
			last_failure_at = NULL,
			locked_until = NULL,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + biometricColumns

	saved, err := scanBiometricRow(r.db.Pool.QueryRow(ctx, query,
		cred.AccountID, cred.DeviceID, string(cred.Type), cred.TemplateHash, cred.CreatedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to save biometric credential: %w", err)
	}
	return saved, nil
}

// RecordSuccess bumps the success counter and clears failure state.
func (r *BiometricRepository) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE biometric_credentials
		SET success_count = success_count + 1, failure_count = 0, locked_until = NULL,
			last_used_at = $2, updated_at = $2
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to record biometric success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// RecordFailure atomically increments the failure counter and, when it
// reaches maxFailures, sets locked_until to at+cooldown. Returns the
// updated credential.
func (r *BiometricRepository) RecordFailure(ctx context.Context, id string, at time.Time, maxFailures int, cooldown time.Duration) (*models.BiometricCredential, error) {
	query := `
		UPDATE biometric_credentials
		SET failure_count = failure_count + 1,
			last_failure_at = $2,
			locked_until = CASE WHEN failure_count + 1 >= $3 THEN $4 ELSE locked_until END,
			updated_at = $2
		WHERE id = $1
		RETURNING ` + biometricColumns

	cred, err := scanBiometricRow(r.db.Pool.QueryRow(ctx, query, id, at, maxFailures, at.Add(cooldown)))
	if err != nil {
		return nil, fmt.Errorf("failed to record biometric failure: %w", err)
	}
	return cred, nil
}

// ResetFailures clears an elapsed cooldown so counting starts over.
func (r *BiometricRepository) ResetFailures(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE biometric_credentials
		SET failure_count = 0, locked_until = NULL, updated_at = $2
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to reset biometric failures: %w", err)
	}
	return nil
}

func (r *BiometricRepository) Disable(ctx context.Context, accountID, deviceID string, biometricType models.BiometricType, at time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE biometric_credentials
		SET enabled = FALSE, updated_at = $4
		WHERE account_id = $1 AND device_id = $2 AND biometric_type = $3 AND enabled
	`, accountID, deviceID, string(biometricType), at)
	if err != nil {
		return fmt.Errorf("failed to disable biometric credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// HasEnabled reports whether the account has any enabled credential.
func (r *BiometricRepository) HasEnabled(ctx context.Context, accountID string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM biometric_credentials WHERE account_id = $1 AND enabled)`, accountID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check biometric credentials: %w", err)
	}
	return exists, nil
}

func (r *BiometricRepository) ListByAccount(ctx context.Context, accountID string) ([]*models.BiometricCredential, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+biometricColumns+` FROM biometric_credentials WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query biometric credentials: %w", err)
	}
	defer rows.Close()

	creds := make([]*models.BiometricCredential, 0)
	for rows.Next() {
		c, err := scanBiometricRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan biometric credential: %w", err)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}
