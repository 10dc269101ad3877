package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/aegis/internal/database"
	"github.com/BradenHooton/aegis/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AccountRepository struct {
	pool *pgxpool.Pool
}

func NewAccountRepository(db *database.DB) *AccountRepository {
	return &AccountRepository{pool: db.Pool}
}

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const accountColumns = `id, email, password_hash, role, is_active, is_locked, two_factor_enabled,
	last_active_at, password_changed_at, created_at, updated_at`

func scanAccountRow(scanner rowScanner) (*models.Account, error) {
	var a models.Account

	err := scanner.Scan(
		&a.ID, &a.Email, &a.PasswordHash, &a.Role, &a.IsActive, &a.IsLocked, &a.TwoFactorEnabled,
		&a.LastActiveAt, &a.PasswordChangedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &a, nil
}

func (r *AccountRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	if account.Role == "" {
		account.Role = models.RoleUser
	}

	query := `
		INSERT INTO accounts (email, password_hash, role, password_changed_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING ` + accountColumns

	created, err := scanAccountRow(r.pool.QueryRow(ctx, query,
		strings.ToLower(strings.TrimSpace(account.Email)), account.PasswordHash, account.Role,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	return created, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccountRow(r.pool.QueryRow(ctx, query, id))
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`
	return scanAccountRow(r.pool.QueryRow(ctx, query, strings.ToLower(strings.TrimSpace(email))))
}

// UpdatePassword replaces the hash and stamps password_changed_at.
func (r *AccountRepository) UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error {
	query := `
		UPDATE accounts
		SET password_hash = $2, password_changed_at = $3, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, id, passwordHash, changedAt)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", database.MapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *AccountRepository) TouchLastActive(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE accounts SET last_active_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to update last active: %w", err)
	}
	return nil
}

func (r *AccountRepository) SetTwoFactorEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE accounts SET two_factor_enabled = $2, updated_at = NOW() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update two factor flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
