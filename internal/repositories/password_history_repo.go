package repositories

import (
	"context"
	"fmt"

	"github.com/BradenHooton/aegis/internal/database"
	"github.com/BradenHooton/aegis/internal/models"
	"github.com/jackc/pgx/v5"
)

type PasswordHistoryRepository struct {
	db *database.DB
}

func NewPasswordHistoryRepository(db *database.DB) *PasswordHistoryRepository {
	return &PasswordHistoryRepository{db: db}
}

// ListRecent returns up to limit prior hashes, newest first.
func (r *PasswordHistoryRepository) ListRecent(ctx context.Context, accountID string, limit int) ([]*models.PasswordHistoryEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, account_id, password_hash, created_at
		FROM password_history
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query password history: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.PasswordHistoryEntry, error) {
		var e models.PasswordHistoryEntry
		err := row.Scan(&e.ID, &e.AccountID, &e.PasswordHash, &e.CreatedAt)
		return &e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan password history: %w", err)
	}
	return entries, nil
}

// AddAndPrune appends a hash and keeps only the newest keep entries.
func (r *PasswordHistoryRepository) AddAndPrune(ctx context.Context, entry *models.PasswordHistoryEntry, keep int) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO password_history (account_id, password_hash, created_at) VALUES ($1, $2, $3)`,
			entry.AccountID, entry.PasswordHash, entry.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert password history: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM password_history
			WHERE account_id = $1 AND id NOT IN (
				SELECT id FROM password_history
				WHERE account_id = $1
				ORDER BY created_at DESC
				LIMIT $2
			)
		`, entry.AccountID, keep); err != nil {
			return fmt.Errorf("failed to prune password history: %w", err)
		}
		return nil
	})
}
