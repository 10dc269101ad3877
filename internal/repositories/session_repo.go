package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/aegis/internal/database"
	"github.com/BradenHooton/aegis/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionRepository persists sessions. Sessions are invalidated in place,
// never deleted.
type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{pool: db.Pool}
}

const sessionColumns = `id, account_id, device_id, ip_address, user_agent, created_at, last_activity_at,
	requires_2fa, two_factor_verified, two_factor_verified_at, last_password_confirmation,
	invalidated_at, invalidation_reason, refresh_token_id`

func scanSessionRow(scanner rowScanner) (*models.Session, error) {
	var s models.Session

	err := scanner.Scan(
		&s.ID, &s.AccountID, &s.DeviceID, &s.IPAddress, &s.UserAgent, &s.CreatedAt, &s.LastActivityAt,
		&s.Requires2FA, &s.TwoFactorVerified, &s.TwoFactorVerifiedAt, &s.LastPasswordConfirmation,
		&s.InvalidatedAt, &s.InvalidationReason, &s.RefreshTokenID,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &s, nil
}

func (r *SessionRepository) Create(ctx context.Context, session *models.Session) (*models.Session, error) {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}

	query := `
		INSERT INTO sessions (id, account_id, device_id, ip_address, user_agent, created_at, last_activity_at,
			requires_2fa, two_factor_verified, two_factor_verified_at, refresh_token_id)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $8, $9, $10)
		RETURNING ` + sessionColumns

	created, err := scanSessionRow(r.pool.QueryRow(ctx, query,
		session.ID, session.AccountID, session.DeviceID, session.IPAddress, session.UserAgent, session.CreatedAt,
		session.Requires2FA, session.TwoFactorVerified, session.TwoFactorVerifiedAt, session.RefreshTokenID,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return created, nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSessionRow(r.pool.QueryRow(ctx, query, id))
}

func (r *SessionRepository) MarkTwoFactorVerified(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE sessions
		SET two_factor_verified = TRUE, two_factor_verified_at = $2, last_activity_at = $2
		WHERE id = $1 AND invalidated_at IS NULL
	`
	return r.execOne(ctx, query, id, at)
}

func (r *SessionRepository) ConfirmPassword(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE sessions
		SET last_password_confirmation = $2, last_activity_at = $2
		WHERE id = $1 AND invalidated_at IS NULL
	`
	return r.execOne(ctx, query, id, at)
}

// RotateRefreshToken swaps the session's refresh id from currentID to nextID.
// It returns models.ErrNotFound when the session is invalidated or currentID
// was already rotated away, so two concurrent refreshes cannot both win.
func (r *SessionRepository) RotateRefreshToken(ctx context.Context, id, currentID, nextID string, at time.Time) error {
	query := `
		UPDATE sessions
		SET refresh_token_id = $3, last_activity_at = $4
		WHERE id = $1 AND refresh_token_id = $2 AND invalidated_at IS NULL
	`
	return r.execOne(ctx, query, id, currentID, nextID, at)
}

func (r *SessionRepository) Invalidate(ctx context.Context, id, reason string, at time.Time) error {
	query := `
		UPDATE sessions
		SET invalidated_at = $2, invalidation_reason = $3
		WHERE id = $1 AND invalidated_at IS NULL
	`
	_, err := r.pool.Exec(ctx, query, id, at, reason)
	if err != nil {
		return fmt.Errorf("failed to invalidate session: %w", err)
	}
	return nil
}

// InvalidateAllForAccount invalidates every open session of an account and
// returns how many were closed.
func (r *SessionRepository) InvalidateAllForAccount(ctx context.Context, accountID, reason string, at time.Time) (int64, error) {
	query := `
		UPDATE sessions
		SET invalidated_at = $2, invalidation_reason = $3
		WHERE account_id = $1 AND invalidated_at IS NULL
	`
	tag, err := r.pool.Exec(ctx, query, accountID, at, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *SessionRepository) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
