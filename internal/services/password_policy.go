package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/aegis/internal/models"
	pkgauth "github.com/BradenHooton/aegis/pkg/auth"
)

// PasswordHasher is the pluggable one-way password hash.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Matches(hashedPassword, password string) bool
}

// PasswordAccountStore reads accounts and replaces password hashes
type PasswordAccountStore interface {
	AccountReader
	UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error
}

// PasswordHistoryRepository keeps prior password hashes for reuse detection
type PasswordHistoryRepository interface {
	ListRecent(ctx context.Context, accountID string, limit int) ([]*models.PasswordHistoryEntry, error)
	AddAndPrune(ctx context.Context, entry *models.PasswordHistoryEntry, keep int) error
}

type PasswordPolicyConfig struct {
	HistorySize int
	Now         func() time.Time
}

// ChangePasswordRequest changes an account's password. SkipCurrentCheck is
// set by the administrative reset flow only.
type ChangePasswordRequest struct {
	AccountID        string
	CurrentPassword  string
	NewPassword      string
	SkipCurrentCheck bool
	ActorID          string
	IPAddress        string
	UserAgent        string
}

// ChangePasswordResult carries non-fatal warnings, such as breach exposure.
type ChangePasswordResult struct {
	Warnings            []string `json:"warnings,omitempty"`
	SessionsInvalidated int64    `json:"sessions_invalidated"`
}

const (
	warningBreached          = "this password appears in a known data breach; consider choosing another"
	warningBreachUnavailable = "breach check unavailable; password was not checked against known breaches"
)

// PasswordPolicy validates new passwords against strength rules, reuse
// history and breach exposure, and performs password changes.
type PasswordPolicy struct {
	accounts PasswordAccountStore
	history  PasswordHistoryRepository
	sessions SessionInvalidator
	hasher   PasswordHasher
	breach   BreachChecker
	notifier SecurityNotifier
	events   EventRecorder
	config   PasswordPolicyConfig
	logger   *slog.Logger
}

// NewPasswordPolicy creates a new PasswordPolicy. breach and notifier may be nil.
func NewPasswordPolicy(accounts PasswordAccountStore, history PasswordHistoryRepository, sessions SessionInvalidator, hasher PasswordHasher, breach BreachChecker, notifier SecurityNotifier, events EventRecorder, config PasswordPolicyConfig, logger *slog.Logger) *PasswordPolicy {
	if config.HistorySize <= 0 {
		config.HistorySize = 10
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &PasswordPolicy{
		accounts: accounts,
		history:  history,
		sessions: sessions,
		hasher:   hasher,
		breach:   breach,
		notifier: notifier,
		events:   recorderOrDiscard(events),
		config:   config,
		logger:   loggerOrDefault(logger),
	}
}

// CheckNewPassword applies the strength rules and the breach check. Strength
// failures are returned as *pkgauth.PasswordValidationError; breach exposure
// only produces warnings.
func (p *PasswordPolicy) CheckNewPassword(ctx context.Context, password, email string) ([]string, error) {
	if err := pkgauth.ValidatePassword(password, email); err != nil {
		return nil, err
	}
	return p.breachWarnings(ctx, password), nil
}

// ChangePassword verifies the current password unless skipped, validates
// the new one, persists it, records it in history and invalidates every
// session of the account before returning.
func (p *PasswordPolicy) ChangePassword(ctx context.Context, req ChangePasswordRequest) (*ChangePasswordResult, error) {
	account, err := p.accounts.GetByID(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	if !req.SkipCurrentCheck && !p.hasher.Matches(account.PasswordHash, req.CurrentPassword) {
		p.reject(ctx, req, "invalid_current_password")
		return nil, models.ErrInvalidCurrentPassword
	}

	if err := pkgauth.ValidatePassword(req.NewPassword, account.Email); err != nil {
		p.reject(ctx, req, "weak_password")
		return nil, err
	}

	reused, err := p.isReused(ctx, account, req.NewPassword)
	if err != nil {
		return nil, err
	}
	if reused {
		p.reject(ctx, req, "password_reused")
		return nil, models.ErrPasswordReused
	}

	warnings := p.breachWarnings(ctx, req.NewPassword)

	hash, err := p.hasher.Hash(req.NewPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := p.config.Now()
	if err := p.accounts.UpdatePassword(ctx, account.ID, hash, now); err != nil {
		return nil, fmt.Errorf("failed to update password: %w", err)
	}

	if err := p.history.AddAndPrune(ctx, &models.PasswordHistoryEntry{
		AccountID:    account.ID,
		PasswordHash: hash,
		CreatedAt:    now,
	}, p.config.HistorySize); err != nil {
		p.logger.ErrorContext(ctx, "failed to record password history",
			slog.String("account_id", account.ID),
			slog.Any("error", err),
		)
	}

	closed, err := p.sessions.InvalidateAllForAccount(ctx, account.ID, models.SessionReasonPasswordChange, now)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to invalidate sessions after password change",
			slog.String("account_id", account.ID),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("password changed but session invalidation failed: %w", err)
	}

	eventCtx := models.EventContext{
		"forced":               req.SkipCurrentCheck,
		"sessions_invalidated": closed,
		"breach_warning":       len(warnings) > 0,
	}
	if req.ActorID != "" && req.ActorID != account.ID {
		eventCtx["actor_id"] = req.ActorID
	}
	p.events.Record(ctx, newEvent(models.EventPasswordChanged, models.SeverityHigh,
		account.ID, req.IPAddress, req.UserAgent, eventCtx))

	sendAlert(ctx, p.notifier, p.logger, account.Email, SecurityAlert{
		Kind:       AlertPasswordChanged,
		OccurredAt: now,
		IPAddress:  req.IPAddress,
	})

	return &ChangePasswordResult{Warnings: warnings, SessionsInvalidated: closed}, nil
}

// SeedHistory records the first password of a new account.
func (p *PasswordPolicy) SeedHistory(ctx context.Context, accountID, passwordHash string) error {
	return p.history.AddAndPrune(ctx, &models.PasswordHistoryEntry{
		AccountID:    accountID,
		PasswordHash: passwordHash,
		CreatedAt:    p.config.Now(),
	}, p.config.HistorySize)
}

func (p *PasswordPolicy) isReused(ctx context.Context, account *models.Account, password string) (bool, error) {
	entries, err := p.history.ListRecent(ctx, account.ID, p.config.HistorySize)
	if err != nil {
		return false, fmt.Errorf("failed to load password history: %w", err)
	}

	if len(entries) == 0 && account.PasswordHash != "" {
		return p.hasher.Matches(account.PasswordHash, password), nil
	}
	for _, entry := range entries {
		if p.hasher.Matches(entry.PasswordHash, password) {
			return true, nil
		}
	}
	return false, nil
}

// breachWarnings degrades to "not breached" with a warning when the lookup
// fails or times out.
func (p *PasswordPolicy) breachWarnings(ctx context.Context, password string) []string {
	if p.breach == nil {
		return nil
	}

	breached, err := p.breach.IsBreached(ctx, password)
	if err != nil {
		p.logger.WarnContext(ctx, "breach check failed", slog.Any("error", err))
		return []string{warningBreachUnavailable}
	}
	if breached {
		return []string{warningBreached}
	}
	return nil
}

func (p *PasswordPolicy) reject(ctx context.Context, req ChangePasswordRequest, reason string) {
	p.events.Record(ctx, newEvent(models.EventPasswordChangeRejected, models.SeverityMedium,
		req.AccountID, req.IPAddress, req.UserAgent, models.EventContext{"reason": reason}))
}
