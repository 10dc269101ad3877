package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/aegis/internal/metrics"
	"github.com/BradenHooton/aegis/internal/models"
)

// LockoutRepository defines the persistence operations behind the lockout state machine
type LockoutRepository interface {
	GetActive(ctx context.Context, accountID string) (*models.Lockout, error)
	Create(ctx context.Context, lockout *models.Lockout) (*models.Lockout, error)
	Deactivate(ctx context.Context, accountID string, unlockedBy *string, at time.Time) (*models.Lockout, error)
	DeactivateIfExpired(ctx context.Context, accountID string, now time.Time) (bool, error)
	SweepExpired(ctx context.Context, now time.Time) ([]string, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.Lockout, error)
}

// SessionInvalidator closes every open session of an account.
type SessionInvalidator interface {
	InvalidateAllForAccount(ctx context.Context, accountID, reason string, at time.Time) (int64, error)
}

// LoginAttemptRepository records login attempts and counts recent failures
type LoginAttemptRepository interface {
	Record(ctx context.Context, attempt *models.LoginAttempt) error
	CountFailedSince(ctx context.Context, accountID string, since time.Time) (int, error)
}

type LockoutConfig struct {
	MaxFailedLogins       int
	FailedLoginWindow     time.Duration
	LoginAttemptRetention time.Duration
	Now                   func() time.Time
}

func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{
		MaxFailedLogins:       5,
		FailedLoginWindow:     15 * time.Minute,
		LoginAttemptRetention: 30 * 24 * time.Hour,
	}
}

// LockRequest describes a lock transition. Duration overrides the type's
// default; it is ignored for administrative lockouts, which never expire.
type LockRequest struct {
	AccountID string
	Type      models.LockoutType
	Reason    string
	Duration  time.Duration
	LockedBy  *string
	IPAddress string
	UserAgent string
}

// UnlockRequest describes an explicit unlock. Administrative lockouts are
// only lifted when ActorIsAdmin is set and UnlockedBy names the admin.
type UnlockRequest struct {
	AccountID    string
	UnlockedBy   *string
	ActorIsAdmin bool
	Reason       string
	IPAddress    string
	UserAgent    string
}

// FailedLogin is a rejected password attempt against a known account.
type FailedLogin struct {
	AccountID string
	Email     string
	IPAddress string
	UserAgent string
	DeviceID  string
	Reason    string
}

// LockoutManager owns the per-account lockout state machine:
// Unlocked -> Locked(type, reason, expiry) -> Unlocked.
type LockoutManager struct {
	lockouts LockoutRepository
	sessions SessionInvalidator
	attempts LoginAttemptRepository
	accounts AccountReader
	notifier SecurityNotifier
	events   EventRecorder
	config   LockoutConfig
	logger   *slog.Logger
}

// NewLockoutManager creates a new LockoutManager. notifier may be nil.
func NewLockoutManager(lockouts LockoutRepository, sessions SessionInvalidator, attempts LoginAttemptRepository, accounts AccountReader, notifier SecurityNotifier, events EventRecorder, config LockoutConfig, logger *slog.Logger) *LockoutManager {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &LockoutManager{
		lockouts: lockouts,
		sessions: sessions,
		attempts: attempts,
		accounts: accounts,
		notifier: notifier,
		events:   recorderOrDiscard(events),
		config:   config,
		logger:   loggerOrDefault(logger),
	}
}

// Lock imposes a lockout, invalidates every session of the account before
// returning and emits a high-severity event. When the active lockout
// outlasts the requested one (administrative, or expiring later), it is
// left in place and returned.
func (m *LockoutManager) Lock(ctx context.Context, req LockRequest) (*models.Lockout, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown lockout type %q", models.ErrBadRequest, req.Type)
	}
	if req.Type == models.LockoutAdministrative && req.LockedBy == nil {
		return nil, fmt.Errorf("%w: administrative lockout requires an actor", models.ErrBadRequest)
	}

	now := m.config.Now()
	lockout := &models.Lockout{
		AccountID: req.AccountID,
		Type:      req.Type,
		Reason:    req.Reason,
		LockedBy:  req.LockedBy,
		CreatedAt: now,
	}
	if d, ok := req.Type.DefaultDuration(); ok {
		if req.Duration > 0 {
			d = req.Duration
		}
		expiresAt := now.Add(d)
		lockout.ExpiresAt = &expiresAt
	}

	created, err := m.lockouts.Create(ctx, lockout)
	if errors.Is(err, models.ErrConflict) && created != nil {
		m.logger.InfoContext(ctx, "longer lockout already active",
			slog.String("account_id", req.AccountID),
			slog.String("active_type", string(created.Type)),
			slog.String("requested_type", string(req.Type)),
		)
		return created, nil
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to create lockout",
			slog.String("account_id", req.AccountID),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("failed to create lockout: %w", err)
	}

	closed, err := m.sessions.InvalidateAllForAccount(ctx, req.AccountID, models.SessionReasonAccountLocked, now)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to invalidate sessions on lock",
			slog.String("account_id", req.AccountID),
			slog.Any("error", err),
		)
		return created, fmt.Errorf("lockout created but session invalidation failed: %w", err)
	}

	metrics.LockoutsTotal.WithLabelValues(string(created.Type), "locked").Inc()

	eventCtx := models.EventContext{
		"lockout_id":           created.ID,
		"lockout_type":         string(created.Type),
		"reason":               created.Reason,
		"sessions_invalidated": closed,
	}
	if created.ExpiresAt != nil {
		eventCtx["expires_at"] = created.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if created.LockedBy != nil {
		eventCtx["locked_by"] = *created.LockedBy
	}
	m.events.Record(ctx, newEvent(models.EventAccountLocked, models.SeverityHigh, req.AccountID, req.IPAddress, req.UserAgent, eventCtx))

	m.notifyLocked(ctx, created)

	return created, nil
}

// Unlock explicitly ends the active lockout. Returns models.ErrNotFound when
// the account is not locked and models.ErrForbidden when a non-admin tries
// to lift an administrative lockout.
func (m *LockoutManager) Unlock(ctx context.Context, req UnlockRequest) (*models.Lockout, error) {
	active, err := m.lockouts.GetActive(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load lockout: %w", err)
	}

	if active.Type == models.LockoutAdministrative && (!req.ActorIsAdmin || req.UnlockedBy == nil) {
		m.logger.WarnContext(ctx, "unlock of administrative lockout refused",
			slog.String("account_id", req.AccountID),
		)
		return nil, models.ErrForbidden
	}

	ended, err := m.lockouts.Deactivate(ctx, req.AccountID, req.UnlockedBy, m.config.Now())
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to unlock account: %w", err)
	}

	metrics.LockoutsTotal.WithLabelValues(string(ended.Type), "unlocked").Inc()

	eventCtx := models.EventContext{
		"lockout_id":   ended.ID,
		"lockout_type": string(ended.Type),
	}
	if req.Reason != "" {
		eventCtx["reason"] = req.Reason
	}
	if req.UnlockedBy != nil {
		eventCtx["unlocked_by"] = *req.UnlockedBy
	}
	m.events.Record(ctx, newEvent(models.EventAccountUnlocked, models.SeverityMedium, req.AccountID, req.IPAddress, req.UserAgent, eventCtx))

	return ended, nil
}

// ActiveLockout returns the lockout blocking the account, or nil when it is
// unlocked. An expired non-administrative lockout found here is swept for
// this account before returning nil.
func (m *LockoutManager) ActiveLockout(ctx context.Context, accountID string) (*models.Lockout, error) {
	lockout, err := m.lockouts.GetActive(ctx, accountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load lockout: %w", err)
	}

	now := m.config.Now()
	if !lockout.IsExpired(now) {
		return lockout, nil
	}

	expired, err := m.lockouts.DeactivateIfExpired(ctx, accountID, now)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to expire lockout inline",
			slog.String("account_id", accountID),
			slog.Any("error", err),
		)
		return nil, nil
	}
	if expired {
		m.recordExpired(ctx, accountID, string(lockout.Type))
	}

	return nil, nil
}

// IsLocked reports whether an active lockout with no expiry or a future
// expiry exists for the account.
func (m *LockoutManager) IsLocked(ctx context.Context, accountID string) (bool, error) {
	lockout, err := m.ActiveLockout(ctx, accountID)
	if err != nil {
		return false, err
	}
	return lockout != nil, nil
}

// Sweep ends every expired non-administrative lockout. It is idempotent and
// safe to run alongside lock attempts.
func (m *LockoutManager) Sweep(ctx context.Context) (int, error) {
	accountIDs, err := m.lockouts.SweepExpired(ctx, m.config.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep lockouts: %w", err)
	}

	for _, id := range accountIDs {
		m.recordExpired(ctx, id, "")
	}
	if len(accountIDs) > 0 {
		m.logger.InfoContext(ctx, "expired lockouts swept", slog.Int("count", len(accountIDs)))
	}

	return len(accountIDs), nil
}

// RecordFailedLogin stores a failed attempt and imposes a login_attempts
// lockout once the failure threshold is reached inside the window. Returns
// the lockout when one was imposed.
func (m *LockoutManager) RecordFailedLogin(ctx context.Context, attempt FailedLogin) (*models.Lockout, error) {
	now := m.config.Now()
	reason := attempt.Reason
	accountID := attempt.AccountID

	record := &models.LoginAttempt{
		AccountID:     optionalString(accountID),
		Email:         attempt.Email,
		IPAddress:     attempt.IPAddress,
		UserAgent:     attempt.UserAgent,
		DeviceID:      attempt.DeviceID,
		AttemptedAt:   now,
		Success:       false,
		FailureReason: &reason,
		ExpiresAt:     now.Add(m.config.LoginAttemptRetention),
	}
	if err := m.attempts.Record(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record login attempt: %w", err)
	}

	if accountID == "" {
		return nil, nil
	}

	failures, err := m.attempts.CountFailedSince(ctx, accountID, now.Add(-m.config.FailedLoginWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to count login failures: %w", err)
	}
	if failures < m.config.MaxFailedLogins {
		return nil, nil
	}

	return m.Lock(ctx, LockRequest{
		AccountID: accountID,
		Type:      models.LockoutLoginAttempts,
		Reason:    fmt.Sprintf("%d failed login attempts within %s", failures, m.config.FailedLoginWindow),
		IPAddress: attempt.IPAddress,
		UserAgent: attempt.UserAgent,
	})
}

// LockForRisk imposes a suspicious_activity lockout for a critical assessment.
func (m *LockoutManager) LockForRisk(ctx context.Context, accountID string, risk *models.RiskAssessment) (*models.Lockout, error) {
	reason := "critical risk detected"
	if risk != nil && len(risk.Factors) > 0 {
		reason += ": " + strings.Join(risk.Factors, ", ")
	}

	return m.Lock(ctx, LockRequest{
		AccountID: accountID,
		Type:      models.LockoutSuspiciousActivity,
		Reason:    reason,
	})
}

// History returns the most recent lockouts of an account.
func (m *LockoutManager) History(ctx context.Context, accountID string, limit int) ([]*models.Lockout, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	lockouts, err := m.lockouts.ListByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list lockouts: %w", err)
	}
	return lockouts, nil
}

func (m *LockoutManager) recordExpired(ctx context.Context, accountID, lockoutType string) {
	metrics.LockoutsTotal.WithLabelValues(lockoutType, "expired").Inc()
	m.events.Record(ctx, newEvent(models.EventLockoutExpired, models.SeverityLow, accountID, "", "", nil))
}

func (m *LockoutManager) notifyLocked(ctx context.Context, lockout *models.Lockout) {
	if m.notifier == nil || m.accounts == nil {
		return
	}

	account, err := m.accounts.GetByID(ctx, lockout.AccountID)
	if err != nil {
		m.logger.WarnContext(ctx, "lock alert skipped: account lookup failed",
			slog.String("account_id", lockout.AccountID),
			slog.Any("error", err),
		)
		return
	}

	alert := SecurityAlert{
		Kind:       AlertAccountLocked,
		Reason:     lockout.Reason,
		OccurredAt: lockout.CreatedAt,
		Until:      lockout.ExpiresAt,
	}
	sendAlert(ctx, m.notifier, m.logger, account.Email, alert)
}
