package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/aegis/internal/models"
)

// AdminLockouts is the subset of LockoutManager operations exposed to administrators.
type AdminLockouts interface {
	Lock(ctx context.Context, req LockRequest) (*models.Lockout, error)
	Unlock(ctx context.Context, req UnlockRequest) (*models.Lockout, error)
	History(ctx context.Context, accountID string, limit int) ([]*models.Lockout, error)
	Sweep(ctx context.Context) (int, error)
}

// PasswordChanger performs password changes.
type PasswordChanger interface {
	ChangePassword(ctx context.Context, req ChangePasswordRequest) (*ChangePasswordResult, error)
}

// SecurityEventQuerier reads the security event log.
type SecurityEventQuerier interface {
	List(ctx context.Context, filter models.SecurityEventFilter) ([]*models.SecurityEvent, error)
}

// ActivityEntry is a single item in a recent-activity feed.
type ActivityEntry struct {
	Timestamp string          `json:"timestamp"`
	AccountID *string         `json:"account_id,omitempty"`
	EventType string          `json:"event_type"`
	Severity  models.Severity `json:"severity"`
	IPAddress *string         `json:"ip_address,omitempty"`
}

// SecurityActivityResponse contains recent security event feeds.
type SecurityActivityResponse struct {
	RecentLockouts    []ActivityEntry `json:"recent_lockouts"`
	FailedLogins      []ActivityEntry `json:"failed_logins"`
	BiometricFailures []ActivityEntry `json:"biometric_failures"`
}

// AdminService runs administrator actions against other accounts.
type AdminService struct {
	accounts  AccountReader
	lockouts  AdminLockouts
	passwords PasswordChanger
	events    SecurityEventQuerier
	logger    *slog.Logger
}

// NewAdminService creates a new AdminService.
func NewAdminService(accounts AccountReader, lockouts AdminLockouts, passwords PasswordChanger, events SecurityEventQuerier, logger *slog.Logger) *AdminService {
	return &AdminService{
		accounts:  accounts,
		lockouts:  lockouts,
		passwords: passwords,
		events:    events,
		logger:    loggerOrDefault(logger),
	}
}

// LockAccount imposes an administrative lockout. Administrators cannot lock
// their own account.
func (s *AdminService) LockAccount(ctx context.Context, admin *models.Account, targetID, reason, ipAddress, userAgent string) (*models.Lockout, error) {
	if admin.ID == targetID {
		return nil, fmt.Errorf("%w: cannot lock your own account", models.ErrBadRequest)
	}
	if err := s.requireAccount(ctx, targetID); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "locked by administrator"
	}

	adminID := admin.ID
	lockout, err := s.lockouts.Lock(ctx, LockRequest{
		AccountID: targetID,
		Type:      models.LockoutAdministrative,
		Reason:    reason,
		LockedBy:  &adminID,
		IPAddress: ipAddress,
		UserAgent: userAgent,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "admin lock failed",
			slog.String("admin_id", admin.ID),
			slog.String("account_id", targetID),
			slog.Any("error", err),
		)
		return lockout, err
	}

	s.logger.InfoContext(ctx, "account locked by admin",
		slog.String("admin_id", admin.ID),
		slog.String("account_id", targetID),
	)
	return lockout, nil
}

// UnlockAccount lifts whatever lockout is active, administrative included.
func (s *AdminService) UnlockAccount(ctx context.Context, admin *models.Account, targetID, reason, ipAddress, userAgent string) (*models.Lockout, error) {
	adminID := admin.ID
	return s.lockouts.Unlock(ctx, UnlockRequest{
		AccountID:    targetID,
		UnlockedBy:   &adminID,
		ActorIsAdmin: admin.IsAdmin(),
		Reason:       reason,
		IPAddress:    ipAddress,
		UserAgent:    userAgent,
	})
}

// ResetPassword sets a new password without the current one. Reuse and
// strength rules still apply and every session of the account is closed.
func (s *AdminService) ResetPassword(ctx context.Context, admin *models.Account, targetID, newPassword, ipAddress, userAgent string) (*ChangePasswordResult, error) {
	return s.passwords.ChangePassword(ctx, ChangePasswordRequest{
		AccountID:        targetID,
		NewPassword:      newPassword,
		SkipCurrentCheck: true,
		ActorID:          admin.ID,
		IPAddress:        ipAddress,
		UserAgent:        userAgent,
	})
}

func (s *AdminService) LockoutHistory(ctx context.Context, targetID string, limit int) ([]*models.Lockout, error) {
	if err := s.requireAccount(ctx, targetID); err != nil {
		return nil, err
	}
	return s.lockouts.History(ctx, targetID, limit)
}

func (s *AdminService) SecurityEvents(ctx context.Context, filter models.SecurityEventFilter) ([]*models.SecurityEvent, error) {
	return s.events.List(ctx, filter)
}

func (s *AdminService) SweepLockouts(ctx context.Context) (int, error) {
	return s.lockouts.Sweep(ctx)
}

// GetSecurityActivity returns recent security feeds for the admin dashboard.
// limit is clamped to a maximum of 20.
func (s *AdminService) GetSecurityActivity(ctx context.Context, limit int) (*SecurityActivityResponse, error) {
	if limit <= 0 || limit > 20 {
		limit = 20
	}

	feed := func(eventType string) ([]ActivityEntry, error) {
		events, err := s.events.List(ctx, models.SecurityEventFilter{EventType: eventType, Limit: limit})
		if err != nil {
			s.logger.ErrorContext(ctx, "dashboard: failed to fetch events",
				slog.String("event_type", eventType),
				slog.Any("error", err),
			)
			return nil, err
		}
		entries := make([]ActivityEntry, 0, len(events))
		for _, e := range events {
			entries = append(entries, ActivityEntry{
				Timestamp: e.CreatedAt.UTC().Format(time.RFC3339),
				AccountID: e.AccountID,
				EventType: e.EventType,
				Severity:  e.Severity,
				IPAddress: e.IPAddress,
			})
		}
		return entries, nil
	}

	lockouts, err := feed(models.EventAccountLocked)
	if err != nil {
		return nil, err
	}
	failedLogins, err := feed(models.EventLoginFailed)
	if err != nil {
		return nil, err
	}
	biometricFailures, err := feed(models.EventBiometricFailed)
	if err != nil {
		return nil, err
	}

	return &SecurityActivityResponse{
		RecentLockouts:    lockouts,
		FailedLogins:      failedLogins,
		BiometricFailures: biometricFailures,
	}, nil
}

func (s *AdminService) requireAccount(ctx context.Context, id string) error {
	if _, err := s.accounts.GetByID(ctx, id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		return fmt.Errorf("failed to load account: %w", err)
	}
	return nil
}
