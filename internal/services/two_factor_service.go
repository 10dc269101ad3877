package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/aegis/internal/auth"
	"github.com/BradenHooton/aegis/internal/models"
)

// TOTPRepository stores TOTP enrollments
type TOTPRepository interface {
	TOTPEnrollmentReader
	Upsert(ctx context.Context, enrollment *models.TOTPEnrollment) error
	MarkVerified(ctx context.Context, accountID string, at time.Time) error
	TouchLastUsed(ctx context.Context, accountID string, at time.Time) error
}

// TwoFactorAccountStore flips the account-level two-factor flag.
type TwoFactorAccountStore interface {
	SetTwoFactorEnabled(ctx context.Context, id string, enabled bool) error
}

// SessionVerifier records second-factor proof on a session.
type SessionVerifier interface {
	MarkTwoFactorVerified(ctx context.Context, id string, at time.Time) error
}

// FailureCounter is a fixed-window counter keyed by account.
type FailureCounter interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
	Reset(ctx context.Context, key string) error
}

// AccountLocker imposes lockouts.
type AccountLocker interface {
	Lock(ctx context.Context, req LockRequest) (*models.Lockout, error)
}

type TwoFactorConfig struct {
	MaxFailures   int
	FailureWindow time.Duration
	Now           func() time.Time
}

func DefaultTwoFactorConfig() TwoFactorConfig {
	return TwoFactorConfig{
		MaxFailures:   5,
		FailureWindow: 15 * time.Minute,
	}
}

// TwoFactorService handles TOTP enrollment and session verification. Repeated
// wrong codes impose a two_factor_attempts lockout.
type TwoFactorService struct {
	enrollments TOTPRepository
	accounts    TwoFactorAccountStore
	sessions    SessionVerifier
	failures    FailureCounter
	locker      AccountLocker
	totp        *auth.TOTPManager
	events      EventRecorder
	config      TwoFactorConfig
	logger      *slog.Logger
}

func NewTwoFactorService(
	enrollments TOTPRepository,
	accounts TwoFactorAccountStore,
	sessions SessionVerifier,
	failures FailureCounter,
	locker AccountLocker,
	totpMgr *auth.TOTPManager,
	events EventRecorder,
	config TwoFactorConfig,
	logger *slog.Logger,
) *TwoFactorService {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &TwoFactorService{
		enrollments: enrollments,
		accounts:    accounts,
		sessions:    sessions,
		failures:    failures,
		locker:      locker,
		totp:        totpMgr,
		events:      recorderOrDiscard(events),
		config:      config,
		logger:      loggerOrDefault(logger),
	}
}

// BeginEnrollment creates or replaces a pending TOTP secret and returns it
// with a QR code. A confirmed enrollment cannot be replaced.
func (s *TwoFactorService) BeginEnrollment(ctx context.Context, account *models.Account) (*models.TOTPSetupResponse, error) {
	existing, err := s.enrollments.Get(ctx, account.ID)
	if err == nil && existing.IsVerified() {
		return nil, models.ErrTOTPAlreadyEnrolled
	}
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to load totp enrollment: %w", err)
	}

	encrypted, nonce, secret, qrCode, err := s.totp.GenerateSecretWithQR(account.Email)
	if err != nil {
		s.logger.Error("failed to generate TOTP secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	err = s.enrollments.Upsert(ctx, &models.TOTPEnrollment{
		AccountID:           account.ID,
		TOTPSecretEncrypted: encrypted,
		TOTPSecretNonce:     nonce,
		CreatedAt:           s.config.Now(),
	})
	if errors.Is(err, models.ErrConflict) {
		return nil, models.ErrTOTPAlreadyEnrolled
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save totp enrollment: %w", err)
	}

	s.logger.Info("TOTP enrollment initiated", slog.String("account_id", account.ID))

	return &models.TOTPSetupResponse{Secret: secret, QRCode: qrCode}, nil
}

// ConfirmEnrollment verifies the first code, enables two-factor on the
// account and marks the current session verified.
func (s *TwoFactorService) ConfirmEnrollment(ctx context.Context, account *models.Account, session *models.Session, code string) error {
	enrollment, err := s.enrollments.Get(ctx, account.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrTOTPNotEnrolled
		}
		return fmt.Errorf("failed to load totp enrollment: %w", err)
	}
	if enrollment.IsVerified() {
		return models.ErrTOTPAlreadyEnrolled
	}

	now := s.config.Now()
	if err := s.checkCode(ctx, enrollment, code, now); err != nil {
		return s.recordFailure(ctx, account.ID, session, err)
	}

	if err := s.enrollments.MarkVerified(ctx, account.ID, now); err != nil {
		return fmt.Errorf("failed to verify totp enrollment: %w", err)
	}
	if err := s.accounts.SetTwoFactorEnabled(ctx, account.ID, true); err != nil {
		return fmt.Errorf("failed to enable two-factor: %w", err)
	}
	if err := s.sessions.MarkTwoFactorVerified(ctx, session.ID, now); err != nil {
		s.logger.Warn("failed to mark session verified after enrollment",
			slog.String("session_id", session.ID),
			slog.Any("error", err))
	}

	s.events.Record(ctx, newEvent(models.EventTOTPEnrolled, models.SeverityMedium,
		account.ID, session.IPAddress, session.UserAgent, nil))

	return nil
}

// VerifySession checks a TOTP code and records second-factor proof on the
// session. Returns models.ErrInvalidTOTPCode on a wrong or replayed code,
// or an ACCOUNT_LOCKED *models.AuthError once the failure limit is hit.
func (s *TwoFactorService) VerifySession(ctx context.Context, account *models.Account, session *models.Session, code string) error {
	now := s.config.Now()
	if err := s.verifyCode(ctx, account.ID, code, session, now); err != nil {
		return err
	}

	if err := s.sessions.MarkTwoFactorVerified(ctx, session.ID, now); err != nil {
		return fmt.Errorf("failed to mark session verified: %w", err)
	}

	s.events.Record(ctx, newEvent(models.EventTwoFactorVerified, models.SeverityLow,
		account.ID, session.IPAddress, session.UserAgent, models.EventContext{
			"method":     models.TwoFactorMethodTOTP,
			"session_id": session.ID,
		}))

	return nil
}

// VerifyCode checks a TOTP code outside any session. Failures count toward
// the two_factor_attempts lockout the same as session verification.
func (s *TwoFactorService) VerifyCode(ctx context.Context, accountID, code, ipAddress, userAgent string) error {
	signals := &models.Session{IPAddress: ipAddress, UserAgent: userAgent}
	if err := s.verifyCode(ctx, accountID, code, signals, s.config.Now()); err != nil {
		return err
	}

	s.events.Record(ctx, newEvent(models.EventTwoFactorVerified, models.SeverityLow,
		accountID, ipAddress, userAgent, models.EventContext{"method": models.TwoFactorMethodTOTP}))
	return nil
}

// verifyCode checks code against the account's verified enrollment. session
// only supplies the request signals for failure events.
func (s *TwoFactorService) verifyCode(ctx context.Context, accountID, code string, session *models.Session, now time.Time) error {
	enrollment, err := s.enrollments.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrTOTPNotEnrolled
		}
		return fmt.Errorf("failed to load totp enrollment: %w", err)
	}
	if !enrollment.IsVerified() {
		return models.ErrTOTPNotEnrolled
	}

	if err := s.checkCode(ctx, enrollment, code, now); err != nil {
		return s.recordFailure(ctx, accountID, session, err)
	}

	if err := s.enrollments.TouchLastUsed(ctx, accountID, now); err != nil {
		s.logger.Warn("failed to update totp last used", slog.Any("error", err))
	}
	if err := s.failures.Reset(ctx, accountID); err != nil {
		s.logger.Warn("failed to reset two-factor failure window", slog.Any("error", err))
	}
	return nil
}

func (s *TwoFactorService) checkCode(ctx context.Context, enrollment *models.TOTPEnrollment, code string, now time.Time) error {
	secret, err := s.totp.DecryptSecret(enrollment.TOTPSecretEncrypted, enrollment.TOTPSecretNonce)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to decrypt TOTP secret", slog.Any("error", err))
		return models.ErrInternalServer
	}

	valid, err := s.totp.ValidateTOTP(secret, code, enrollment.LastUsedAt, now)
	if errors.Is(err, auth.ErrTOTPReplay) {
		return models.ErrInvalidTOTPCode
	}
	if err != nil || !valid {
		return models.ErrInvalidTOTPCode
	}
	return nil
}

// recordFailure counts a wrong code and locks the account at the limit.
// A counter outage is logged and the code is still rejected.
func (s *TwoFactorService) recordFailure(ctx context.Context, accountID string, session *models.Session, cause error) error {
	if !errors.Is(cause, models.ErrInvalidTOTPCode) {
		return cause
	}

	count, _, err := s.failures.Increment(ctx, accountID, s.config.FailureWindow)
	if err != nil {
		s.logger.Warn("two-factor failure counter unavailable",
			slog.String("account_id", accountID),
			slog.Any("error", err))
	}

	s.events.Record(ctx, newEvent(models.EventTwoFactorFailed, models.SeverityMedium,
		accountID, session.IPAddress, session.UserAgent, models.EventContext{
			"method":   models.TwoFactorMethodTOTP,
			"failures": count,
		}))

	if err != nil || int(count) < s.config.MaxFailures {
		return models.ErrInvalidTOTPCode
	}

	lockout, err := s.locker.Lock(ctx, LockRequest{
		AccountID: accountID,
		Type:      models.LockoutTwoFactorAttempts,
		Reason:    fmt.Sprintf("%d failed two-factor attempts within %s", count, s.config.FailureWindow),
		IPAddress: session.IPAddress,
		UserAgent: session.UserAgent,
	})
	if err != nil {
		s.logger.Error("failed to lock account after two-factor failures",
			slog.String("account_id", accountID),
			slog.Any("error", err))
		return models.ErrInvalidTOTPCode
	}
	if resetErr := s.failures.Reset(ctx, accountID); resetErr != nil {
		s.logger.Warn("failed to reset two-factor failure window", slog.Any("error", resetErr))
	}

	return lockedError(accountID, lockout)
}

// lockedError converts a lockout into an ACCOUNT_LOCKED decision.
func lockedError(accountID string, lockout *models.Lockout) *models.AuthError {
	return &models.AuthError{
		Code:        models.CodeAccountLocked,
		Message:     "account is locked",
		AccountID:   accountID,
		LockReason:  lockout.Reason,
		LockedUntil: lockout.ExpiresAt,
	}
}
