package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BradenHooton/aegis/internal/models"
)

// TwoFactorDirectory lists the second factors an account can complete.
type TwoFactorDirectory interface {
	Methods(ctx context.Context, accountID string) ([]string, error)
}

type TwoFactorGateConfig struct {
	// FreshnessWindow bounds how old a password confirmation may be.
	FreshnessWindow time.Duration
	// TrustedSessionMaxAge bounds the session age at which a low-risk,
	// trusted-device session skips password confirmation.
	TrustedSessionMaxAge time.Duration
	Now                  func() time.Time
}

func DefaultTwoFactorGateConfig() TwoFactorGateConfig {
	return TwoFactorGateConfig{
		FreshnessWindow:      30 * time.Minute,
		TrustedSessionMaxAge: 4 * time.Hour,
	}
}

// TwoFactorGate evaluates two independent tiers: identity proof (second
// factor) and freshness proof (recent password confirmation).
type TwoFactorGate struct {
	directory TwoFactorDirectory
	config    TwoFactorGateConfig
	logger    *slog.Logger
}

func NewTwoFactorGate(directory TwoFactorDirectory, config TwoFactorGateConfig, logger *slog.Logger) *TwoFactorGate {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &TwoFactorGate{
		directory: directory,
		config:    config,
		logger:    loggerOrDefault(logger),
	}
}

// CheckIdentity rejects with REQUIRE_2FA when the account or session needs a
// second factor the session has not proven. Risk plays no part.
func (g *TwoFactorGate) CheckIdentity(ctx context.Context, account *models.Account, session *models.Session) error {
	if !account.TwoFactorEnabled && !session.Requires2FA {
		return nil
	}
	if session.TwoFactorVerified {
		return nil
	}

	methods, err := g.directory.Methods(ctx, account.ID)
	if err != nil {
		g.logger.WarnContext(ctx, "failed to list two-factor methods",
			slog.String("account_id", account.ID),
			slog.Any("error", err),
		)
		methods = nil
	}

	return &models.AuthError{
		Code:      models.CodeRequire2FA,
		Message:   "two-factor verification required",
		Methods:   methods,
		AccountID: account.ID,
	}
}

// CheckHighSecurity applies the identity tier, then the freshness tier. The
// freshness tier passes on a password confirmation within the window, or on
// a low-risk request from a trusted device in a young session.
func (g *TwoFactorGate) CheckHighSecurity(ctx context.Context, account *models.Account, session *models.Session, risk *models.RiskAssessment) error {
	if err := g.CheckIdentity(ctx, account, session); err != nil {
		return err
	}

	now := g.config.Now()
	if session.PasswordConfirmedWithin(now, g.config.FreshnessWindow) {
		return nil
	}
	if risk != nil && risk.Level == models.RiskLow && risk.DeviceTrusted && session.Age(now) < g.config.TrustedSessionMaxAge {
		return nil
	}

	return &models.AuthError{
		Code:      models.CodeRequirePasswordConfirmation,
		Message:   "recent password confirmation required",
		AccountID: account.ID,
	}
}

// TOTPEnrollmentReader is the read side of TOTP enrollment storage.
type TOTPEnrollmentReader interface {
	Get(ctx context.Context, accountID string) (*models.TOTPEnrollment, error)
}

// BiometricPresence reports whether an account has an enabled biometric credential.
type BiometricPresence interface {
	HasEnabled(ctx context.Context, accountID string) (bool, error)
}

// AccountTwoFactorDirectory derives methods from stored enrollments.
type AccountTwoFactorDirectory struct {
	totp       TOTPEnrollmentReader
	biometrics BiometricPresence
}

func NewAccountTwoFactorDirectory(totp TOTPEnrollmentReader, biometrics BiometricPresence) *AccountTwoFactorDirectory {
	return &AccountTwoFactorDirectory{totp: totp, biometrics: biometrics}
}

func (d *AccountTwoFactorDirectory) Methods(ctx context.Context, accountID string) ([]string, error) {
	methods := make([]string, 0, 2)

	enrollment, err := d.totp.Get(ctx, accountID)
	switch {
	case err == nil && enrollment.IsVerified():
		methods = append(methods, models.TwoFactorMethodTOTP)
	case err != nil && !errors.Is(err, models.ErrNotFound):
		return nil, err
	}

	hasBiometric, err := d.biometrics.HasEnabled(ctx, accountID)
	if err != nil {
		return methods, err
	}
	if hasBiometric {
		methods = append(methods, models.TwoFactorMethodBiometric)
	}

	return methods, nil
}
