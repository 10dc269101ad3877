package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/aegis/internal/metrics"
	"github.com/BradenHooton/aegis/internal/models"
)

// AccountReader loads accounts by id.
type AccountReader interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
}

// ValidatorAccountStore is the account access the validator needs
type ValidatorAccountStore interface {
	AccountReader
	TouchLastActive(ctx context.Context, id string, at time.Time) error
}

// SessionReader loads sessions by id.
type SessionReader interface {
	GetByID(ctx context.Context, id string) (*models.Session, error)
}

// TokenValidator verifies a bearer token and returns its claims.
type TokenValidator interface {
	ValidateToken(token string) (*models.TokenClaims, error)
}

// LockoutChecker returns the lockout blocking an account, or nil.
type LockoutChecker interface {
	ActiveLockout(ctx context.Context, accountID string) (*models.Lockout, error)
}

// RiskAssessor scores one request.
type RiskAssessor interface {
	Assess(ctx context.Context, in RiskInput) *models.RiskAssessment
}

// IdentityGate enforces second-factor proof on a session.
type IdentityGate interface {
	CheckIdentity(ctx context.Context, account *models.Account, session *models.Session) error
}

type SessionValidatorConfig struct {
	// MaxSessionAge is the hard ceiling on session lifetime.
	MaxSessionAge time.Duration
	// StepUpWindow bounds how recent a second factor or password
	// confirmation must be to satisfy a high-risk request.
	StepUpWindow time.Duration
	Now          func() time.Time
}

func DefaultSessionValidatorConfig() SessionValidatorConfig {
	return SessionValidatorConfig{
		MaxSessionAge: 7 * 24 * time.Hour,
		StepUpWindow:  30 * time.Minute,
	}
}

// SessionValidator resolves a bearer token to an account and session and
// returns an authorization decision with the request's risk attached. It
// never mutates lockout or session state; the only write is the account's
// last-active timestamp.
type SessionValidator struct {
	tokens   TokenValidator
	accounts ValidatorAccountStore
	sessions SessionReader
	lockouts LockoutChecker
	gate     IdentityGate
	risk     RiskAssessor
	events   EventRecorder
	config   SessionValidatorConfig
	logger   *slog.Logger
}

func NewSessionValidator(
	tokens TokenValidator,
	accounts ValidatorAccountStore,
	sessions SessionReader,
	lockouts LockoutChecker,
	gate IdentityGate,
	risk RiskAssessor,
	events EventRecorder,
	config SessionValidatorConfig,
	logger *slog.Logger,
) *SessionValidator {
	if config.StepUpWindow <= 0 {
		config.StepUpWindow = 30 * time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &SessionValidator{
		tokens:   tokens,
		accounts: accounts,
		sessions: sessions,
		lockouts: lockouts,
		gate:     gate,
		risk:     risk,
		events:   recorderOrDiscard(events),
		config:   config,
		logger:   loggerOrDefault(logger),
	}
}

// Validate runs the decision pipeline. Every rejection is a *models.AuthError.
func (v *SessionValidator) Validate(ctx context.Context, req models.ValidationRequest) (*models.AuthContext, error) {
	authCtx, err := v.validate(ctx, req)
	if err != nil {
		var authErr *models.AuthError
		if !errors.As(err, &authErr) {
			authErr = models.NewAuthServiceError(err)
		}
		v.reject(ctx, req, authErr)
		return nil, authErr
	}

	metrics.SessionDecisionsTotal.WithLabelValues("accepted").Inc()
	v.events.Record(ctx, newEvent(models.EventSessionValidated, models.SeverityLow,
		authCtx.Account.ID, req.IPAddress, req.UserAgent, models.EventContext{
			"session_id": authCtx.Session.ID,
			"risk_level": string(authCtx.Risk.Level),
		}))

	return authCtx, nil
}

// ValidatePending resolves the token, account and session but skips the
// second-factor and risk tiers. It serves the routes that complete those
// tiers: second-factor verification, password confirmation and logout.
func (v *SessionValidator) ValidatePending(ctx context.Context, req models.ValidationRequest) (*models.AuthContext, error) {
	authCtx, err := v.resolve(ctx, req, v.config.Now())
	if err != nil {
		var authErr *models.AuthError
		if !errors.As(err, &authErr) {
			authErr = models.NewAuthServiceError(err)
		}
		v.reject(ctx, req, authErr)
		return nil, authErr
	}

	metrics.SessionDecisionsTotal.WithLabelValues("pending").Inc()
	return authCtx, nil
}

func (v *SessionValidator) validate(ctx context.Context, req models.ValidationRequest) (*models.AuthContext, error) {
	now := v.config.Now()
	resolved, err := v.resolve(ctx, req, now)
	if err != nil {
		return nil, err
	}
	account, session := resolved.Account, resolved.Session

	if err := v.gate.CheckIdentity(ctx, account, session); err != nil {
		return nil, err
	}

	createdAt := session.CreatedAt
	risk := v.risk.Assess(ctx, RiskInput{
		AccountID:        account.ID,
		DeviceID:         session.DeviceID,
		IPAddress:        req.IPAddress,
		UserAgent:        req.UserAgent,
		Success:          true,
		SessionCreatedAt: &createdAt,
	})

	if risk.RequiresAdditionalVerification && !v.hasStepUpProof(session, now) {
		return nil, &models.AuthError{
			Code:      models.CodeRequireAdditionalVerification,
			Message:   "additional verification required",
			RiskLevel: risk.Level,
			Risks:     risk.Factors,
			AccountID: account.ID,
		}
	}

	if err := v.accounts.TouchLastActive(ctx, account.ID, now); err != nil {
		v.logger.WarnContext(ctx, "failed to update last active",
			slog.String("account_id", account.ID),
			slog.Any("error", err),
		)
	}

	resolved.Risk = risk
	return resolved, nil
}

// resolve verifies the token and loads the account and session behind it,
// rejecting locked accounts and stale sessions.
func (v *SessionValidator) resolve(ctx context.Context, req models.ValidationRequest, now time.Time) (*models.AuthContext, error) {
	if req.Token == "" {
		return nil, models.NewAuthError(models.CodeMissingToken, "authorization token required")
	}

	claims, err := v.tokens.ValidateToken(req.Token)
	if err != nil {
		if errors.Is(err, models.ErrTokenExpired) {
			return nil, models.NewAuthError(models.CodeTokenExpired, "token has expired")
		}
		return nil, models.NewAuthError(models.CodeInvalidToken, "invalid token")
	}

	account, err := v.accounts.GetByID(ctx, claims.AccountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewAuthError(models.CodeUserNotFound, "account not found")
		}
		v.logger.ErrorContext(ctx, "failed to load account",
			slog.String("account_id", claims.AccountID),
			slog.Any("error", err),
		)
		return nil, models.NewAuthServiceError(err)
	}
	if !account.IsActive {
		return nil, &models.AuthError{
			Code:      models.CodeUserNotFound,
			Message:   "account not found",
			AccountID: account.ID,
		}
	}

	lockout, err := v.lockouts.ActiveLockout(ctx, account.ID)
	if err != nil {
		v.logger.ErrorContext(ctx, "failed to check lockout",
			slog.String("account_id", account.ID),
			slog.Any("error", err),
		)
		return nil, withAccount(models.NewAuthServiceError(err), account.ID)
	}
	if lockout != nil {
		return nil, lockedError(account.ID, lockout)
	}

	session, err := v.loadSession(ctx, account, claims, req, now)
	if err != nil {
		return nil, err
	}

	return &models.AuthContext{Account: account, Session: session, Claims: claims}, nil
}

// loadSession returns the session bound to the token, or SESSION_INVALID
// when it is missing, closed, foreign, too old or predates a password change.
func (v *SessionValidator) loadSession(ctx context.Context, account *models.Account, claims *models.TokenClaims, req models.ValidationRequest, now time.Time) (*models.Session, error) {
	invalid := func(reason string) error {
		return &models.AuthError{
			Code:      models.CodeSessionInvalid,
			Message:   "session is no longer valid",
			AccountID: account.ID,
			Err:       errors.New(reason),
		}
	}

	session, err := v.sessions.GetByID(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, invalid("session not found")
		}
		v.logger.ErrorContext(ctx, "failed to load session",
			slog.String("session_id", claims.SessionID),
			slog.Any("error", err),
		)
		return nil, withAccount(models.NewAuthServiceError(err), account.ID)
	}

	switch {
	case session.AccountID != account.ID:
		return nil, invalid("session belongs to another account")
	case !session.IsValid():
		return nil, invalid("session invalidated")
	case claims.DeviceID != "" && claims.DeviceID != session.DeviceID:
		return nil, invalid("token device does not match session")
	case req.DeviceID != "" && req.DeviceID != session.DeviceID:
		return nil, invalid("request device does not match session")
	case v.config.MaxSessionAge > 0 && session.Age(now) > v.config.MaxSessionAge:
		return nil, invalid("session exceeded maximum age")
	case account.PasswordChangedAt != nil && session.CreatedAt.Before(*account.PasswordChangedAt):
		return nil, invalid("session predates password change")
	}

	return session, nil
}

func (v *SessionValidator) hasStepUpProof(session *models.Session, now time.Time) bool {
	return session.TwoFactorVerifiedWithin(now, v.config.StepUpWindow) ||
		session.PasswordConfirmedWithin(now, v.config.StepUpWindow)
}

func (v *SessionValidator) reject(ctx context.Context, req models.ValidationRequest, authErr *models.AuthError) {
	metrics.SessionDecisionsTotal.WithLabelValues(strings.ToLower(string(authErr.Code))).Inc()

	eventCtx := models.EventContext{"code": string(authErr.Code)}
	if authErr.RiskLevel != "" {
		eventCtx["risk_level"] = string(authErr.RiskLevel)
		eventCtx["risks"] = authErr.Risks
	}
	if authErr.Err != nil && authErr.Code == models.CodeSessionInvalid {
		eventCtx["detail"] = authErr.Err.Error()
	}

	v.events.Record(ctx, newEvent(models.EventSessionRejected, rejectionSeverity(authErr),
		authErr.AccountID, req.IPAddress, req.UserAgent, eventCtx))
}

func rejectionSeverity(authErr *models.AuthError) models.Severity {
	switch authErr.Code {
	case models.CodeAuthServiceError:
		return models.SeverityHigh
	case models.CodeRequireAdditionalVerification:
		return severityForRisk(authErr.RiskLevel)
	case models.CodeAccountLocked, models.CodeSessionInvalid:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func withAccount(authErr *models.AuthError, accountID string) *models.AuthError {
	authErr.AccountID = accountID
	return authErr
}
