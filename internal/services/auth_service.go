package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/aegis/internal/models"
	"github.com/google/uuid"
)

// AuthAccountStore is the account access behind registration and login
type AuthAccountStore interface {
	AccountReader
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	Create(ctx context.Context, account *models.Account) (*models.Account, error)
}

// AuthSessionStore creates, refreshes and closes sessions
type AuthSessionStore interface {
	SessionReader
	SessionVerifier
	Create(ctx context.Context, session *models.Session) (*models.Session, error)
	Invalidate(ctx context.Context, id, reason string, at time.Time) error
	ConfirmPassword(ctx context.Context, id string, at time.Time) error
	RotateRefreshToken(ctx context.Context, id, currentID, nextID string, at time.Time) error
}

// DeviceStore tracks the devices seen for each account
type DeviceStore interface {
	DeviceRegistry
	Touch(ctx context.Context, accountID, deviceID string, at time.Time) (*models.Device, error)
	SetTrusted(ctx context.Context, accountID, deviceID string, trusted bool) (*models.Device, error)
	ListByAccount(ctx context.Context, accountID string) ([]*models.Device, error)
}

// LoginLockouts is the lockout surface the login flows consume
type LoginLockouts interface {
	LockoutChecker
	RecordFailedLogin(ctx context.Context, attempt FailedLogin) (*models.Lockout, error)
	LockForRisk(ctx context.Context, accountID string, risk *models.RiskAssessment) (*models.Lockout, error)
	Unlock(ctx context.Context, req UnlockRequest) (*models.Lockout, error)
}

// PasswordRules validates new passwords and seeds reuse history
type PasswordRules interface {
	CheckNewPassword(ctx context.Context, password, email string) ([]string, error)
	SeedHistory(ctx context.Context, accountID, passwordHash string) error
}

// TokenIssuer signs and checks the tokens bound to a session and device.
type TokenIssuer interface {
	GenerateAccessToken(accountID, sessionID, deviceID string) (string, time.Time, error)
	GenerateRefreshToken(accountID, sessionID, deviceID, tokenID string) (string, time.Time, error)
	ValidateRefreshToken(tokenString string) (*models.TokenClaims, error)
}

// CodeVerifier checks a TOTP code for an account outside a session.
type CodeVerifier interface {
	VerifyCode(ctx context.Context, accountID, code, ipAddress, userAgent string) error
}

// BiometricVerifier completes a biometric proof for a device.
type BiometricVerifier interface {
	Verify(ctx context.Context, req VerifyBiometricRequest) (*models.BiometricCredential, error)
}

// FailureDelay pads failed logins so unknown accounts and wrong passwords
// take similar time.
type FailureDelay interface {
	WaitFrom(start time.Time, success bool)
}

type AuthServiceConfig struct {
	LoginAttemptRetention time.Duration
	// LockOnCritical imposes a suspicious_activity lockout when a login is
	// assessed at critical risk.
	LockOnCritical bool
	// MaxSessionAge is the hard session lifetime; refresh cannot extend a
	// session past it.
	MaxSessionAge time.Duration
	Now           func() time.Time
}

// AuthDependencies groups the collaborators of AuthService.
type AuthDependencies struct {
	Accounts   AuthAccountStore
	Sessions   AuthSessionStore
	Devices    DeviceStore
	Attempts   LoginAttemptRepository
	Lockouts   LoginLockouts
	Risk       RiskAssessor
	TwoFactor  TwoFactorDirectory
	Passwords  PasswordRules
	Hasher     PasswordHasher
	Tokens     TokenIssuer
	Biometrics BiometricVerifier
	Codes      CodeVerifier
	Delay      FailureDelay
	Events     EventRecorder
}

// AuthService handles registration, primary authentication and the
// session-scoped account operations.
type AuthService struct {
	deps   AuthDependencies
	events EventRecorder
	config AuthServiceConfig
	logger *slog.Logger
}

func NewAuthService(deps AuthDependencies, config AuthServiceConfig, logger *slog.Logger) *AuthService {
	if config.LoginAttemptRetention <= 0 {
		config.LoginAttemptRetention = 30 * 24 * time.Hour
	}
	if config.MaxSessionAge <= 0 {
		config.MaxSessionAge = 7 * 24 * time.Hour
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &AuthService{
		deps:   deps,
		events: recorderOrDiscard(deps.Events),
		config: config,
		logger: loggerOrDefault(logger),
	}
}

type RegisterRequest struct {
	Email     string
	Password  string
	IPAddress string
	UserAgent string
}

type RegisterResult struct {
	Account  *models.Account `json:"account"`
	Warnings []string        `json:"warnings,omitempty"`
}

type LoginRequest struct {
	Email     string
	Password  string
	DeviceID  string
	IPAddress string
	UserAgent string
}

// LoginResult is returned by both login flows and by refresh. When
// Requires2FA is set the access token is only good for completing the
// second factor.
type LoginResult struct {
	AccessToken      string                 `json:"access_token"`
	ExpiresAt        time.Time              `json:"expires_at"`
	RefreshToken     string                 `json:"refresh_token"`
	RefreshExpiresAt time.Time              `json:"refresh_expires_at"`
	SessionID        string                 `json:"session_id"`
	DeviceID         string                 `json:"device_id"`
	Account          *models.Account        `json:"account"`
	Requires2FA      bool                   `json:"requires_2fa"`
	Methods          []string               `json:"methods,omitempty"`
	Risk             *models.RiskAssessment `json:"risk"`
}

type RefreshRequest struct {
	RefreshToken string
	DeviceID     string
	IPAddress    string
	UserAgent    string
}

type SelfUnlockRequest struct {
	Email     string
	Password  string
	Code      string
	IPAddress string
	UserAgent string
}

// BiometricFactorRequest proves a biometric on the session's own device.
type BiometricFactorRequest struct {
	Type      models.BiometricType
	Response  string
	Template  []byte
	IPAddress string
	UserAgent string
}

// Register creates an account. Strength failures are returned as
// *pkgauth.PasswordValidationError; breach exposure only adds warnings.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	email := normalizeEmail(req.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", models.ErrBadRequest)
	}

	warnings, err := s.deps.Passwords.CheckNewPassword(ctx, req.Password, email)
	if err != nil {
		return nil, err
	}

	_, err = s.deps.Accounts.GetByEmail(ctx, email)
	if err == nil {
		s.logger.InfoContext(ctx, "registration failed: account already exists")
		return nil, models.ErrConflict
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing account: %w", err)
	}

	hash, err := s.deps.Hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account, err := s.deps.Accounts.Create(ctx, &models.Account{
		Email:        email,
		PasswordHash: hash,
		Role:         models.RoleUser,
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, models.ErrConflict
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	if err := s.deps.Passwords.SeedHistory(ctx, account.ID, hash); err != nil {
		s.logger.WarnContext(ctx, "failed to seed password history",
			slog.String("account_id", account.ID),
			slog.Any("error", err),
		)
	}

	s.logger.InfoContext(ctx, "account registered", slog.String("account_id", account.ID))
	s.events.Record(ctx, newEvent(models.EventAccountRegistered, models.SeverityLow,
		account.ID, req.IPAddress, req.UserAgent, nil))

	return &RegisterResult{Account: account, Warnings: warnings}, nil
}

// Login authenticates with email and password and opens a session. Wrong
// credentials count toward the login_attempts lockout.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	start := time.Now()

	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, models.ErrInvalidCredentials
	}

	account, err := s.deps.Accounts.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.ErrorContext(ctx, "failed to load account for login", slog.Any("error", err))
			return nil, fmt.Errorf("failed to load account: %w", err)
		}
		s.failLogin(ctx, "", req, "invalid_credentials")
		s.wait(start, false)
		return nil, models.ErrInvalidCredentials
	}

	if !account.IsActive {
		s.failLogin(ctx, account.ID, req, "account_inactive")
		s.wait(start, false)
		return nil, models.ErrInvalidCredentials
	}

	lockout, err := s.deps.Lockouts.ActiveLockout(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check lockout: %w", err)
	}
	if lockout != nil {
		s.events.Record(ctx, newEvent(models.EventLoginFailed, models.SeverityMedium,
			account.ID, req.IPAddress, req.UserAgent, models.EventContext{"reason": "account_locked"}))
		return nil, lockedError(account.ID, lockout)
	}

	if !s.deps.Hasher.Matches(account.PasswordHash, req.Password) {
		imposed := s.failLogin(ctx, account.ID, req, "invalid_credentials")
		s.wait(start, false)
		if imposed != nil {
			return nil, lockedError(account.ID, imposed)
		}
		return nil, models.ErrInvalidCredentials
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = uuid.New().String()
	}

	return s.openSession(ctx, account, deviceID, req.IPAddress, req.UserAgent, false)
}

// BiometricLogin opens a session from a completed biometric proof. The
// proof counts as the session's second factor.
func (s *AuthService) BiometricLogin(ctx context.Context, req VerifyBiometricRequest) (*LoginResult, error) {
	account, err := s.deps.Accounts.GetByID(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if !account.IsActive {
		return nil, models.ErrInvalidCredentials
	}

	lockout, err := s.deps.Lockouts.ActiveLockout(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check lockout: %w", err)
	}
	if lockout != nil {
		return nil, lockedError(account.ID, lockout)
	}

	if _, err := s.deps.Biometrics.Verify(ctx, req); err != nil {
		return nil, err
	}

	return s.openSession(ctx, account, req.DeviceID, req.IPAddress, req.UserAgent, true)
}

// openSession scores the login, records it, registers the device and
// issues a session token.
func (s *AuthService) openSession(ctx context.Context, account *models.Account, deviceID, ipAddress, userAgent string, secondFactor bool) (*LoginResult, error) {
	now := s.config.Now()

	risk := s.deps.Risk.Assess(ctx, RiskInput{
		AccountID: account.ID,
		DeviceID:  deviceID,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Success:   true,
	})

	if risk.Level == models.RiskCritical && s.config.LockOnCritical {
		lockout, err := s.deps.Lockouts.LockForRisk(ctx, account.ID, risk)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to lock account for critical login risk",
				slog.String("account_id", account.ID),
				slog.Any("error", err),
			)
		} else {
			return nil, lockedError(account.ID, lockout)
		}
	}

	if err := s.deps.Attempts.Record(ctx, &models.LoginAttempt{
		AccountID:   &account.ID,
		Email:       account.Email,
		IPAddress:   ipAddress,
		UserAgent:   userAgent,
		DeviceID:    deviceID,
		AttemptedAt: now,
		Success:     true,
		ExpiresAt:   now.Add(s.config.LoginAttemptRetention),
	}); err != nil {
		s.logger.WarnContext(ctx, "failed to record successful login", slog.Any("error", err))
	}

	if _, err := s.deps.Devices.Touch(ctx, account.ID, deviceID, now); err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	var methods []string
	requires2FA := account.TwoFactorEnabled
	if !secondFactor && (account.TwoFactorEnabled || risk.RequiresAdditionalVerification) {
		var err error
		methods, err = s.deps.TwoFactor.Methods(ctx, account.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to list two-factor methods", slog.Any("error", err))
		}
		if risk.RequiresAdditionalVerification && len(methods) > 0 {
			requires2FA = true
		}
	}

	session := &models.Session{
		AccountID:      account.ID,
		DeviceID:       deviceID,
		IPAddress:      ipAddress,
		UserAgent:      userAgent,
		CreatedAt:      now,
		Requires2FA:    requires2FA,
		RefreshTokenID: uuid.New().String(),
	}
	if secondFactor {
		session.TwoFactorVerified = true
		session.TwoFactorVerifiedAt = &now
	}

	created, err := s.deps.Sessions.Create(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	result, err := s.issueTokens(ctx, created, created.RefreshTokenID)
	if err != nil {
		return nil, err
	}

	method := "password"
	if secondFactor {
		method = models.TwoFactorMethodBiometric
	}
	s.logger.InfoContext(ctx, "account logged in",
		slog.String("account_id", account.ID),
		slog.String("method", method),
	)
	s.events.Record(ctx, newEvent(models.EventLoginSucceeded, severityForRisk(risk.Level),
		account.ID, ipAddress, userAgent, models.EventContext{
			"session_id":   created.ID,
			"method":       method,
			"risk_level":   string(risk.Level),
			"requires_2fa": requires2FA,
		}))

	result.Account = account
	result.Requires2FA = requires2FA && !created.TwoFactorVerified
	result.Methods = methods
	result.Risk = risk
	return result, nil
}

// issueTokens signs an access token and a refresh token carrying
// refreshID for session.
func (s *AuthService) issueTokens(ctx context.Context, session *models.Session, refreshID string) (*LoginResult, error) {
	access, expiresAt, err := s.deps.Tokens.GenerateAccessToken(session.AccountID, session.ID, session.DeviceID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to generate access token",
			slog.String("account_id", session.AccountID),
			slog.Any("error", err),
		)
		return nil, models.ErrInternalServer
	}

	refresh, refreshExpiresAt, err := s.deps.Tokens.GenerateRefreshToken(session.AccountID, session.ID, session.DeviceID, refreshID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to generate refresh token",
			slog.String("account_id", session.AccountID),
			slog.Any("error", err),
		)
		return nil, models.ErrInternalServer
	}

	return &LoginResult{
		AccessToken:      access,
		ExpiresAt:        expiresAt,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExpiresAt,
		SessionID:        session.ID,
		DeviceID:         session.DeviceID,
	}, nil
}

// Refresh exchanges a refresh token for a new access and refresh token on
// the same session. The session keeps its id and creation time, so refresh
// never resets session age. A refresh token that is not the session's
// current one is treated as stolen: the session is invalidated.
func (s *AuthService) Refresh(ctx context.Context, req RefreshRequest) (*LoginResult, error) {
	now := s.config.Now()

	claims, err := s.deps.Tokens.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		if errors.Is(err, models.ErrTokenExpired) {
			return nil, models.NewAuthError(models.CodeTokenExpired, "refresh token has expired")
		}
		return nil, models.NewAuthError(models.CodeInvalidToken, "invalid refresh token")
	}

	account, err := s.deps.Accounts.GetByID(ctx, claims.AccountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewAuthError(models.CodeUserNotFound, "account not found")
		}
		return nil, models.NewAuthServiceError(err)
	}
	if !account.IsActive {
		return nil, withAccount(models.NewAuthError(models.CodeUserNotFound, "account not found"), account.ID)
	}

	lockout, err := s.deps.Lockouts.ActiveLockout(ctx, account.ID)
	if err != nil {
		return nil, withAccount(models.NewAuthServiceError(err), account.ID)
	}
	if lockout != nil {
		return nil, lockedError(account.ID, lockout)
	}

	invalid := func(reason string) error {
		return &models.AuthError{
			Code:      models.CodeSessionInvalid,
			Message:   "session is no longer valid",
			AccountID: account.ID,
			Err:       errors.New(reason),
		}
	}

	session, err := s.deps.Sessions.GetByID(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, invalid("session not found")
		}
		return nil, withAccount(models.NewAuthServiceError(err), account.ID)
	}

	switch {
	case session.AccountID != account.ID:
		return nil, invalid("session belongs to another account")
	case !session.IsValid():
		return nil, invalid("session invalidated")
	case claims.DeviceID != session.DeviceID:
		return nil, invalid("token device does not match session")
	case req.DeviceID != "" && req.DeviceID != session.DeviceID:
		return nil, invalid("request device does not match session")
	case session.Age(now) > s.config.MaxSessionAge:
		return nil, invalid("session exceeded maximum age")
	case account.PasswordChangedAt != nil && session.CreatedAt.Before(*account.PasswordChangedAt):
		return nil, invalid("session predates password change")
	case session.RefreshTokenID == "" || claims.ID != session.RefreshTokenID:
		s.revokeReusedSession(ctx, session, req)
		return nil, invalid("refresh token reused")
	case session.Requires2FA && !session.TwoFactorVerified:
		return nil, &models.AuthError{
			Code:      models.CodeRequire2FA,
			Message:   "complete two-factor verification before refreshing",
			AccountID: account.ID,
		}
	}

	createdAt := session.CreatedAt
	risk := s.deps.Risk.Assess(ctx, RiskInput{
		AccountID:        account.ID,
		DeviceID:         session.DeviceID,
		IPAddress:        req.IPAddress,
		UserAgent:        req.UserAgent,
		Success:          true,
		SessionCreatedAt: &createdAt,
	})

	if risk.Level == models.RiskCritical && s.config.LockOnCritical {
		lockout, err := s.deps.Lockouts.LockForRisk(ctx, account.ID, risk)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to lock account for critical refresh risk",
				slog.String("account_id", account.ID),
				slog.Any("error", err),
			)
		} else {
			return nil, lockedError(account.ID, lockout)
		}
	}

	nextID := uuid.New().String()
	if err := s.deps.Sessions.RotateRefreshToken(ctx, session.ID, claims.ID, nextID, now); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// A concurrent refresh or an invalidation got there first.
			return nil, invalid("refresh token already rotated")
		}
		return nil, withAccount(models.NewAuthServiceError(err), account.ID)
	}

	result, err := s.issueTokens(ctx, session, nextID)
	if err != nil {
		return nil, err
	}
	result.Account = account
	result.Risk = risk

	s.events.Record(ctx, newEvent(models.EventTokenRefreshed, severityForRisk(risk.Level),
		account.ID, req.IPAddress, req.UserAgent, models.EventContext{
			"session_id": session.ID,
			"risk_level": string(risk.Level),
		}))

	return result, nil
}

// revokeReusedSession closes a session whose superseded refresh token was
// presented again.
func (s *AuthService) revokeReusedSession(ctx context.Context, session *models.Session, req RefreshRequest) {
	if err := s.deps.Sessions.Invalidate(ctx, session.ID, models.SessionReasonRefreshReuse, s.config.Now()); err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.ErrorContext(ctx, "failed to invalidate session after refresh token reuse",
			slog.String("session_id", session.ID),
			slog.Any("error", err),
		)
	}

	s.logger.WarnContext(ctx, "refresh token reused",
		slog.String("account_id", session.AccountID),
		slog.String("session_id", session.ID),
	)
	s.events.Record(ctx, newEvent(models.EventRefreshTokenReused, models.SeverityHigh,
		session.AccountID, req.IPAddress, req.UserAgent, models.EventContext{"session_id": session.ID}))
}

// SelfUnlock lets a locked-out account holder lift their own automatic
// lockout by proving both the password and a TOTP code. Administrative
// lockouts are refused with models.ErrForbidden; accounts without TOTP
// cannot self-unlock.
func (s *AuthService) SelfUnlock(ctx context.Context, req SelfUnlockRequest) (*models.Lockout, error) {
	start := time.Now()

	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" || req.Code == "" {
		return nil, models.ErrInvalidCredentials
	}

	account, err := s.deps.Accounts.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("failed to load account: %w", err)
		}
		s.wait(start, false)
		return nil, models.ErrInvalidCredentials
	}
	if !account.IsActive {
		s.wait(start, false)
		return nil, models.ErrInvalidCredentials
	}

	if !s.deps.Hasher.Matches(account.PasswordHash, req.Password) {
		s.failLogin(ctx, account.ID, LoginRequest{
			Email:     email,
			IPAddress: req.IPAddress,
			UserAgent: req.UserAgent,
		}, "invalid_self_unlock_password")
		s.wait(start, false)
		return nil, models.ErrInvalidCredentials
	}

	lockout, err := s.deps.Lockouts.ActiveLockout(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check lockout: %w", err)
	}
	if lockout == nil {
		return nil, models.ErrNotFound
	}
	if lockout.Type == models.LockoutAdministrative {
		s.logger.WarnContext(ctx, "self-service unlock of administrative lockout refused",
			slog.String("account_id", account.ID),
		)
		return nil, models.ErrForbidden
	}

	if s.deps.Codes == nil {
		return nil, models.ErrTOTPNotEnrolled
	}
	if err := s.deps.Codes.VerifyCode(ctx, account.ID, req.Code, req.IPAddress, req.UserAgent); err != nil {
		return nil, err
	}

	return s.deps.Lockouts.Unlock(ctx, UnlockRequest{
		AccountID:  account.ID,
		UnlockedBy: &account.ID,
		Reason:     "self-service unlock",
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
	})
}

// VerifyBiometricFactor completes a pending session's second factor with a
// biometric proof from the session's own device.
func (s *AuthService) VerifyBiometricFactor(ctx context.Context, account *models.Account, session *models.Session, req BiometricFactorRequest) error {
	if _, err := s.deps.Biometrics.Verify(ctx, VerifyBiometricRequest{
		AccountID: account.ID,
		DeviceID:  session.DeviceID,
		Type:      req.Type,
		Response:  req.Response,
		Template:  req.Template,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	}); err != nil {
		return err
	}

	now := s.config.Now()
	if err := s.deps.Sessions.MarkTwoFactorVerified(ctx, session.ID, now); err != nil {
		return fmt.Errorf("failed to mark session verified: %w", err)
	}

	s.events.Record(ctx, newEvent(models.EventTwoFactorVerified, models.SeverityLow,
		account.ID, req.IPAddress, req.UserAgent, models.EventContext{
			"method":         models.TwoFactorMethodBiometric,
			"biometric_type": string(req.Type),
			"session_id":     session.ID,
		}))
	return nil
}

// Logout invalidates the current session.
func (s *AuthService) Logout(ctx context.Context, session *models.Session, ipAddress, userAgent string) error {
	if err := s.deps.Sessions.Invalidate(ctx, session.ID, models.SessionReasonLogout, s.config.Now()); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to invalidate session: %w", err)
	}

	s.events.Record(ctx, newEvent(models.EventLogout, models.SeverityLow,
		session.AccountID, ipAddress, userAgent, models.EventContext{"session_id": session.ID}))
	return nil
}

// ConfirmPassword re-checks the password and stamps the session's
// last_password_confirmation. Wrong passwords count as failed logins.
func (s *AuthService) ConfirmPassword(ctx context.Context, account *models.Account, session *models.Session, password, ipAddress, userAgent string) error {
	if !s.deps.Hasher.Matches(account.PasswordHash, password) {
		imposed := s.failLogin(ctx, account.ID, LoginRequest{
			Email:     account.Email,
			DeviceID:  session.DeviceID,
			IPAddress: ipAddress,
			UserAgent: userAgent,
		}, "invalid_password_confirmation")
		if imposed != nil {
			return lockedError(account.ID, imposed)
		}
		return models.ErrInvalidCredentials
	}

	if err := s.deps.Sessions.ConfirmPassword(ctx, session.ID, s.config.Now()); err != nil {
		return fmt.Errorf("failed to confirm password: %w", err)
	}

	s.events.Record(ctx, newEvent(models.EventPasswordConfirmed, models.SeverityLow,
		account.ID, ipAddress, userAgent, models.EventContext{"session_id": session.ID}))
	return nil
}

// SetDeviceTrust marks one of the account's devices trusted or untrusted.
func (s *AuthService) SetDeviceTrust(ctx context.Context, accountID, deviceID string, trusted bool, ipAddress, userAgent string) (*models.Device, error) {
	device, err := s.deps.Devices.SetTrusted(ctx, accountID, deviceID, trusted)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrDeviceNotOwned
		}
		return nil, fmt.Errorf("failed to update device trust: %w", err)
	}

	s.events.Record(ctx, newEvent(models.EventDeviceTrustChanged, models.SeverityMedium,
		accountID, ipAddress, userAgent, models.EventContext{
			"device_id": deviceID,
			"trusted":   trusted,
		}))
	return device, nil
}

func (s *AuthService) ListDevices(ctx context.Context, accountID string) ([]*models.Device, error) {
	return s.deps.Devices.ListByAccount(ctx, accountID)
}

// failLogin records a failed attempt and returns the lockout it imposed, if any.
func (s *AuthService) failLogin(ctx context.Context, accountID string, req LoginRequest, reason string) *models.Lockout {
	lockout, err := s.deps.Lockouts.RecordFailedLogin(ctx, FailedLogin{
		AccountID: accountID,
		Email:     normalizeEmail(req.Email),
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		DeviceID:  req.DeviceID,
		Reason:    reason,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record failed login", slog.Any("error", err))
	}

	s.events.Record(ctx, newEvent(models.EventLoginFailed, models.SeverityMedium,
		accountID, req.IPAddress, req.UserAgent, models.EventContext{"reason": reason}))

	return lockout
}

func (s *AuthService) wait(start time.Time, success bool) {
	if s.deps.Delay != nil {
		s.deps.Delay.WaitFrom(start, success)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
