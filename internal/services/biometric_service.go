package services

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/aegis/internal/metrics"
	"github.com/BradenHooton/aegis/internal/models"
	"golang.org/x/crypto/blake2b"
)

// BiometricRepository persists biometric credentials and their counters
type BiometricRepository interface {
	BiometricPresence
	Get(ctx context.Context, accountID, deviceID string, biometricType models.BiometricType) (*models.BiometricCredential, error)
	Upsert(ctx context.Context, cred *models.BiometricCredential) (*models.BiometricCredential, error)
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id string, at time.Time, maxFailures int, cooldown time.Duration) (*models.BiometricCredential, error)
	ResetFailures(ctx context.Context, id string, at time.Time) error
	Disable(ctx context.Context, accountID, deviceID string, biometricType models.BiometricType, at time.Time) error
	ListByAccount(ctx context.Context, accountID string) ([]*models.BiometricCredential, error)
}

// ChallengeStore holds single-use challenges. Consume must atomically
// remove the challenge and return models.ErrNotFound when none is pending.
type ChallengeStore interface {
	Save(ctx context.Context, challenge *models.BiometricChallenge, ttl time.Duration) error
	Consume(ctx context.Context, accountID, deviceID string) (*models.BiometricChallenge, error)
}

type BiometricConfig struct {
	// Secret keys both template hashing and device key derivation.
	Secret       []byte
	ChallengeTTL time.Duration
	MaxFailures  int
	Cooldown     time.Duration
	Now          func() time.Time
}

const challengeNonceSize = 32

// RegisterBiometricRequest enrolls one modality on one device.
type RegisterBiometricRequest struct {
	AccountID string
	DeviceID  string
	Type      models.BiometricType
	Template  []byte
	IPAddress string
	UserAgent string
}

// BiometricRegistration is the enrolled credential. DeviceKey is set for
// client-attested types and is the key the device signs challenges with.
type BiometricRegistration struct {
	Credential *models.BiometricCredential `json:"credential"`
	DeviceKey  string                      `json:"device_key,omitempty"`
}

// VerifyBiometricRequest is one verification attempt. Client-attested
// types send Response, server-verified types send Template.
type VerifyBiometricRequest struct {
	AccountID string
	DeviceID  string
	Type      models.BiometricType
	Response  string
	Template  []byte
	IPAddress string
	UserAgent string
}

// BiometricService issues and verifies challenge/response proofs for
// device-bound biometric authentication. Raw templates are never stored.
type BiometricService struct {
	credentials BiometricRepository
	challenges  ChallengeStore
	devices     DeviceRegistry
	events      EventRecorder
	config      BiometricConfig
	templateKey []byte
	logger      *slog.Logger
}

func NewBiometricService(credentials BiometricRepository, challenges ChallengeStore, devices DeviceRegistry, events EventRecorder, config BiometricConfig, logger *slog.Logger) (*BiometricService, error) {
	if len(config.Secret) < 32 {
		return nil, fmt.Errorf("biometric secret must be at least 32 bytes, got %d", len(config.Secret))
	}
	if config.ChallengeTTL <= 0 {
		config.ChallengeTTL = 5 * time.Minute
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 15 * time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &BiometricService{
		credentials: credentials,
		challenges:  challenges,
		devices:     devices,
		events:      recorderOrDiscard(events),
		config:      config,
		templateKey: deriveKey(config.Secret, "biometric-template"),
		logger:      loggerOrDefault(logger),
	}, nil
}

// Register upserts the credential for (account, device, type). Re-registration
// replaces the template and clears failure state.
func (s *BiometricService) Register(ctx context.Context, req RegisterBiometricRequest) (*BiometricRegistration, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown biometric type %q", models.ErrBadRequest, req.Type)
	}

	if _, err := s.devices.Get(ctx, req.AccountID, req.DeviceID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrDeviceNotOwned
		}
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	cred := &models.BiometricCredential{
		AccountID: req.AccountID,
		DeviceID:  req.DeviceID,
		Type:      req.Type,
		CreatedAt: s.config.Now(),
	}
	if req.Type.ServerVerified() {
		if len(req.Template) == 0 {
			return nil, fmt.Errorf("%w: %s registration requires a template", models.ErrBadRequest, req.Type)
		}
		cred.TemplateHash = s.hashTemplate(req.Template)
	}

	saved, err := s.credentials.Upsert(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("failed to register biometric: %w", err)
	}

	registration := &BiometricRegistration{Credential: saved}
	if !req.Type.ServerVerified() {
		registration.DeviceKey = base64.RawURLEncoding.EncodeToString(s.deviceKey(saved.ID))
	}

	s.events.Record(ctx, newEvent(models.EventBiometricRegistered, models.SeverityMedium,
		req.AccountID, req.IPAddress, req.UserAgent, models.EventContext{
			"device_id":      req.DeviceID,
			"biometric_type": string(req.Type),
		}))

	return registration, nil
}

// IssueChallenge creates a fresh nonce for (account, device), replacing any
// unconsumed one.
func (s *BiometricService) IssueChallenge(ctx context.Context, accountID, deviceID string) (*models.BiometricChallenge, error) {
	nonce := make([]byte, challengeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, &models.BiometricError{Kind: models.BiometricServiceError, Err: err}
	}

	now := s.config.Now()
	challenge := &models.BiometricChallenge{
		AccountID: accountID,
		DeviceID:  deviceID,
		Nonce:     nonce,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.config.ChallengeTTL),
	}

	if err := s.challenges.Save(ctx, challenge, s.config.ChallengeTTL); err != nil {
		s.logger.ErrorContext(ctx, "failed to store biometric challenge", slog.Any("error", err))
		return nil, &models.BiometricError{Kind: models.BiometricServiceError, Err: err}
	}

	return challenge, nil
}

// Verify checks one proof. Failures are returned as *models.BiometricError.
func (s *BiometricService) Verify(ctx context.Context, req VerifyBiometricRequest) (*models.BiometricCredential, error) {
	now := s.config.Now()

	cred, err := s.credentials.Get(ctx, req.AccountID, req.DeviceID, req.Type)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, s.reject(ctx, req, models.BiometricNotRegistered, &models.BiometricError{Kind: models.BiometricNotRegistered})
		}
		return nil, &models.BiometricError{Kind: models.BiometricServiceError, Err: err}
	}
	if !cred.Enabled {
		return nil, s.reject(ctx, req, models.BiometricNotRegistered, &models.BiometricError{Kind: models.BiometricNotRegistered})
	}

	if cred.InCooldown(now) {
		return nil, s.reject(ctx, req, models.BiometricLocked, &models.BiometricError{
			Kind:     models.BiometricLocked,
			UnlockAt: cred.LockedUntil,
		})
	}
	if cred.LockedUntil != nil || cred.FailureCount >= s.config.MaxFailures {
		// Cooldown elapsed: counting starts over.
		if err := s.credentials.ResetFailures(ctx, cred.ID, now); err != nil {
			return nil, &models.BiometricError{Kind: models.BiometricServiceError, Err: err}
		}
		cred.FailureCount = 0
		cred.LockedUntil = nil
	}

	var matched bool
	if cred.Type.ServerVerified() {
		matched = len(req.Template) > 0 && hmac.Equal(cred.TemplateHash, s.hashTemplate(req.Template))
	} else {
		challenge, err := s.challenges.Consume(ctx, req.AccountID, req.DeviceID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, s.reject(ctx, req, models.BiometricChallengeExpired, &models.BiometricError{Kind: models.BiometricChallengeExpired})
			}
			return nil, &models.BiometricError{Kind: models.BiometricServiceError, Err: err}
		}
		if !now.Before(challenge.ExpiresAt) {
			return nil, s.reject(ctx, req, models.BiometricChallengeExpired, &models.BiometricError{Kind: models.BiometricChallengeExpired})
		}

		response, decodeErr := base64.RawURLEncoding.DecodeString(req.Response)
		matched = decodeErr == nil && hmac.Equal(response, ChallengeResponse(s.deviceKey(cred.ID), challenge.Nonce))
	}

	if !matched {
		updated, err := s.credentials.RecordFailure(ctx, cred.ID, now, s.config.MaxFailures, s.config.Cooldown)
		if err != nil {
			return nil, &models.BiometricError{Kind: models.BiometricServiceError, Err: err}
		}

		remaining := max(s.config.MaxFailures-updated.FailureCount, 0)
		bioErr := &models.BiometricError{
			Kind:              models.BiometricVerificationFailed,
			RemainingAttempts: remaining,
		}
		if remaining == 0 {
			bioErr.UnlockAt = updated.LockedUntil
		}
		return nil, s.reject(ctx, req, models.BiometricVerificationFailed, bioErr)
	}

	if err := s.credentials.RecordSuccess(ctx, cred.ID, now); err != nil {
		return nil, &models.BiometricError{Kind: models.BiometricServiceError, Err: err}
	}
	cred.SuccessCount++
	cred.FailureCount = 0
	cred.LastUsedAt = &now

	metrics.BiometricVerificationsTotal.WithLabelValues(string(req.Type), "verified").Inc()
	s.events.Record(ctx, newEvent(models.EventBiometricVerified, models.SeverityLow,
		req.AccountID, req.IPAddress, req.UserAgent, models.EventContext{
			"device_id":      req.DeviceID,
			"biometric_type": string(req.Type),
		}))

	return cred, nil
}

// Disable turns a credential off without deleting its history.
func (s *BiometricService) Disable(ctx context.Context, accountID, deviceID string, biometricType models.BiometricType, ipAddress, userAgent string) error {
	if err := s.credentials.Disable(ctx, accountID, deviceID, biometricType, s.config.Now()); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return &models.BiometricError{Kind: models.BiometricNotRegistered}
		}
		return &models.BiometricError{Kind: models.BiometricServiceError, Err: err}
	}

	s.events.Record(ctx, newEvent(models.EventBiometricDisabled, models.SeverityMedium,
		accountID, ipAddress, userAgent, models.EventContext{
			"device_id":      deviceID,
			"biometric_type": string(biometricType),
		}))
	return nil
}

// List returns the credentials registered to an account.
func (s *BiometricService) List(ctx context.Context, accountID string) ([]*models.BiometricCredential, error) {
	return s.credentials.ListByAccount(ctx, accountID)
}

func (s *BiometricService) reject(ctx context.Context, req VerifyBiometricRequest, kind models.BiometricErrorKind, bioErr *models.BiometricError) error {
	metrics.BiometricVerificationsTotal.WithLabelValues(string(req.Type), string(kind)).Inc()

	severity := models.SeverityMedium
	if kind == models.BiometricLocked || (kind == models.BiometricVerificationFailed && bioErr.RemainingAttempts == 0) {
		severity = models.SeverityHigh
	}

	eventCtx := models.EventContext{
		"device_id":      req.DeviceID,
		"biometric_type": string(req.Type),
		"kind":           string(kind),
	}
	if kind == models.BiometricVerificationFailed {
		eventCtx["remaining_attempts"] = bioErr.RemainingAttempts
	}

	s.events.Record(ctx, newEvent(models.EventBiometricFailed, severity,
		req.AccountID, req.IPAddress, req.UserAgent, eventCtx))

	return bioErr
}

func (s *BiometricService) hashTemplate(template []byte) []byte {
	h, err := blake2b.New256(s.templateKey)
	if err != nil {
		// Only reachable with a key longer than 64 bytes; templateKey is 32.
		panic(err)
	}
	h.Write(template)
	return h.Sum(nil)
}

func (s *BiometricService) deviceKey(credentialID string) []byte {
	return deriveKey(s.config.Secret, "biometric-device:"+credentialID)
}

// ChallengeResponse is the proof a device returns for nonce: HMAC-SHA256
// keyed by the device key issued at registration.
func ChallengeResponse(deviceKey, nonce []byte) []byte {
	mac := hmac.New(sha256.New, deviceKey)
	mac.Write(nonce)
	return mac.Sum(nil)
}

func deriveKey(secret []byte, label string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(label))
	return mac.Sum(nil)
}
