package models

import (
	"fmt"
	"time"
)

// BiometricType is the modality of a registered biometric credential.
type BiometricType string

const (
	BiometricFace        BiometricType = "face"
	BiometricFingerprint BiometricType = "fingerprint"
	BiometricVoice       BiometricType = "voice"
	BiometricPlatform    BiometricType = "platform"
)

func (t BiometricType) Valid() bool {
	switch t {
	case BiometricFace, BiometricFingerprint, BiometricVoice, BiometricPlatform:
		return true
	}
	return false
}

// ServerVerified reports whether the server matches a stored template for
// this modality. The other modalities are matched on the device and proven
// with a signed challenge.
func (t BiometricType) ServerVerified() bool {
	return t == BiometricFace || t == BiometricVoice
}

// BiometricCredential is one enrolled modality on one device of one account.
type BiometricCredential struct {
	ID            string        `json:"id"`
	AccountID     string        `json:"account_id"`
	DeviceID      string        `json:"device_id"`
	Type          BiometricType `json:"biometric_type"`
	TemplateHash  []byte        `json:"-"`
	Enabled       bool          `json:"enabled"`
	SuccessCount  int           `json:"success_count"`
	FailureCount  int           `json:"failure_count"`
	LastFailureAt *time.Time    `json:"last_failure_at,omitempty"`
	LockedUntil   *time.Time    `json:"locked_until,omitempty"`
	LastUsedAt    *time.Time    `json:"last_used_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// InCooldown reports whether the credential is still locked out at now.
func (c *BiometricCredential) InCooldown(now time.Time) bool {
	return c.LockedUntil != nil && c.LockedUntil.After(now)
}

// BiometricChallenge is a single-use nonce issued to a device.
type BiometricChallenge struct {
	AccountID string    `json:"account_id"`
	DeviceID  string    `json:"device_id"`
	Nonce     []byte    `json:"nonce"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BiometricErrorKind classifies a biometric failure.
type BiometricErrorKind string

const (
	BiometricNotRegistered      BiometricErrorKind = "not_registered"
	BiometricLocked             BiometricErrorKind = "locked"
	BiometricVerificationFailed BiometricErrorKind = "verification_failed"
	BiometricChallengeExpired   BiometricErrorKind = "challenge_expired"
	BiometricServiceError       BiometricErrorKind = "service_error"
)

// BiometricError carries the failure kind and, where relevant, how many
// attempts remain or when the credential unlocks.
type BiometricError struct {
	Kind              BiometricErrorKind
	RemainingAttempts int
	UnlockAt          *time.Time
	Err               error
}

func (e *BiometricError) Error() string {
	switch e.Kind {
	case BiometricLocked:
		if e.UnlockAt != nil {
			return fmt.Sprintf("biometric credential locked until %s", e.UnlockAt.UTC().Format(time.RFC3339))
		}
		return "biometric credential locked"
	case BiometricVerificationFailed:
		return fmt.Sprintf("biometric verification failed, %d attempts remaining", e.RemainingAttempts)
	case BiometricServiceError:
		if e.Err != nil {
			return "biometric service error: " + e.Err.Error()
		}
	}
	return "biometric " + string(e.Kind)
}

func (e *BiometricError) Unwrap() error {
	return e.Err
}
