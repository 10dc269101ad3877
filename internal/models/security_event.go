package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Severity of a security event
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Event types for the security event log
const (
	EventSessionValidated       = "session_validated"
	EventSessionRejected        = "session_rejected"
	EventRiskAssessed           = "risk_assessed"
	EventLoginSucceeded         = "login_succeeded"
	EventLoginFailed            = "login_failed"
	EventLogout                 = "logout"
	EventAccountRegistered      = "account_registered"
	EventAccountLocked          = "account_locked"
	EventAccountUnlocked        = "account_unlocked"
	EventLockoutExpired         = "lockout_expired"
	EventTwoFactorVerified      = "two_factor_verified"
	EventTwoFactorFailed        = "two_factor_failed"
	EventTOTPEnrolled           = "totp_enrolled"
	EventPasswordConfirmed      = "password_confirmed"
	EventPasswordChanged        = "password_changed"
	EventPasswordChangeRejected = "password_change_rejected"
	EventBiometricRegistered    = "biometric_registered"
	EventBiometricVerified      = "biometric_verified"
	EventBiometricFailed        = "biometric_failed"
	EventBiometricDisabled      = "biometric_disabled"
	EventDeviceTrustChanged     = "device_trust_changed"
	EventRateLimited            = "rate_limited"
	EventTokenRefreshed         = "token_refreshed"
	EventRefreshTokenReused     = "refresh_token_reused"
)

// SecurityEvent is one append-only audit record.
type SecurityEvent struct {
	ID        string       `json:"id"`
	AccountID *string      `json:"account_id,omitempty"`
	EventType string       `json:"event_type"`
	Severity  Severity     `json:"severity"`
	Context   EventContext `json:"context"`
	IPAddress *string      `json:"ip_address,omitempty"`
	UserAgent *string      `json:"user_agent,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// SecurityEventFilter narrows an operator query over the event log.
type SecurityEventFilter struct {
	AccountID   string
	EventType   string
	MinSeverity Severity
	Since       *time.Time
	Limit       int
	Offset      int
}

// EventContext holds additional structured context for a security event
type EventContext map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (ec *EventContext) Scan(value interface{}) error {
	if value == nil {
		*ec = make(EventContext)
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(bytes, &m); err != nil {
		return err
	}
	*ec = EventContext(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (ec EventContext) Value() (driver.Value, error) {
	if ec == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(ec))
}
