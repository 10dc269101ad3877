package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// TokenClaims binds a token to an account, a session and a device.
// Refresh tokens carry the session's current refresh id as jti.
type TokenClaims struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id"`
	SessionID string `json:"sid"`
	DeviceID  string `json:"did,omitempty"`
	jwt.RegisteredClaims
}

// ValidationRequest is the bearer credential plus request signals.
type ValidationRequest struct {
	Token     string
	IPAddress string
	UserAgent string
	DeviceID  string
}

// AuthContext is the outcome of a successful session validation.
type AuthContext struct {
	Account *Account        `json:"account"`
	Session *Session        `json:"session"`
	Claims  *TokenClaims    `json:"-"`
	Risk    *RiskAssessment `json:"risk"`
}

// RateLimitDecision is the outcome of one adaptive rate-limit check.
type RateLimitDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Degraded  bool
}
