package models

import "time"

// Session invalidation reasons
const (
	SessionReasonLogout         = "logout"
	SessionReasonPasswordChange = "password_change"
	SessionReasonAccountLocked  = "account_locked"
	SessionReasonAdminAction    = "admin_action"
	SessionReasonRefreshReuse   = "refresh_token_reuse"
)

// Session is an authenticated context bound to one account and device.
// Sessions are invalidated, never deleted, so the audit trail keeps them.
type Session struct {
	ID                       string     `json:"id"`
	AccountID                string     `json:"account_id"`
	DeviceID                 string     `json:"device_id"`
	IPAddress                string     `json:"ip_address"`
	UserAgent                string     `json:"user_agent"`
	CreatedAt                time.Time  `json:"created_at"`
	LastActivityAt           time.Time  `json:"last_activity_at"`
	Requires2FA              bool       `json:"requires_2fa"`
	TwoFactorVerified        bool       `json:"two_factor_verified"`
	TwoFactorVerifiedAt      *time.Time `json:"two_factor_verified_at,omitempty"`
	LastPasswordConfirmation *time.Time `json:"last_password_confirmation,omitempty"`
	InvalidatedAt            *time.Time `json:"invalidated_at,omitempty"`
	InvalidationReason       *string    `json:"invalidation_reason,omitempty"`
	RefreshTokenID           string     `json:"-"`
}

func (s *Session) IsValid() bool {
	return s.InvalidatedAt == nil
}

// Age returns how long the session has existed at now.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// PasswordConfirmedWithin reports whether the password was re-entered within window.
func (s *Session) PasswordConfirmedWithin(now time.Time, window time.Duration) bool {
	return s.LastPasswordConfirmation != nil && now.Sub(*s.LastPasswordConfirmation) <= window
}

// TwoFactorVerifiedWithin reports whether a second factor was proven within window.
func (s *Session) TwoFactorVerifiedWithin(now time.Time, window time.Duration) bool {
	return s.TwoFactorVerified && s.TwoFactorVerifiedAt != nil && now.Sub(*s.TwoFactorVerifiedAt) <= window
}
