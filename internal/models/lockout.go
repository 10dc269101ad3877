package models

import "time"

// LockoutType identifies what imposed a lockout.
type LockoutType string

const (
	LockoutLoginAttempts      LockoutType = "login_attempts"
	LockoutSuspiciousActivity LockoutType = "suspicious_activity"
	LockoutTwoFactorAttempts  LockoutType = "two_factor_attempts"
	LockoutAdministrative     LockoutType = "administrative"
)

// DefaultDuration returns the lock duration for t. Administrative lockouts
// have no expiry and return ok=false.
func (t LockoutType) DefaultDuration() (time.Duration, bool) {
	switch t {
	case LockoutLoginAttempts:
		return 30 * time.Minute, true
	case LockoutSuspiciousActivity:
		return 24 * time.Hour, true
	case LockoutTwoFactorAttempts:
		return 15 * time.Minute, true
	default:
		return 0, false
	}
}

func (t LockoutType) Valid() bool {
	switch t {
	case LockoutLoginAttempts, LockoutSuspiciousActivity, LockoutTwoFactorAttempts, LockoutAdministrative:
		return true
	}
	return false
}

// Lockout is a time-bounded or indefinite block on an account.
type Lockout struct {
	ID         string      `json:"id"`
	AccountID  string      `json:"account_id"`
	Type       LockoutType `json:"lockout_type"`
	Reason     string      `json:"reason"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"`
	IsActive   bool        `json:"is_active"`
	LockedBy   *string     `json:"locked_by,omitempty"`
	UnlockedBy *string     `json:"unlocked_by,omitempty"`
	UnlockedAt *time.Time  `json:"unlocked_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// IsExpired reports whether an active, non-administrative lockout has run out.
func (l *Lockout) IsExpired(now time.Time) bool {
	return l.IsActive && l.Type != LockoutAdministrative && l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// Outlasts reports whether l stays in force when candidate is imposed on
// the same account. Administrative lockouts yield only to another
// administrative one; otherwise the later expiry wins.
func (l *Lockout) Outlasts(candidate *Lockout) bool {
	switch {
	case candidate.Type == LockoutAdministrative:
		return false
	case l.Type == LockoutAdministrative, l.ExpiresAt == nil:
		return true
	case candidate.ExpiresAt == nil:
		return false
	default:
		return !candidate.ExpiresAt.After(*l.ExpiresAt)
	}
}
