package models

import "time"

// LoginAttempt represents a single login attempt in the system
type LoginAttempt struct {
	ID            string    `db:"id"`
	AccountID     *string   `db:"account_id"`
	Email         string    `db:"email"`
	IPAddress     string    `db:"ip_address"`
	UserAgent     string    `db:"user_agent"`
	DeviceID      string    `db:"device_id"`
	AttemptedAt   time.Time `db:"attempted_at"`
	Success       bool      `db:"success"`
	FailureReason *string   `db:"failure_reason"`
	ExpiresAt     time.Time `db:"expires_at"`
}

// Device is a client device seen for an account. Trusted devices lower
// the computed risk tier.
type Device struct {
	AccountID   string    `json:"account_id"`
	DeviceID    string    `json:"device_id"`
	Name        string    `json:"name,omitempty"`
	Trusted     bool      `json:"trusted"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// PasswordHistoryEntry is a prior password hash kept to prevent reuse.
type PasswordHistoryEntry struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
