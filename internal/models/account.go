package models

import "time"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Account is the identity that sessions, lockouts and credentials hang off.
// IsLocked mirrors whether an active lockout row exists and is maintained by
// the lockout repository.
type Account struct {
	ID                string     `json:"id"`
	Email             string     `json:"email"`
	PasswordHash      string     `json:"-"`
	Role              string     `json:"role"`
	IsActive          bool       `json:"is_active"`
	IsLocked          bool       `json:"is_locked"`
	TwoFactorEnabled  bool       `json:"two_factor_enabled"`
	LastActiveAt      *time.Time `json:"last_active_at,omitempty"`
	PasswordChangedAt *time.Time `json:"password_changed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (a *Account) IsAdmin() bool {
	return a.Role == RoleAdmin
}
