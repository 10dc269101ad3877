package auth

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultBcryptCost = 12
	MinPasswordLen    = 12
	MaxPasswordLen    = 128
)

// PasswordValidationError holds the strength rules a password failed.
type PasswordValidationError struct {
	Errors []string
}

func (e *PasswordValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "password validation failed"
	}
	return "password does not meet strength requirements: " + strings.Join(e.Errors, "; ")
}

// Common weak passwords to reject
var commonPasswords = map[string]bool{
	"password":      true,
	"password123":   true,
	"password123!":  true,
	"passw0rd":      true,
	"qwerty123456":  true,
	"123456789012":  true,
	"letmein":       true,
	"welcome":       true,
	"welcome123!":   true,
	"iloveyou":      true,
	"trustno1":      true,
	"administrator": true,
	"changeme123!":  true,
	"correcthorse":  true,
	"p@ssw0rd1234":  true,
	"football":      true,
	"sunshine":      true,
	"princess":      true,
	"starwars":      true,
	"qwertyuiop123": true,
	"1q2w3e4r5t6y":  true,
	"superman123!":  true,
	"monkey123456":  true,
	"dragon123456":  true,
}

// BcryptHasher is the default one-way password hash.
type BcryptHasher struct {
	cost int
}

func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashedBytes), nil
}

// Matches reports whether password hashes to hashedPassword.
func (h *BcryptHasher) Matches(hashedPassword, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) == nil
}

// ValidatePassword enforces strength rules. When email is non-empty the
// password may not contain the mailbox name.
func ValidatePassword(password, email string) error {
	errors := make([]string, 0)

	length := len([]rune(password))
	if length < MinPasswordLen {
		errors = append(errors, fmt.Sprintf("must be at least %d characters", MinPasswordLen))
	}
	if length > MaxPasswordLen {
		errors = append(errors, fmt.Sprintf("must be at most %d characters", MaxPasswordLen))
	}

	hasUpper := false
	hasLower := false
	hasDigit := false
	hasSpecial := false

	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	if !hasUpper {
		errors = append(errors, "must contain at least one uppercase letter")
	}
	if !hasLower {
		errors = append(errors, "must contain at least one lowercase letter")
	}
	if !hasDigit {
		errors = append(errors, "must contain at least one digit")
	}
	if !hasSpecial {
		errors = append(errors, "must contain at least one special character")
	}

	lower := strings.ToLower(password)
	if commonPasswords[lower] {
		errors = append(errors, "is too common, please choose a more unique password")
	}

	if local, _, ok := strings.Cut(strings.ToLower(email), "@"); ok && len(local) >= 3 && strings.Contains(lower, local) {
		errors = append(errors, "must not contain your email address")
	}

	if len(errors) > 0 {
		return &PasswordValidationError{Errors: errors}
	}

	return nil
}
