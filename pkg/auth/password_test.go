package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name       string
		password   string
		email      string
		shouldFail bool
		rule       string
	}{
		{name: "valid strong password", password: "Correct-Battery-42", shouldFail: false},
		{name: "too short", password: "Sh0rt!pass", shouldFail: true, rule: "must be at least 12 characters"},
		{name: "missing uppercase", password: "securepass@1234", shouldFail: true, rule: "must contain at least one uppercase letter"},
		{name: "missing lowercase", password: "SECUREPASS@1234", shouldFail: true, rule: "must contain at least one lowercase letter"},
		{name: "missing digit", password: "SecurePass@xyzw", shouldFail: true, rule: "must contain at least one digit"},
		{name: "missing special character", password: "SecurePass1234", shouldFail: true, rule: "must contain at least one special character"},
		{name: "common password rejected", password: "P@ssw0rd1234", shouldFail: true, rule: "is too common, please choose a more unique password"},
		{name: "contains email mailbox", password: "Jordan-Secure-77", email: "jordan@example.com", shouldFail: true, rule: "must not contain your email address"},
		{name: "unrelated email accepted", password: "Correct-Battery-42", email: "sam@example.com", shouldFail: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password, tt.email)
			if !tt.shouldFail {
				assert.NoError(t, err)
				return
			}

			var verr *PasswordValidationError
			require.True(t, errors.As(err, &verr), "expected PasswordValidationError, got %v", err)
			assert.Contains(t, verr.Errors, tt.rule)
		})
	}
}

func TestBcryptHasher(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)

	hash, err := h.Hash("Correct-Battery-42")
	require.NoError(t, err)
	assert.NotEqual(t, "Correct-Battery-42", hash)

	assert.True(t, h.Matches(hash, "Correct-Battery-42"))
	assert.False(t, h.Matches(hash, "Wrong-Battery-42"))

	_, err = h.Hash("")
	assert.Error(t, err)
}

func TestNewBcryptHasher_InvalidCostFallsBack(t *testing.T) {
	h := NewBcryptHasher(99)
	assert.Equal(t, DefaultBcryptCost, h.cost)
}
