package auth

import (
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTOTPManager(t *testing.T) *TOTPManager {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	tm, err := NewTOTPManager(key, "Aegis")
	require.NoError(t, err)
	return tm
}

func TestTOTPManager_NewTOTPManager_InvalidKeyLength(t *testing.T) {
	for _, length := range []int{0, 16, 24, 31, 33, 64} {
		tm, err := NewTOTPManager(make([]byte, length), "Aegis")
		assert.Error(t, err)
		assert.Nil(t, tm)
		assert.Contains(t, err.Error(), "must be exactly 32 bytes")
	}
}

func TestTOTPManager_GenerateSecretWithQR(t *testing.T) {
	tm := newTestTOTPManager(t)

	encrypted, nonce, secret, qrCode, err := tm.GenerateSecretWithQR("user@example.com")
	require.NoError(t, err)

	assert.NotEmpty(t, encrypted)
	assert.Len(t, nonce, 12)
	assert.NotEmpty(t, secret)
	assert.True(t, strings.HasPrefix(qrCode, "data:image/png;base64,"))

	decrypted, err := tm.DecryptSecret(encrypted, nonce)
	require.NoError(t, err)
	assert.Equal(t, secret, string(decrypted))
}

func TestTOTPManager_DecryptSecret_TamperedCiphertext(t *testing.T) {
	tm := newTestTOTPManager(t)

	encrypted, nonce, err := tm.EncryptSecret([]byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)

	encrypted[0] ^= 0xff
	_, err = tm.DecryptSecret(encrypted, nonce)
	assert.Error(t, err)
}

func TestTOTPManager_ValidateTOTP(t *testing.T) {
	tm := newTestTOTPManager(t)
	secret := "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	code, err := totp.GenerateCode(secret, now)
	require.NoError(t, err)

	t.Run("valid code", func(t *testing.T) {
		ok, err := tm.ValidateTOTP([]byte(secret), code, nil, now)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("within clock skew", func(t *testing.T) {
		ok, err := tm.ValidateTOTP([]byte(secret), code, nil, now.Add(30*time.Second))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("wrong code", func(t *testing.T) {
		wrong := "000000"
		if code == wrong {
			wrong = "111111"
		}
		ok, err := tm.ValidateTOTP([]byte(secret), wrong, nil, now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("replay within window", func(t *testing.T) {
		lastUsed := now.Add(-10 * time.Second)
		ok, err := tm.ValidateTOTP([]byte(secret), code, &lastUsed, now)
		assert.ErrorIs(t, err, ErrTOTPReplay)
		assert.False(t, ok)
	})
}
