package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

// ErrTOTPReplay is returned when a code is reused inside its validity window.
var ErrTOTPReplay = errors.New("totp code replay detected")

const (
	totpPeriod   = 30
	totpSkew     = 1
	replayWindow = (2*totpSkew + 1) * totpPeriod * time.Second
)

// TOTPManager handles TOTP generation, encryption, and validation
type TOTPManager struct {
	encryptionKey []byte // 32-byte AES-256 key
	issuer        string
}

// NewTOTPManager creates a new TOTP manager.
// encryptionKey must be exactly 32 bytes for AES-256.
func NewTOTPManager(encryptionKey []byte, issuer string) (*TOTPManager, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(encryptionKey))
	}

	return &TOTPManager{
		encryptionKey: encryptionKey,
		issuer:        issuer,
	}, nil
}

// GenerateSecretWithQR generates a secret for accountEmail and returns
// (encryptedSecret, nonce, secret, qrCodeDataURL).
func (tm *TOTPManager) GenerateSecretWithQR(accountEmail string) ([]byte, []byte, string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountEmail,
		SecretSize:  32,
		Period:      totpPeriod,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, nil, "", "", fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	encrypted, nonce, err := tm.EncryptSecret([]byte(key.Secret()))
	if err != nil {
		return nil, nil, "", "", fmt.Errorf("failed to encrypt secret: %w", err)
	}

	qr, err := qrcode.New(key.URL(), qrcode.Highest)
	if err != nil {
		return nil, nil, "", "", fmt.Errorf("failed to create QR code: %w", err)
	}

	qrImage, err := qr.PNG(200)
	if err != nil {
		return nil, nil, "", "", fmt.Errorf("failed to encode QR code: %w", err)
	}

	qrDataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(qrImage)

	return encrypted, nonce, key.Secret(), qrDataURL, nil
}

// EncryptSecret encrypts a TOTP secret using AES-256-GCM and returns
// (ciphertext, nonce).
func (tm *TOTPManager) EncryptSecret(secret []byte) ([]byte, []byte, error) {
	gcm, err := tm.gcm()
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, secret, nil), nonce, nil
}

// DecryptSecret decrypts an encrypted TOTP secret
func (tm *TOTPManager) DecryptSecret(encrypted, nonce []byte) ([]byte, error) {
	gcm, err := tm.gcm()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}

	return plaintext, nil
}

func (tm *TOTPManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(tm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// ValidateTOTP validates code against the base32 secret at now, allowing
// one time step of clock drift. A code accepted less than one full window
// after lastUsedAt is rejected with ErrTOTPReplay.
func (tm *TOTPManager) ValidateTOTP(secret []byte, code string, lastUsedAt *time.Time, now time.Time) (bool, error) {
	valid, err := totp.ValidateCustom(code, string(secret), now, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, fmt.Errorf("failed to validate TOTP: %w", err)
	}

	if !valid {
		return false, nil
	}

	if lastUsedAt != nil && now.Sub(*lastUsedAt) < replayWindow {
		return false, ErrTOTPReplay
	}

	return true, nil
}
