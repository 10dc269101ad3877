package models

import (
	"time"
)

// Two-factor method names returned to clients
const (
	TwoFactorMethodTOTP      = "totp"
	TwoFactorMethodBiometric = "biometric"
)

// TOTPEnrollment is the TOTP secret registered for an account.
type TOTPEnrollment struct {
	AccountID           string
	TOTPSecretEncrypted []byte // AES-256-GCM encrypted TOTP secret
	TOTPSecretNonce     []byte // GCM nonce (12 bytes)
	LastUsedAt          *time.Time
	CreatedAt           time.Time
	VerifiedAt          *time.Time // When first TOTP code verified
}

// IsVerified checks if the enrollment has been confirmed with a code
func (e *TOTPEnrollment) IsVerified() bool {
	return e.VerifiedAt != nil
}

// TOTPSetupResponse contains setup information for TOTP enrollment
type TOTPSetupResponse struct {
	Secret string `json:"secret"`
	QRCode string `json:"qr_code"` // Data URL for QR code
}
