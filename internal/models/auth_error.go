package models

import (
	"net/http"
	"time"
)

// AuthErrorCode is the machine-readable code returned to clients on a
// rejected authentication or authorization decision.
type AuthErrorCode string

const (
	CodeMissingToken                  AuthErrorCode = "MISSING_TOKEN"
	CodeInvalidToken                  AuthErrorCode = "INVALID_TOKEN"
	CodeTokenExpired                  AuthErrorCode = "TOKEN_EXPIRED"
	CodeUserNotFound                  AuthErrorCode = "USER_NOT_FOUND"
	CodeAccountLocked                 AuthErrorCode = "ACCOUNT_LOCKED"
	CodeSessionInvalid                AuthErrorCode = "SESSION_INVALID"
	CodeRequire2FA                    AuthErrorCode = "REQUIRE_2FA"
	CodeRequireAdditionalVerification AuthErrorCode = "REQUIRE_ADDITIONAL_VERIFICATION"
	CodeRequirePasswordConfirmation   AuthErrorCode = "REQUIRE_PASSWORD_CONFIRMATION"
	CodeRateLimitExceeded             AuthErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeAuthServiceError              AuthErrorCode = "AUTH_SERVICE_ERROR"
)

// HTTPStatus maps a code to the status the HTTP layer responds with.
func (c AuthErrorCode) HTTPStatus() int {
	switch c {
	case CodeAccountLocked:
		return http.StatusLocked
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeAuthServiceError:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

// AuthError is a rejected decision plus the context a client needs to
// remediate it (lock details, available 2FA methods, risk details).
type AuthError struct {
	Code        AuthErrorCode
	Message     string
	LockReason  string
	LockedUntil *time.Time
	Methods     []string
	RiskLevel   RiskLevel
	Risks       []string
	ResetAt     *time.Time
	Err         error

	// AccountID is set once the token identified an account. Never serialized.
	AccountID string
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError builds an AuthError with the given code and message.
func NewAuthError(code AuthErrorCode, message string) *AuthError {
	return &AuthError{Code: code, Message: message}
}

// NewAuthServiceError wraps a dependency failure that prevented a decision.
func NewAuthServiceError(err error) *AuthError {
	return &AuthError{
		Code:    CodeAuthServiceError,
		Message: "authentication service unavailable",
		Err:     err,
	}
}
