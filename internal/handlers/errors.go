package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/aegis/internal/auth"
	"github.com/BradenHooton/aegis/internal/models"
	pkgauth "github.com/BradenHooton/aegis/pkg/auth"
	pkghttp "github.com/BradenHooton/aegis/pkg/http"
)

// BiometricErrorResponse is the JSON body for a failed biometric operation.
type BiometricErrorResponse struct {
	Error             string     `json:"error"`
	Message           string     `json:"message"`
	RemainingAttempts *int       `json:"remaining_attempts,omitempty"`
	UnlockAt          *time.Time `json:"unlock_at,omitempty"`
}

// PasswordErrorResponse lists the strength rules a password failed.
type PasswordErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Rules   []string `json:"rules"`
}

func biometricStatus(kind models.BiometricErrorKind) int {
	switch kind {
	case models.BiometricNotRegistered:
		return http.StatusNotFound
	case models.BiometricLocked:
		return http.StatusLocked
	case models.BiometricVerificationFailed, models.BiometricChallengeExpired:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeBiometricLoginError answers a failed public biometric login. Unknown
// accounts and unregistered credentials get the same 401 as a wrong
// response, so the route does not reveal which account/device pairs exist.
func writeBiometricLoginError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var bioErr *models.BiometricError
	if errors.Is(err, models.ErrInvalidCredentials) || (errors.As(err, &bioErr) && bioErr.Kind == models.BiometricNotRegistered) {
		pkghttp.WriteJSON(w, http.StatusUnauthorized, BiometricErrorResponse{
			Error:   string(models.BiometricVerificationFailed),
			Message: "biometric verification failed",
		})
		return
	}
	writeServiceError(w, r, logger, err)
}

// writeServiceError maps a service error to its HTTP response. Unknown
// errors are logged and reported as 500 without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var authErr *models.AuthError
	if errors.As(err, &authErr) {
		if authErr.Code == models.CodeAuthServiceError {
			logger.ErrorContext(r.Context(), "auth service error", slog.Any("error", err))
		}
		auth.WriteAuthError(w, authErr)
		return
	}

	var bioErr *models.BiometricError
	if errors.As(err, &bioErr) {
		resp := BiometricErrorResponse{
			Error:    string(bioErr.Kind),
			Message:  bioErr.Error(),
			UnlockAt: bioErr.UnlockAt,
		}
		switch bioErr.Kind {
		case models.BiometricVerificationFailed:
			remaining := bioErr.RemainingAttempts
			resp.RemainingAttempts = &remaining
		case models.BiometricServiceError:
			logger.ErrorContext(r.Context(), "biometric service error", slog.Any("error", err))
			resp.Message = "biometric service unavailable"
		}
		pkghttp.WriteJSON(w, biometricStatus(bioErr.Kind), resp)
		return
	}

	var pwErr *pkgauth.PasswordValidationError
	if errors.As(err, &pwErr) {
		pkghttp.WriteJSON(w, http.StatusBadRequest, PasswordErrorResponse{
			Error:   "weak_password",
			Message: "password does not meet strength requirements",
			Rules:   pwErr.Errors,
		})
		return
	}

	switch {
	case errors.Is(err, models.ErrInvalidCredentials):
		pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid email or password")
	case errors.Is(err, models.ErrInvalidCurrentPassword):
		pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_current_password", "Current password is incorrect")
	case errors.Is(err, models.ErrPasswordReused):
		pkghttp.WriteError(w, http.StatusBadRequest, "password_reused", "Password was used recently")
	case errors.Is(err, models.ErrInvalidTOTPCode):
		pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_totp_code", "Invalid verification code")
	case errors.Is(err, models.ErrTOTPNotEnrolled):
		pkghttp.WriteError(w, http.StatusBadRequest, "totp_not_enrolled", "Two-factor authentication is not enrolled")
	case errors.Is(err, models.ErrTOTPAlreadyEnrolled):
		pkghttp.WriteConflict(w, "Two-factor authentication is already enrolled")
	case errors.Is(err, models.ErrDeviceNotOwned):
		pkghttp.WriteNotFound(w, "Device not found")
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "Resource not found")
	case errors.Is(err, models.ErrConflict):
		pkghttp.WriteConflict(w, "Resource already exists")
	case errors.Is(err, models.ErrForbidden):
		pkghttp.WriteForbidden(w, "Insufficient permissions")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, err.Error())
	default:
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
