package auth

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/aegis/internal/models"
	pkghttp "github.com/BradenHooton/aegis/pkg/http"
)

// AuthErrorResponse is the JSON body for a rejected authorization decision.
type AuthErrorResponse struct {
	Error       string     `json:"error"`
	Message     string     `json:"message"`
	LockReason  string     `json:"lock_reason,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	Methods     []string   `json:"methods,omitempty"`
	RiskLevel   string     `json:"risk_level,omitempty"`
	Risks       []string   `json:"risks,omitempty"`
	ResetAt     *time.Time `json:"reset_at,omitempty"`
}

// WriteAuthError writes err as an AuthErrorResponse. Errors that are not
// *models.AuthError are reported as AUTH_SERVICE_ERROR.
func WriteAuthError(w http.ResponseWriter, err error) {
	var authErr *models.AuthError
	if !errors.As(err, &authErr) {
		authErr = models.NewAuthServiceError(err)
	}

	resp := AuthErrorResponse{
		Error:       string(authErr.Code),
		Message:     authErr.Message,
		LockReason:  authErr.LockReason,
		LockedUntil: authErr.LockedUntil,
		Methods:     authErr.Methods,
		RiskLevel:   string(authErr.RiskLevel),
		Risks:       authErr.Risks,
		ResetAt:     authErr.ResetAt,
	}

	if authErr.Code == models.CodeAccountLocked && authErr.LockedUntil != nil {
		if secs := int(time.Until(*authErr.LockedUntil).Seconds()); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	if authErr.Code == models.CodeRateLimitExceeded && authErr.ResetAt != nil {
		if secs := int(time.Until(*authErr.ResetAt).Seconds()); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	if authErr.Code.HTTPStatus() == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="`+string(authErr.Code)+`"`)
	}

	pkghttp.WriteJSON(w, authErr.Code.HTTPStatus(), resp)
}
