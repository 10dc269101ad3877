package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/aegis/internal/auth"
	"github.com/BradenHooton/aegis/internal/models"
	pkghttp "github.com/BradenHooton/aegis/pkg/http"
)

// TwoFactorServiceInterface defines TOTP enrollment and verification
type TwoFactorServiceInterface interface {
	BeginEnrollment(ctx context.Context, account *models.Account) (*models.TOTPSetupResponse, error)
	ConfirmEnrollment(ctx context.Context, account *models.Account, session *models.Session, code string) error
	VerifySession(ctx context.Context, account *models.Account, session *models.Session, code string) error
}

// TwoFactorHandler handles TOTP second-factor requests
type TwoFactorHandler struct {
	service TwoFactorServiceInterface
	logger  *slog.Logger
}

func NewTwoFactorHandler(service TwoFactorServiceInterface, logger *slog.Logger) *TwoFactorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TwoFactorHandler{service: service, logger: logger}
}

// TOTPCodeRequest carries a six-digit TOTP code
type TOTPCodeRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// Enroll starts TOTP enrollment and returns the secret and QR code
// @Summary Begin TOTP enrollment
// @Security BearerAuth
// @Produce json
// @Success 200 {object} models.TOTPSetupResponse
// @Failure 409 {object} ErrorResponse
// @Router /auth/2fa/totp/enroll [post]
func (h *TwoFactorHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.GetAuthContext(r)
	if authCtx == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	setup, err := h.service.BeginEnrollment(r.Context(), authCtx.Account)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, setup)
}

// ConfirmEnrollment verifies the first code and enables two-factor
// @Summary Confirm TOTP enrollment
// @Security BearerAuth
// @Accept json
// @Param request body TOTPCodeRequest true "TOTP code"
// @Success 204
// @Router /auth/2fa/totp/confirm [post]
func (h *TwoFactorHandler) ConfirmEnrollment(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.GetAuthContext(r)
	if authCtx == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req TOTPCodeRequest
	if err := decodeRequest(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.ConfirmEnrollment(r.Context(), authCtx.Account, authCtx.Session, req.Code); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Verify records second-factor proof on the current session
// @Summary Verify TOTP code
// @Security BearerAuth
// @Accept json
// @Param request body TOTPCodeRequest true "TOTP code"
// @Success 204
// @Failure 401 {object} ErrorResponse
// @Failure 423 {object} auth.AuthErrorResponse
// @Router /auth/2fa/verify [post]
func (h *TwoFactorHandler) Verify(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.GetAuthContext(r)
	if authCtx == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req TOTPCodeRequest
	if err := decodeRequest(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.VerifySession(r.Context(), authCtx.Account, authCtx.Session, req.Code); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
