package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/aegis/internal/auth"
	"github.com/BradenHooton/aegis/internal/models"
	"github.com/BradenHooton/aegis/internal/services"
	pkghttp "github.com/BradenHooton/aegis/pkg/http"
	"github.com/go-chi/chi/v5"
)

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Register(ctx context.Context, req services.RegisterRequest) (*services.RegisterResult, error)
	Login(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error)
	Refresh(ctx context.Context, req services.RefreshRequest) (*services.LoginResult, error)
	SelfUnlock(ctx context.Context, req services.SelfUnlockRequest) (*models.Lockout, error)
	Logout(ctx context.Context, session *models.Session, ipAddress, userAgent string) error
	ConfirmPassword(ctx context.Context, account *models.Account, session *models.Session, password, ipAddress, userAgent string) error
	SetDeviceTrust(ctx context.Context, accountID, deviceID string, trusted bool, ipAddress, userAgent string) (*models.Device, error)
	ListDevices(ctx context.Context, accountID string) ([]*models.Device, error)
}

// PasswordServiceInterface changes passwords under the password policy
type PasswordServiceInterface interface {
	ChangePassword(ctx context.Context, req services.ChangePasswordRequest) (*services.ChangePasswordResult, error)
}

// QuotaReporter reports the effective request quota for a risk assessment
type QuotaReporter interface {
	Quota(risk *models.RiskAssessment) int
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service   AuthServiceInterface
	passwords PasswordServiceInterface
	quota     QuotaReporter
	ipConfig  *pkghttp.IPConfig
	logger    *slog.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthServiceInterface, passwords PasswordServiceInterface, quota QuotaReporter, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		service:   service,
		passwords: passwords,
		quota:     quota,
		ipConfig:  ipConfig,
		logger:    logger,
	}
}

// Request DTOs

// LoginRequest represents the request body for login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=128"`
}

// RegisterRequest represents the request body for registration
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

// RefreshRequest carries the refresh token issued at login or by the last refresh
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,max=2048"`
}

// SelfUnlockRequest proves the password and a TOTP code for a locked account
type SelfUnlockRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=128"`
	Code     string `json:"code" validate:"required,len=6,numeric"`
}

// SelfUnlockResponse reports the lockout that was lifted
type SelfUnlockResponse struct {
	Unlocked    bool               `json:"unlocked"`
	LockoutType models.LockoutType `json:"lockout_type"`
}

// ConfirmPasswordRequest represents the request body for password confirmation
type ConfirmPasswordRequest struct {
	Password string `json:"password" validate:"required,max=128"`
}

// ChangePasswordRequest represents the request body for a password change
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=128"`
	NewPassword     string `json:"new_password" validate:"required,max=128"`
}

// DeviceTrustRequest represents the request body for a device trust change
type DeviceTrustRequest struct {
	Trusted *bool `json:"trusted" validate:"required"`
}

// SessionResponse describes the caller's validated session
type SessionResponse struct {
	Account   *models.Account        `json:"account"`
	Session   *models.Session        `json:"session"`
	Risk      *models.RiskAssessment `json:"risk"`
	RateLimit int                    `json:"rate_limit"`
}

// Register handles account registration
// @Summary Account registration
// @Accept json
// @Param request body RegisterRequest true "Register request"
// @Produce json
// @Success 201 {object} services.RegisterResult
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /auth/register [post]
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeRequest(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	client := pkghttp.ExtractClientInfo(r, h.ipConfig)
	result, err := h.service.Register(r.Context(), services.RegisterRequest{
		Email:     req.Email,
		Password:  req.Password,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, result)
}

// Login handles password login
// @Summary Password login
// @Accept json
// @Param request body LoginRequest true "Login request"
// @Produce json
// @Success 200 {object} services.LoginResult
// @Failure 401 {object} ErrorResponse
// @Failure 423 {object} auth.AuthErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeRequest(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	client := pkghttp.ExtractClientInfo(r, h.ipConfig)
	result, err := h.service.Login(r.Context(), services.LoginRequest{
		Email:     req.Email,
		Password:  req.Password,
		DeviceID:  client.DeviceID,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// Refresh exchanges a refresh token for a new token pair on the same session
// @Summary Refresh tokens
// @Accept json
// @Param request body RefreshRequest true "Refresh token"
// @Produce json
// @Success 200 {object} services.LoginResult
// @Failure 401 {object} auth.AuthErrorResponse
// @Failure 423 {object} auth.AuthErrorResponse
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeRequest(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	client := pkghttp.ExtractClientInfo(r, h.ipConfig)
	result, err := h.service.Refresh(r.Context(), services.RefreshRequest{
		RefreshToken: req.RefreshToken,
		DeviceID:     client.DeviceID,
		IPAddress:    client.IPAddress,
		UserAgent:    client.UserAgent,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// SelfUnlock lifts the caller's own automatic lockout
// @Summary Self-service unlock
// @Accept json
// @Param request body SelfUnlockRequest true "Credentials and TOTP code"
// @Produce json
// @Success 200 {object} SelfUnlockResponse
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /auth/unlock [post]
func (h *AuthHandler) SelfUnlock(w http.ResponseWriter, r *http.Request) {
	var req SelfUnlockRequest
	if err := decodeRequest(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	client := pkghttp.ExtractClientInfo(r, h.ipConfig)
	ended, err := h.service.SelfUnlock(r.Context(), services.SelfUnlockRequest{
		Email:     req.Email,
		Password:  req.Password,
		Code:      req.Code,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	})
	switch {
	case errors.Is(err, models.ErrForbidden):
		pkghttp.WriteError(w, http.StatusForbidden, "administrative_lockout", "This lockout can only be lifted by an administrator")
		return
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteError(w, http.StatusConflict, "not_locked", "Account is not locked")
		return
	case err != nil:
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, SelfUnlockResponse{Unlocked: true, LockoutType: ended.Type})
}

// Logout invalidates the current session
// @Summary Logout
// @Security BearerAuth
// @Success 204
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.GetAuthContext(r)
	if authCtx == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	client := pkghttp.ExtractClientInfo(r, h.ipConfig)
	if err := h.service.Logout(r.Context(), authCtx.Session, client.IPAddress, client.UserAgent); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Session returns the validated AuthContext and the effective rate limit
// @Summary Current session
// @Security BearerAuth
// @Produce json
// @Success 200 {object} SessionResponse
// @Router /auth/session [get]
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.GetAuthContext(r)
	if authCtx == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	resp := SessionResponse{
		Account: authCtx.Account,
		Session: authCtx.Session,
		Risk:    authCtx.Risk,
	}
	if h.quota != nil {
		resp.RateLimit = h.quota.Quota(authCtx.Risk)
	}

	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// ConfirmPassword re-enters the password to satisfy the freshness tier
// @Summary Confirm password
// @Security BearerAuth
// @Accept json
// @Param request body ConfirmPasswordRequest true "Password"
// @Success 204
// @Router /auth/password/confirm [post]
func (h *AuthHandler) ConfirmPassword(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.GetAuthContext(r)
	if authCtx == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req ConfirmPasswordRequest
	if err := decodeRequest(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	client := pkghttp.ExtractClientInfo(r, h.ipConfig)
	if err := h.service.ConfirmPassword(r.Context(), authCtx.Account, authCtx.Session, req.Password, client.IPAddress, client.UserAgent); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ChangePassword changes the caller's password and closes every session
// @Summary Change password
// @Security BearerAuth
// @Accept json
// @Param request body ChangePasswordRequest true "Passwords"
// @Produce json
// @Success 200 {object} services.ChangePasswordResult
// @Router /auth/password/change [post]
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.GetAuthContext(r)
	if authCtx == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req ChangePasswordRequest
	if err := decodeRequest(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	client := pkghttp.ExtractClientInfo(r, h.ipConfig)
	result, err := h.passwords.ChangePassword(r.Context(), services.ChangePasswordRequest{
		AccountID:       authCtx.Account.ID,
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
		IPAddress:       client.IPAddress,
		UserAgent:       client.UserAgent,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// ListDevices returns the caller's known devices
func (h *AuthHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.GetAuthContext(r)
	if authCtx == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	devices, err := h.service.ListDevices(r.Context(), authCtx.Account.ID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// SetDeviceTrust marks one of the caller's devices trusted or untrusted
// @Summary Set device trust
// @Security BearerAuth
// @Accept json
// @Param deviceID path string true "Device ID"
// @Param request body DeviceTrustRequest true "Trust flag"
// @Produce json
// @Success 200 {object} models.Device
// @Router /auth/devices/{deviceID}/trust [put]
func (h *AuthHandler) SetDeviceTrust(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.GetAuthContext(r)
	if authCtx == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	deviceID := chi.URLParam(r, "deviceID")
	if deviceID == "" {
		pkghttp.WriteBadRequest(w, "device id is required")
		return
	}

	var req DeviceTrustRequest
	if err := decodeRequest(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	client := pkghttp.ExtractClientInfo(r, h.ipConfig)
	device, err := h.service.SetDeviceTrust(r.Context(), authCtx.Account.ID, deviceID, *req.Trusted, client.IPAddress, client.UserAgent)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, device)
}
