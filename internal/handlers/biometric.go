package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/aegis/internal/auth"
	"github.com/BradenHooton/aegis/internal/models"
	"github.com/BradenHooton/aegis/internal/services"
	pkghttp "github.com/BradenHooton/aegis/pkg/http"
	"github.com/go-chi/chi/v5"
)

// BiometricServiceInterface defines biometric enrollment and challenges
type BiometricServiceInterface interface {
	Register(ctx context.Context, req services.RegisterBiometricRequest) (*services.BiometricRegistration, error)
	IssueChallenge(ctx context.Context, accountID, deviceID string) (*models.BiometricChallenge, error)
	Disable(ctx context.Context, accountID, deviceID string, biometricType models.BiometricType, ipAddress, userAgent string) error
	List(ctx context.Context, accountID string) ([]*models.BiometricCredential, error)
}

// BiometricLoginService opens a session from a biometric proof, or
// completes a pending session's second factor with one
type BiometricLoginService interface {
	BiometricLogin(ctx context.Context, req services.VerifyBiometricRequest) (*services.LoginResult, error)
	VerifyBiometricFactor(ctx context.Context, account *models.Account, session *models.Session, req services.BiometricFactorRequest) error
}

// BiometricHandler handles biometric registration and verification
type BiometricHandler struct {
	service  BiometricServiceInterface
	login    BiometricLoginService
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

func NewBiometricHandler(service BiometricServiceInterface, login BiometricLoginService, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *BiometricHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BiometricHandler{
		service:  service,
		login:    login,
		ipConfig: ipConfig,
		logger:   logger,
	}
}

// RegisterBiometricRequest enrolls a modality on the calling device.
// Template is required for face and voice and is base64 in JSON.
type RegisterBiometricRequest struct {
	Type     string `json:"biometric_type" validate:"required,biometric_type"`
	Template []byte `json:"template" validate:"omitempty,max=65536"`
}

// BiometricChallengeRequest asks for a nonce for one account and device
type BiometricChallengeRequest struct {
	AccountID string `json:"account_id" validate:"required,max=64"`
	DeviceID  string `json:"device_id" validate:"required,max=128"`
}

// BiometricVerifyRequest is one verification attempt
type BiometricVerifyRequest struct {
	AccountID string `json:"account_id" validate:"required,max=64"`
	DeviceID  string `json:"device_id" validate:"required,max=128"`
	Type      string `json:"biometric_type" validate:"required,biometric_type"`
	Response  string `json:"response" validate:"omitempty,max=512"`
	Template  []byte `json:"template" validate:"omitempty,max=65536"`
}

// BiometricFactorRequest answers a challenge for the session's own device
type BiometricFactorRequest struct {
	Type     string `json:"biometric_type" validate:"required,biometric_type"`
	Response string `json:"response" validate:"omitempty,max=512"`
	Template []byte `json:"template" validate:"omitempty,max=65536"`
}

// Register enrolls a biometric on the device named in X-Device-ID
// @Summary Register biometric
// @Security BearerAuth
// @Accept json
// @Param request body RegisterBiometricRequest true "Biometric"
// @Produce json
// @Success 201 {object} services.BiometricRegistration
// @Router /auth/biometric/register [post]
func (h *BiometricHandler) Register(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.GetAuthContext(r)
	if authCtx == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req RegisterBiometricRequest
	if err := decodeRequest(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	client := pkghttp.ExtractClientInfo(r, h.ipConfig)
	registration, err := h.service.Register(r.Context(), services.RegisterBiometricRequest{
		AccountID: authCtx.Account.ID,
		DeviceID:  authCtx.Session.DeviceID,
		Type:      models.BiometricType(req.Type),
		Template:  req.Template,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, registration)
}

// Challenge issues a fresh nonce, replacing any unconsumed one
// @Summary Issue biometric challenge
// @Accept json
// @Param request body BiometricChallengeRequest true "Account and device"
// @Produce json
// @Success 200 {object} models.BiometricChallenge
// @Router /auth/biometric/challenge [post]
func (h *BiometricHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	var req BiometricChallengeRequest
	if err := decodeRequest(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	challenge, err := h.service.IssueChallenge(r.Context(), req.AccountID, req.DeviceID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, challenge)
}

// Verify checks a biometric proof and opens a session
// @Summary Biometric login
// @Accept json
// @Param request body BiometricVerifyRequest true "Proof"
// @Produce json
// @Success 200 {object} services.LoginResult
// @Failure 401 {object} BiometricErrorResponse
// @Failure 423 {object} BiometricErrorResponse
// @Router /auth/biometric/verify [post]
func (h *BiometricHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req BiometricVerifyRequest
	if err := decodeRequest(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	client := pkghttp.ExtractClientInfo(r, h.ipConfig)
	result, err := h.login.BiometricLogin(r.Context(), services.VerifyBiometricRequest{
		AccountID: req.AccountID,
		DeviceID:  req.DeviceID,
		Type:      models.BiometricType(req.Type),
		Response:  req.Response,
		Template:  req.Template,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	})
	if err != nil {
		writeBiometricLoginError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// VerifySecondFactor completes a pending session with a biometric proof
// @Summary Verify biometric second factor
// @Security BearerAuth
// @Accept json
// @Param request body BiometricFactorRequest true "Proof"
// @Success 204
// @Failure 401 {object} BiometricErrorResponse
// @Failure 423 {object} BiometricErrorResponse
// @Router /auth/2fa/biometric [post]
func (h *BiometricHandler) VerifySecondFactor(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.GetAuthContext(r)
	if authCtx == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req BiometricFactorRequest
	if err := decodeRequest(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	client := pkghttp.ExtractClientInfo(r, h.ipConfig)
	err := h.login.VerifyBiometricFactor(r.Context(), authCtx.Account, authCtx.Session, services.BiometricFactorRequest{
		Type:      models.BiometricType(req.Type),
		Response:  req.Response,
		Template:  req.Template,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// List returns the caller's biometric credentials
func (h *BiometricHandler) List(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.GetAuthContext(r)
	if authCtx == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	creds, err := h.service.List(r.Context(), authCtx.Account.ID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{"credentials": creds})
}

// Disable turns off one credential
// @Summary Disable biometric
// @Security BearerAuth
// @Param deviceID path string true "Device ID"
// @Param type path string true "Biometric type"
// @Success 204
// @Router /auth/biometric/{deviceID}/{type} [delete]
func (h *BiometricHandler) Disable(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.GetAuthContext(r)
	if authCtx == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	biometricType := models.BiometricType(chi.URLParam(r, "type"))
	if !biometricType.Valid() {
		pkghttp.WriteBadRequest(w, "invalid biometric type")
		return
	}

	client := pkghttp.ExtractClientInfo(r, h.ipConfig)
	err := h.service.Disable(r.Context(), authCtx.Account.ID, chi.URLParam(r, "deviceID"), biometricType, client.IPAddress, client.UserAgent)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
