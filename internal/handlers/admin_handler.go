package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/aegis/internal/auth"
	"github.com/BradenHooton/aegis/internal/models"
	"github.com/BradenHooton/aegis/internal/services"
	pkghttp "github.com/BradenHooton/aegis/pkg/http"
	"github.com/go-chi/chi/v5"
)

// AdminServiceInterface defines the administrator operations.
type AdminServiceInterface interface {
	LockAccount(ctx context.Context, admin *models.Account, targetID, reason, ipAddress, userAgent string) (*models.Lockout, error)
	UnlockAccount(ctx context.Context, admin *models.Account, targetID, reason, ipAddress, userAgent string) (*models.Lockout, error)
	ResetPassword(ctx context.Context, admin *models.Account, targetID, newPassword, ipAddress, userAgent string) (*services.ChangePasswordResult, error)
	LockoutHistory(ctx context.Context, targetID string, limit int) ([]*models.Lockout, error)
	SecurityEvents(ctx context.Context, filter models.SecurityEventFilter) ([]*models.SecurityEvent, error)
	SweepLockouts(ctx context.Context) (int, error)
	GetSecurityActivity(ctx context.Context, limit int) (*services.SecurityActivityResponse, error)
}

// AdminHandler handles administrator HTTP requests.
type AdminHandler struct {
	service  AdminServiceInterface
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(service AdminServiceInterface, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{service: service, ipConfig: ipConfig, logger: logger}
}

// AdminReasonRequest carries an optional reason for a lock or unlock.
type AdminReasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// AdminPasswordResetRequest carries the new password for a forced reset.
type AdminPasswordResetRequest struct {
	NewPassword string `json:"new_password" validate:"required,max=128"`
}

// LockAccount handles POST /admin/accounts/{id}/lock
func (h *AdminHandler) LockAccount(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.admin(w, r)
	if !ok {
		return
	}

	var req AdminReasonRequest
	if err := decodeRequest(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	client := pkghttp.ExtractClientInfo(r, h.ipConfig)
	lockout, err := h.service.LockAccount(r.Context(), admin, chi.URLParam(r, "id"), req.Reason, client.IPAddress, client.UserAgent)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, lockout)
}

// UnlockAccount handles POST /admin/accounts/{id}/unlock
func (h *AdminHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.admin(w, r)
	if !ok {
		return
	}

	var req AdminReasonRequest
	if err := decodeRequest(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	client := pkghttp.ExtractClientInfo(r, h.ipConfig)
	lockout, err := h.service.UnlockAccount(r.Context(), admin, chi.URLParam(r, "id"), req.Reason, client.IPAddress, client.UserAgent)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, lockout)
}

// ResetPassword handles POST /admin/accounts/{id}/password-reset
func (h *AdminHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.admin(w, r)
	if !ok {
		return
	}

	var req AdminPasswordResetRequest
	if err := decodeRequest(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	client := pkghttp.ExtractClientInfo(r, h.ipConfig)
	result, err := h.service.ResetPassword(r.Context(), admin, chi.URLParam(r, "id"), req.NewPassword, client.IPAddress, client.UserAgent)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// LockoutHistory handles GET /admin/accounts/{id}/lockouts
func (h *AdminHandler) LockoutHistory(w http.ResponseWriter, r *http.Request) {
	lockouts, err := h.service.LockoutHistory(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 20))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{"lockouts": lockouts})
}

// SecurityEvents handles GET /admin/security-events
// Accepts account_id, event_type, min_severity, since (RFC 3339), limit and offset.
func (h *AdminHandler) SecurityEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.SecurityEventFilter{
		AccountID: q.Get("account_id"),
		EventType: q.Get("event_type"),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	}

	if s := q.Get("min_severity"); s != "" {
		severity := models.Severity(s)
		if !severity.Valid() {
			pkghttp.WriteBadRequest(w, "invalid min_severity")
			return
		}
		filter.MinSeverity = severity
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			pkghttp.WriteBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &since
	}

	events, err := h.service.SecurityEvents(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

// SweepLockouts handles POST /admin/lockouts/sweep
func (h *AdminHandler) SweepLockouts(w http.ResponseWriter, r *http.Request) {
	expired, err := h.service.SweepLockouts(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]int{"expired": expired})
}

// GetSecurityActivity handles GET /admin/dashboard/activity
// Accepts optional query param ?limit=N (1–20, default 20).
func (h *AdminHandler) GetSecurityActivity(w http.ResponseWriter, r *http.Request) {
	activity, err := h.service.GetSecurityActivity(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to retrieve recent activity")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, activity)
}

func (h *AdminHandler) admin(w http.ResponseWriter, r *http.Request) (*models.Account, bool) {
	authCtx := auth.GetAuthContext(r)
	if authCtx == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return nil, false
	}
	return authCtx.Account, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
