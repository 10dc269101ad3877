package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/aegis/internal/handlers"
	"github.com/BradenHooton/aegis/internal/models"
	"github.com/BradenHooton/aegis/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminLockAccount(t *testing.T) {
	var gotAdmin, gotTarget, gotReason string
	mock := &handlers.MockAdminService{
		LockAccountFunc: func(ctx context.Context, admin *models.Account, targetID, reason, ipAddress, userAgent string) (*models.Lockout, error) {
			gotAdmin, gotTarget, gotReason = admin.ID, targetID, reason
			return &models.Lockout{ID: "lock-1", AccountID: targetID, Type: models.LockoutAdministrative, Reason: reason, IsActive: true}, nil
		},
	}
	handler := handlers.NewAdminHandler(mock, nil, nil)

	req := handlers.WithAdminContext(handlers.NewTestRequest(t, "POST", "/api/admin/accounts/acct-1/lock",
		handlers.AdminReasonRequest{Reason: "investigation"}), "admin-1")
	req = handlers.WithChiRouteContext(req, map[string]string{"id": "acct-1"})

	w := httptest.NewRecorder()
	handler.LockAccount(w, req)

	var lockout models.Lockout
	handlers.AssertJSONResponse(t, w, http.StatusOK, &lockout)
	assert.Equal(t, models.LockoutAdministrative, lockout.Type)
	assert.Equal(t, "admin-1", gotAdmin)
	assert.Equal(t, "acct-1", gotTarget)
	assert.Equal(t, "investigation", gotReason)
}

func TestAdminLockAccount_EmptyBody(t *testing.T) {
	mock := &handlers.MockAdminService{
		LockAccountFunc: func(ctx context.Context, admin *models.Account, targetID, reason, ipAddress, userAgent string) (*models.Lockout, error) {
			return &models.Lockout{AccountID: targetID, Reason: "locked by administrator"}, nil
		},
	}
	handler := handlers.NewAdminHandler(mock, nil, nil)

	req := handlers.WithAdminContext(httptest.NewRequest("POST", "/api/admin/accounts/acct-1/lock", nil), "admin-1")
	req = handlers.WithChiRouteContext(req, map[string]string{"id": "acct-1"})

	w := httptest.NewRecorder()
	handler.LockAccount(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminAccountActions_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"self lock", models.ErrBadRequest, http.StatusBadRequest, "bad_request"},
		{"unknown account", models.ErrNotFound, http.StatusNotFound, "not_found"},
		{"not an admin", models.ErrForbidden, http.StatusForbidden, "forbidden"},
		{"store failure", assert.AnError, http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &handlers.MockAdminService{
				UnlockAccountFunc: func(ctx context.Context, admin *models.Account, targetID, reason, ipAddress, userAgent string) (*models.Lockout, error) {
					return nil, tt.err
				},
			}
			handler := handlers.NewAdminHandler(mock, nil, nil)

			req := handlers.WithAdminContext(handlers.NewTestRequest(t, "POST", "/api/admin/accounts/acct-1/unlock",
				handlers.AdminReasonRequest{}), "admin-1")
			req = handlers.WithChiRouteContext(req, map[string]string{"id": "acct-1"})

			w := httptest.NewRecorder()
			handler.UnlockAccount(w, req)

			handlers.AssertErrorResponse(t, w, tt.wantStatus, tt.wantCode)
		})
	}
}

func TestAdminResetPassword(t *testing.T) {
	t.Run("requires new password", func(t *testing.T) {
		handler := handlers.NewAdminHandler(&handlers.MockAdminService{}, nil, nil)
		req := handlers.WithAdminContext(handlers.NewTestRequest(t, "POST", "/api/admin/accounts/acct-1/password-reset",
			handlers.AdminPasswordResetRequest{}), "admin-1")
		req = handlers.WithChiRouteContext(req, map[string]string{"id": "acct-1"})

		w := httptest.NewRecorder()
		handler.ResetPassword(w, req)

		handlers.AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")
	})

	t.Run("reports invalidated sessions", func(t *testing.T) {
		mock := &handlers.MockAdminService{
			ResetPasswordFunc: func(ctx context.Context, admin *models.Account, targetID, newPassword, ipAddress, userAgent string) (*services.ChangePasswordResult, error) {
				return &services.ChangePasswordResult{SessionsInvalidated: 3}, nil
			},
		}
		handler := handlers.NewAdminHandler(mock, nil, nil)
		req := handlers.WithAdminContext(handlers.NewTestRequest(t, "POST", "/api/admin/accounts/acct-1/password-reset",
			handlers.AdminPasswordResetRequest{NewPassword: "Reset-Value-77!"}), "admin-1")
		req = handlers.WithChiRouteContext(req, map[string]string{"id": "acct-1"})

		w := httptest.NewRecorder()
		handler.ResetPassword(w, req)

		var resp services.ChangePasswordResult
		handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
		assert.Equal(t, int64(3), resp.SessionsInvalidated)
	})
}

func TestAdminSecurityEvents_Filters(t *testing.T) {
	var got models.SecurityEventFilter
	mock := &handlers.MockAdminService{
		SecurityEventsFunc: func(ctx context.Context, filter models.SecurityEventFilter) ([]*models.SecurityEvent, error) {
			got = filter
			return []*models.SecurityEvent{{EventType: models.EventAccountLocked, Severity: models.SeverityHigh}}, nil
		},
	}
	handler := handlers.NewAdminHandler(mock, nil, nil)

	req := handlers.WithAdminContext(httptest.NewRequest("GET",
		"/api/admin/security-events?account_id=acct-1&event_type=account_locked&min_severity=high&since=2026-01-02T03:04:05Z&limit=10&offset=20", nil), "admin-1")

	w := httptest.NewRecorder()
	handler.SecurityEvents(w, req)

	var resp struct {
		Events []models.SecurityEvent `json:"events"`
	}
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	require.Len(t, resp.Events, 1)

	assert.Equal(t, "acct-1", got.AccountID)
	assert.Equal(t, models.EventAccountLocked, got.EventType)
	assert.Equal(t, models.SeverityHigh, got.MinSeverity)
	require.NotNil(t, got.Since)
	assert.True(t, got.Since.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.Equal(t, 10, got.Limit)
	assert.Equal(t, 20, got.Offset)
}

func TestAdminSecurityEvents_InvalidQuery(t *testing.T) {
	for _, query := range []string{"min_severity=extreme", "since=yesterday"} {
		t.Run(query, func(t *testing.T) {
			handler := handlers.NewAdminHandler(&handlers.MockAdminService{}, nil, nil)

			w := httptest.NewRecorder()
			handler.SecurityEvents(w, httptest.NewRequest("GET", "/api/admin/security-events?"+query, nil))

			handlers.AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")
		})
	}
}

func TestAdminSweepLockouts(t *testing.T) {
	mock := &handlers.MockAdminService{
		SweepLockoutsFunc: func(ctx context.Context) (int, error) { return 4, nil },
	}
	handler := handlers.NewAdminHandler(mock, nil, nil)

	w := httptest.NewRecorder()
	handler.SweepLockouts(w, httptest.NewRequest("POST", "/api/admin/lockouts/sweep", nil))

	var resp map[string]int
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, 4, resp["expired"])
}

func TestAdminGetSecurityActivity(t *testing.T) {
	t.Run("default limit", func(t *testing.T) {
		var gotLimit int
		mock := &handlers.MockAdminService{
			GetSecurityActivityFunc: func(ctx context.Context, limit int) (*services.SecurityActivityResponse, error) {
				gotLimit = limit
				return &services.SecurityActivityResponse{
					RecentLockouts: []services.ActivityEntry{{EventType: models.EventAccountLocked}},
				}, nil
			},
		}
		handler := handlers.NewAdminHandler(mock, nil, nil)

		w := httptest.NewRecorder()
		handler.GetSecurityActivity(w, httptest.NewRequest("GET", "/api/admin/dashboard/activity", nil))

		var resp services.SecurityActivityResponse
		handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
		assert.Equal(t, 20, gotLimit)
		assert.Len(t, resp.RecentLockouts, 1)
	})

	t.Run("service failure", func(t *testing.T) {
		mock := &handlers.MockAdminService{
			GetSecurityActivityFunc: func(ctx context.Context, limit int) (*services.SecurityActivityResponse, error) {
				return nil, assert.AnError
			},
		}
		handler := handlers.NewAdminHandler(mock, nil, nil)

		w := httptest.NewRecorder()
		handler.GetSecurityActivity(w, httptest.NewRequest("GET", "/api/admin/dashboard/activity?limit=5", nil))

		handlers.AssertErrorResponse(t, w, http.StatusInternalServerError, "internal_error")
	})
}
