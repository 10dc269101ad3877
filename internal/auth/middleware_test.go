package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/aegis/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockValidator struct {
	ValidateFunc func(ctx context.Context, req models.ValidationRequest) (*models.AuthContext, error)
}

func (m *mockValidator) Validate(ctx context.Context, req models.ValidationRequest) (*models.AuthContext, error) {
	return m.ValidateFunc(ctx, req)
}

type mockGate struct {
	err error
}

func (m *mockGate) CheckHighSecurity(ctx context.Context, account *models.Account, session *models.Session, risk *models.RiskAssessment) error {
	return m.err
}

type mockLocker struct {
	calls int
}

func (m *mockLocker) LockForRisk(ctx context.Context, accountID string, risk *models.RiskAssessment) (*models.Lockout, error) {
	m.calls++
	expires := time.Now().Add(24 * time.Hour)
	return &models.Lockout{AccountID: accountID, Type: models.LockoutSuspiciousActivity, Reason: "critical risk", ExpiresAt: &expires, IsActive: true}, nil
}

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func decodeAuthError(t *testing.T, rec *httptest.ResponseRecorder) AuthErrorResponse {
	t.Helper()
	var resp AuthErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func lowRiskContext() *models.AuthContext {
	return &models.AuthContext{
		Account: &models.Account{ID: "acct-1", Role: models.RoleUser},
		Session: &models.Session{ID: "sess-1", AccountID: "acct-1"},
		Risk:    &models.RiskAssessment{Level: models.RiskLow},
	}
}

func TestAuthenticate_PassesTokenAndSignals(t *testing.T) {
	var got models.ValidationRequest
	v := &mockValidator{ValidateFunc: func(ctx context.Context, req models.ValidationRequest) (*models.AuthContext, error) {
		got = req
		return lowRiskContext(), nil
	}}

	var called bool
	var ctxSeen *models.AuthContext
	handler := Authenticate(v, MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		ctxSeen = GetAuthContext(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	req.Header.Set("Authorization", "Bearer abc.def.ghi")
	req.Header.Set("X-Device-ID", "dev-1")
	req.Header.Set("User-Agent", "test-agent")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.True(t, called)
	require.NotNil(t, ctxSeen)
	assert.Equal(t, "acct-1", ctxSeen.Account.ID)
	assert.Equal(t, "abc.def.ghi", got.Token)
	assert.Equal(t, "203.0.113.9", got.IPAddress)
	assert.Equal(t, "dev-1", got.DeviceID)
	assert.Equal(t, "test-agent", got.UserAgent)
}

func TestAuthenticate_RejectionWritesCodeAndStatus(t *testing.T) {
	until := time.Now().Add(30 * time.Minute)
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"missing token", models.NewAuthError(models.CodeMissingToken, "missing"), http.StatusUnauthorized, "MISSING_TOKEN"},
		{"locked", &models.AuthError{Code: models.CodeAccountLocked, Message: "locked", LockReason: "too many attempts", LockedUntil: &until}, http.StatusLocked, "ACCOUNT_LOCKED"},
		{"require 2fa", &models.AuthError{Code: models.CodeRequire2FA, Message: "2fa", Methods: []string{"totp"}}, http.StatusUnauthorized, "REQUIRE_2FA"},
		{"service error", models.NewAuthServiceError(errors.New("db down")), http.StatusInternalServerError, "AUTH_SERVICE_ERROR"},
		{"untyped error", errors.New("boom"), http.StatusInternalServerError, "AUTH_SERVICE_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &mockValidator{ValidateFunc: func(ctx context.Context, req models.ValidationRequest) (*models.AuthContext, error) {
				return nil, tt.err
			}}

			var called bool
			handler := Authenticate(v, MiddlewareConfig{})(okHandler(&called))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.False(t, called)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeAuthError(t, rec).Error)
		})
	}
}

func TestAuthenticate_LockedIncludesRemediation(t *testing.T) {
	until := time.Now().Add(30 * time.Minute)
	v := &mockValidator{ValidateFunc: func(ctx context.Context, req models.ValidationRequest) (*models.AuthContext, error) {
		return nil, &models.AuthError{Code: models.CodeAccountLocked, Message: "locked", LockReason: "too many attempts", LockedUntil: &until}
	}}

	var called bool
	rec := httptest.NewRecorder()
	Authenticate(v, MiddlewareConfig{})(okHandler(&called)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	resp := decodeAuthError(t, rec)
	assert.Equal(t, "too many attempts", resp.LockReason)
	require.NotNil(t, resp.LockedUntil)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestAuthenticate_CriticalRiskLocksWhenConfigured(t *testing.T) {
	v := &mockValidator{ValidateFunc: func(ctx context.Context, req models.ValidationRequest) (*models.AuthContext, error) {
		return nil, &models.AuthError{
			Code:      models.CodeRequireAdditionalVerification,
			AccountID: "acct-1",
			RiskLevel: models.RiskCritical,
			Risks:     []string{models.RiskFactorAttackVelocity},
		}
	}}

	locker := &mockLocker{}
	var called bool
	rec := httptest.NewRecorder()
	Authenticate(v, MiddlewareConfig{RiskLocker: locker})(okHandler(&called)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, 1, locker.calls)
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "ACCOUNT_LOCKED", decodeAuthError(t, rec).Error)
}

func TestAuthenticate_CriticalRiskWithoutLocker(t *testing.T) {
	v := &mockValidator{ValidateFunc: func(ctx context.Context, req models.ValidationRequest) (*models.AuthContext, error) {
		return nil, &models.AuthError{
			Code:      models.CodeRequireAdditionalVerification,
			AccountID: "acct-1",
			RiskLevel: models.RiskCritical,
		}
	}}

	var called bool
	rec := httptest.NewRecorder()
	Authenticate(v, MiddlewareConfig{})(okHandler(&called)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "REQUIRE_ADDITIONAL_VERIFICATION", decodeAuthError(t, rec).Error)
}

func TestRequireHighSecurity(t *testing.T) {
	t.Run("gate rejects", func(t *testing.T) {
		var called bool
		handler := RequireHighSecurity(&mockGate{err: models.NewAuthError(models.CodeRequirePasswordConfirmation, "confirm")})(okHandler(&called))

		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(WithAuthContext(req.Context(), lowRiskContext()))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.False(t, called)
		assert.Equal(t, "REQUIRE_PASSWORD_CONFIRMATION", decodeAuthError(t, rec).Error)
	})

	t.Run("gate allows", func(t *testing.T) {
		var called bool
		handler := RequireHighSecurity(&mockGate{})(okHandler(&called))

		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(WithAuthContext(req.Context(), lowRiskContext()))
		handler.ServeHTTP(httptest.NewRecorder(), req)

		assert.True(t, called)
	})

	t.Run("no auth context", func(t *testing.T) {
		var called bool
		rec := httptest.NewRecorder()
		RequireHighSecurity(&mockGate{})(okHandler(&called)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

		assert.False(t, called)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRequireRole(t *testing.T) {
	var called bool
	handler := RequireRole(models.RoleAdmin)(okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithAuthContext(req.Context(), lowRiskContext()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin := lowRiskContext()
	admin.Account.Role = models.RoleAdmin
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithAuthContext(req.Context(), admin))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.True(t, called)
}

func TestExtractBearer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", extractBearer(req))

	req.Header.Set("Authorization", "bearer tok")
	assert.Equal(t, "tok", extractBearer(req))

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Equal(t, "Basic dXNlcjpwYXNz", extractBearer(req))
}

type mockPendingValidator struct {
	authCtx *models.AuthContext
	err     error
}

func (m *mockPendingValidator) ValidatePending(ctx context.Context, req models.ValidationRequest) (*models.AuthContext, error) {
	return m.authCtx, m.err
}

func TestAuthenticatePending(t *testing.T) {
	t.Run("injects context for a session owing a second factor", func(t *testing.T) {
		authCtx := lowRiskContext()
		authCtx.Session.Requires2FA = true
		v := &mockPendingValidator{authCtx: authCtx}

		var seen *models.AuthContext
		handler := AuthenticatePending(v, MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetAuthContext(r)
		}))

		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Authorization", "Bearer tok")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.NotNil(t, seen)
		assert.True(t, seen.Session.Requires2FA)
	})

	t.Run("writes rejection", func(t *testing.T) {
		v := &mockPendingValidator{err: models.NewAuthError(models.CodeSessionInvalid, "session is no longer valid")}

		var called bool
		handler := AuthenticatePending(v, MiddlewareConfig{})(okHandler(&called))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

		assert.False(t, called)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "SESSION_INVALID", decodeAuthError(t, rec).Error)
	})
}
