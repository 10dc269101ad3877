package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/aegis/internal/auth"
	"github.com/BradenHooton/aegis/internal/models"
	"github.com/BradenHooton/aegis/internal/services"
	pkghttp "github.com/BradenHooton/aegis/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// NewTestAuthContext builds the AuthContext Authenticate would attach for
// an account signed in on deviceID.
func NewTestAuthContext(accountID, role, deviceID string) *models.AuthContext {
	now := time.Now()
	return &models.AuthContext{
		Account: &models.Account{
			ID:       accountID,
			Email:    accountID + "@example.com",
			Role:     role,
			IsActive: true,
		},
		Session: &models.Session{
			ID:        "sess-" + accountID,
			AccountID: accountID,
			DeviceID:  deviceID,
			CreatedAt: now,
		},
		Risk: &models.RiskAssessment{Level: models.RiskLow, AssessedAt: now},
	}
}

// WithAuthContext adds a validated session to the request context for
// testing authenticated endpoints
func WithAuthContext(req *http.Request, accountID string) *http.Request {
	authCtx := NewTestAuthContext(accountID, models.RoleUser, "device-1")
	return req.WithContext(auth.WithAuthContext(req.Context(), authCtx))
}

// WithAdminContext adds an administrator session to the request context
func WithAdminContext(req *http.Request, accountID string) *http.Request {
	authCtx := NewTestAuthContext(accountID, models.RoleAdmin, "device-1")
	return req.WithContext(auth.WithAuthContext(req.Context(), authCtx))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	contentType := w.Header().Get("Content-Type")
	assert.Equal(t, "application/json", contentType, "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockAuthService implements AuthServiceInterface for testing
type MockAuthService struct {
	RegisterFunc        func(ctx context.Context, req services.RegisterRequest) (*services.RegisterResult, error)
	LoginFunc           func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error)
	LogoutFunc          func(ctx context.Context, session *models.Session, ipAddress, userAgent string) error
	ConfirmPasswordFunc func(ctx context.Context, account *models.Account, session *models.Session, password, ipAddress, userAgent string) error
	SetDeviceTrustFunc  func(ctx context.Context, accountID, deviceID string, trusted bool, ipAddress, userAgent string) (*models.Device, error)
	ListDevicesFunc     func(ctx context.Context, accountID string) ([]*models.Device, error)
	BiometricLoginFunc  func(ctx context.Context, req services.VerifyBiometricRequest) (*services.LoginResult, error)
	RefreshFunc         func(ctx context.Context, req services.RefreshRequest) (*services.LoginResult, error)
	SelfUnlockFunc      func(ctx context.Context, req services.SelfUnlockRequest) (*models.Lockout, error)
	BiometricFactorFunc func(ctx context.Context, account *models.Account, session *models.Session, req services.BiometricFactorRequest) error
}

func (m *MockAuthService) Register(ctx context.Context, req services.RegisterRequest) (*services.RegisterResult, error) {
	if m.RegisterFunc == nil {
		return nil, models.ErrConflict
	}
	return m.RegisterFunc(ctx, req)
}

func (m *MockAuthService) Login(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
	if m.LoginFunc == nil {
		return nil, models.ErrInvalidCredentials
	}
	return m.LoginFunc(ctx, req)
}

func (m *MockAuthService) Logout(ctx context.Context, session *models.Session, ipAddress, userAgent string) error {
	if m.LogoutFunc == nil {
		return nil
	}
	return m.LogoutFunc(ctx, session, ipAddress, userAgent)
}

func (m *MockAuthService) ConfirmPassword(ctx context.Context, account *models.Account, session *models.Session, password, ipAddress, userAgent string) error {
	if m.ConfirmPasswordFunc == nil {
		return nil
	}
	return m.ConfirmPasswordFunc(ctx, account, session, password, ipAddress, userAgent)
}

func (m *MockAuthService) SetDeviceTrust(ctx context.Context, accountID, deviceID string, trusted bool, ipAddress, userAgent string) (*models.Device, error) {
	if m.SetDeviceTrustFunc == nil {
		return nil, models.ErrDeviceNotOwned
	}
	return m.SetDeviceTrustFunc(ctx, accountID, deviceID, trusted, ipAddress, userAgent)
}

func (m *MockAuthService) ListDevices(ctx context.Context, accountID string) ([]*models.Device, error) {
	if m.ListDevicesFunc == nil {
		return []*models.Device{}, nil
	}
	return m.ListDevicesFunc(ctx, accountID)
}

func (m *MockAuthService) BiometricLogin(ctx context.Context, req services.VerifyBiometricRequest) (*services.LoginResult, error) {
	if m.BiometricLoginFunc == nil {
		return nil, &models.BiometricError{Kind: models.BiometricNotRegistered}
	}
	return m.BiometricLoginFunc(ctx, req)
}

func (m *MockAuthService) Refresh(ctx context.Context, req services.RefreshRequest) (*services.LoginResult, error) {
	if m.RefreshFunc == nil {
		return nil, models.NewAuthError(models.CodeInvalidToken, "invalid refresh token")
	}
	return m.RefreshFunc(ctx, req)
}

func (m *MockAuthService) SelfUnlock(ctx context.Context, req services.SelfUnlockRequest) (*models.Lockout, error) {
	if m.SelfUnlockFunc == nil {
		return nil, models.ErrInvalidCredentials
	}
	return m.SelfUnlockFunc(ctx, req)
}

func (m *MockAuthService) VerifyBiometricFactor(ctx context.Context, account *models.Account, session *models.Session, req services.BiometricFactorRequest) error {
	if m.BiometricFactorFunc == nil {
		return nil
	}
	return m.BiometricFactorFunc(ctx, account, session, req)
}

// MockPasswordService implements PasswordServiceInterface for testing
type MockPasswordService struct {
	ChangePasswordFunc func(ctx context.Context, req services.ChangePasswordRequest) (*services.ChangePasswordResult, error)
}

func (m *MockPasswordService) ChangePassword(ctx context.Context, req services.ChangePasswordRequest) (*services.ChangePasswordResult, error) {
	if m.ChangePasswordFunc == nil {
		return &services.ChangePasswordResult{}, nil
	}
	return m.ChangePasswordFunc(ctx, req)
}

// MockTwoFactorService implements TwoFactorServiceInterface for testing
type MockTwoFactorService struct {
	BeginEnrollmentFunc   func(ctx context.Context, account *models.Account) (*models.TOTPSetupResponse, error)
	ConfirmEnrollmentFunc func(ctx context.Context, account *models.Account, session *models.Session, code string) error
	VerifySessionFunc     func(ctx context.Context, account *models.Account, session *models.Session, code string) error
}

func (m *MockTwoFactorService) BeginEnrollment(ctx context.Context, account *models.Account) (*models.TOTPSetupResponse, error) {
	if m.BeginEnrollmentFunc == nil {
		return nil, models.ErrTOTPAlreadyEnrolled
	}
	return m.BeginEnrollmentFunc(ctx, account)
}

func (m *MockTwoFactorService) ConfirmEnrollment(ctx context.Context, account *models.Account, session *models.Session, code string) error {
	if m.ConfirmEnrollmentFunc == nil {
		return nil
	}
	return m.ConfirmEnrollmentFunc(ctx, account, session, code)
}

func (m *MockTwoFactorService) VerifySession(ctx context.Context, account *models.Account, session *models.Session, code string) error {
	if m.VerifySessionFunc == nil {
		return models.ErrInvalidTOTPCode
	}
	return m.VerifySessionFunc(ctx, account, session, code)
}

// MockBiometricService implements BiometricServiceInterface for testing
type MockBiometricService struct {
	RegisterFunc       func(ctx context.Context, req services.RegisterBiometricRequest) (*services.BiometricRegistration, error)
	IssueChallengeFunc func(ctx context.Context, accountID, deviceID string) (*models.BiometricChallenge, error)
	DisableFunc        func(ctx context.Context, accountID, deviceID string, biometricType models.BiometricType, ipAddress, userAgent string) error
	ListFunc           func(ctx context.Context, accountID string) ([]*models.BiometricCredential, error)
}

func (m *MockBiometricService) Register(ctx context.Context, req services.RegisterBiometricRequest) (*services.BiometricRegistration, error) {
	if m.RegisterFunc == nil {
		return nil, models.ErrDeviceNotOwned
	}
	return m.RegisterFunc(ctx, req)
}

func (m *MockBiometricService) IssueChallenge(ctx context.Context, accountID, deviceID string) (*models.BiometricChallenge, error) {
	if m.IssueChallengeFunc == nil {
		return nil, &models.BiometricError{Kind: models.BiometricServiceError}
	}
	return m.IssueChallengeFunc(ctx, accountID, deviceID)
}

func (m *MockBiometricService) Disable(ctx context.Context, accountID, deviceID string, biometricType models.BiometricType, ipAddress, userAgent string) error {
	if m.DisableFunc == nil {
		return nil
	}
	return m.DisableFunc(ctx, accountID, deviceID, biometricType, ipAddress, userAgent)
}

func (m *MockBiometricService) List(ctx context.Context, accountID string) ([]*models.BiometricCredential, error) {
	if m.ListFunc == nil {
		return []*models.BiometricCredential{}, nil
	}
	return m.ListFunc(ctx, accountID)
}

// MockAdminService implements AdminServiceInterface for testing
type MockAdminService struct {
	LockAccountFunc         func(ctx context.Context, admin *models.Account, targetID, reason, ipAddress, userAgent string) (*models.Lockout, error)
	UnlockAccountFunc       func(ctx context.Context, admin *models.Account, targetID, reason, ipAddress, userAgent string) (*models.Lockout, error)
	ResetPasswordFunc       func(ctx context.Context, admin *models.Account, targetID, newPassword, ipAddress, userAgent string) (*services.ChangePasswordResult, error)
	LockoutHistoryFunc      func(ctx context.Context, targetID string, limit int) ([]*models.Lockout, error)
	SecurityEventsFunc      func(ctx context.Context, filter models.SecurityEventFilter) ([]*models.SecurityEvent, error)
	SweepLockoutsFunc       func(ctx context.Context) (int, error)
	GetSecurityActivityFunc func(ctx context.Context, limit int) (*services.SecurityActivityResponse, error)
}

func (m *MockAdminService) LockAccount(ctx context.Context, admin *models.Account, targetID, reason, ipAddress, userAgent string) (*models.Lockout, error) {
	if m.LockAccountFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.LockAccountFunc(ctx, admin, targetID, reason, ipAddress, userAgent)
}

func (m *MockAdminService) UnlockAccount(ctx context.Context, admin *models.Account, targetID, reason, ipAddress, userAgent string) (*models.Lockout, error) {
	if m.UnlockAccountFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.UnlockAccountFunc(ctx, admin, targetID, reason, ipAddress, userAgent)
}

func (m *MockAdminService) ResetPassword(ctx context.Context, admin *models.Account, targetID, newPassword, ipAddress, userAgent string) (*services.ChangePasswordResult, error) {
	if m.ResetPasswordFunc == nil {
		return &services.ChangePasswordResult{}, nil
	}
	return m.ResetPasswordFunc(ctx, admin, targetID, newPassword, ipAddress, userAgent)
}

func (m *MockAdminService) LockoutHistory(ctx context.Context, targetID string, limit int) ([]*models.Lockout, error) {
	if m.LockoutHistoryFunc == nil {
		return []*models.Lockout{}, nil
	}
	return m.LockoutHistoryFunc(ctx, targetID, limit)
}

func (m *MockAdminService) SecurityEvents(ctx context.Context, filter models.SecurityEventFilter) ([]*models.SecurityEvent, error) {
	if m.SecurityEventsFunc == nil {
		return []*models.SecurityEvent{}, nil
	}
	return m.SecurityEventsFunc(ctx, filter)
}

func (m *MockAdminService) SweepLockouts(ctx context.Context) (int, error) {
	if m.SweepLockoutsFunc == nil {
		return 0, nil
	}
	return m.SweepLockoutsFunc(ctx)
}

func (m *MockAdminService) GetSecurityActivity(ctx context.Context, limit int) (*services.SecurityActivityResponse, error) {
	if m.GetSecurityActivityFunc == nil {
		return &services.SecurityActivityResponse{}, nil
	}
	return m.GetSecurityActivityFunc(ctx, limit)
}

// WithChiRouteContext adds chi URL parameters to request context for testing
// This helper allows tests to set URL parameters that would normally be extracted
// by the Chi router from the URL path.
//
// Example usage:
//
//	req := httptest.NewRequest("PUT", "/auth/devices/laptop/trust", body)
//	req = WithChiRouteContext(req, map[string]string{
//	    "deviceID": "laptop",
//	})
func WithChiRouteContext(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
