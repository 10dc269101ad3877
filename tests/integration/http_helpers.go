package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/BradenHooton/aegis/internal/auth"
	"github.com/BradenHooton/aegis/internal/database"
	"github.com/BradenHooton/aegis/internal/handlers"
	middlewareCustom "github.com/BradenHooton/aegis/internal/middleware"
	"github.com/BradenHooton/aegis/internal/repositories"
	"github.com/BradenHooton/aegis/internal/routes"
	"github.com/BradenHooton/aegis/internal/services"
	"github.com/BradenHooton/aegis/internal/stores"
	pkgauth "github.com/BradenHooton/aegis/pkg/auth"
	pkghttp "github.com/BradenHooton/aegis/pkg/http"
	pkglogger "github.com/BradenHooton/aegis/pkg/logger"
)

// SentAlert represents a captured security alert
type SentAlert struct {
	To    string
	Alert services.SecurityAlert
}

// MockNotifier captures security alerts for test assertions
type MockNotifier struct {
	SentAlerts []SentAlert
	mu         sync.Mutex
}

// SendSecurityAlert records the alert
func (m *MockNotifier) SendSecurityAlert(ctx context.Context, email string, alert services.SecurityAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SentAlerts = append(m.SentAlerts, SentAlert{To: email, Alert: alert})
	return nil
}

// GetLastAlert returns the most recent alert sent
func (m *MockNotifier) GetLastAlert() *SentAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.SentAlerts) == 0 {
		return nil
	}
	return &m.SentAlerts[len(m.SentAlerts)-1]
}

// TestServer wraps httptest.Server with database and all dependencies
type TestServer struct {
	Server   *httptest.Server
	DB       *database.DB
	Notifier *MockNotifier

	// Dependency references for inspection in tests
	Lockouts *services.LockoutManager
	Events   *repositories.SecurityEventRepository
}

// NewTestServer initializes the complete HTTP stack over a real database
// and the Redis server at redisAddr. The breach check is disabled.
func NewTestServer(db *database.DB, redisAddr string) (*TestServer, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})

	// Initialize repositories
	accountRepo := repositories.NewAccountRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	deviceRepo := repositories.NewDeviceRepository(db)
	attemptRepo := repositories.NewLoginAttemptRepository(db)
	lockoutRepo := repositories.NewLockoutRepository(db)
	biometricRepo := repositories.NewBiometricRepository(db)
	totpRepo := repositories.NewTOTPRepository(db)
	historyRepo := repositories.NewPasswordHistoryRepository(db)
	eventRepo := repositories.NewSecurityEventRepository(db)

	eventLog := services.NewSecurityEventLog(eventRepo, pkglogger.NewAuditLogger(logger), 5*time.Second)
	notifier := &MockNotifier{}

	tokenManager := auth.NewTokenManager("test-secret-32-characters-long-for-testing", 15*time.Minute, 24*time.Hour)
	totpManager, err := auth.NewTOTPManager(make([]byte, 32), "AegisTest")
	if err != nil {
		return nil, err
	}
	hasher := pkgauth.NewBcryptHasher(4)

	lockouts := services.NewLockoutManager(lockoutRepo, sessionRepo, attemptRepo, accountRepo, notifier, eventLog, services.DefaultLockoutConfig(), logger)
	riskAnalyzer := services.NewRiskAnalyzer(deviceRepo, attemptRepo, nil, eventLog, services.DefaultRiskAnalyzerConfig(), logger)
	directory := services.NewAccountTwoFactorDirectory(totpRepo, biometricRepo)
	gate := services.NewTwoFactorGate(directory, services.DefaultTwoFactorGateConfig(), logger)
	validator := services.NewSessionValidator(tokenManager, accountRepo, sessionRepo, lockouts, gate, riskAnalyzer, eventLog, services.DefaultSessionValidatorConfig(), logger)
	passwordPolicy := services.NewPasswordPolicy(accountRepo, historyRepo, sessionRepo, hasher, nil, notifier, eventLog, services.PasswordPolicyConfig{}, logger)

	biometricService, err := services.NewBiometricService(biometricRepo, stores.NewChallengeStore(redisClient), deviceRepo, eventLog, services.BiometricConfig{
		Secret: []byte("test-biometric-secret-32-characters"),
	}, logger)
	if err != nil {
		return nil, err
	}

	twoFactorService := services.NewTwoFactorService(totpRepo, accountRepo, sessionRepo, stores.NewWindowCounter(redisClient, "test:2fa:"), lockouts, totpManager, eventLog, services.DefaultTwoFactorConfig(), logger)
	rateLimiter := services.NewAdaptiveRateLimiter(stores.NewWindowCounter(redisClient, "test:rl:"), services.RateLimitConfig{BaselineRequests: 100}, logger)

	authService := services.NewAuthService(services.AuthDependencies{
		Accounts:   accountRepo,
		Sessions:   sessionRepo,
		Devices:    deviceRepo,
		Attempts:   attemptRepo,
		Lockouts:   lockouts,
		Risk:       riskAnalyzer,
		TwoFactor:  directory,
		Passwords:  passwordPolicy,
		Hasher:     hasher,
		Tokens:     tokenManager,
		Biometrics: biometricService,
		Codes:      twoFactorService,
		Delay:      auth.NewLoginDelay(auth.LoginDelayConfig{}),
		Events:     eventLog,
	}, services.AuthServiceConfig{LockOnCritical: true}, logger)

	adminService := services.NewAdminService(accountRepo, lockouts, passwordPolicy, eventLog, logger)

	ipConfig := &pkghttp.IPConfig{}

	// Setup Chi router with middleware
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: "test"}))
	r.Use(chiMiddleware.Recoverer)

	// Setup routes using production pattern
	r.Route("/api", func(r chi.Router) {
		routes.RegisterRoutes(r, routes.Dependencies{
			Auth:            handlers.NewAuthHandler(authService, passwordPolicy, rateLimiter, ipConfig, logger),
			TwoFactor:       handlers.NewTwoFactorHandler(twoFactorService, logger),
			Biometric:       handlers.NewBiometricHandler(biometricService, authService, ipConfig, logger),
			Admin:           handlers.NewAdminHandler(adminService, ipConfig, logger),
			Validator:       validator,
			Gate:            gate,
			RiskLocker:      lockouts,
			Limiter:         rateLimiter,
			Events:          eventLog,
			PublicRateLimit: middlewareCustom.RateLimitConfig{RequestsPerMinute: 1000},
			IPConfig:        ipConfig,
			Logger:          logger,
		})
	})

	return &TestServer{
		Server:   httptest.NewServer(r),
		DB:       db,
		Notifier: notifier,
		Lockouts: lockouts,
		Events:   eventRepo,
	}, nil
}

// Close shuts down the test server
func (ts *TestServer) Close() {
	if ts.Server != nil {
		ts.Server.Close()
	}
}

// Request makes an HTTP request to the test server
func (ts *TestServer) Request(method, path string, body interface{}, headers map[string]string) (*http.Response, error) {
	url := ts.Server.URL + path

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return http.DefaultClient.Do(req)
}

// RequestWithAuth makes an authenticated HTTP request from deviceID
func (ts *TestServer) RequestWithAuth(method, path, accessToken, deviceID string, body interface{}) (*http.Response, error) {
	headers := map[string]string{
		"Authorization":        "Bearer " + accessToken,
		pkghttp.DeviceIDHeader: deviceID,
	}
	return ts.Request(method, path, body, headers)
}

// ParseJSONResponse parses JSON response body into target struct
func ParseJSONResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// Login performs a password login from deviceID and returns the decoded result
func (ts *TestServer) Login(email, password, deviceID string) (*http.Response, *services.LoginResult, error) {
	resp, err := ts.Request(http.MethodPost, "/api/auth/login",
		map[string]string{"email": email, "password": password},
		map[string]string{pkghttp.DeviceIDHeader: deviceID},
	)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp, nil, nil
	}

	var result services.LoginResult
	if err := ParseJSONResponse(resp, &result); err != nil {
		return resp, nil, err
	}
	return resp, &result, nil
}
