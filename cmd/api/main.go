package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BradenHooton/aegis/internal/auth"
	"github.com/BradenHooton/aegis/internal/background"
	"github.com/BradenHooton/aegis/internal/config"
	"github.com/BradenHooton/aegis/internal/database"
	"github.com/BradenHooton/aegis/internal/handlers"
	middlewareCustom "github.com/BradenHooton/aegis/internal/middleware"
	"github.com/BradenHooton/aegis/internal/models"
	"github.com/BradenHooton/aegis/internal/repositories"
	"github.com/BradenHooton/aegis/internal/routes"
	"github.com/BradenHooton/aegis/internal/services"
	"github.com/BradenHooton/aegis/internal/stores"
	pkgauth "github.com/BradenHooton/aegis/pkg/auth"
	pkghttp "github.com/BradenHooton/aegis/pkg/http"
	pkglogger "github.com/BradenHooton/aegis/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	if cfg.Database.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		err := database.Migrate(ctx, cfg.Database.DSN())
		cancel()
		if err != nil {
			logger.Error("failed to run migrations", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Initialize database
	db, err := database.NewConnection(context.Background(), &cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Redis backs challenges and fixed-window counters
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

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

	challengeStore := stores.NewChallengeStore(redisClient)
	rateCounter := stores.NewWindowCounter(redisClient, "aegis:rl:")
	failureCounter := stores.NewWindowCounter(redisClient, "aegis:2fa:")

	// Security event log
	eventLog := services.NewSecurityEventLog(eventRepo, pkglogger.NewAuditLogger(logger), 5*time.Second)

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize email service", slog.Any("error", err))
		os.Exit(1)
	}

	var breach services.BreachChecker
	if cfg.Breach.Enabled {
		checker, err := services.NewRangeBreachChecker(services.BreachCheckerConfig{
			APIURL:         cfg.Breach.APIURL,
			Timeout:        cfg.Breach.Timeout,
			CacheSize:      cfg.Breach.CacheSize,
			RequestsPerSec: cfg.Breach.RequestsPerSec,
		}, logger)
		if err != nil {
			logger.Error("failed to initialize breach checker", slog.Any("error", err))
			os.Exit(1)
		}
		breach = checker
	}

	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry, cfg.Auth.RefreshTokenExpiry)
	totpManager, err := auth.NewTOTPManager(cfg.Auth.TOTPEncryptionKey, cfg.Auth.TOTPIssuer)
	if err != nil {
		logger.Error("failed to initialize TOTP manager", slog.Any("error", err))
		os.Exit(1)
	}
	hasher := pkgauth.NewBcryptHasher(cfg.Auth.BcryptCost)

	// Core services
	lockoutConfig := services.DefaultLockoutConfig()
	lockoutConfig.LoginAttemptRetention = cfg.Auth.LoginAttemptRetention
	lockouts := services.NewLockoutManager(lockoutRepo, sessionRepo, attemptRepo, accountRepo, notifier, eventLog, lockoutConfig, logger)

	riskConfig := services.DefaultRiskAnalyzerConfig()
	riskConfig.MaxSessionAge = cfg.Risk.SessionAgeThreshold
	riskConfig.UnfamiliarDistanceKM = cfg.Risk.UnfamiliarDistanceKM
	// No geolocation provider is configured; the analyzer falls back to
	// network-prefix matching.
	riskAnalyzer := services.NewRiskAnalyzer(deviceRepo, attemptRepo, nil, eventLog, riskConfig, logger)

	gateConfig := services.DefaultTwoFactorGateConfig()
	gateConfig.FreshnessWindow = cfg.Auth.FreshnessWindow
	gate := services.NewTwoFactorGate(services.NewAccountTwoFactorDirectory(totpRepo, biometricRepo), gateConfig, logger)

	validatorConfig := services.DefaultSessionValidatorConfig()
	validatorConfig.MaxSessionAge = cfg.Auth.MaxSessionAge
	validator := services.NewSessionValidator(tokenManager, accountRepo, sessionRepo, lockouts, gate, riskAnalyzer, eventLog, validatorConfig, logger)

	passwordPolicy := services.NewPasswordPolicy(accountRepo, historyRepo, sessionRepo, hasher, breach, notifier, eventLog, services.PasswordPolicyConfig{}, logger)

	biometricService, err := services.NewBiometricService(biometricRepo, challengeStore, deviceRepo, eventLog, services.BiometricConfig{
		Secret:       []byte(cfg.Biometric.Secret),
		ChallengeTTL: cfg.Biometric.ChallengeTTL,
		MaxFailures:  cfg.Biometric.MaxFailures,
		Cooldown:     cfg.Biometric.Cooldown,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize biometric service", slog.Any("error", err))
		os.Exit(1)
	}

	twoFactorService := services.NewTwoFactorService(totpRepo, accountRepo, sessionRepo, failureCounter, lockouts, totpManager, eventLog, services.DefaultTwoFactorConfig(), logger)

	rateLimiter := services.NewAdaptiveRateLimiter(rateCounter, services.RateLimitConfig{
		BaselineRequests: cfg.RateLimit.BaselineRequests,
		Window:           cfg.RateLimit.Window,
	}, logger)

	authService := services.NewAuthService(services.AuthDependencies{
		Accounts:   accountRepo,
		Sessions:   sessionRepo,
		Devices:    deviceRepo,
		Attempts:   attemptRepo,
		Lockouts:   lockouts,
		Risk:       riskAnalyzer,
		TwoFactor:  services.NewAccountTwoFactorDirectory(totpRepo, biometricRepo),
		Passwords:  passwordPolicy,
		Hasher:     hasher,
		Tokens:     tokenManager,
		Biometrics: biometricService,
		Codes:      twoFactorService,
		Delay:      auth.NewLoginDelay(auth.LoginDelayConfig{Floor: 250 * time.Millisecond, Jitter: 100 * time.Millisecond}),
		Events:     eventLog,
	}, services.AuthServiceConfig{
		LoginAttemptRetention: cfg.Auth.LoginAttemptRetention,
		LockOnCritical:        cfg.Risk.LockOnCritical,
		MaxSessionAge:         cfg.Auth.MaxSessionAge,
	}, logger)

	adminService := services.NewAdminService(accountRepo, lockouts, passwordPolicy, eventLog, logger)

	// Bootstrap first admin account if configured
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureAdminAccount(ctx, accountRepo, passwordPolicy, hasher, logger); err != nil {
		logger.Error("failed to ensure admin account", slog.Any("error", err))
	}
	cancel()

	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(authService, passwordPolicy, rateLimiter, ipConfig, logger)
	twoFactorHandler := handlers.NewTwoFactorHandler(twoFactorService, logger)
	biometricHandler := handlers.NewBiometricHandler(biometricService, authService, ipConfig, logger)
	adminHandler := handlers.NewAdminHandler(adminService, ipConfig, logger)

	var riskLocker auth.RiskLocker
	if cfg.Risk.LockOnCritical {
		riskLocker = lockouts
	}

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	router.Route("/api", func(r chi.Router) {
		routes.RegisterRoutes(r, routes.Dependencies{
			Auth:            authHandler,
			TwoFactor:       twoFactorHandler,
			Biometric:       biometricHandler,
			Admin:           adminHandler,
			Validator:       validator,
			Gate:            gate,
			RiskLocker:      riskLocker,
			Limiter:         rateLimiter,
			Events:          eventLog,
			PublicRateLimit: middlewareCustom.RateLimitConfig{RequestsPerMinute: cfg.RateLimit.PublicPerMinute},
			IPConfig:        ipConfig,
			Logger:          logger,
		})
	})

	router.Handle("/metrics", promhttp.Handler())

	// Health check with database and redis
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"status": "healthy", "database": "up", "redis": "up"}
		code := http.StatusOK
		if err := db.HealthCheck(ctx); err != nil {
			status["status"], status["database"] = "unhealthy", "down"
			code = http.StatusServiceUnavailable
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// Redis loss degrades rate limiting and biometric challenges only.
			status["redis"] = "down"
			if code == http.StatusOK {
				status["status"] = "degraded"
			}
		}
		pkghttp.WriteJSON(w, code, status)
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupManager := background.NewCleanupManager(lockouts, attemptRepo, logger, cfg.Auth.CleanupInterval)
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)
	go db.ReportStats(cleanupCtx, cfg.Database.StatsInterval)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (services.SecurityNotifier, error) {
	if !cfg.Email.Enabled {
		return services.NewLogNotifier(logger), nil
	}

	from := cfg.Email.FromEmail
	if cfg.Email.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.Email.FromName, cfg.Email.FromEmail)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ses, err := services.NewAWSSESEmailService(ctx, cfg.Email.Region, from, logger)
	if err != nil {
		return nil, err
	}
	return ses, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ensureAdminAccount creates the first admin account if ADMIN_EMAIL and ADMIN_PASSWORD are set
func ensureAdminAccount(ctx context.Context, accounts *repositories.AccountRepository, policy *services.PasswordPolicy, hasher services.PasswordHasher, logger *slog.Logger) error {
	adminEmail := os.Getenv("ADMIN_EMAIL")
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminEmail == "" || adminPassword == "" {
		logger.Info("no ADMIN_EMAIL or ADMIN_PASSWORD set, skipping admin account creation")
		return nil
	}

	// Check if admin already exists
	_, err := accounts.GetByEmail(ctx, adminEmail)
	if err == nil {
		logger.Info("admin account already exists")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check if admin exists: %w", err)
	}

	if err := pkgauth.ValidatePassword(adminPassword, adminEmail); err != nil {
		return fmt.Errorf("admin password rejected: %w", err)
	}

	hashedPassword, err := hasher.Hash(adminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	now := time.Now()
	admin, err := accounts.Create(ctx, &models.Account{
		Email:             adminEmail,
		PasswordHash:      hashedPassword,
		Role:              models.RoleAdmin,
		IsActive:          true,
		PasswordChangedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin account: %w", err)
	}

	if err := policy.SeedHistory(ctx, admin.ID, hashedPassword); err != nil {
		return fmt.Errorf("failed to seed admin password history: %w", err)
	}

	logger.Info("admin account created successfully")
	return nil
}
