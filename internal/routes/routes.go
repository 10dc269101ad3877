package routes

import (
	"log/slog"

	"github.com/BradenHooton/aegis/internal/auth"
	"github.com/BradenHooton/aegis/internal/handlers"
	"github.com/BradenHooton/aegis/internal/middleware"
	"github.com/BradenHooton/aegis/internal/models"
	pkghttp "github.com/BradenHooton/aegis/pkg/http"
	"github.com/go-chi/chi/v5"
)

// Validator resolves bearer tokens for both fully authorized and pending
// sessions.
type Validator interface {
	auth.SessionValidator
	auth.PendingValidator
}

// Dependencies groups what the route table needs.
type Dependencies struct {
	Auth      *handlers.AuthHandler
	TwoFactor *handlers.TwoFactorHandler
	Biometric *handlers.BiometricHandler
	Admin     *handlers.AdminHandler

	Validator  Validator
	Gate       auth.HighSecurityGate
	RiskLocker auth.RiskLocker
	Limiter    middleware.RiskRateLimiter
	Events     middleware.EventRecorder

	PublicRateLimit middleware.RateLimitConfig
	IPConfig        *pkghttp.IPConfig
	Logger          *slog.Logger
}

// RegisterRoutes registers all application routes under router, which is
// expected to be mounted at /api.
func RegisterRoutes(router chi.Router, deps Dependencies) {
	authConfig := auth.MiddlewareConfig{
		IPConfig:   deps.IPConfig,
		RiskLocker: deps.RiskLocker,
		Logger:     deps.Logger,
	}
	publicLimit := middleware.RateLimitByIP(deps.PublicRateLimit)

	// Public routes - no session required
	router.Group(func(r chi.Router) {
		r.Use(publicLimit)
		r.Post("/auth/register", deps.Auth.Register)
		r.Post("/auth/login", deps.Auth.Login)
		r.Post("/auth/refresh", deps.Auth.Refresh)
		r.Post("/auth/unlock", deps.Auth.SelfUnlock)
		r.Post("/auth/biometric/challenge", deps.Biometric.Challenge)
		r.Post("/auth/biometric/verify", deps.Biometric.Verify)
	})

	// Sessions that may still owe a second factor or password confirmation
	router.Group(func(r chi.Router) {
		r.Use(auth.AuthenticatePending(deps.Validator, authConfig))
		r.Post("/auth/logout", deps.Auth.Logout)
		r.Post("/auth/2fa/verify", deps.TwoFactor.Verify)
		r.Post("/auth/2fa/biometric", deps.Biometric.VerifySecondFactor)
		r.Post("/auth/password/confirm", deps.Auth.ConfirmPassword)
	})

	// Fully authorized sessions
	router.Group(func(r chi.Router) {
		r.Use(auth.Authenticate(deps.Validator, authConfig))
		r.Use(middleware.AdaptiveRateLimit(deps.Limiter, deps.Events, deps.IPConfig, deps.Logger))

		r.Get("/auth/session", deps.Auth.Session)
		r.Get("/auth/devices", deps.Auth.ListDevices)
		r.Get("/auth/biometric", deps.Biometric.List)
		r.Delete("/auth/biometric/{deviceID}/{type}", deps.Biometric.Disable)

		// Sensitive operations
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireHighSecurity(deps.Gate))
			r.Post("/auth/2fa/totp/enroll", deps.TwoFactor.Enroll)
			r.Post("/auth/2fa/totp/confirm", deps.TwoFactor.ConfirmEnrollment)
			r.Post("/auth/password/change", deps.Auth.ChangePassword)
			r.Put("/auth/devices/{deviceID}/trust", deps.Auth.SetDeviceTrust)
			r.Post("/auth/biometric/register", deps.Biometric.Register)
		})

		// Admin-only routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireRole(models.RoleAdmin))
			r.Post("/accounts/{id}/lock", deps.Admin.LockAccount)
			r.Post("/accounts/{id}/unlock", deps.Admin.UnlockAccount)
			r.Post("/accounts/{id}/password-reset", deps.Admin.ResetPassword)
			r.Get("/accounts/{id}/lockouts", deps.Admin.LockoutHistory)
			r.Get("/security-events", deps.Admin.SecurityEvents)
			r.Post("/lockouts/sweep", deps.Admin.SweepLockouts)
			r.Get("/dashboard/activity", deps.Admin.GetSecurityActivity)
		})
	})
}
