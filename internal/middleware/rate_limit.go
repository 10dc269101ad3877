package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/aegis/internal/auth"
	"github.com/BradenHooton/aegis/internal/models"
	"github.com/go-chi/httprate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
}

// DefaultAuthRateLimit returns default rate limit config for unauthenticated
// credential endpoints (10 requests per minute per IP)
func DefaultAuthRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 10,
	}
}

// RateLimitByIP creates a middleware that rate limits requests by client IP.
// It guards the routes that run before a session exists, where no risk
// assessment is available to scale the quota.
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		1*time.Minute,
		httprate.WithKeyByRealIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			auth.WriteAuthError(w, models.NewAuthError(models.CodeRateLimitExceeded, "rate limit exceeded"))
		}),
	)
}

func setRateLimitHeaders(w http.ResponseWriter, decision models.RateLimitDecision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
}
