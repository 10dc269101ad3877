package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/aegis/internal/auth"
	"github.com/BradenHooton/aegis/internal/models"
	pkghttp "github.com/BradenHooton/aegis/pkg/http"
)

// RiskRateLimiter counts a request against a risk-scaled quota.
type RiskRateLimiter interface {
	Allow(ctx context.Context, key string, risk *models.RiskAssessment) models.RateLimitDecision
}

// EventRecorder receives rate-limit rejections for the security event log.
type EventRecorder interface {
	Record(ctx context.Context, event *models.SecurityEvent)
}

// AdaptiveRateLimit limits authenticated requests per account, scaling the
// quota by the risk assessment attached by auth.Authenticate. Requests
// without an AuthContext pass through unchanged. ipConfig resolves the
// client address recorded on rejection events.
func AdaptiveRateLimit(limiter RiskRateLimiter, events EventRecorder, ipConfig *pkghttp.IPConfig, logger *slog.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := auth.GetAuthContext(r)
			if authCtx == nil || authCtx.Account == nil {
				next.ServeHTTP(w, r)
				return
			}

			decision := limiter.Allow(r.Context(), "account:"+authCtx.Account.ID, authCtx.Risk)
			setRateLimitHeaders(w, decision)

			if !decision.Allowed {
				level := models.RiskLow
				if authCtx.Risk != nil {
					level = authCtx.Risk.Level
				}

				logger.WarnContext(r.Context(), "adaptive rate limit exceeded",
					slog.String("account_id", authCtx.Account.ID),
					slog.String("risk_level", string(level)),
					slog.Int("limit", decision.Limit),
				)

				if events != nil {
					accountID := authCtx.Account.ID
					client := pkghttp.ExtractClientInfo(r, ipConfig)
					event := &models.SecurityEvent{
						AccountID: &accountID,
						EventType: models.EventRateLimited,
						Severity:  models.SeverityMedium,
						Context: models.EventContext{
							"limit":      decision.Limit,
							"risk_level": string(level),
							"path":       r.URL.Path,
						},
					}
					if client.IPAddress != "" {
						event.IPAddress = &client.IPAddress
					}
					if client.UserAgent != "" {
						event.UserAgent = &client.UserAgent
					}
					events.Record(r.Context(), event)
				}

				resetAt := decision.ResetAt
				authErr := models.NewAuthError(models.CodeRateLimitExceeded, "rate limit exceeded")
				authErr.ResetAt = &resetAt
				authErr.RiskLevel = level
				auth.WriteAuthError(w, authErr)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
