package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/BradenHooton/aegis/internal/metrics"
	"github.com/BradenHooton/aegis/internal/models"
)

// RateLimitConfig holds the baseline quota before risk scaling
type RateLimitConfig struct {
	BaselineRequests int
	Window           time.Duration
	Now              func() time.Time
}

// AdaptiveRateLimiter scales a baseline quota by the request's risk and
// enforces it with a fixed-window counter. Counter failures fail open.
type AdaptiveRateLimiter struct {
	counter FailureCounter
	config  RateLimitConfig
	logger  *slog.Logger
}

func NewAdaptiveRateLimiter(counter FailureCounter, config RateLimitConfig, logger *slog.Logger) *AdaptiveRateLimiter {
	if config.BaselineRequests <= 0 {
		config.BaselineRequests = 100
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &AdaptiveRateLimiter{
		counter: counter,
		config:  config,
		logger:  loggerOrDefault(logger),
	}
}

// EffectiveQuota scales baseline by risk: critical 10%, high 20%, medium
// 50%, low on an untrusted device 70%, low on a trusted device 100%. The
// result is never below one request.
func EffectiveQuota(baseline int, risk *models.RiskAssessment) int {
	percent := 70
	if risk != nil {
		switch risk.Level {
		case models.RiskCritical:
			percent = 10
		case models.RiskHigh:
			percent = 20
		case models.RiskMedium:
			percent = 50
		default:
			if risk.DeviceTrusted {
				percent = 100
			}
		}
	}
	return max(baseline*percent/100, 1)
}

// Quota returns the effective quota for risk under this limiter's baseline.
func (l *AdaptiveRateLimiter) Quota(risk *models.RiskAssessment) int {
	return EffectiveQuota(l.config.BaselineRequests, risk)
}

// Allow counts one request against key's window.
func (l *AdaptiveRateLimiter) Allow(ctx context.Context, key string, risk *models.RiskAssessment) models.RateLimitDecision {
	limit := l.Quota(risk)
	level := string(models.RiskLow)
	if risk != nil {
		level = string(risk.Level)
	}

	count, resetAt, err := l.counter.Increment(ctx, key, l.config.Window)
	if err != nil {
		l.logger.WarnContext(ctx, "rate limit counter unavailable, failing open",
			slog.String("key", key),
			slog.Any("error", err),
		)
		metrics.RateLimitDecisionsTotal.WithLabelValues(level, "degraded").Inc()
		return models.RateLimitDecision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetAt:   l.config.Now().Add(l.config.Window),
			Degraded:  true,
		}
	}

	decision := models.RateLimitDecision{
		Allowed:   int(count) <= limit,
		Limit:     limit,
		Remaining: max(limit-int(count), 0),
		ResetAt:   resetAt,
	}

	if decision.Allowed {
		metrics.RateLimitDecisionsTotal.WithLabelValues(level, "allowed").Inc()
	} else {
		metrics.RateLimitDecisionsTotal.WithLabelValues(level, "limited").Inc()
	}
	return decision
}
