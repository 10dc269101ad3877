package services

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"time"

	"github.com/BradenHooton/aegis/internal/metrics"
	"github.com/BradenHooton/aegis/internal/models"
	"golang.org/x/sync/errgroup"
)

// DeviceRegistry answers whether a device is known to an account and
// whether it is trusted. Get returns models.ErrNotFound for unknown devices.
type DeviceRegistry interface {
	Get(ctx context.Context, accountID, deviceID string) (*models.Device, error)
}

// LoginHistory is the behavioral history the analyzer scores against.
type LoginHistory interface {
	CountFailedSince(ctx context.Context, accountID string, since time.Time) (int, error)
	RecentSuccessful(ctx context.Context, accountID string, since time.Time, limit int) ([]*models.LoginAttempt, error)
}

// GeoPoint is a resolved location in degrees.
type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// GeoLocator resolves an IP address to a location. A nil point with a nil
// error means the address could not be placed.
type GeoLocator interface {
	Locate(ctx context.Context, ipAddress string) (*GeoPoint, error)
}

// RiskInput is one authentication attempt or authenticated request.
// Failed attempts must be recorded before assessment so they are counted.
type RiskInput struct {
	AccountID        string
	DeviceID         string
	IPAddress        string
	UserAgent        string
	Success          bool
	SessionCreatedAt *time.Time
}

type RiskAnalyzerConfig struct {
	FailureWindow         time.Duration
	MediumFailures        int
	HighFailures          int
	CriticalFailures      int
	MaxSessionAge         time.Duration
	LocationLookback      time.Duration
	LocationSampleSize    int
	UnfamiliarDistanceKM  float64
	AuditLowRiskDecisions bool
	Now                   func() time.Time
}

// DefaultRiskAnalyzerConfig returns the production thresholds.
func DefaultRiskAnalyzerConfig() RiskAnalyzerConfig {
	return RiskAnalyzerConfig{
		FailureWindow:         15 * time.Minute,
		MediumFailures:        3,
		HighFailures:          5,
		CriticalFailures:      10,
		MaxSessionAge:         4 * time.Hour,
		LocationLookback:      30 * 24 * time.Hour,
		LocationSampleSize:    20,
		UnfamiliarDistanceKM:  500,
		AuditLowRiskDecisions: true,
	}
}

// RiskAnalyzer scores requests from device trust, location, failure velocity
// and session age. The level is the highest tier any rule triggers.
type RiskAnalyzer struct {
	devices DeviceRegistry
	history LoginHistory
	geo     GeoLocator
	events  EventRecorder
	config  RiskAnalyzerConfig
	logger  *slog.Logger
}

// NewRiskAnalyzer creates a new RiskAnalyzer. geo may be nil, in which case
// location is approximated by network prefix.
func NewRiskAnalyzer(devices DeviceRegistry, history LoginHistory, geo GeoLocator, events EventRecorder, config RiskAnalyzerConfig, logger *slog.Logger) *RiskAnalyzer {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &RiskAnalyzer{
		devices: devices,
		history: history,
		geo:     geo,
		events:  recorderOrDiscard(events),
		config:  config,
		logger:  loggerOrDefault(logger),
	}
}

type riskScore struct {
	level   models.RiskLevel
	factors []string
}

func (s *riskScore) raise(level models.RiskLevel, factor string) {
	s.level = models.MaxRisk(s.level, level)
	s.factors = append(s.factors, factor)
}

// Assess computes a fresh assessment. History lookup failures never fail
// the call; they raise the tier to medium with a history_unavailable factor.
func (a *RiskAnalyzer) Assess(ctx context.Context, in RiskInput) *models.RiskAssessment {
	now := a.config.Now()

	var (
		device     *models.Device
		deviceErr  error
		failures   int
		failureErr error
		recent     []*models.LoginAttempt
		recentErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if in.DeviceID == "" {
			deviceErr = models.ErrNotFound
			return nil
		}
		device, deviceErr = a.devices.Get(gctx, in.AccountID, in.DeviceID)
		return nil
	})
	g.Go(func() error {
		failures, failureErr = a.history.CountFailedSince(gctx, in.AccountID, now.Add(-a.config.FailureWindow))
		return nil
	})
	g.Go(func() error {
		recent, recentErr = a.history.RecentSuccessful(gctx, in.AccountID, now.Add(-a.config.LocationLookback), a.config.LocationSampleSize)
		return nil
	})
	_ = g.Wait()

	score := &riskScore{level: models.RiskLow, factors: make([]string, 0, 4)}
	historyUnavailable := false
	trusted := false

	switch {
	case deviceErr == nil && device.Trusted:
		trusted = true
		score.factors = append(score.factors, models.RiskFactorTrustedDevice)
	case deviceErr == nil:
		score.raise(models.RiskLow, models.RiskFactorUntrustedDevice)
	case errors.Is(deviceErr, models.ErrNotFound):
		score.raise(models.RiskMedium, models.RiskFactorNewDevice)
	default:
		a.logger.WarnContext(ctx, "risk analyzer: device lookup failed",
			slog.String("account_id", in.AccountID),
			slog.Any("error", deviceErr),
		)
		historyUnavailable = true
	}

	if failureErr != nil {
		a.logger.WarnContext(ctx, "risk analyzer: failure history unavailable",
			slog.String("account_id", in.AccountID),
			slog.Any("error", failureErr),
		)
		historyUnavailable = true
	} else {
		switch {
		case failures >= a.config.CriticalFailures:
			score.raise(models.RiskCritical, models.RiskFactorAttackVelocity)
		case failures >= a.config.HighFailures:
			score.raise(models.RiskHigh, models.RiskFactorFailedAttemptVelocity)
		case failures >= a.config.MediumFailures:
			score.raise(models.RiskMedium, models.RiskFactorFailedAttempts)
		}
	}

	if recentErr != nil {
		a.logger.WarnContext(ctx, "risk analyzer: login history unavailable",
			slog.String("account_id", in.AccountID),
			slog.Any("error", recentErr),
		)
		historyUnavailable = true
	} else if len(recent) > 0 {
		a.scoreLocation(ctx, in.IPAddress, recent, score)
	}

	var sessionAge time.Duration
	if in.SessionCreatedAt != nil {
		sessionAge = now.Sub(*in.SessionCreatedAt)
		if sessionAge > a.config.MaxSessionAge {
			score.raise(models.RiskMedium, models.RiskFactorSessionAge)
		}
	}

	if historyUnavailable {
		score.raise(models.RiskMedium, models.RiskFactorHistoryUnavailable)
	}

	// A trusted device offsets medium signals only, and never a history outage.
	if trusted && score.level == models.RiskMedium && !historyUnavailable {
		score.level = models.RiskLow
	}

	assessment := &models.RiskAssessment{
		Level:                          score.level,
		Factors:                        score.factors,
		DeviceTrusted:                  trusted,
		SessionAge:                     sessionAge,
		RequiresAdditionalVerification: score.level.AtLeast(models.RiskHigh),
		AssessedAt:                     now,
	}

	metrics.RiskAssessmentsTotal.WithLabelValues(string(assessment.Level)).Inc()
	if assessment.Level != models.RiskLow || a.config.AuditLowRiskDecisions {
		a.events.Record(ctx, newEvent(models.EventRiskAssessed, severityForRisk(assessment.Level),
			in.AccountID, in.IPAddress, in.UserAgent, models.EventContext{
				"level":          string(assessment.Level),
				"factors":        assessment.Factors,
				"device_id":      in.DeviceID,
				"device_trusted": trusted,
				"success":        in.Success,
			}))
	}

	return assessment
}

func (a *RiskAnalyzer) scoreLocation(ctx context.Context, ipAddress string, recent []*models.LoginAttempt, score *riskScore) {
	if a.geo != nil {
		current, err := a.geo.Locate(ctx, ipAddress)
		if err != nil || current == nil {
			if err != nil {
				a.logger.WarnContext(ctx, "risk analyzer: geolocation failed", slog.Any("error", err))
			}
			return
		}

		placed := 0
		for _, attempt := range recent {
			prior, err := a.geo.Locate(ctx, attempt.IPAddress)
			if err != nil || prior == nil {
				continue
			}
			placed++
			if haversineKM(*current, *prior) <= a.config.UnfamiliarDistanceKM {
				return
			}
		}
		if placed > 0 {
			score.raise(models.RiskHigh, models.RiskFactorUnfamiliarLocation)
		}
		return
	}

	current := networkOf(ipAddress)
	if current == "" {
		return
	}
	for _, attempt := range recent {
		if networkOf(attempt.IPAddress) == current {
			return
		}
	}
	score.raise(models.RiskMedium, models.RiskFactorNewNetwork)
}

// networkOf returns the /24 (IPv4) or /64 (IPv6) network of ip, or "" when
// ip does not parse.
func networkOf(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return parsed.Mask(net.CIDRMask(64, 128)).String()
}

const earthRadiusKM = 6371.0

func haversineKM(a, b GeoPoint) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}

func severityForRisk(level models.RiskLevel) models.Severity {
	switch level {
	case models.RiskCritical:
		return models.SeverityCritical
	case models.RiskHigh:
		return models.SeverityHigh
	case models.RiskMedium:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
