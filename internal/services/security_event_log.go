package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/aegis/internal/metrics"
	"github.com/BradenHooton/aegis/internal/models"
	pkglogger "github.com/BradenHooton/aegis/pkg/logger"
)

// SecurityEventRepository defines the durable store behind the security event log
type SecurityEventRepository interface {
	Create(ctx context.Context, event *models.SecurityEvent) error
	List(ctx context.Context, filter models.SecurityEventFilter) ([]*models.SecurityEvent, error)
}

// EventRecorder is the audit sink every component writes to.
type EventRecorder interface {
	Record(ctx context.Context, event *models.SecurityEvent)
}

const defaultAuditWriteTimeout = 2 * time.Second

// SecurityEventLog handles audit logging with dual-write pattern (slog + database)
type SecurityEventLog struct {
	repo         SecurityEventRepository
	auditLogger  *pkglogger.AuditLogger
	writeTimeout time.Duration
	now          func() time.Time
}

// NewSecurityEventLog creates a new SecurityEventLog. A non-positive
// writeTimeout uses the default of two seconds.
func NewSecurityEventLog(repo SecurityEventRepository, auditLogger *pkglogger.AuditLogger, writeTimeout time.Duration) *SecurityEventLog {
	if writeTimeout <= 0 {
		writeTimeout = defaultAuditWriteTimeout
	}
	return &SecurityEventLog{
		repo:         repo,
		auditLogger:  auditLogger,
		writeTimeout: writeTimeout,
		now:          time.Now,
	}
}

// Record writes event to the structured log, then attempts the durable
// write. The durable write is bounded by the write timeout and survives
// cancellation of ctx. Failures are logged and never returned.
func (l *SecurityEventLog) Record(ctx context.Context, event *models.SecurityEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = l.now().UTC()
	}
	if event.Severity == "" {
		event.Severity = models.SeverityLow
	}

	sinkEvent := toAuditEvent(event)
	l.auditLogger.Log(ctx, sinkEvent)
	metrics.SecurityEventsTotal.WithLabelValues(event.EventType, string(event.Severity)).Inc()

	if l.repo == nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
	defer cancel()

	if err := l.repo.Create(writeCtx, event); err != nil {
		metrics.AuditPersistFailuresTotal.Inc()
		l.auditLogger.LogPersistFailure(ctx, sinkEvent, err)
	}
}

// List returns events for operators, newest first.
func (l *SecurityEventLog) List(ctx context.Context, filter models.SecurityEventFilter) ([]*models.SecurityEvent, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	events, err := l.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	return events, nil
}

func toAuditEvent(event *models.SecurityEvent) pkglogger.AuditEvent {
	ae := pkglogger.AuditEvent{
		EventType: event.EventType,
		Severity:  string(event.Severity),
		Context:   event.Context,
	}
	if event.AccountID != nil {
		ae.AccountID = *event.AccountID
	}
	if event.IPAddress != nil {
		ae.IPAddress = *event.IPAddress
	}
	if event.UserAgent != nil {
		ae.UserAgent = *event.UserAgent
	}
	return ae
}

// newEvent builds a security event. Empty strings become NULL columns.
func newEvent(eventType string, severity models.Severity, accountID, ipAddress, userAgent string, context models.EventContext) *models.SecurityEvent {
	if context == nil {
		context = models.EventContext{}
	}
	return &models.SecurityEvent{
		AccountID: optionalString(accountID),
		EventType: eventType,
		Severity:  severity,
		Context:   context,
		IPAddress: optionalString(ipAddress),
		UserAgent: optionalString(userAgent),
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// discardRecorder drops events; used when a component is built without a log.
type discardRecorder struct{}

func (discardRecorder) Record(context.Context, *models.SecurityEvent) {}

func recorderOrDiscard(r EventRecorder) EventRecorder {
	if r == nil {
		return discardRecorder{}
	}
	return r
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
