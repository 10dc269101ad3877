package logger

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// AuditEvent is one security event as written to the structured log sink.
type AuditEvent struct {
	EventType string
	Severity  string
	AccountID string
	IPAddress string
	UserAgent string
	Context   map[string]any
}

// AuditLogger writes security events as structured slog records. It is the
// sink of last resort: it never fails.
type AuditLogger struct {
	logger *slog.Logger
}

func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// Log writes event at a level derived from its severity.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "security"),
		slog.String("event_type", event.EventType),
		slog.String("severity", event.Severity),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if event.AccountID != "" {
		attrs = append(attrs, slog.String("account_id", event.AccountID))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}

	if len(event.Context) > 0 {
		keys := make([]string, 0, len(event.Context))
		for k := range event.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		ctxAttrs := make([]any, 0, len(keys))
		for _, k := range keys {
			ctxAttrs = append(ctxAttrs, slog.Any(k, event.Context[k]))
		}
		attrs = append(attrs, slog.Group("context", ctxAttrs...))
	}

	al.logger.LogAttrs(ctx, levelFor(event.Severity), "audit", attrs...)
}

// LogPersistFailure records that an event could not be written to the
// durable store.
func (al *AuditLogger) LogPersistFailure(ctx context.Context, event AuditEvent, err error) {
	al.logger.LogAttrs(ctx, slog.LevelError, "audit persistence failed",
		slog.String("audit_type", "security"),
		slog.String("event_type", event.EventType),
		slog.String("account_id", event.AccountID),
		slog.Any("error", err),
	)
}

func levelFor(severity string) slog.Level {
	switch severity {
	case "critical":
		return slog.LevelError
	case "high":
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
