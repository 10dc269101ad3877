package middleware

import (
	"log/slog"
	"net/http"
	"time"

	pkghttp "github.com/BradenHooton/aegis/pkg/http"
	pkglogger "github.com/BradenHooton/aegis/pkg/logger"
	"github.com/go-chi/chi/v5/middleware"
)

// SecureLogger returns a middleware for logging HTTP requests with sensitive
// query parameters redacted. Bearer tokens and request bodies are never logged.
func SecureLogger(logger *slog.Logger, ipConfig *pkghttp.IPConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(wrapped, r)

			path := r.URL.Path
			if pkglogger.SanitizeQueryString(r.URL.RawQuery) {
				path = path + "?[REDACTED]"
			} else if r.URL.RawQuery != "" {
				path = r.URL.Path + "?" + r.URL.RawQuery
			}

			client := pkghttp.ExtractClientInfo(r, ipConfig)
			status := wrapped.Status()
			if status == 0 {
				status = http.StatusOK
			}

			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}

			logger.LogAttrs(r.Context(), level, "http_request",
				slog.String("method", r.Method),
				slog.String("path", path),
				slog.Int("status", status),
				slog.Int("bytes", wrapped.BytesWritten()),
				slog.String("duration", time.Since(start).String()),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("client_ip", client.IPAddress),
				slog.String("device_id", client.DeviceID),
			)
		})
	}
}
