package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BradenHooton/aegis/internal/models"
	pkghttp "github.com/BradenHooton/aegis/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// AuthContextKey is the key for storing the validated AuthContext
	AuthContextKey contextKey = "auth_context"
)

// SessionValidator turns a bearer token plus request signals into a decision.
type SessionValidator interface {
	Validate(ctx context.Context, req models.ValidationRequest) (*models.AuthContext, error)
}

// PendingValidator resolves a session that may still owe a second factor
// or step-up proof.
type PendingValidator interface {
	ValidatePending(ctx context.Context, req models.ValidationRequest) (*models.AuthContext, error)
}

// HighSecurityGate decides whether a sensitive operation may proceed.
type HighSecurityGate interface {
	CheckHighSecurity(ctx context.Context, account *models.Account, session *models.Session, risk *models.RiskAssessment) error
}

// RiskLocker imposes a lockout for a request assessed at critical risk.
type RiskLocker interface {
	LockForRisk(ctx context.Context, accountID string, risk *models.RiskAssessment) (*models.Lockout, error)
}

type MiddlewareConfig struct {
	IPConfig *pkghttp.IPConfig
	// RiskLocker is optional. When set, critical-risk requests lock the account.
	RiskLocker RiskLocker
	Logger     *slog.Logger
}

// Authenticate validates the bearer token and injects the AuthContext.
func Authenticate(validator SessionValidator, cfg MiddlewareConfig) func(next http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := pkghttp.ExtractClientInfo(r, cfg.IPConfig)

			authCtx, err := validator.Validate(r.Context(), models.ValidationRequest{
				Token:     extractBearer(r),
				IPAddress: client.IPAddress,
				UserAgent: client.UserAgent,
				DeviceID:  client.DeviceID,
			})
			if err != nil {
				var authErr *models.AuthError
				if errors.As(err, &authErr) && authErr.RiskLevel == models.RiskCritical && authErr.AccountID != "" {
					if lockErr := lockForRisk(r.Context(), cfg.RiskLocker, logger, authErr.AccountID, &models.RiskAssessment{
						Level:   authErr.RiskLevel,
						Factors: authErr.Risks,
					}); lockErr != nil {
						WriteAuthError(w, lockErr)
						return
					}
				}
				WriteAuthError(w, err)
				return
			}

			if authCtx.Risk != nil && authCtx.Risk.Level == models.RiskCritical {
				if lockErr := lockForRisk(r.Context(), cfg.RiskLocker, logger, authCtx.Account.ID, authCtx.Risk); lockErr != nil {
					WriteAuthError(w, lockErr)
					return
				}
			}

			ctx := context.WithValue(r.Context(), AuthContextKey, authCtx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthenticatePending injects the AuthContext of a session that may still be
// completing its second factor or step-up proof. Only routes that complete
// those proofs are mounted behind it.
func AuthenticatePending(validator PendingValidator, cfg MiddlewareConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := pkghttp.ExtractClientInfo(r, cfg.IPConfig)

			authCtx, err := validator.ValidatePending(r.Context(), models.ValidationRequest{
				Token:     extractBearer(r),
				IPAddress: client.IPAddress,
				UserAgent: client.UserAgent,
				DeviceID:  client.DeviceID,
			})
			if err != nil {
				WriteAuthError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), authCtx)))
		})
	}
}

// lockForRisk returns an ACCOUNT_LOCKED error when a lock was imposed, nil
// when no locker is configured or locking failed.
func lockForRisk(ctx context.Context, locker RiskLocker, logger *slog.Logger, accountID string, risk *models.RiskAssessment) error {
	if locker == nil {
		return nil
	}

	lockout, err := locker.LockForRisk(ctx, accountID, risk)
	if err != nil {
		logger.Error("failed to lock account for critical risk",
			slog.String("account_id", accountID),
			slog.Any("error", err),
		)
		return nil
	}

	return &models.AuthError{
		Code:        models.CodeAccountLocked,
		Message:     "account is locked",
		AccountID:   accountID,
		LockReason:  lockout.Reason,
		LockedUntil: lockout.ExpiresAt,
	}
}

// RequireHighSecurity enforces the identity and freshness tiers for
// sensitive operations. Must be used after Authenticate.
func RequireHighSecurity(gate HighSecurityGate) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := GetAuthContext(r)
			if authCtx == nil {
				WriteAuthError(w, models.NewAuthError(models.CodeMissingToken, "authentication required"))
				return
			}

			if err := gate.CheckHighSecurity(r.Context(), authCtx.Account, authCtx.Session, authCtx.Risk); err != nil {
				WriteAuthError(w, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole enforces role-based access control on the account loaded by
// Authenticate.
func RequireRole(role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := GetAuthContext(r)
			if authCtx == nil {
				WriteAuthError(w, models.NewAuthError(models.CodeMissingToken, "authentication required"))
				return
			}

			if authCtx.Account.Role != role {
				pkghttp.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetAuthContext extracts the validated AuthContext from the request
func GetAuthContext(r *http.Request) *models.AuthContext {
	authCtx, ok := r.Context().Value(AuthContextKey).(*models.AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}

// WithAuthContext returns ctx carrying authCtx.
func WithAuthContext(ctx context.Context, authCtx *models.AuthContext) context.Context {
	return context.WithValue(ctx, AuthContextKey, authCtx)
}

func extractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		// Forwarded as-is so the validator rejects it as INVALID_TOKEN.
		return header
	}
	return strings.TrimSpace(token)
}
