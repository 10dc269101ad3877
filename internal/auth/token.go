package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/aegis/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "aegis"

// TokenManager handles JWT generation and validation. Every token is bound
// to a session (sid) and a device (did).
type TokenManager struct {
	secret             []byte
	accessTokenExpiry  time.Duration
	refreshTokenExpiry time.Duration
	now                func() time.Time
}

func NewTokenManager(secret string, accessExpiry, refreshExpiry time.Duration) *TokenManager {
	return &TokenManager{
		secret:             []byte(secret),
		accessTokenExpiry:  accessExpiry,
		refreshTokenExpiry: refreshExpiry,
		now:                time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (tm *TokenManager) WithClock(now func() time.Time) *TokenManager {
	tm.now = now
	return tm
}

// GenerateAccessToken issues a short-lived access token for a session.
func (tm *TokenManager) GenerateAccessToken(accountID, sessionID, deviceID string) (string, time.Time, error) {
	return tm.sign(models.TokenTypeAccess, accountID, sessionID, deviceID, uuid.New().String(), tm.accessTokenExpiry)
}

// GenerateRefreshToken issues a refresh token whose jti is tokenID. The
// session stores the same id so a replayed token can be told apart from
// the current one.
func (tm *TokenManager) GenerateRefreshToken(accountID, sessionID, deviceID, tokenID string) (string, time.Time, error) {
	if tokenID == "" {
		return "", time.Time{}, errors.New("refresh token id is required")
	}
	return tm.sign(models.TokenTypeRefresh, accountID, sessionID, deviceID, tokenID, tm.refreshTokenExpiry)
}

func (tm *TokenManager) sign(tokenType, accountID, sessionID, deviceID, tokenID string, ttl time.Duration) (string, time.Time, error) {
	now := tm.now()
	expiresAt := now.Add(ttl)

	claims := &models.TokenClaims{
		Type:      tokenType,
		AccountID: accountID,
		SessionID: sessionID,
		DeviceID:  deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    tokenIssuer,
			Subject:   accountID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}

	return tokenString, expiresAt, nil
}

// ValidateToken verifies signature, expiry and shape of an access token.
// It returns models.ErrTokenExpired for expired tokens and
// models.ErrInvalidToken for everything else.
func (tm *TokenManager) ValidateToken(tokenString string) (*models.TokenClaims, error) {
	return tm.parse(tokenString, models.TokenTypeAccess)
}

// ValidateRefreshToken is ValidateToken for refresh tokens. An access token
// presented here is rejected, and so is a refresh token without a jti.
func (tm *TokenManager) ValidateRefreshToken(tokenString string) (*models.TokenClaims, error) {
	claims, err := tm.parse(tokenString, models.TokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing token id", models.ErrInvalidToken)
	}
	return claims, nil
}

func (tm *TokenManager) parse(tokenString, tokenType string) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	},
		jwt.WithTimeFunc(tm.now),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, models.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, models.ErrInvalidToken
	}

	if claims.Type != tokenType || claims.AccountID == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing required claims", models.ErrInvalidToken)
	}

	return claims, nil
}
