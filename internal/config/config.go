package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	Server    ServerConfig
	Auth      AuthConfig
	Risk      RiskConfig
	Biometric BiometricConfig
	RateLimit RateLimitConfig
	Breach    BreachConfig
	Email     EmailConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	AutoMigrate       bool

	// ApplicationName tags every backend in pg_stat_activity.
	ApplicationName string
	ConnectTimeout  time.Duration
	// StatementTimeout caps each query on the request path.
	StatementTimeout time.Duration
	// LockTimeout bounds row-lock waits, chiefly the FOR UPDATE on an
	// account's active lockout.
	LockTimeout time.Duration
	// TxRetries is how often a lockout transaction is re-run after a
	// serialization failure, deadlock or lock timeout.
	TxRetries     int
	StatsInterval time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	TrustedProxies []string
}

type AuthConfig struct {
	JWTSecret             string
	AccessTokenExpiry     time.Duration
	RefreshTokenExpiry    time.Duration
	MaxSessionAge         time.Duration
	FreshnessWindow       time.Duration
	TOTPEncryptionKey     []byte
	TOTPIssuer            string
	LoginAttemptRetention time.Duration
	CleanupInterval       time.Duration
	BcryptCost            int
}

type RiskConfig struct {
	// LockOnCritical imposes a suspicious_activity lockout when a request is
	// assessed at critical risk.
	LockOnCritical       bool
	UnfamiliarDistanceKM float64
	// SessionAgeThreshold is the age past which a session is a medium risk
	// factor. Distinct from Auth.MaxSessionAge, the hard lifetime ceiling.
	SessionAgeThreshold time.Duration
}

type BiometricConfig struct {
	Secret       string
	ChallengeTTL time.Duration
	MaxFailures  int
	Cooldown     time.Duration
}

type RateLimitConfig struct {
	BaselineRequests int
	Window           time.Duration
	PublicPerMinute  int
}

type BreachConfig struct {
	Enabled        bool
	APIURL         string
	Timeout        time.Duration
	CacheSize      int
	RequestsPerSec float64
}

type EmailConfig struct {
	Enabled   bool
	Region    string
	FromEmail string
	FromName  string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "aegis"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			AutoMigrate:       getEnvAsBool("DB_AUTO_MIGRATE", true),
			ApplicationName:   getEnv("DB_APPLICATION_NAME", "aegis"),
			ConnectTimeout:    getEnvAsDuration("DB_CONNECT_TIMEOUT", 5*time.Second),
			StatementTimeout:  getEnvAsDuration("DB_STATEMENT_TIMEOUT", 5*time.Second),
			LockTimeout:       getEnvAsDuration("DB_LOCK_TIMEOUT", 2*time.Second),
			TxRetries:         getEnvAsInt("DB_TX_RETRIES", 3),
			StatsInterval:     getEnvAsDuration("DB_STATS_INTERVAL", 1*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			TrustedProxies: splitList(getEnv("TRUSTED_PROXIES", "")),
		},
		Auth: AuthConfig{
			JWTSecret:             jwtSecret,
			AccessTokenExpiry:     getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry:    getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 24*time.Hour),
			MaxSessionAge:         getEnvAsDuration("MAX_SESSION_AGE", 7*24*time.Hour),
			FreshnessWindow:       getEnvAsDuration("FRESHNESS_WINDOW", 30*time.Minute),
			TOTPIssuer:            getEnv("TOTP_ISSUER", "Aegis"),
			LoginAttemptRetention: getEnvAsDuration("LOGIN_ATTEMPT_RETENTION", 30*24*time.Hour),
			CleanupInterval:       getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Minute),
			BcryptCost:            getEnvAsInt("BCRYPT_COST", 12),
		},
		Risk: RiskConfig{
			LockOnCritical:       getEnvAsBool("RISK_LOCK_ON_CRITICAL", true),
			UnfamiliarDistanceKM: float64(getEnvAsInt("RISK_UNFAMILIAR_DISTANCE_KM", 500)),
			SessionAgeThreshold:  getEnvAsDuration("RISK_SESSION_AGE_THRESHOLD", 4*time.Hour),
		},
		Biometric: BiometricConfig{
			Secret:       getEnv("BIOMETRIC_SECRET", ""),
			ChallengeTTL: getEnvAsDuration("BIOMETRIC_CHALLENGE_TTL", 5*time.Minute),
			MaxFailures:  getEnvAsInt("BIOMETRIC_MAX_FAILURES", 5),
			Cooldown:     getEnvAsDuration("BIOMETRIC_COOLDOWN", 15*time.Minute),
		},
		RateLimit: RateLimitConfig{
			BaselineRequests: getEnvAsInt("RATE_LIMIT_BASELINE", 100),
			Window:           getEnvAsDuration("RATE_LIMIT_WINDOW", 1*time.Minute),
			PublicPerMinute:  getEnvAsInt("RATE_LIMIT_PUBLIC_PER_MINUTE", 10),
		},
		Breach: BreachConfig{
			Enabled:        getEnvAsBool("BREACH_CHECK_ENABLED", true),
			APIURL:         getEnv("BREACH_API_URL", "https://api.pwnedpasswords.com/range/"),
			Timeout:        getEnvAsDuration("BREACH_CHECK_TIMEOUT", 2*time.Second),
			CacheSize:      getEnvAsInt("BREACH_CACHE_SIZE", 1024),
			RequestsPerSec: float64(getEnvAsInt("BREACH_REQUESTS_PER_SEC", 10)),
		},
		Email: EmailConfig{
			Enabled:   getEnvAsBool("EMAIL_ENABLED", false),
			Region:    getEnv("AWS_REGION", "us-east-1"),
			FromEmail: getEnv("EMAIL_FROM", "security@example.com"),
			FromName:  getEnv("EMAIL_FROM_NAME", "Aegis Security"),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if cfg.Database.MinConns > cfg.Database.MaxConns {
		return nil, fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", cfg.Database.MinConns, cfg.Database.MaxConns)
	}

	if cfg.Auth.RefreshTokenExpiry <= cfg.Auth.AccessTokenExpiry {
		return nil, fmt.Errorf("REFRESH_TOKEN_EXPIRY must be longer than ACCESS_TOKEN_EXPIRY")
	}

	if err := validateSecret("JWT_SECRET", jwtSecret, env); err != nil {
		return nil, err
	}

	if cfg.Biometric.Secret == "" {
		cfg.Biometric.Secret = jwtSecret + ":biometric"
	} else if err := validateSecret("BIOMETRIC_SECRET", cfg.Biometric.Secret, env); err != nil {
		return nil, err
	}

	key, err := parseEncryptionKey(getEnv("TOTP_ENCRYPTION_KEY", ""), env)
	if err != nil {
		return nil, err
	}
	cfg.Auth.TOTPEncryptionKey = key

	return cfg, nil
}

// validateSecret enforces minimum security standards for signing secrets
func validateSecret(name, secret, env string) error {
	minLength := 16 // Development minimum
	if env == "production" {
		minLength = 32 // Production requires 256 bits
	}

	if len(secret) < minLength {
		return fmt.Errorf("%s must be at least %d characters in %s environment (got %d)",
			name, minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("%s cannot be a common weak value", name)
		}
	}

	return nil
}

// parseEncryptionKey decodes the hex AES-256 key for TOTP secrets. Outside
// production an all-zero development key is used when none is configured.
func parseEncryptionKey(value, env string) ([]byte, error) {
	if value == "" {
		if env == "production" {
			return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY is required in production")
		}
		return make([]byte, 32), nil
	}

	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY must decode to 32 bytes (got %d)", len(key))
	}
	return key, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		return splitList(getEnv("ALLOWED_ORIGINS", ""))
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173", // Vite default
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:5173",
	}
}
