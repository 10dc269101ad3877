package database

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BradenHooton/aegis/internal/config"
	"github.com/BradenHooton/aegis/internal/metrics"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	healthCheckTimeout = 2 * time.Second
	defaultTxRetries   = 3
)

// DB is the shared pgx pool. Session validation reads on every request and
// lockout transactions take row locks, so the pool is sized for many short
// queries and every backend carries statement and lock timeouts.
type DB struct {
	Pool      *pgxpool.Pool
	logger    *slog.Logger
	txRetries int
}

// New wraps an existing pool, used by integration tests.
func New(pool *pgxpool.Pool, logger *slog.Logger) *DB {
	return &DB{Pool: pool, logger: logger, txRetries: defaultTxRetries}
}

// NewConnection opens the pool and waits until the database answers.
func NewConnection(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	poolConfig, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info("database connection established",
		slog.String("application_name", cfg.ApplicationName),
		slog.Int("max_conns", int(cfg.MaxConns)),
		slog.Int("min_conns", int(cfg.MinConns)),
		slog.Duration("statement_timeout", cfg.StatementTimeout),
		slog.Duration("lock_timeout", cfg.LockTimeout),
	)

	retries := cfg.TxRetries
	if retries < 0 {
		retries = 0
	}

	return &DB{Pool: pool, logger: logger, txRetries: retries}, nil
}

// poolConfig translates DatabaseConfig into pgxpool settings. Timeouts are
// sent as runtime parameters so they apply to every pooled backend.
func poolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.HealthCheckPeriod = cfg.HealthCheckPeriod

	if cfg.ConnectTimeout > 0 {
		pc.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	params := pc.ConnConfig.RuntimeParams
	if cfg.ApplicationName != "" {
		params["application_name"] = cfg.ApplicationName
	}
	if cfg.StatementTimeout > 0 {
		params["statement_timeout"] = milliseconds(cfg.StatementTimeout)
	}
	if cfg.LockTimeout > 0 {
		params["lock_timeout"] = milliseconds(cfg.LockTimeout)
	}
	// A session left idle inside a lockout transaction would hold the
	// account row lock until the statement timeout of the next waiter.
	if cfg.StatementTimeout > 0 {
		params["idle_in_transaction_session_timeout"] = milliseconds(2 * cfg.StatementTimeout)
	}

	return pc, nil
}

func milliseconds(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.Pool.Close()
}

func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (db *DB) Stats() *pgxpool.Stat {
	return db.Pool.Stat()
}

// ReportStats publishes pool gauges every interval until ctx is done. A
// growing count of empty acquires means request handlers are queueing for
// connections and is logged as a warning.
func (db *DB) ReportStats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastEmpty int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lastEmpty = db.reportStats(db.Pool.Stat(), lastEmpty)
		}
	}
}

func (db *DB) reportStats(stat *pgxpool.Stat, lastEmpty int64) int64 {
	metrics.DBPoolConnections.WithLabelValues("acquired").Set(float64(stat.AcquiredConns()))
	metrics.DBPoolConnections.WithLabelValues("idle").Set(float64(stat.IdleConns()))
	metrics.DBPoolConnections.WithLabelValues("total").Set(float64(stat.TotalConns()))
	metrics.DBPoolEmptyAcquires.Set(float64(stat.EmptyAcquireCount()))

	empty := stat.EmptyAcquireCount()
	if delta := empty - lastEmpty; delta > 0 {
		db.logger.Warn("database pool saturated",
			slog.Int64("waited_acquires", delta),
			slog.Int("acquired", int(stat.AcquiredConns())),
			slog.Int("max_conns", int(stat.MaxConns())),
			slog.Duration("acquire_duration", stat.AcquireDuration()),
		)
	} else {
		db.logger.Debug("database pool stats",
			slog.Int("acquired", int(stat.AcquiredConns())),
			slog.Int("idle", int(stat.IdleConns())),
			slog.Int("total", int(stat.TotalConns())),
		)
	}
	return empty
}
