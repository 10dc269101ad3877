package integration

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/BradenHooton/aegis/internal/database"
	"github.com/BradenHooton/aegis/internal/models"
	"github.com/BradenHooton/aegis/pkg/auth"
)

// TestDB manages PostgreSQL testcontainer and database operations
type TestDB struct {
	Container  testcontainers.Container
	ConnString string
	Pool       *pgxpool.Pool
	DB         *database.DB
}

// SetupTestDatabase creates a PostgreSQL testcontainer, runs migrations, returns TestDB
func SetupTestDatabase(ctx context.Context) (*TestDB, error) {
	// Create PostgreSQL container
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("aegis"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	// Get connection string
	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	// Create connection pool
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Run migrations
	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &TestDB{
		Container:  container,
		ConnString: connStr,
		Pool:       pool,
		DB:         database.New(pool, slog.Default()),
	}, nil
}

// runMigrations applies the embedded goose migrations
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	// Suppress goose logs
	goose.SetLogger(log.New(discard{}, "", 0))

	// Goose needs stdlib DB connection
	sqlDB := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer sqlDB.Close()

	return database.MigrateDB(ctx, sqlDB)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Teardown stops the container and closes the connection pool
func (db *TestDB) Teardown(ctx context.Context) error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}

// CleanupTables truncates all tables for test isolation
func (db *TestDB) CleanupTables(ctx context.Context) error {
	tables := []string{
		"security_events",
		"totp_enrollments",
		"biometric_credentials",
		"password_history",
		"login_attempts",
		"account_lockouts",
		"sessions",
		"devices",
		"accounts",
	}

	for _, table := range tables {
		if _, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}

	return nil
}

// SeedAccount inserts an account with a bcrypt-hashed password and records
// that hash in its password history.
func SeedAccount(ctx context.Context, pool *pgxpool.Pool, email, password, role string) (*models.Account, error) {
	// Minimum cost keeps seeding fast
	hashedPassword, err := auth.NewBcryptHasher(4).Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	query := `
		INSERT INTO accounts (email, password_hash, role, password_changed_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, email, password_hash, role, is_active, is_locked, two_factor_enabled, created_at, updated_at
	`

	var account models.Account
	err = pool.QueryRow(ctx, query, email, hashedPassword, role).Scan(
		&account.ID,
		&account.Email,
		&account.PasswordHash,
		&account.Role,
		&account.IsActive,
		&account.IsLocked,
		&account.TwoFactorEnabled,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}

	if _, err := pool.Exec(ctx,
		`INSERT INTO password_history (account_id, password_hash) VALUES ($1, $2)`,
		account.ID, hashedPassword,
	); err != nil {
		return nil, fmt.Errorf("failed to seed password history: %w", err)
	}

	return &account, nil
}

// SeedTrustedDevice registers deviceID as a trusted device of accountID
func SeedTrustedDevice(ctx context.Context, pool *pgxpool.Pool, accountID, deviceID string) error {
	_, err := pool.Exec(ctx,
		`INSERT INTO devices (account_id, device_id, trusted) VALUES ($1, $2, TRUE)
		 ON CONFLICT (account_id, device_id) DO UPDATE SET trusted = TRUE`,
		accountID, deviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to seed device: %w", err)
	}
	return nil
}
