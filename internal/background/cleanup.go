package background

import (
	"context"
	"log/slog"
	"time"
)

// LockoutSweeper deactivates timed lockouts whose expiry has passed.
type LockoutSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// AttemptPurger deletes login attempts past their retention.
type AttemptPurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// CleanupManager periodically expires lockouts and purges old login attempts
type CleanupManager struct {
	lockouts LockoutSweeper
	attempts AttemptPurger
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	lockouts LockoutSweeper,
	attempts AttemptPurger,
	logger *slog.Logger,
	interval time.Duration,
) *CleanupManager {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &CleanupManager{
		lockouts: lockouts,
		attempts: attempts,
		logger:   logger,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce performs a single sweep and purge. A failure in one step does not
// skip the other.
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if cm.lockouts != nil {
		expired, err := cm.lockouts.Sweep(cleanupCtx)
		if err != nil {
			cm.logger.Error("failed to sweep expired lockouts", slog.Any("error", err))
		} else if expired > 0 {
			cm.logger.Info("expired lockouts released", slog.Int("count", expired))
		}
	}

	if cm.attempts != nil {
		rowsDeleted, err := cm.attempts.DeleteExpired(cleanupCtx, cm.now())
		if err != nil {
			cm.logger.Error("failed to purge login attempts", slog.Any("error", err))
		} else if rowsDeleted > 0 {
			cm.logger.Info("login attempt purge completed", slog.Int64("rows_deleted", rowsDeleted))
		}
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
