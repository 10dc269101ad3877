package services

import (
	"context"
	"testing"
	"time"

	"github.com/BradenHooton/aegis/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockoutFixture struct {
	clock    *fakeClock
	repo     *memLockouts
	sessions *memSessions
	attempts *memAttempts
	accounts *memAccounts
	notifier *MockNotifier
	events   *recordingEvents
	manager  *LockoutManager
}

func newLockoutFixture(t *testing.T) *lockoutFixture {
	t.Helper()

	f := &lockoutFixture{
		clock:    newFakeClock(),
		repo:     &memLockouts{},
		sessions: newMemSessions(),
		attempts: &memAttempts{},
		accounts: newMemAccounts(NewTestAccount("acct-1", "alice@example.com")),
		notifier: &MockNotifier{},
		events:   &recordingEvents{},
	}
	config := DefaultLockoutConfig()
	config.Now = f.clock.Now
	f.manager = NewLockoutManager(f.repo, f.sessions, f.attempts, f.accounts, f.notifier, f.events, config, nil)
	return f
}

func (f *lockoutFixture) openSession(t *testing.T, accountID string) *models.Session {
	t.Helper()
	s, err := f.sessions.Create(context.Background(), &models.Session{AccountID: accountID, DeviceID: "dev-1", CreatedAt: f.clock.Now()})
	require.NoError(t, err)
	return s
}

// ============================================================================
// Lock
// ============================================================================

func TestLockoutManager_Lock(t *testing.T) {
	t.Run("applies type default duration and closes sessions", func(t *testing.T) {
		f := newLockoutFixture(t)
		ctx := context.Background()
		s1 := f.openSession(t, "acct-1")
		s2 := f.openSession(t, "acct-1")

		lockout, err := f.manager.Lock(ctx, LockRequest{
			AccountID: "acct-1",
			Type:      models.LockoutSuspiciousActivity,
			Reason:    "impossible travel",
		})
		require.NoError(t, err)
		require.NotNil(t, lockout.ExpiresAt)
		assert.Equal(t, f.clock.Now().Add(24*time.Hour), *lockout.ExpiresAt)

		for _, id := range []string{s1.ID, s2.ID} {
			s, err := f.sessions.GetByID(ctx, id)
			require.NoError(t, err)
			assert.False(t, s.IsValid())
			assert.Equal(t, models.SessionReasonAccountLocked, *s.InvalidationReason)
		}

		locked := f.events.ofType(models.EventAccountLocked)
		require.Len(t, locked, 1)
		assert.Equal(t, models.SeverityHigh, locked[0].Severity)
		assert.Equal(t, int64(2), locked[0].Context["sessions_invalidated"])

		alerts := f.notifier.sent()
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertAccountLocked, alerts[0].Kind)
	})

	t.Run("explicit duration overrides default", func(t *testing.T) {
		f := newLockoutFixture(t)

		lockout, err := f.manager.Lock(context.Background(), LockRequest{
			AccountID: "acct-1",
			Type:      models.LockoutLoginAttempts,
			Duration:  5 * time.Minute,
		})
		require.NoError(t, err)
		assert.Equal(t, f.clock.Now().Add(5*time.Minute), *lockout.ExpiresAt)
	})

	t.Run("administrative lockout has no expiry and requires an actor", func(t *testing.T) {
		f := newLockoutFixture(t)
		ctx := context.Background()

		_, err := f.manager.Lock(ctx, LockRequest{AccountID: "acct-1", Type: models.LockoutAdministrative})
		assert.ErrorIs(t, err, models.ErrBadRequest)

		admin := "admin-1"
		lockout, err := f.manager.Lock(ctx, LockRequest{
			AccountID: "acct-1",
			Type:      models.LockoutAdministrative,
			Duration:  time.Minute,
			LockedBy:  &admin,
		})
		require.NoError(t, err)
		assert.Nil(t, lockout.ExpiresAt)
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		f := newLockoutFixture(t)

		_, err := f.manager.Lock(context.Background(), LockRequest{AccountID: "acct-1", Type: "forever"})
		assert.ErrorIs(t, err, models.ErrBadRequest)
	})

	t.Run("automatic lock yields to active administrative lockout", func(t *testing.T) {
		f := newLockoutFixture(t)
		ctx := context.Background()
		admin := "admin-1"

		adminLock, err := f.manager.Lock(ctx, LockRequest{AccountID: "acct-1", Type: models.LockoutAdministrative, LockedBy: &admin})
		require.NoError(t, err)

		got, err := f.manager.Lock(ctx, LockRequest{AccountID: "acct-1", Type: models.LockoutLoginAttempts})
		require.NoError(t, err)
		assert.Equal(t, adminLock.ID, got.ID)
		assert.Equal(t, models.LockoutAdministrative, got.Type)
	})

	t.Run("new automatic lock supersedes older automatic lock", func(t *testing.T) {
		f := newLockoutFixture(t)
		ctx := context.Background()

		first, err := f.manager.Lock(ctx, LockRequest{AccountID: "acct-1", Type: models.LockoutTwoFactorAttempts})
		require.NoError(t, err)
		second, err := f.manager.Lock(ctx, LockRequest{AccountID: "acct-1", Type: models.LockoutSuspiciousActivity})
		require.NoError(t, err)

		assert.NotEqual(t, first.ID, second.ID)
		active, err := f.manager.ActiveLockout(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, second.ID, active.ID)
	})

	t.Run("shorter automatic lock leaves the longer one in place", func(t *testing.T) {
		f := newLockoutFixture(t)
		ctx := context.Background()

		long, err := f.manager.Lock(ctx, LockRequest{AccountID: "acct-1", Type: models.LockoutSuspiciousActivity})
		require.NoError(t, err)

		got, err := f.manager.Lock(ctx, LockRequest{AccountID: "acct-1", Type: models.LockoutLoginAttempts})
		require.NoError(t, err)
		assert.Equal(t, long.ID, got.ID)
		assert.Equal(t, f.clock.Now().Add(24*time.Hour), *got.ExpiresAt)

		f.clock.Advance(time.Hour)
		active, err := f.manager.ActiveLockout(ctx, "acct-1")
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, long.ID, active.ID)
		assert.Len(t, f.events.ofType(models.EventAccountLocked), 1)
	})

	t.Run("session invalidation failure surfaces", func(t *testing.T) {
		f := newLockoutFixture(t)
		f.sessions.InvalidateAllErr = assert.AnError

		lockout, err := f.manager.Lock(context.Background(), LockRequest{AccountID: "acct-1", Type: models.LockoutLoginAttempts})
		assert.Error(t, err)
		assert.NotNil(t, lockout)
	})
}

// ============================================================================
// IsLocked and expiry
// ============================================================================

func TestLockoutManager_IsLockedExpiresInline(t *testing.T) {
	f := newLockoutFixture(t)
	ctx := context.Background()

	_, err := f.manager.Lock(ctx, LockRequest{AccountID: "acct-1", Type: models.LockoutTwoFactorAttempts})
	require.NoError(t, err)

	locked, err := f.manager.IsLocked(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, locked)

	f.clock.Advance(15*time.Minute + time.Second)

	locked, err = f.manager.IsLocked(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, locked)
	assert.Len(t, f.events.ofType(models.EventLockoutExpired), 1)

	history, err := f.manager.History(ctx, "acct-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].IsActive)
}

func TestLockoutManager_IsLockedWithoutLockout(t *testing.T) {
	f := newLockoutFixture(t)

	locked, err := f.manager.IsLocked(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestLockoutManager_IsLockedRepositoryError(t *testing.T) {
	f := newLockoutFixture(t)
	f.repo.GetErr = assert.AnError

	_, err := f.manager.IsLocked(context.Background(), "acct-1")
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLockoutManager_Sweep(t *testing.T) {
	f := newLockoutFixture(t)
	ctx := context.Background()
	f.accounts.accounts["acct-2"] = NewTestAccount("acct-2", "bob@example.com")
	f.accounts.accounts["acct-3"] = NewTestAccount("acct-3", "carol@example.com")
	admin := "admin-1"

	_, err := f.manager.Lock(ctx, LockRequest{AccountID: "acct-1", Type: models.LockoutLoginAttempts})
	require.NoError(t, err)
	_, err = f.manager.Lock(ctx, LockRequest{AccountID: "acct-2", Type: models.LockoutSuspiciousActivity})
	require.NoError(t, err)
	_, err = f.manager.Lock(ctx, LockRequest{AccountID: "acct-3", Type: models.LockoutAdministrative, LockedBy: &admin})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)

	swept, err := f.manager.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	swept, err = f.manager.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept, "sweep is idempotent")

	for id, want := range map[string]bool{"acct-1": false, "acct-2": true, "acct-3": true} {
		locked, err := f.manager.IsLocked(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, locked, id)
	}
}

func TestLockoutManager_AdministrativeLockoutNeverExpires(t *testing.T) {
	f := newLockoutFixture(t)
	ctx := context.Background()
	admin := "admin-1"

	_, err := f.manager.Lock(ctx, LockRequest{AccountID: "acct-1", Type: models.LockoutAdministrative, LockedBy: &admin})
	require.NoError(t, err)

	f.clock.Advance(365 * 24 * time.Hour)

	swept, err := f.manager.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	locked, err := f.manager.IsLocked(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, locked)
}

// ============================================================================
// Unlock
// ============================================================================

func TestLockoutManager_Unlock(t *testing.T) {
	t.Run("not locked", func(t *testing.T) {
		f := newLockoutFixture(t)

		_, err := f.manager.Unlock(context.Background(), UnlockRequest{AccountID: "acct-1"})
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("automatic lockout", func(t *testing.T) {
		f := newLockoutFixture(t)
		ctx := context.Background()
		_, err := f.manager.Lock(ctx, LockRequest{AccountID: "acct-1", Type: models.LockoutLoginAttempts})
		require.NoError(t, err)

		ended, err := f.manager.Unlock(ctx, UnlockRequest{AccountID: "acct-1", Reason: "support ticket"})
		require.NoError(t, err)
		assert.False(t, ended.IsActive)

		locked, err := f.manager.IsLocked(ctx, "acct-1")
		require.NoError(t, err)
		assert.False(t, locked)
		assert.Len(t, f.events.ofType(models.EventAccountUnlocked), 1)
	})

	t.Run("administrative lockout needs an admin", func(t *testing.T) {
		f := newLockoutFixture(t)
		ctx := context.Background()
		admin := "admin-1"
		_, err := f.manager.Lock(ctx, LockRequest{AccountID: "acct-1", Type: models.LockoutAdministrative, LockedBy: &admin})
		require.NoError(t, err)

		_, err = f.manager.Unlock(ctx, UnlockRequest{AccountID: "acct-1"})
		assert.ErrorIs(t, err, models.ErrForbidden)

		ended, err := f.manager.Unlock(ctx, UnlockRequest{AccountID: "acct-1", UnlockedBy: &admin, ActorIsAdmin: true})
		require.NoError(t, err)
		assert.Equal(t, admin, *ended.UnlockedBy)
	})
}

// ============================================================================
// RecordFailedLogin
// ============================================================================

func TestLockoutManager_RecordFailedLogin(t *testing.T) {
	t.Run("locks on fifth failure and resets after cooldown", func(t *testing.T) {
		f := newLockoutFixture(t)
		ctx := context.Background()
		attempt := FailedLogin{AccountID: "acct-1", Email: "alice@example.com", IPAddress: "203.0.113.7", Reason: "invalid_password"}

		for i := 0; i < 4; i++ {
			lockout, err := f.manager.RecordFailedLogin(ctx, attempt)
			require.NoError(t, err)
			assert.Nil(t, lockout, "attempt %d", i+1)
		}

		lockout, err := f.manager.RecordFailedLogin(ctx, attempt)
		require.NoError(t, err)
		require.NotNil(t, lockout)
		assert.Equal(t, models.LockoutLoginAttempts, lockout.Type)
		assert.Equal(t, f.clock.Now().Add(30*time.Minute), *lockout.ExpiresAt)

		f.clock.Advance(31 * time.Minute)

		locked, err := f.manager.IsLocked(ctx, "acct-1")
		require.NoError(t, err)
		assert.False(t, locked)

		lockout, err = f.manager.RecordFailedLogin(ctx, attempt)
		require.NoError(t, err)
		assert.Nil(t, lockout, "old failures fall outside the window")
	})

	t.Run("failures outside the window do not count", func(t *testing.T) {
		f := newLockoutFixture(t)
		ctx := context.Background()
		f.attempts.addFailures("acct-1", 4, f.clock.Now().Add(-20*time.Minute))

		lockout, err := f.manager.RecordFailedLogin(ctx, FailedLogin{AccountID: "acct-1"})
		require.NoError(t, err)
		assert.Nil(t, lockout)
	})

	t.Run("unknown account only records the attempt", func(t *testing.T) {
		f := newLockoutFixture(t)

		lockout, err := f.manager.RecordFailedLogin(context.Background(), FailedLogin{Email: "ghost@example.com"})
		require.NoError(t, err)
		assert.Nil(t, lockout)
		require.Len(t, f.attempts.attempts, 1)
		assert.Nil(t, f.attempts.attempts[0].AccountID)
	})

	t.Run("count failure surfaces", func(t *testing.T) {
		f := newLockoutFixture(t)
		f.attempts.CountErr = assert.AnError

		_, err := f.manager.RecordFailedLogin(context.Background(), FailedLogin{AccountID: "acct-1"})
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestLockoutManager_LockForRisk(t *testing.T) {
	f := newLockoutFixture(t)

	lockout, err := f.manager.LockForRisk(context.Background(), "acct-1", &models.RiskAssessment{
		Level:   models.RiskCritical,
		Factors: []string{models.RiskFactorAttackVelocity, models.RiskFactorNewDevice},
	})
	require.NoError(t, err)
	assert.Equal(t, models.LockoutSuspiciousActivity, lockout.Type)
	assert.Contains(t, lockout.Reason, "attack_velocity")
}
