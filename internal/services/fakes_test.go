package services

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/aegis/internal/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// ============================================================================
// Clock and event capture
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func (r *recordingEvents) Record(ctx context.Context, event *models.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) ofType(eventType string) []*models.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SecurityEvent
	for _, e := range r.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// ============================================================================
// In-memory stores
// ============================================================================

// plainHasher is a fast stand-in for bcrypt.
type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) { return "hash:" + password, nil }

func (plainHasher) Matches(hashed, password string) bool { return hashed == "hash:"+password }

type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	seq      int
	GetErr   error
}

func newMemAccounts(accounts ...*models.Account) *memAccounts {
	m := &memAccounts{accounts: make(map[string]*models.Account)}
	for _, a := range accounts {
		m.accounts[a.ID] = a
	}
	return m
}

func (m *memAccounts) GetByID(ctx context.Context, id string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	a, ok := m.accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memAccounts) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	cp := *account
	cp.ID = fmt.Sprintf("acct-%d", m.seq)
	cp.IsActive = true
	m.accounts[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memAccounts) UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return models.ErrNotFound
	}
	a.PasswordHash = passwordHash
	a.PasswordChangedAt = &changedAt
	return nil
}

func (m *memAccounts) TouchLastActive(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.LastActiveAt = &at
	}
	return nil
}

func (m *memAccounts) SetTwoFactorEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.TwoFactorEnabled = enabled
	}
	return nil
}

func (m *memAccounts) get(id string) *models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id]
}

type memSessions struct {
	mu               sync.Mutex
	sessions         map[string]*models.Session
	seq              int
	InvalidateAllErr error
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]*models.Session)}
}

func (m *memSessions) Create(ctx context.Context, session *models.Session) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	cp := *session
	if cp.ID == "" {
		cp.ID = fmt.Sprintf("sess-%d", m.seq)
	}
	cp.LastActivityAt = cp.CreatedAt
	m.sessions[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memSessions) GetByID(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) Invalidate(ctx context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.InvalidatedAt != nil {
		return models.ErrNotFound
	}
	s.InvalidatedAt = &at
	s.InvalidationReason = &reason
	return nil
}

func (m *memSessions) ConfirmPassword(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return models.ErrNotFound
	}
	s.LastPasswordConfirmation = &at
	return nil
}

func (m *memSessions) RotateRefreshToken(ctx context.Context, id, currentID, nextID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.InvalidatedAt != nil || s.RefreshTokenID != currentID {
		return models.ErrNotFound
	}
	s.RefreshTokenID = nextID
	s.LastActivityAt = at
	return nil
}

func (m *memSessions) MarkTwoFactorVerified(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return models.ErrNotFound
	}
	s.TwoFactorVerified = true
	s.TwoFactorVerifiedAt = &at
	return nil
}

func (m *memSessions) InvalidateAllForAccount(ctx context.Context, accountID, reason string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InvalidateAllErr != nil {
		return 0, m.InvalidateAllErr
	}
	var n int64
	for _, s := range m.sessions {
		if s.AccountID == accountID && s.InvalidatedAt == nil {
			r := reason
			s.InvalidatedAt = &at
			s.InvalidationReason = &r
			n++
		}
	}
	return n, nil
}

type memLockouts struct {
	mu        sync.Mutex
	rows      []*models.Lockout
	seq       int
	GetErr    error
	CreateErr error
}

func (m *memLockouts) GetActive(ctx context.Context, accountID string) (*models.Lockout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	if l := m.active(accountID); l != nil {
		cp := *l
		return &cp, nil
	}
	return nil, models.ErrNotFound
}

func (m *memLockouts) active(accountID string) *models.Lockout {
	for _, l := range m.rows {
		if l.AccountID == accountID && l.IsActive {
			return l
		}
	}
	return nil
}

func (m *memLockouts) Create(ctx context.Context, lockout *models.Lockout) (*models.Lockout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}

	if current := m.active(lockout.AccountID); current != nil {
		if current.Outlasts(lockout) {
			cp := *current
			return &cp, models.ErrConflict
		}
		current.IsActive = false
		at := lockout.CreatedAt
		current.UnlockedAt = &at
	}

	m.seq++
	cp := *lockout
	cp.ID = fmt.Sprintf("lock-%d", m.seq)
	cp.IsActive = true
	m.rows = append(m.rows, &cp)
	out := cp
	return &out, nil
}

func (m *memLockouts) Deactivate(ctx context.Context, accountID string, unlockedBy *string, at time.Time) (*models.Lockout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.active(accountID)
	if l == nil {
		return nil, models.ErrNotFound
	}
	l.IsActive = false
	l.UnlockedBy = unlockedBy
	l.UnlockedAt = &at
	cp := *l
	return &cp, nil
}

func (m *memLockouts) expire(accountID string, now time.Time) []string {
	var ids []string
	for _, l := range m.rows {
		if accountID != "" && l.AccountID != accountID {
			continue
		}
		if l.IsExpired(now) {
			l.IsActive = false
			at := now
			l.UnlockedAt = &at
			ids = append(ids, l.AccountID)
		}
	}
	return ids
}

func (m *memLockouts) DeactivateIfExpired(ctx context.Context, accountID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.expire(accountID, now)) > 0, nil
}

func (m *memLockouts) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expire("", now), nil
}

func (m *memLockouts) ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.Lockout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Lockout
	for i := len(m.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if m.rows[i].AccountID == accountID {
			cp := *m.rows[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memAttempts struct {
	mu       sync.Mutex
	attempts []*models.LoginAttempt
	CountErr error
}

func (m *memAttempts) Record(ctx context.Context, attempt *models.LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *attempt
	m.attempts = append(m.attempts, &cp)
	return nil
}

func (m *memAttempts) CountFailedSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CountErr != nil {
		return 0, m.CountErr
	}
	n := 0
	for _, a := range m.attempts {
		if a.AccountID != nil && *a.AccountID == accountID && !a.Success && !a.AttemptedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memAttempts) RecentSuccessful(ctx context.Context, accountID string, since time.Time, limit int) ([]*models.LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LoginAttempt
	for i := len(m.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		a := m.attempts[i]
		if a.AccountID != nil && *a.AccountID == accountID && a.Success && !a.AttemptedAt.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAttempts) addSuccess(accountID, ip string, at time.Time) {
	id := accountID
	_ = m.Record(context.Background(), &models.LoginAttempt{AccountID: &id, IPAddress: ip, Success: true, AttemptedAt: at})
}

func (m *memAttempts) addFailures(accountID string, n int, at time.Time) {
	for i := 0; i < n; i++ {
		id := accountID
		_ = m.Record(context.Background(), &models.LoginAttempt{AccountID: &id, Success: false, AttemptedAt: at})
	}
}

type memDevices struct {
	mu      sync.Mutex
	devices map[string]*models.Device
	GetErr  error
}

func newMemDevices() *memDevices {
	return &memDevices{devices: make(map[string]*models.Device)}
}

func deviceMapKey(accountID, deviceID string) string { return accountID + "/" + deviceID }

func (m *memDevices) Get(ctx context.Context, accountID, deviceID string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	d, ok := m.devices[deviceMapKey(accountID, deviceID)]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDevices) Touch(ctx context.Context, accountID, deviceID string, at time.Time) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := deviceMapKey(accountID, deviceID)
	d, ok := m.devices[key]
	if !ok {
		d = &models.Device{AccountID: accountID, DeviceID: deviceID, FirstSeenAt: at}
		m.devices[key] = d
	}
	d.LastSeenAt = at
	cp := *d
	return &cp, nil
}

func (m *memDevices) SetTrusted(ctx context.Context, accountID, deviceID string, trusted bool) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceMapKey(accountID, deviceID)]
	if !ok {
		return nil, models.ErrNotFound
	}
	d.Trusted = trusted
	cp := *d
	return &cp, nil
}

func (m *memDevices) ListByAccount(ctx context.Context, accountID string) ([]*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Device
	for _, d := range m.devices {
		if d.AccountID == accountID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *memDevices) add(accountID, deviceID string, trusted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[deviceMapKey(accountID, deviceID)] = &models.Device{AccountID: accountID, DeviceID: deviceID, Trusted: trusted}
}

type memHistory struct {
	mu      sync.Mutex
	entries map[string][]*models.PasswordHistoryEntry
	ListErr error
}

func newMemHistory() *memHistory {
	return &memHistory{entries: make(map[string][]*models.PasswordHistoryEntry)}
}

// ListRecent returns newest first.
func (m *memHistory) ListRecent(ctx context.Context, accountID string, limit int) ([]*models.PasswordHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	all := m.entries[accountID]
	var out []*models.PasswordHistoryEntry
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (m *memHistory) AddAndPrune(ctx context.Context, entry *models.PasswordHistoryEntry, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := append(m.entries[entry.AccountID], entry)
	if len(all) > keep {
		all = all[len(all)-keep:]
	}
	m.entries[entry.AccountID] = all
	return nil
}

func (m *memHistory) count(accountID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries[accountID])
}

type memBiometrics struct {
	mu    sync.Mutex
	creds map[string]*models.BiometricCredential
	seq   int
}

func newMemBiometrics() *memBiometrics {
	return &memBiometrics{creds: make(map[string]*models.BiometricCredential)}
}

func (m *memBiometrics) find(accountID, deviceID string, t models.BiometricType) *models.BiometricCredential {
	for _, c := range m.creds {
		if c.AccountID == accountID && c.DeviceID == deviceID && c.Type == t {
			return c
		}
	}
	return nil
}

func (m *memBiometrics) Get(ctx context.Context, accountID, deviceID string, t models.BiometricType) (*models.BiometricCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.find(accountID, deviceID, t)
	if c == nil {
		return nil, models.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memBiometrics) Upsert(ctx context.Context, cred *models.BiometricCredential) (*models.BiometricCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.find(cred.AccountID, cred.DeviceID, cred.Type)
	if c == nil {
		m.seq++
		c = &models.BiometricCredential{
			ID:        fmt.Sprintf("bio-%d", m.seq),
			AccountID: cred.AccountID,
			DeviceID:  cred.DeviceID,
			Type:      cred.Type,
			CreatedAt: cred.CreatedAt,
		}
		m.creds[c.ID] = c
	}
	c.TemplateHash = cred.TemplateHash
	c.Enabled = true
	c.FailureCount = 0
	c.LockedUntil = nil
	c.UpdatedAt = cred.CreatedAt
	cp := *c
	return &cp, nil
}

func (m *memBiometrics) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok {
		return models.ErrNotFound
	}
	c.SuccessCount++
	c.FailureCount = 0
	c.LockedUntil = nil
	c.LastUsedAt = &at
	return nil
}

func (m *memBiometrics) RecordFailure(ctx context.Context, id string, at time.Time, maxFailures int, cooldown time.Duration) (*models.BiometricCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	c.FailureCount++
	c.LastFailureAt = &at
	if c.FailureCount >= maxFailures {
		until := at.Add(cooldown)
		c.LockedUntil = &until
	}
	cp := *c
	return &cp, nil
}

func (m *memBiometrics) ResetFailures(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.creds[id]; ok {
		c.FailureCount = 0
		c.LockedUntil = nil
	}
	return nil
}

func (m *memBiometrics) Disable(ctx context.Context, accountID, deviceID string, t models.BiometricType, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.find(accountID, deviceID, t)
	if c == nil || !c.Enabled {
		return models.ErrNotFound
	}
	c.Enabled = false
	return nil
}

func (m *memBiometrics) HasEnabled(ctx context.Context, accountID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.AccountID == accountID && c.Enabled {
			return true, nil
		}
	}
	return false, nil
}

func (m *memBiometrics) ListByAccount(ctx context.Context, accountID string) ([]*models.BiometricCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.BiometricCredential
	for _, c := range m.creds {
		if c.AccountID == accountID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memBiometrics) byID(id string) *models.BiometricCredential {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.creds[id]
	return &cp
}

// ============================================================================
// Func-field mocks
// ============================================================================

// MockSecurityEventRepository implements SecurityEventRepository for testing
type MockSecurityEventRepository struct {
	CreateFunc func(ctx context.Context, event *models.SecurityEvent) error
	ListFunc   func(ctx context.Context, filter models.SecurityEventFilter) ([]*models.SecurityEvent, error)
}

func (m *MockSecurityEventRepository) Create(ctx context.Context, event *models.SecurityEvent) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, event)
	}
	return nil
}

func (m *MockSecurityEventRepository) List(ctx context.Context, filter models.SecurityEventFilter) ([]*models.SecurityEvent, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, filter)
	}
	return []*models.SecurityEvent{}, nil
}

// MockFailureCounter implements FailureCounter for testing
type MockFailureCounter struct {
	IncrementFunc func(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
	ResetFunc     func(ctx context.Context, key string) error
}

func (m *MockFailureCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	if m.IncrementFunc != nil {
		return m.IncrementFunc(ctx, key, window)
	}
	return 1, time.Now().Add(window), nil
}

func (m *MockFailureCounter) Reset(ctx context.Context, key string) error {
	if m.ResetFunc != nil {
		return m.ResetFunc(ctx, key)
	}
	return nil
}

// MockBreachChecker implements BreachChecker for testing
type MockBreachChecker struct {
	IsBreachedFunc func(ctx context.Context, password string) (bool, error)
}

func (m *MockBreachChecker) IsBreached(ctx context.Context, password string) (bool, error) {
	if m.IsBreachedFunc != nil {
		return m.IsBreachedFunc(ctx, password)
	}
	return false, nil
}

// MockNotifier implements SecurityNotifier for testing
type MockNotifier struct {
	mu     sync.Mutex
	alerts []SecurityAlert
	Err    error
}

func (m *MockNotifier) SendSecurityAlert(ctx context.Context, email string, alert SecurityAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return m.Err
}

func (m *MockNotifier) sent() []SecurityAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SecurityAlert(nil), m.alerts...)
}

// MockGeoLocator implements GeoLocator for testing
type MockGeoLocator struct {
	LocateFunc func(ctx context.Context, ipAddress string) (*GeoPoint, error)
}

func (m *MockGeoLocator) Locate(ctx context.Context, ipAddress string) (*GeoPoint, error) {
	if m.LocateFunc != nil {
		return m.LocateFunc(ctx, ipAddress)
	}
	return nil, nil
}

// MockTwoFactorDirectory implements TwoFactorDirectory for testing
type MockTwoFactorDirectory struct {
	MethodsFunc func(ctx context.Context, accountID string) ([]string, error)
}

func (m *MockTwoFactorDirectory) Methods(ctx context.Context, accountID string) ([]string, error) {
	if m.MethodsFunc != nil {
		return m.MethodsFunc(ctx, accountID)
	}
	return nil, nil
}

// ============================================================================
// Fixtures
// ============================================================================

func NewTestAccount(id, email string) *models.Account {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &models.Account{
		ID:           id,
		Email:        email,
		PasswordHash: "hash:Correct-Horse-42!",
		Role:         models.RoleUser,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func eventAccount(e *models.SecurityEvent) string {
	if e.AccountID == nil {
		return ""
	}
	return *e.AccountID
}

func hasFactor(r *models.RiskAssessment, factor string) bool {
	return slices.Contains(r.Factors, factor)
}

func joinFactors(r *models.RiskAssessment) string {
	return strings.Join(r.Factors, ",")
}
