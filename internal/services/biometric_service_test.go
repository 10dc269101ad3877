package services

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/BradenHooton/aegis/internal/models"
	"github.com/BradenHooton/aegis/internal/stores"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBiometricSecret = []byte("0123456789abcdef0123456789abcdef")

type biometricFixture struct {
	clock   *fakeClock
	creds   *memBiometrics
	devices *memDevices
	events  *recordingEvents
	service *BiometricService
}

func newBiometricFixture(t *testing.T) *biometricFixture {
	t.Helper()

	_, client := newTestRedis(t)
	f := &biometricFixture{
		clock:   newFakeClock(),
		creds:   newMemBiometrics(),
		devices: newMemDevices(),
		events:  &recordingEvents{},
	}
	f.devices.add("acct-1", "phone", false)

	service, err := NewBiometricService(f.creds, stores.NewChallengeStore(client), f.devices, f.events, BiometricConfig{
		Secret: testBiometricSecret,
		Now:    f.clock.Now,
	}, nil)
	require.NoError(t, err)
	f.service = service
	return f
}

func (f *biometricFixture) register(t *testing.T, biometricType models.BiometricType, template []byte) *BiometricRegistration {
	t.Helper()
	reg, err := f.service.Register(context.Background(), RegisterBiometricRequest{
		AccountID: "acct-1",
		DeviceID:  "phone",
		Type:      biometricType,
		Template:  template,
	})
	require.NoError(t, err)
	return reg
}

// sign answers the outstanding challenge the way an enrolled device would.
func sign(t *testing.T, reg *BiometricRegistration, challenge *models.BiometricChallenge) string {
	t.Helper()
	key, err := base64.RawURLEncoding.DecodeString(reg.DeviceKey)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(ChallengeResponse(key, challenge.Nonce))
}

func requireBiometricKind(t *testing.T, err error, kind models.BiometricErrorKind) *models.BiometricError {
	t.Helper()
	var bioErr *models.BiometricError
	require.True(t, errors.As(err, &bioErr), "expected *models.BiometricError, got %v", err)
	assert.Equal(t, kind, bioErr.Kind)
	return bioErr
}

func TestNewBiometricService_ShortSecret(t *testing.T) {
	_, err := NewBiometricService(newMemBiometrics(), nil, newMemDevices(), nil, BiometricConfig{Secret: []byte("short")}, nil)
	assert.Error(t, err)
}

// ============================================================================
// Register
// ============================================================================

func TestBiometricService_Register(t *testing.T) {
	t.Run("unknown device", func(t *testing.T) {
		f := newBiometricFixture(t)

		_, err := f.service.Register(context.Background(), RegisterBiometricRequest{
			AccountID: "acct-1",
			DeviceID:  "stolen-laptop",
			Type:      models.BiometricFingerprint,
		})
		assert.ErrorIs(t, err, models.ErrDeviceNotOwned)
	})

	t.Run("invalid type", func(t *testing.T) {
		f := newBiometricFixture(t)

		_, err := f.service.Register(context.Background(), RegisterBiometricRequest{AccountID: "acct-1", DeviceID: "phone", Type: "retina"})
		assert.ErrorIs(t, err, models.ErrBadRequest)
	})

	t.Run("server verified type needs a template", func(t *testing.T) {
		f := newBiometricFixture(t)

		_, err := f.service.Register(context.Background(), RegisterBiometricRequest{AccountID: "acct-1", DeviceID: "phone", Type: models.BiometricFace})
		assert.ErrorIs(t, err, models.ErrBadRequest)
	})

	t.Run("face stores only a keyed hash", func(t *testing.T) {
		f := newBiometricFixture(t)
		template := []byte("face-embedding-v1")

		reg := f.register(t, models.BiometricFace, template)

		assert.Empty(t, reg.DeviceKey)
		assert.Len(t, reg.Credential.TemplateHash, 32)
		assert.NotContains(t, string(reg.Credential.TemplateHash), string(template))
		assert.Len(t, f.events.ofType(models.EventBiometricRegistered), 1)
	})

	t.Run("fingerprint returns a device key", func(t *testing.T) {
		f := newBiometricFixture(t)

		reg := f.register(t, models.BiometricFingerprint, nil)

		assert.NotEmpty(t, reg.DeviceKey)
		assert.Empty(t, reg.Credential.TemplateHash)
	})
}

// ============================================================================
// Verify: client-attested
// ============================================================================

func TestBiometricService_ChallengeResponse(t *testing.T) {
	t.Run("valid response succeeds once", func(t *testing.T) {
		f := newBiometricFixture(t)
		ctx := context.Background()
		reg := f.register(t, models.BiometricFingerprint, nil)

		challenge, err := f.service.IssueChallenge(ctx, "acct-1", "phone")
		require.NoError(t, err)
		assert.Len(t, challenge.Nonce, challengeNonceSize)
		response := sign(t, reg, challenge)

		req := VerifyBiometricRequest{AccountID: "acct-1", DeviceID: "phone", Type: models.BiometricFingerprint, Response: response}
		cred, err := f.service.Verify(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 1, cred.SuccessCount)

		_, err = f.service.Verify(ctx, req)
		requireBiometricKind(t, err, models.BiometricChallengeExpired)
	})

	t.Run("reissue replaces the outstanding challenge", func(t *testing.T) {
		f := newBiometricFixture(t)
		ctx := context.Background()
		reg := f.register(t, models.BiometricPlatform, nil)

		first, err := f.service.IssueChallenge(ctx, "acct-1", "phone")
		require.NoError(t, err)
		_, err = f.service.IssueChallenge(ctx, "acct-1", "phone")
		require.NoError(t, err)

		_, err = f.service.Verify(ctx, VerifyBiometricRequest{
			AccountID: "acct-1", DeviceID: "phone", Type: models.BiometricPlatform, Response: sign(t, reg, first),
		})
		requireBiometricKind(t, err, models.BiometricVerificationFailed)
	})

	t.Run("no outstanding challenge", func(t *testing.T) {
		f := newBiometricFixture(t)
		f.register(t, models.BiometricFingerprint, nil)

		_, err := f.service.Verify(context.Background(), VerifyBiometricRequest{
			AccountID: "acct-1", DeviceID: "phone", Type: models.BiometricFingerprint, Response: "AAAA",
		})
		requireBiometricKind(t, err, models.BiometricChallengeExpired)
	})

	t.Run("challenge past its expiry", func(t *testing.T) {
		f := newBiometricFixture(t)
		ctx := context.Background()
		reg := f.register(t, models.BiometricFingerprint, nil)

		challenge, err := f.service.IssueChallenge(ctx, "acct-1", "phone")
		require.NoError(t, err)
		f.clock.Advance(5 * time.Minute)

		_, err = f.service.Verify(ctx, VerifyBiometricRequest{
			AccountID: "acct-1", DeviceID: "phone", Type: models.BiometricFingerprint, Response: sign(t, reg, challenge),
		})
		requireBiometricKind(t, err, models.BiometricChallengeExpired)
	})

	t.Run("malformed response counts as failure", func(t *testing.T) {
		f := newBiometricFixture(t)
		ctx := context.Background()
		reg := f.register(t, models.BiometricFingerprint, nil)
		_, err := f.service.IssueChallenge(ctx, "acct-1", "phone")
		require.NoError(t, err)

		_, err = f.service.Verify(ctx, VerifyBiometricRequest{
			AccountID: "acct-1", DeviceID: "phone", Type: models.BiometricFingerprint, Response: "!!not-base64!!",
		})
		bioErr := requireBiometricKind(t, err, models.BiometricVerificationFailed)
		assert.Equal(t, 4, bioErr.RemainingAttempts)
		assert.Equal(t, 1, f.creds.byID(reg.Credential.ID).FailureCount)
	})
}

// ============================================================================
// Verify: server-verified and cooldown
// ============================================================================

func TestBiometricService_TemplateMatch(t *testing.T) {
	f := newBiometricFixture(t)
	ctx := context.Background()
	f.register(t, models.BiometricVoice, []byte("voiceprint"))

	cred, err := f.service.Verify(ctx, VerifyBiometricRequest{AccountID: "acct-1", DeviceID: "phone", Type: models.BiometricVoice, Template: []byte("voiceprint")})
	require.NoError(t, err)
	assert.NotNil(t, cred.LastUsedAt)

	_, err = f.service.Verify(ctx, VerifyBiometricRequest{AccountID: "acct-1", DeviceID: "phone", Type: models.BiometricVoice, Template: []byte("someone else")})
	requireBiometricKind(t, err, models.BiometricVerificationFailed)
}

func TestBiometricService_CooldownAfterMaxFailures(t *testing.T) {
	f := newBiometricFixture(t)
	ctx := context.Background()
	reg := f.register(t, models.BiometricFace, []byte("face"))
	wrong := VerifyBiometricRequest{AccountID: "acct-1", DeviceID: "phone", Type: models.BiometricFace, Template: []byte("mask")}
	right := VerifyBiometricRequest{AccountID: "acct-1", DeviceID: "phone", Type: models.BiometricFace, Template: []byte("face")}

	for i := 1; i <= 4; i++ {
		_, err := f.service.Verify(ctx, wrong)
		bioErr := requireBiometricKind(t, err, models.BiometricVerificationFailed)
		assert.Equal(t, 5-i, bioErr.RemainingAttempts)
		assert.Nil(t, bioErr.UnlockAt)
	}

	_, err := f.service.Verify(ctx, wrong)
	bioErr := requireBiometricKind(t, err, models.BiometricVerificationFailed)
	assert.Zero(t, bioErr.RemainingAttempts)
	require.NotNil(t, bioErr.UnlockAt)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), *bioErr.UnlockAt)

	_, err = f.service.Verify(ctx, right)
	requireBiometricKind(t, err, models.BiometricLocked)

	high := 0
	for _, e := range f.events.ofType(models.EventBiometricFailed) {
		if e.Severity == models.SeverityHigh {
			high++
		}
	}
	assert.Equal(t, 2, high)

	f.clock.Advance(15 * time.Minute)

	_, err = f.service.Verify(ctx, right)
	require.NoError(t, err)
	cred := f.creds.byID(reg.Credential.ID)
	assert.Zero(t, cred.FailureCount)
	assert.Nil(t, cred.LockedUntil)
}

func TestBiometricService_CooldownElapsedResetsCount(t *testing.T) {
	f := newBiometricFixture(t)
	ctx := context.Background()
	f.register(t, models.BiometricFace, []byte("face"))
	wrong := VerifyBiometricRequest{AccountID: "acct-1", DeviceID: "phone", Type: models.BiometricFace, Template: []byte("mask")}

	for i := 0; i < 5; i++ {
		_, _ = f.service.Verify(ctx, wrong)
	}
	f.clock.Advance(16 * time.Minute)

	_, err := f.service.Verify(ctx, wrong)
	bioErr := requireBiometricKind(t, err, models.BiometricVerificationFailed)
	assert.Equal(t, 4, bioErr.RemainingAttempts)
}

func TestBiometricService_NotRegistered(t *testing.T) {
	f := newBiometricFixture(t)
	ctx := context.Background()

	_, err := f.service.Verify(ctx, VerifyBiometricRequest{AccountID: "acct-1", DeviceID: "phone", Type: models.BiometricFace, Template: []byte("x")})
	requireBiometricKind(t, err, models.BiometricNotRegistered)

	f.register(t, models.BiometricFace, []byte("face"))
	require.NoError(t, f.service.Disable(ctx, "acct-1", "phone", models.BiometricFace, "", ""))

	_, err = f.service.Verify(ctx, VerifyBiometricRequest{AccountID: "acct-1", DeviceID: "phone", Type: models.BiometricFace, Template: []byte("face")})
	requireBiometricKind(t, err, models.BiometricNotRegistered)

	err = f.service.Disable(ctx, "acct-1", "phone", models.BiometricFace, "", "")
	requireBiometricKind(t, err, models.BiometricNotRegistered)
}

func TestBiometricService_ReregisterClearsFailures(t *testing.T) {
	f := newBiometricFixture(t)
	ctx := context.Background()
	f.register(t, models.BiometricFace, []byte("face"))
	wrong := VerifyBiometricRequest{AccountID: "acct-1", DeviceID: "phone", Type: models.BiometricFace, Template: []byte("mask")}
	for i := 0; i < 5; i++ {
		_, _ = f.service.Verify(ctx, wrong)
	}

	reg := f.register(t, models.BiometricFace, []byte("new face"))

	assert.Zero(t, reg.Credential.FailureCount)
	assert.Nil(t, reg.Credential.LockedUntil)
	_, err := f.service.Verify(ctx, VerifyBiometricRequest{AccountID: "acct-1", DeviceID: "phone", Type: models.BiometricFace, Template: []byte("new face")})
	assert.NoError(t, err)
}
