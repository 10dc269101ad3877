package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func recordingDelay(config LoginDelayConfig) (*LoginDelay, *[]time.Duration) {
	var slept []time.Duration
	d := NewLoginDelay(config)
	d.sleep = func(dur time.Duration) { slept = append(slept, dur) }
	return d, &slept
}

func TestLoginDelay_FailurePadsToFloor(t *testing.T) {
	d, slept := recordingDelay(LoginDelayConfig{Floor: 200 * time.Millisecond})

	d.WaitFrom(time.Now(), false)

	if assert.Len(t, *slept, 1) {
		assert.Greater(t, (*slept)[0], 150*time.Millisecond)
		assert.LessOrEqual(t, (*slept)[0], 200*time.Millisecond)
	}
}

func TestLoginDelay_SuccessSkipsDelay(t *testing.T) {
	d, slept := recordingDelay(LoginDelayConfig{Floor: 200 * time.Millisecond})

	d.WaitFrom(time.Now(), true)

	assert.Empty(t, *slept)
}

func TestLoginDelay_SuccessDelayedWhenConfigured(t *testing.T) {
	d, slept := recordingDelay(LoginDelayConfig{Floor: 200 * time.Millisecond, DelayOnSuccess: true})

	d.WaitFrom(time.Now(), true)

	assert.Len(t, *slept, 1)
}

func TestLoginDelay_NoSleepWhenFloorAlreadyPassed(t *testing.T) {
	d, slept := recordingDelay(LoginDelayConfig{Floor: 50 * time.Millisecond})

	d.WaitFrom(time.Now().Add(-time.Second), false)

	assert.Empty(t, *slept)
}

func TestLoginDelay_JitterBounded(t *testing.T) {
	d := NewLoginDelay(LoginDelayConfig{Jitter: 10 * time.Millisecond})

	for i := 0; i < 50; i++ {
		j := d.jitter()
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, 10*time.Millisecond)
	}
}
