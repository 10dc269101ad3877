package auth

import (
	"crypto/rand"
	"math/big"
	"time"
)

// LoginDelayConfig sets the floor and jitter applied to failed logins.
type LoginDelayConfig struct {
	Floor          time.Duration
	Jitter         time.Duration
	DelayOnSuccess bool
}

// LoginDelay pads failed authentication so that an unknown account and a
// wrong password take about the same time.
type LoginDelay struct {
	config LoginDelayConfig
	sleep  func(time.Duration)
}

func NewLoginDelay(config LoginDelayConfig) *LoginDelay {
	return &LoginDelay{config: config, sleep: time.Sleep}
}

// WaitFrom sleeps until at least floor plus a random jitter has passed since
// start. Successful attempts return immediately unless DelayOnSuccess is set.
func (d *LoginDelay) WaitFrom(start time.Time, success bool) {
	if success && !d.config.DelayOnSuccess {
		return
	}

	target := d.config.Floor + d.jitter()
	if remaining := target - time.Since(start); remaining > 0 {
		d.sleep(remaining)
	}
}

// jitter uses crypto/rand; a read failure falls back to no jitter.
func (d *LoginDelay) jitter() time.Duration {
	if d.config.Jitter <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(d.config.Jitter)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
