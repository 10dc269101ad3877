// Package stores holds the Redis-backed ephemeral state: fixed-window
// counters for rate limiting and failure tracking, and single-use
// biometric challenges.
//
// Key prefixes:
//   - rl:   adaptive rate-limit windows
//   - tfa:  two-factor failure windows
//   - bio:chal: biometric challenges, one per (account, device)
package stores

import "errors"

// ErrUnavailable wraps any Redis failure so callers can choose to fail open.
var ErrUnavailable = errors.New("redis unavailable")
