package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// WindowCounter is a fixed-window counter: INCR plus EXPIRE on the first
// hit of each window.
type WindowCounter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewWindowCounter(client redis.UniversalClient, prefix string) *WindowCounter {
	return &WindowCounter{client: client, prefix: prefix, now: time.Now}
}

// Increment adds one hit to key's current window and returns the count in
// the window and when the window resets.
func (c *WindowCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	fullKey := c.prefix + key

	count, err := c.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if count == 1 {
		if err := c.client.PExpire(ctx, fullKey, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return count, c.now().Add(window), nil
	}

	ttl, err := c.client.PTTL(ctx, fullKey).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// A key without expiry means the first-hit EXPIRE was lost; restart the window.
	if ttl < 0 {
		if err := c.client.PExpire(ctx, fullKey, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		ttl = window
	}

	return count, c.now().Add(ttl), nil
}

// Reset clears key's window.
func (c *WindowCounter) Reset(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
