package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// CounterStore is the shared atomic counter backend. In production this is
// redis, so the per-destination counters stay correct when more than one
// instance consumes the work queue.
type CounterStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// FixedWindowLimiter allows at most max sends per destination per window.
type FixedWindowLimiter struct {
	counters CounterStore
	max      int64
	window   time.Duration
}

func NewFixedWindowLimiter(counters CounterStore, max int64, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{counters: counters, max: max, window: window}
}

// Allow consumes one slot for the destination. When the window is
// exhausted it reports the time remaining until the window resets; the
// caller defers the message for that long instead of dropping it.
func (l *FixedWindowLimiter) Allow(ctx context.Context, destination string) (bool, time.Duration, error) {
	key := fmt.Sprintf("ratelimit:%s", destination)

	count, err := l.counters.Incr(ctx, key, l.window)
	if err != nil {
		return false, 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	if count <= l.max {
		return true, 0, nil
	}

	remaining, err := l.counters.TTL(ctx, key)
	if err != nil || remaining <= 0 {
		remaining = l.window
	}
	return false, remaining, nil
}
