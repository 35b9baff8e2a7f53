package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get when the key does not exist. Callers fall
// back to durable storage on a miss; they must never fail the request on it.
var ErrCacheMiss = errors.New("cache: key not found")

type Cache interface {
	Set(ctx context.Context, key, val string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)

	// Incr atomically increments key and, when the key is created by this
	// call, applies ttl. This is the shared fixed-window counter used by the
	// rate limiter: the counters must be visible to every instance.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// TTL returns the remaining lifetime of key.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
