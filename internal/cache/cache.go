// Package cache provides the key-value store behind the conversation list cache.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss reports an absent or expired key.
var ErrMiss = errors.New("cache: miss")

// Store is the minimal key-value port the list service depends on.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Incr atomically increments a counter key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
}
