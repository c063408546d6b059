package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCounterTTL bounds how long an untouched counter key lives in Redis.
// It must exceed the TTL of any value keyed by the counter.
const DefaultCounterTTL = 24 * time.Hour

// RedisStore adapts a go-redis client to Store.
type RedisStore struct {
	client     redis.UniversalClient
	counterTTL time.Duration
}

func NewRedisStore(client redis.UniversalClient, counterTTL time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("cache: redis client is required")
	}
	if counterTTL <= 0 {
		counterTTL = DefaultCounterTTL
	}
	return &RedisStore{client: client, counterTTL: counterTTL}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return value, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Incr increments key and refreshes its expiry in one round trip.
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, s.counterTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cache: incr %s: %w", key, err)
	}
	return incr.Val(), nil
}
