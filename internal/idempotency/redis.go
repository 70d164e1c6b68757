package idempotency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	inFlightValue   = "in_flight"
	completedPrefix = "done:"
)

// RedisStore shares markers across instances.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store from a redis:// URL.
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: redis.NewClient(opts), prefix: "idem:", ttl: ttl}, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// CheckAndMark implements Store with SETNX.
func (s *RedisStore) CheckAndMark(ctx context.Context, key string) (Status, []byte, error) {
	k := s.prefix + key
	ok, err := s.client.SetNX(ctx, k, inFlightValue, s.ttl).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return StatusNew, nil, nil
	}

	val, err := s.client.Get(ctx, k).Result()
	if err == redis.Nil {
		// Expired between SETNX and GET; treat as in-flight so the caller retries later.
		return StatusInFlight, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("redis get: %w", err)
	}
	if strings.HasPrefix(val, completedPrefix) {
		return StatusCompleted, []byte(strings.TrimPrefix(val, completedPrefix)), nil
	}
	return StatusInFlight, nil, nil
}

// Complete implements Store.
func (s *RedisStore) Complete(ctx context.Context, key string, result []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, completedPrefix+string(result), s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Fail implements Store.
func (s *RedisStore) Fail(ctx context.Context, key string) error {
	k := s.prefix + key
	val, err := s.client.Get(ctx, k).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}
	if val != inFlightValue {
		return nil
	}
	if err := s.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
