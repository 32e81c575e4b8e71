package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the Redis key holding the failure counter of the current window.
const DefaultRedisKey = "gateway:budget:failures"

// Store keeps the failure counter of the current window.
type Store interface {
	// Incr counts one failure and returns the new count and the end of the window.
	// The first failure opens a window of the given length.
	Incr(ctx context.Context, window time.Duration) (int, time.Time, error)

	// Count returns the failures of the open window, 0 when none is open.
	Count(ctx context.Context) (int, time.Time, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// Incr implements Store.
func (m *MemoryStore) Incr(_ context.Context, window time.Duration) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !now.Before(m.resetAt) {
		m.count = 0
		m.resetAt = now.Add(window)
	}
	m.count++
	return m.count, m.resetAt, nil
}

// Count implements Store.
func (m *MemoryStore) Count(_ context.Context) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.now().Before(m.resetAt) {
		return 0, time.Time{}, nil
	}
	return m.count, m.resetAt, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// RedisStore shares the failure counter between gateway processes using the
// same upstream API key. The window is the lifetime of the counter key.
type RedisStore struct {
	redis *redis.Client
	key   string
}

// NewRedisStore creates a RedisStore. An empty key uses DefaultRedisKey.
func NewRedisStore(redisClient *redis.Client, key string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{redis: redisClient, key: key}
}

// Incr implements Store.
func (r *RedisStore) Incr(ctx context.Context, window time.Duration) (int, time.Time, error) {
	pipe := r.redis.TxPipeline()
	incr := pipe.Incr(ctx, r.key)
	pttl := pipe.PTTL(ctx, r.key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("incr failure counter: %w", err)
	}

	ttl := pttl.Val()
	// A fresh counter (or one that lost its expiry) opens a new window
	if incr.Val() == 1 || ttl < 0 {
		if err := r.redis.PExpire(ctx, r.key, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("set window expiry: %w", err)
		}
		ttl = window
	}

	return int(incr.Val()), time.Now().Add(ttl), nil
}

// Count implements Store.
func (r *RedisStore) Count(ctx context.Context) (int, time.Time, error) {
	pipe := r.redis.Pipeline()
	get := pipe.Get(ctx, r.key)
	pttl := pipe.PTTL(ctx, r.key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, time.Time{}, fmt.Errorf("get failure counter: %w", err)
	}

	count, err := get.Int()
	if errors.Is(err, redis.Nil) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse failure counter: %w", err)
	}

	var resetAt time.Time
	if ttl := pttl.Val(); ttl > 0 {
		resetAt = time.Now().Add(ttl)
	}
	return count, resetAt, nil
}

// Ping implements Store.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
