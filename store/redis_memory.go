package store

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/grcflow/grcflow/core"
)

// RedisMemory adapts a Redis client to the core.Memory interface, used
// for cross-restart event deduplication.
type RedisMemory struct {
	client *redis.Client
}

// NewRedisMemory wraps an existing store's client.
func NewRedisMemory(s *RedisWorkflowStore) *RedisMemory {
	return &RedisMemory{client: s.client}
}

func (m *RedisMemory) Get(ctx context.Context, key string) (string, error) {
	value, err := m.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return value, err
}

func (m *RedisMemory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return m.client.Set(ctx, key, value, ttl).Err()
}

func (m *RedisMemory) Delete(ctx context.Context, key string) error {
	return m.client.Del(ctx, key).Err()
}

func (m *RedisMemory) Exists(ctx context.Context, key string) (bool, error) {
	n, err := m.client.Exists(ctx, key).Result()
	return n > 0, err
}

var _ core.Memory = (*RedisMemory)(nil)
