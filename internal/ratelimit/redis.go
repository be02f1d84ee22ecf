package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter хранит ключи в Redis с истечением срока.
type RedisLimiter struct {
	client redis.UniversalClient
}

// NewRedisLimiter создаёт ограничитель поверх клиента Redis.
func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Allow выполняет SET NX с истечением срока.
func (l *RedisLimiter) Allow(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Ping проверяет доступность Redis.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close закрывает клиент.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
