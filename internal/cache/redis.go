package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis — двухуровневый кэш: L1 (RAM процесса) + L2 (Redis, общий для инстансов).
// L1 живет не дольше l1TTL, чтобы инвалидация на соседнем инстансе доходила быстро.
type Redis struct {
	rdb    redis.UniversalClient
	l1     *Memory
	l1TTL  time.Duration
	logger *zap.Logger
}

func NewRedis(rdb redis.UniversalClient, l1TTL time.Duration, logger *zap.Logger) *Redis {
	return &Redis{
		rdb:    rdb,
		l1:     NewMemory(),
		l1TTL:  l1TTL,
		logger: logger.Named("cache"),
	}
}

func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	// 1. Самый дешевый путь — RAM
	if v, ok, _ := c.l1.Get(ctx, key); ok {
		return v, true, nil
	}

	// 2. Общий Redis
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis get %s: %w", key, err)
	}

	// 3. Прогреваем L1 на оставшийся срок, но не дольше l1TTL
	ttl := c.l1TTL
	if remaining, err := c.rdb.PTTL(ctx, key).Result(); err == nil && remaining > 0 && remaining < ttl {
		ttl = remaining
	}
	_ = c.l1.Set(ctx, key, val, ttl)
	return val, true, nil
}

func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set %s: %w", key, err)
	}
	_ = c.l1.Set(ctx, key, value, minTTL(ttl, c.l1TTL))
	return nil
}

// SetNX идет только в Redis: решение "кто первый" должно быть общим для всех инстансов.
func (c *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (c *Redis) Invalidate(ctx context.Context, key string) error {
	_ = c.l1.Invalidate(ctx, key)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("redis invalidate failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache: redis del %s: %w", key, err)
	}
	return nil
}

func minTTL(a, b time.Duration) time.Duration {
	if a <= 0 || (b > 0 && b < a) {
		return b
	}
	return a
}
