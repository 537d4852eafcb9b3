// Package cache — явный сервис кэша с TTL, создается один раз при старте и
// передается потребителям (токены платформы, дедупликация событий).
package cache

import (
	"context"
	"time"
)

type Cache interface {
	// Get возвращает значение и false, если ключа нет или TTL истек.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX записывает значение, только если ключа нет. true — запись наша.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Invalidate(ctx context.Context, key string) error
}
