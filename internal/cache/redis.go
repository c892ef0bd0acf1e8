package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Prober определяет операции, которые наблюдатель выполняет над кэшем.
type Prober interface {
	Ping(ctx context.Context) error
	StatusReport(ctx context.Context) (string, error)
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisProber реализует Prober поверх клиента Redis.
type RedisProber struct {
	client redis.UniversalClient
}

func NewRedisProber(client redis.UniversalClient) *RedisProber {
	return &RedisProber{client: client}
}

func (p *RedisProber) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// StatusReport возвращает отчёт команды INFO с секциями по умолчанию (включают memory и stats).
func (p *RedisProber) StatusReport(ctx context.Context) (string, error) {
	return p.client.Info(ctx).Result()
}

func (p *RedisProber) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.client.Set(ctx, key, value, ttl).Err()
}
