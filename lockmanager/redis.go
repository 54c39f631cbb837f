package lockmanager

import (
	"context"
	"time"

	"github.com/xiaoxuxiansheng/redis_lock"
)

// RedisAdvisoryProvider backs advisory locks with a redis distributed lock,
// so advisory exclusion holds across processes sharing one redis.
type RedisAdvisoryProvider struct {
	client *redis_lock.Client
}

func NewRedisAdvisoryProvider(network, address, password string) *RedisAdvisoryProvider {
	return &RedisAdvisoryProvider{
		client: redis_lock.NewClient(network, address, password),
	}
}

// NewRedisAdvisoryProviderWithClient reuses an existing redis_lock client.
func NewRedisAdvisoryProviderWithClient(client *redis_lock.Client) *RedisAdvisoryProvider {
	return &RedisAdvisoryProvider{client: client}
}

func (p *RedisAdvisoryProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	seconds := int64(ttl / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	lock := redis_lock.NewRedisLock(buildAdvisoryKey(key), p.client,
		redis_lock.WithExpireSeconds(seconds))
	if err := lock.Lock(ctx); err != nil {
		return nil, err
	}
	return lock.Unlock, nil
}

func buildAdvisoryKey(key string) string {
	return "txcoord:advisory:" + key
}
