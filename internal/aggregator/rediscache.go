package aggregator

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the durable backend for the `daily-stats:{location}:{date}`
// result cache §4.8 step 4/5 describes, sharing the same go-redis client
// the broker and rate limiter use under a distinct key namespace.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}
