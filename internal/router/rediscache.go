package router

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCache backs Invalidate with a scan-delete sweep over the
// aggregation result cache, the strategy §9's open question on cache
// invalidation commits to (the cache holds derived data only, never the
// system of record, so a versioned-key scheme isn't worth the extra
// bookkeeping).
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return deleted, fmt.Errorf("router: scan prefix %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("router: del prefix %s: %w", prefix, err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}
