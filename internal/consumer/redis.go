// internal/consumer/redis.go
package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyDedup = "dedup:%s:%s"

// RedisSeenCache remembers applied event ids for a TTL.
type RedisSeenCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSeenCache(client *redis.Client, ttl time.Duration) *RedisSeenCache {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &RedisSeenCache{client: client, ttl: ttl}
}

func (c *RedisSeenCache) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	n, err := c.client.Exists(ctx, fmt.Sprintf(keyDedup, consumer, eventID)).Result()
	return n > 0, err
}

func (c *RedisSeenCache) Mark(ctx context.Context, consumer, eventID string) error {
	return c.client.Set(ctx, fmt.Sprintf(keyDedup, consumer, eventID), "1", c.ttl).Err()
}
