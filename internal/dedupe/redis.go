// ABOUTME: Redis-backed deduper so several relay replicas agree on which updates were handled
// ABOUTME: Uses SET NX with expiry; the first replica to set the key owns the update

package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "topic-relay:seen:"

// RedisDeduper implements Deduper on a shared Redis instance.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper connects to url (redis://...) and verifies the connection.
func NewRedisDeduper(ctx context.Context, url string, ttl time.Duration) (*RedisDeduper, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewRedisDeduperFromClient(client, ttl), nil
}

// NewRedisDeduperFromClient wraps an existing client.
func NewRedisDeduperFromClient(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

// Seen reports whether another call already claimed key within the TTL.
func (r *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+key, 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: setnx: %w", err)
	}
	return !ok, nil
}

// Close closes the underlying client.
func (r *RedisDeduper) Close() error {
	return r.client.Close()
}
