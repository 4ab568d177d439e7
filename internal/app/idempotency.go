package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyGuard remembers client idempotency keys per source account for ttl.
type RedisIdempotencyGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisIdempotencyGuard(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisIdempotencyGuard {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "gateway"
	}
	return &RedisIdempotencyGuard{client: client, prefix: prefix + ":idempotency", ttl: ttl}
}

func (g *RedisIdempotencyGuard) key(scope, key string) string {
	return fmt.Sprintf("%s:%s:%s", g.prefix, scope, strings.TrimSpace(key))
}

// Claim reports whether key was unseen for scope and reserves it.
func (g *RedisIdempotencyGuard) Claim(ctx context.Context, scope, key string) (bool, error) {
	return g.client.SetNX(ctx, g.key(scope, key), time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
}

// Release frees a key whose submission was rejected before any record was written.
func (g *RedisIdempotencyGuard) Release(ctx context.Context, scope, key string) error {
	return g.client.Del(ctx, g.key(scope, key)).Err()
}
