package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRateLimitPrefix = "gateway:rate_limit"

// KEYS[1] window counter, ARGV[1] window in ms. Returns the hit count and ms left in the window.
var windowCounter = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local left = redis.call("PTTL", KEYS[1])
if left < 0 then
  left = tonumber(ARGV[1])
end
return {hits, left}
`)

// RedisRateLimiter counts hits per scope and subject in fixed windows shared by every
// gateway instance. Keys carry the window length, so changing a route's policy starts
// fresh counters instead of inheriting the old ones.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

// windowKey is <prefix>:<scope>:<window seconds>s:<subject>.
func (r *RedisRateLimiter) windowKey(scope, subject string, window time.Duration) string {
	return fmt.Sprintf("%s:%s:%ds:%s", r.prefix, scope, int64(window/time.Second), subject)
}

// ConsumeRateLimit records one hit and returns the count in the current window and the
// whole seconds until it resets. It is a no-op returning zeros when the limiter is nil,
// the limit is not positive, or scope or subject is blank. Windows shorter than a second
// are rounded up to one second.
func (r *RedisRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if r == nil || r.client == nil || limit <= 0 || scope == "" || subject == "" {
		return 0, 0, nil
	}
	if window < time.Second {
		window = time.Second
	}

	raw, err := windowCounter.Run(ctx, r.client, []string{r.windowKey(scope, subject, window)}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, err
	}
	hits, leftMs, err := parseWindowCounter(raw)
	if err != nil {
		return 0, 0, err
	}
	if leftMs <= 0 {
		leftMs = window.Milliseconds()
	}
	retryAfter := int((leftMs + 999) / 1000)
	return int(hits), retryAfter, nil
}

func parseWindowCounter(raw interface{}) (hits, leftMs int64, err error) {
	pair, ok := raw.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, 0, fmt.Errorf("rate limiter: unexpected reply %T", raw)
	}
	if hits, ok = pair[0].(int64); !ok {
		return 0, 0, fmt.Errorf("rate limiter: unexpected hit count %T", pair[0])
	}
	if leftMs, ok = pair[1].(int64); !ok {
		return 0, 0, fmt.Errorf("rate limiter: unexpected window ttl %T", pair[1])
	}
	return hits, leftMs, nil
}
