package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// INCR and PEXPIRE must be atomic so concurrent replicas agree on when
// the window started.
var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares one fixed window per (project, trust) key across
// gateway replicas. Redis failures degrade to the in-memory fallback so
// enforcement continues locally.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Hour
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "gov:rl:",
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.degraded(key, limit)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := rateLimitScript.Run(ctx, l.Client, []string{l.Prefix + key}, int(l.Window.Milliseconds())).Result()
	if err != nil {
		return l.degraded(key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.degraded(key, limit)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= limit,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(time.Duration(ttlMs) * time.Millisecond),
	}
}

// degraded serves the check locally; with no fallback configured the
// request is let through rather than failing closed on a cache outage.
func (l *RedisLimiter) degraded(key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(key, limit)
	}
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetAt:   time.Now().UTC().Add(l.Window),
	}
}
