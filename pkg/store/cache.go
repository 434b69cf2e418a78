package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the small key/value surface the gateway needs for delivery
// deduplication and short-lived lookups. Both implementations report a
// missing key as redis.Nil so callers check one sentinel.
type Cache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisCache backs the Cache interface with go-redis.
type RedisCache struct{ client *redis.Client }

func (r *RedisCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", err
	}
	return res, err
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// MemoryCache is the single-process fallback when redis is unreachable.
// Expired entries are dropped lazily on lookup and swept on writes, which
// is enough at the scale of webhook delivery ids.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value    string
	deadline time.Time
}

func (e memEntry) live(now time.Time) bool {
	return !now.After(e.deadline)
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memEntry{}}
}

func (m *MemoryCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.live(now) {
		return false, nil
	}
	m.sweepLocked(now)
	m.entries[key] = memEntry{value: value, deadline: now.Add(ttl)}
	return true, nil
}

func (m *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", redis.Nil
	}
	if !e.live(now) {
		delete(m.entries, key)
		return "", redis.Nil
	}
	return e.value, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(now)
	m.entries[key] = memEntry{value: value, deadline: now.Add(ttl)}
	return nil
}

func (m *MemoryCache) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryCache) sweepLocked(now time.Time) {
	for k, e := range m.entries {
		if !e.live(now) {
			delete(m.entries, k)
		}
	}
}

// NewCache returns a redis-backed cache when the client answers a ping and
// the in-memory fallback otherwise.
func NewCache(ctx context.Context, client *redis.Client) Cache {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return &RedisCache{client: client}
		}
	}
	return NewMemoryCache()
}
