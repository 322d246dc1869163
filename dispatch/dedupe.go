package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Deduper remembers idempotency keys a receiver has already processed.
type Deduper interface {
	// SeenOnce records key and reports whether this is the first time it was seen.
	SeenOnce(ctx context.Context, key string) (bool, error)
	// Forget removes key, so a notification whose processing failed can be retried.
	Forget(ctx context.Context, key string) error
}

type MemDeduper struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

func NewMemDeduper(capacity int, ttl time.Duration) *MemDeduper {
	return &MemDeduper{seen: expirable.NewLRU[string, struct{}](capacity, nil, ttl)}
}

func (d *MemDeduper) SeenOnce(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen.Contains(key) {
		return false, nil
	}
	d.seen.Add(key, struct{}{})
	return true, nil
}

func (d *MemDeduper) Forget(ctx context.Context, key string) error {
	d.seen.Remove(key)
	return nil
}

type RedisDeduper struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

func NewRedisDeduper(rdb *redis.Client, prefix string, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{Client: rdb, Prefix: prefix, TTL: ttl}
}

func (d *RedisDeduper) SeenOnce(ctx context.Context, key string) (bool, error) {
	ok, err := d.Client.SetNX(ctx, d.Prefix+key, 1, d.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("recording idempotency key: %w", err)
	}
	return ok, nil
}

func (d *RedisDeduper) Forget(ctx context.Context, key string) error {
	return d.Client.Del(ctx, d.Prefix+key).Err()
}
