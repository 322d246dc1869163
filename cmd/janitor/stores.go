package main

import (
	"context"
	"time"

	"github.com/crossguard/janitor/cachestore"
	"github.com/crossguard/janitor/countstore"
	"github.com/crossguard/janitor/flagstore"
	"github.com/crossguard/janitor/util"

	"github.com/redis/go-redis/v9"
)

const (
	scoreCacheSize = 10_000
	scoreCacheTTL  = 10 * time.Minute
)

// stores are the ephemeral state backends shared by the components. With redis they are shared between janitor
// instances; otherwise they live in process memory.
type stores struct {
	rdb    *redis.Client
	cache  cachestore.CacheStore
	counts countstore.CountStore
	flags  flagstore.FlagStore
}

func configStores(ctx context.Context, redisURL string) (*stores, error) {
	if redisURL == "" {
		return &stores{
			cache:  cachestore.NewMemCacheStore(scoreCacheSize, scoreCacheTTL),
			counts: countstore.NewMemCountStore(),
			flags:  flagstore.NewMemFlagStore(),
		}, nil
	}

	rdb, err := util.NewRedisClient(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	return &stores{
		rdb:    rdb,
		cache:  cachestore.NewRedisCacheStore(rdb, scoreCacheTTL),
		counts: countstore.NewRedisCountStore(rdb),
		flags:  flagstore.NewRedisFlagStore(rdb),
	}, nil
}

func (s *stores) Close() error {
	if s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}
