package cachestore

import (
	"context"
	"testing"
	"time"

	"github.com/crossguard/janitor/util"
	"github.com/stretchr/testify/assert"
)

func TestMemCacheStoreBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemCacheStore(10, time.Minute)

	v, err := cs.Get(ctx, "user_score", "1")
	assert.NoError(err)
	assert.Equal("", v)

	assert.NoError(cs.Set(ctx, "user_score", "1", "7"))
	assert.NoError(cs.Set(ctx, "guild_score", "1", "3"))
	v, err = cs.Get(ctx, "user_score", "1")
	assert.NoError(err)
	assert.Equal("7", v)

	assert.NoError(cs.Purge(ctx, "user_score", "1"))
	v, err = cs.Get(ctx, "user_score", "1")
	assert.NoError(err)
	assert.Equal("", v)

	// names are separate namespaces
	v, err = cs.Get(ctx, "guild_score", "1")
	assert.NoError(err)
	assert.Equal("3", v)
}

func TestMemCacheStoreExpiry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemCacheStore(10, 20*time.Millisecond)
	assert.NoError(cs.Set(ctx, "user_score", "1", "7"))
	time.Sleep(100 * time.Millisecond)
	v, err := cs.Get(ctx, "user_score", "1")
	assert.NoError(err)
	assert.Equal("", v)
}

func TestRedisCacheStoreBasics(t *testing.T) {
	t.Skip("live test, need redis running locally")
	assert := assert.New(t)
	ctx := context.Background()

	rdb, err := util.NewRedisClient(ctx, "redis://localhost:6379/0")
	if err != nil {
		t.Fatal(err)
	}
	cs := NewRedisCacheStore(rdb, time.Minute)

	assert.NoError(cs.Set(ctx, "test", "k", "v"))
	v, err := cs.Get(ctx, "test", "k")
	assert.NoError(err)
	assert.Equal("v", v)
	assert.NoError(cs.Purge(ctx, "test", "k"))
	v, err = cs.Get(ctx, "test", "k")
	assert.NoError(err)
	assert.Equal("", v)
}
