package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type entry struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheFromClient(client, time.Minute, zap.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestRedisCache_SetGet(t *testing.T) {
	mr, c := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, Key("prompt"), entry{Text: "look", Count: 2}))

	var got entry
	require.NoError(t, c.Get(ctx, Key("prompt"), &got))
	assert.Equal(t, entry{Text: "look", Count: 2}, got)

	raw, err := mr.Get("cribwatch:prompt")
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"look","count":2}`, raw)
	assert.Equal(t, time.Minute, mr.TTL("cribwatch:prompt"))
}

func TestRedisCache_MissAndExpiry(t *testing.T) {
	mr, c := setupTestRedis(t)
	ctx := context.Background()

	var got entry
	assert.ErrorIs(t, c.Get(ctx, "absent", &got), ErrCacheMiss)

	require.NoError(t, c.SetWithTTL(ctx, "short", entry{Text: "x"}, time.Second))
	ok, err := c.Exists(ctx, "short")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Second)
	ok, err = c.Exists(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_NoTTL(t *testing.T) {
	mr, c := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.SetWithTTL(ctx, "forever", "v", 0))
	assert.Equal(t, time.Duration(0), mr.TTL("forever"))

	require.NoError(t, c.Delete(ctx, "forever"))
	assert.False(t, mr.Exists("forever"))
}

func TestRedisCache_Stats(t *testing.T) {
	mr, c := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "a", 1))

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Connected)
	assert.Equal(t, int64(1), stats.Keys)

	mr.Close()
	stats, err = c.GetStats(ctx)
	require.NoError(t, err)
	assert.False(t, stats.Connected)
}

func TestMemoryCache_SetGet(t *testing.T) {
	c := NewMemoryCache(10, 0, zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", entry{Text: "hello"}))
	var got entry
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Equal(t, "hello", got.Text)

	var missing entry
	assert.ErrorIs(t, c.Get(ctx, "nope", &missing), ErrCacheMiss)
}

func TestMemoryCache_TTL(t *testing.T) {
	c := NewMemoryCache(10, 0, zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SetWithTTL(ctx, "k", 1, 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	var v int
	assert.ErrorIs(t, c.Get(ctx, "k", &v), ErrCacheMiss)
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewMemoryCache(2, 0, zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", 1))
	time.Sleep(time.Millisecond)
	require.NoError(t, c.Set(ctx, "b", 2))
	time.Sleep(time.Millisecond)

	var v int
	require.NoError(t, c.Get(ctx, "a", &v))
	time.Sleep(time.Millisecond)
	require.NoError(t, c.Set(ctx, "c", 3))

	ok, _ := c.Exists(ctx, "b")
	assert.False(t, ok)
	ok, _ = c.Exists(ctx, "a")
	assert.True(t, ok)

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Keys)
	assert.NoError(t, c.Close())
}
