package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/watchproof/services/tracker/internal/engine"
)

var key = engine.Key{UserID: "u1", VideoID: "v1"}

func snapshot(pct float64, synced bool) engine.Snapshot {
	return engine.Snapshot{
		UserID:     key.UserID,
		VideoID:    key.VideoID,
		WatchedPct: pct,
		Synced:     synced,
		UpdatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRedisCache_RoundTripAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisCache("redis://"+mr.Addr(), time.Hour)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, snapshot(12.5, false)))
	require.NoError(t, c.Put(ctx, snapshot(30, false)))

	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 30, got.WatchedPct, 1e-9)
	assert.False(t, got.Synced)
	assert.True(t, mr.Exists("watchproof:progress:u1:v1"))

	mr.FastForward(2 * time.Hour)
	_, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "entry should expire with the TTL")
}

func TestRedisCache_CorruptValue(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisCache("redis://"+mr.Addr(), 0)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, mr.Set("watchproof:progress:u1:v1", "{not json"))
	_, _, err = c.Get(context.Background(), key)
	assert.Error(t, err)
}

func TestNewRedisCache_BadURL(t *testing.T) {
	_, err := NewRedisCache("://nope", time.Minute)
	assert.Error(t, err)
}

func TestMemoryCache_Expiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewMemoryCache(clock, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, snapshot(50, true)))
	got, ok, _ := c.Get(ctx, key)
	require.True(t, ok)
	assert.True(t, got.Synced)

	clock.Advance(time.Minute)
	_, ok, _ = c.Get(ctx, key)
	assert.False(t, ok)
}

func TestMemoryCache_NoTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewMemoryCache(clock, 0)
	require.NoError(t, c.Put(context.Background(), snapshot(5, false)))
	clock.Advance(24 * time.Hour)
	_, ok, _ := c.Get(context.Background(), key)
	assert.True(t, ok)
}
