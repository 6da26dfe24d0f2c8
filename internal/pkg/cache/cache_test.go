package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T) (Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, "orchestrator"), mr
}

func TestGetMissingKey(t *testing.T) {
	c, _ := newCache(t)
	v, err := c.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestGenerateKey(t *testing.T) {
	c, _ := newCache(t)
	assert.Equal(t, "orchestrator:handled:m1", c.GenerateKey("handled", "m1"))
}

func TestDeduplicator(t *testing.T) {
	c, mr := newCache(t)
	d := NewDeduplicator(c, time.Minute)
	ctx := context.Background()

	seen, err := d.Seen(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.Remember(ctx, "m1"))
	seen, err = d.Seen(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(2 * time.Minute)
	seen, err = d.Seen(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, seen)
}
