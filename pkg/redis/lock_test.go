package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return s, rdb
}

func TestLockSingleHolder(t *testing.T) {
	s, rdb := newTestRedis(t)
	ctx := context.Background()

	a := NewLock(rdb, "colony:sweep:lock", "node-a", 10*time.Second)
	b := NewLock(rdb, "colony:sweep:lock", "node-b", 10*time.Second)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	// re-entrant for the same token
	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	s.FastForward(11 * time.Second)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLockReleaseOnlyByHolder(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	a := NewLock(rdb, "k", "a", time.Minute)
	b := NewLock(rdb, "k", "b", time.Minute)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Release(ctx))
	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}
