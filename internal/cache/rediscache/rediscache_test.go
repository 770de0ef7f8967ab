package rediscache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_GetSetDel(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	b, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), b)

	require.NoError(t, c.Del(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRateLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())

	ctx := context.Background()
	ok, n, err := rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)

	ok, n, _ = rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.True(t, ok)
	require.Equal(t, int64(2), n)

	ok, n, _ = rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.False(t, ok)
	require.Equal(t, int64(3), n)
}

func TestReplayStore_SeenAndRecord(t *testing.T) {
	mr := miniredis.RunT(t)
	rs := NewReplayStore(mr.Addr())

	ctx := context.Background()
	seen, err := rs.SeenAndRecord(ctx, "msg-1", time.Hour)
	require.NoError(t, err)
	require.False(t, seen)

	// второй раз тот же id — реплей
	seen, err = rs.SeenAndRecord(ctx, "msg-1", time.Hour)
	require.NoError(t, err)
	require.True(t, seen)

	// после истечения окна id можно принять снова
	mr.FastForward(2 * time.Hour)
	seen, err = rs.SeenAndRecord(ctx, "msg-1", time.Hour)
	require.NoError(t, err)
	require.False(t, seen)
}
