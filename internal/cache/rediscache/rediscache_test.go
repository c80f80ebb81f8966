package rediscache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_GetSet(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "status:PB-20260829-X1Y2Z3", []byte(`{"status":"dispatched"}`), time.Minute))

	b, ok, err := c.Get(ctx, "status:PB-20260829-X1Y2Z3")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`{"status":"dispatched"}`), b)

	require.NoError(t, c.Del(ctx, "status:PB-20260829-X1Y2Z3"))
	_, ok, err = c.Get(ctx, "status:PB-20260829-X1Y2Z3")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCache_GetMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())

	_, ok, err := c.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRateLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())

	ctx := context.Background()
	ok, n, err := rl.Allow(ctx, "submit:10.0.0.1", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)

	ok, n, _ = rl.Allow(ctx, "submit:10.0.0.1", 2, time.Minute)
	require.True(t, ok)
	require.Equal(t, int64(2), n)

	ok, n, _ = rl.Allow(ctx, "submit:10.0.0.1", 2, time.Minute)
	require.False(t, ok)
	require.Equal(t, int64(3), n)
}
