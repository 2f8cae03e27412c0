package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"priceguard/internal/core"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisCounters(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	counters := NewRedisCounters(client)

	// Test case 1: a fresh retailer reads as zero
	n, err := counters.Running(ctx, "amazon")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// Test case 2: increments and decrements balance out
	n, err = counters.IncrRunning(ctx, "amazon")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = counters.IncrRunning(ctx, "amazon")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, counters.DecrRunning(ctx, "amazon"))
	n, err = counters.Running(ctx, "amazon")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Test case 3: decrementing past zero clamps instead of going negative
	require.NoError(t, counters.DecrRunning(ctx, "amazon"))
	require.NoError(t, counters.DecrRunning(ctx, "amazon"))
	n, err = counters.Running(ctx, "amazon")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// Test case 4: retailers do not share counters
	_, err = counters.IncrRunning(ctx, "fnac")
	require.NoError(t, err)
	n, err = counters.Running(ctx, "amazon")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRedisCountersExpiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	counters := NewRedisCounters(client)

	// Test case 1: a counter leaked by a crashed worker expires on its own
	_, err := counters.IncrRunning(ctx, "amazon")
	require.NoError(t, err)
	mr.FastForward(runningTTL + time.Minute)
	n, err := counters.Running(ctx, "amazon")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRedisThrottleAllow(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	throttle := NewRedisThrottle(client, 3)

	// Test case 1: sends inside the budget pass
	for i := 0; i < 3; i++ {
		ok, err := throttle.Allow(ctx, "user-1", core.ChannelEmail)
		require.NoError(t, err)
		require.True(t, ok, "send %d should be allowed", i+1)
	}

	// Test case 2: the budget exhausts per user and channel
	ok, err := throttle.Allow(ctx, "user-1", core.ChannelEmail)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = throttle.Allow(ctx, "user-1", core.ChannelPush)
	require.NoError(t, err)
	require.True(t, ok, "another channel has its own budget")
	ok, err = throttle.Allow(ctx, "user-2", core.ChannelEmail)
	require.NoError(t, err)
	require.True(t, ok, "another user has their own budget")

	// Test case 3: the budget resets when the hour bucket expires
	mr.FastForward(time.Hour + time.Minute)
	ok, err = throttle.Allow(ctx, "user-1", core.ChannelEmail)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisThrottleChannelLimit(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	throttle := NewRedisThrottle(client, 3)
	throttle.SetChannelLimit(core.ChannelPush, 1)

	// Test case 1: the channel override caps below the global budget
	ok, err := throttle.Allow(ctx, "user-1", core.ChannelPush)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = throttle.Allow(ctx, "user-1", core.ChannelPush)
	require.NoError(t, err)
	require.False(t, ok)

	// Test case 2: channels without an override keep the global budget
	for i := 0; i < 3; i++ {
		ok, err = throttle.Allow(ctx, "user-1", core.ChannelEmail)
		require.NoError(t, err)
		require.True(t, ok, "email send %d should be allowed", i+1)
	}

	// Test case 3: a non-positive override is ignored
	throttle.SetChannelLimit(core.ChannelEmail, 0)
	require.Equal(t, 3, throttle.limitFor(core.ChannelEmail))
}

func TestRedisThrottleFirstSeen(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	throttle := NewRedisThrottle(client, 100)

	// Test case 1: the first sighting wins, repeats inside the TTL lose
	first, err := throttle.FirstSeen(ctx, "notify:dedup:alert-1:email", time.Hour)
	require.NoError(t, err)
	require.True(t, first)
	first, err = throttle.FirstSeen(ctx, "notify:dedup:alert-1:email", time.Hour)
	require.NoError(t, err)
	require.False(t, first)

	// Test case 2: distinct keys do not collide
	first, err = throttle.FirstSeen(ctx, "notify:dedup:alert-1:push", time.Hour)
	require.NoError(t, err)
	require.True(t, first)

	// Test case 3: the key frees up after the TTL
	mr.FastForward(time.Hour + time.Minute)
	first, err = throttle.FirstSeen(ctx, "notify:dedup:alert-1:email", time.Hour)
	require.NoError(t, err)
	require.True(t, first)
}

func TestRedisThrottleDefaultLimit(t *testing.T) {
	client := newTestRedis(t)

	// Test case 1: a non-positive limit falls back to the default
	throttle := NewRedisThrottle(client, 0)
	require.Equal(t, 100, throttle.limit)
}
