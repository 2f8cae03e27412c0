package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"priceguard/internal/core"
)

// runningTTL guards against leaked counters from crashed workers: a counter
// untouched for this long expires on its own.
const runningTTL = 30 * time.Minute

// RedisCounters tracks per-retailer in-flight checks in Redis so ceilings
// hold across monitor instances.
type RedisCounters struct {
	client *redis.Client
}

func NewRedisCounters(client *redis.Client) *RedisCounters {
	return &RedisCounters{client: client}
}

func runningKey(retailer string) string {
	return "dispatch:running:" + retailer
}

func (c *RedisCounters) IncrRunning(ctx context.Context, retailer string) (int, error) {
	key := runningKey(retailer)
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if err := c.client.Expire(ctx, key, runningTTL).Err(); err != nil {
		return int(n), fmt.Errorf("expire %s: %w", key, err)
	}
	return int(n), nil
}

func (c *RedisCounters) DecrRunning(ctx context.Context, retailer string) error {
	key := runningKey(retailer)
	n, err := c.client.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("decr %s: %w", key, err)
	}
	if n < 0 {
		// A restart mid-check can decrement past zero; clamp.
		if err := c.client.Set(ctx, key, 0, runningTTL).Err(); err != nil {
			return fmt.Errorf("reset %s: %w", key, err)
		}
	}
	return nil
}

func (c *RedisCounters) Running(ctx context.Context, retailer string) (int, error) {
	n, err := c.client.Get(ctx, runningKey(retailer)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", runningKey(retailer), err)
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// RedisThrottle enforces the per-user hourly send budget and the
// per-(alert, channel) dedup window across notification-service instances.
type RedisThrottle struct {
	client    *redis.Client
	limit     int
	perChannel map[core.Channel]int
}

func NewRedisThrottle(client *redis.Client, hourlyLimit int) *RedisThrottle {
	if hourlyLimit <= 0 {
		hourlyLimit = 100
	}
	return &RedisThrottle{client: client, limit: hourlyLimit, perChannel: map[core.Channel]int{}}
}

// SetChannelLimit overrides the hourly budget for one channel. Call during
// wiring, before the throttle is shared across goroutines.
func (t *RedisThrottle) SetChannelLimit(ch core.Channel, limit int) {
	if limit > 0 {
		t.perChannel[ch] = limit
	}
}

func (t *RedisThrottle) limitFor(ch core.Channel) int {
	if n, ok := t.perChannel[ch]; ok {
		return n
	}
	return t.limit
}

// Allow counts sends in a rolling hour bucket keyed by user and channel.
func (t *RedisThrottle) Allow(ctx context.Context, userID string, ch core.Channel) (bool, error) {
	key := fmt.Sprintf("notify:rate:%s:%s", userID, ch)
	n, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("incr %s: %w", key, err)
	}
	if n == 1 {
		if err := t.client.Expire(ctx, key, time.Hour).Err(); err != nil {
			return false, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return n <= int64(t.limitFor(ch)), nil
}

// FirstSeen is a SET NX with TTL: true exactly once per key per window.
func (t *RedisThrottle) FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := t.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}
