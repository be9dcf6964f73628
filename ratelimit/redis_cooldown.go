package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCooldown persists last-issued markers in Redis so the cooldown survives
// restarts. The marker key expires after the interval, so its TTL is the time
// left to wait.
type RedisCooldown struct {
	client   redis.Cmdable
	service  string
	interval time.Duration
}

// NewRedisCooldown creates a RedisCooldown. service is used as the key prefix.
func NewRedisCooldown(client redis.Cmdable, service string, interval time.Duration) *RedisCooldown {
	return &RedisCooldown{
		client:   client,
		service:  service,
		interval: interval,
	}
}

// Acquire implements Cooldown.Acquire using SET NX PX.
func (c *RedisCooldown) Acquire(ctx context.Context, key string) (time.Duration, error) {
	ok, err := c.client.SetNX(ctx, c.key(key), time.Now().UnixMilli(), c.interval).Result()
	if err != nil {
		return 0, err
	}
	if ok {
		return 0, nil
	}
	left, err := c.Remaining(ctx, key)
	if err != nil {
		return 0, err
	}
	if left == 0 {
		// The marker expired between SETNX and PTTL.
		return c.Acquire(ctx, key)
	}
	return left, nil
}

// Mark implements Cooldown.Mark.
func (c *RedisCooldown) Mark(ctx context.Context, key string) error {
	return c.client.Set(ctx, c.key(key), time.Now().UnixMilli(), c.interval).Err()
}

// Remaining implements Cooldown.Remaining.
func (c *RedisCooldown) Remaining(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.client.PTTL(ctx, c.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	// Negative values mean the key is missing or has no expiry.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Reset implements Cooldown.Reset.
func (c *RedisCooldown) Reset(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

func (c *RedisCooldown) key(key string) string {
	return c.service + ":cooldown:" + key
}
