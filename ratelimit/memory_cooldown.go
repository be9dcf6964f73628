package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCooldownOptions defines a function type for setting options on MemoryCooldown.
type MemoryCooldownOptions func(c *MemoryCooldown)

// MemoryCooldown keeps last-issued timestamps in process memory.
// Timestamps carry the monotonic clock reading, so wall clock changes do not
// shorten the cooldown. State is lost on restart.
type MemoryCooldown struct {
	mu       sync.Mutex
	interval time.Duration
	issued   map[string]time.Time
	now      func() time.Time
}

// NewMemoryCooldown creates a MemoryCooldown with the given interval.
func NewMemoryCooldown(interval time.Duration, opts ...MemoryCooldownOptions) *MemoryCooldown {
	c := &MemoryCooldown{
		interval: interval,
		issued:   make(map[string]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MemoryCooldownWithClock replaces the clock, used by tests.
func MemoryCooldownWithClock(now func() time.Time) MemoryCooldownOptions {
	return func(c *MemoryCooldown) {
		c.now = now
	}
}

// Acquire implements Cooldown.Acquire.
func (c *MemoryCooldown) Acquire(_ context.Context, key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.now()
	if left := c.remaining(key, current); left > 0 {
		return left, nil
	}
	c.issued[key] = current
	return 0, nil
}

// Mark implements Cooldown.Mark.
func (c *MemoryCooldown) Mark(_ context.Context, key string) error {
	c.mu.Lock()
	c.issued[key] = c.now()
	c.mu.Unlock()
	return nil
}

// Remaining implements Cooldown.Remaining.
func (c *MemoryCooldown) Remaining(_ context.Context, key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining(key, c.now()), nil
}

// Reset implements Cooldown.Reset.
func (c *MemoryCooldown) Reset(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.issued, key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCooldown) remaining(key string, current time.Time) time.Duration {
	last, ok := c.issued[key]
	if !ok {
		return 0
	}
	elapsed := current.Sub(last)
	if elapsed >= c.interval {
		// Expired entries are dropped so the map does not grow without bound.
		delete(c.issued, key)
		return 0
	}
	return c.interval - elapsed
}
