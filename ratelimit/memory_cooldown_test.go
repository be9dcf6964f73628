package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryCooldown(t *testing.T) {
	testCases := []struct {
		name     string
		advance  time.Duration
		wantLeft time.Duration
	}{
		{name: "immediately", advance: 0, wantLeft: 30 * time.Second},
		{name: "within interval", advance: 10 * time.Second, wantLeft: 20 * time.Second},
		{name: "just before", advance: 30*time.Second - time.Millisecond, wantLeft: time.Millisecond},
		{name: "elapsed", advance: 30 * time.Second, wantLeft: 0},
		{name: "long after", advance: time.Hour, wantLeft: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{now: time.Unix(1700000000, 0)}
			c := NewMemoryCooldown(30*time.Second, MemoryCooldownWithClock(clock.Now))

			left, err := c.Acquire(ctx, "user@example.com")
			require.NoError(t, err)
			assert.Zero(t, left)

			clock.Advance(tc.advance)
			left, err = c.Acquire(ctx, "user@example.com")
			require.NoError(t, err)
			assert.Equal(t, tc.wantLeft, left)
		})
	}
}

func TestMemoryCooldown_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCooldown(time.Minute)

	require.NoError(t, c.Mark(ctx, "a"))
	left, err := c.Acquire(ctx, "b")
	require.NoError(t, err)
	assert.Zero(t, left)

	left, err = c.Remaining(ctx, "a")
	require.NoError(t, err)
	assert.Greater(t, left, time.Duration(0))
}

func TestMemoryCooldown_Reset(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCooldown(time.Minute)

	require.NoError(t, c.Mark(ctx, "a"))
	require.NoError(t, c.Reset(ctx, "a"))

	left, err := c.Acquire(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, left)
}

// A new instance knows nothing of issuances made by a previous process.
func TestMemoryCooldown_StateLostOnRestart(t *testing.T) {
	ctx := context.Background()
	first := NewMemoryCooldown(time.Minute)
	require.NoError(t, first.Mark(ctx, "a"))

	restarted := NewMemoryCooldown(time.Minute)
	left, err := restarted.Acquire(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestMemoryCooldown_ConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCooldown(time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			left, err := c.Acquire(ctx, "a")
			if err == nil && left == 0 {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, granted)
}
