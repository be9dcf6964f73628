package ratelimit

import (
	"context"
	"time"
)

// Cooldown enforces a minimum interval between two issuances for the same key.
// It only compares against the last-issued timestamp; no timers are kept.
type Cooldown interface {
	// Acquire records an issuance for key if the interval has elapsed since the
	// previous one. It returns 0 on success, otherwise the time left to wait.
	Acquire(ctx context.Context, key string) (time.Duration, error)
	// Mark records an issuance for key unconditionally.
	Mark(ctx context.Context, key string) error
	// Remaining reports the time left before key may be acquired again.
	Remaining(ctx context.Context, key string) (time.Duration, error)
	// Reset forgets the last issuance for key.
	Reset(ctx context.Context, key string) error
}
