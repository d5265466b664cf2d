// Package ratelimit provides the per-task token bucket that throttles requests
// against a single upstream source.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// TokenBucket bounds the request rate of one collection task.
//
// Tokens refill continuously at capacity/window and are capped at capacity.
// A bucket is owned by exactly one task; it is safe for the goroutines of that
// task to share it, but it is never shared across tasks.
//
// A nil *TokenBucket is valid and never throttles.
type TokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a full bucket holding capacity tokens that refill over window.
// It returns nil (unlimited) when capacity or window is not positive.
func New(capacity int, window time.Duration) *TokenBucket {
	if capacity <= 0 || window <= 0 {
		return nil
	}
	c := float64(capacity)
	b := &TokenBucket{
		capacity:     c,
		tokens:       c,
		refillPerSec: c / window.Seconds(),
		now:          time.Now,
		sleep:        sleepCtx,
	}
	b.last = b.now()
	return b
}

// Acquire blocks until a token is available and consumes it.
// It returns ctx.Err() if the context ends while waiting.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	if b == nil {
		return ctx.Err()
	}
	for {
		b.mu.Lock()
		b.refillLocked(b.now())
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		// Exact time until one whole token has accumulated.
		deficit := 1 - b.tokens
		wait := time.Duration(math.Ceil(deficit / b.refillPerSec * float64(time.Second)))
		b.mu.Unlock()

		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Tokens reports the tokens currently available, after refill.
func (b *TokenBucket) Tokens() float64 {
	if b == nil {
		return math.Inf(1)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	return b.tokens
}

// Capacity returns the bucket size.
func (b *TokenBucket) Capacity() float64 {
	if b == nil {
		return math.Inf(1)
	}
	return b.capacity
}

// Rate returns the refill rate in tokens per second.
func (b *TokenBucket) Rate() float64 {
	if b == nil {
		return math.Inf(1)
	}
	return b.refillPerSec
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillPerSec)
	b.last = now
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
