package safety

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket limiter for broker API calls.
type RateLimiter struct {
	capacity   int
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a limiter with the given burst capacity and
// per-second refill rate. The bucket starts full.
func NewRateLimiter(capacity, refillRate int) *RateLimiter {
	return &RateLimiter{
		capacity:   capacity,
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: time.Now(),
	}
}

// Allow consumes one token if available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or the context is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}
		wait := rl.waitTime()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// refill adds tokens for elapsed time; callers must hold rl.mu.
func (rl *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > float64(rl.capacity) {
		rl.tokens = float64(rl.capacity)
	}
	rl.lastRefill = now
}

func (rl *RateLimiter) waitTime() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= 1 {
		return 0
	}
	missing := 1 - rl.tokens
	return time.Duration(missing/rl.refillRate*1000+50) * time.Millisecond
}
