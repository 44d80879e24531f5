package delivery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a minimum spacing between successive dispatch
// starts. It is a single global gate, not per-recipient.
//
// Backed by a burst-1 token bucket: tokens accrue one per delay, so two
// Wait returns are never closer together than the configured delay.
type RateLimiter struct {
	mu    sync.Mutex
	delay time.Duration
	lim   *rate.Limiter
}

func NewRateLimiter(delay time.Duration) *RateLimiter {
	return &RateLimiter{delay: delay, lim: rate.NewLimiter(limitFor(delay), 1)}
}

func limitFor(delay time.Duration) rate.Limit {
	if delay <= 0 {
		return rate.Inf
	}
	return rate.Every(delay)
}

// WaitIfNeeded suspends the caller until the spacing since the previous
// dispatch start is at least the configured delay, then records a new
// dispatch start.
func (r *RateLimiter) WaitIfNeeded(ctx context.Context) error {
	r.mu.Lock()
	lim := r.lim
	r.mu.Unlock()
	return lim.Wait(ctx)
}

// SetDelay reconfigures the spacing at runtime; it takes effect on the
// next WaitIfNeeded call.
func (r *RateLimiter) SetDelay(delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if delay == r.delay {
		return
	}
	r.delay = delay
	r.lim.SetLimit(limitFor(delay))
}

func (r *RateLimiter) Delay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delay
}
