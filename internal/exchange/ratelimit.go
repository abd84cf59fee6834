package exchange

import (
	"context"
	"strconv"
	"sync"
	"time"
)

const (
	// weightLimitPerMinute is the futures REST request-weight budget.
	weightLimitPerMinute = 2400
	// weightSafetyMargin keeps headroom so bursts never hit the hard limit.
	weightSafetyMargin = 0.9
	// penaltyPause is how long to back off after a 429/418 response.
	penaltyPause = 30 * time.Second
)

// RateLimiter tracks request weight against the per-minute budget and blocks
// callers that would exceed it. The used weight is corrected from the
// X-MBX-USED-WEIGHT-1M response header, which is authoritative.
type RateLimiter struct {
	mu          sync.Mutex
	usedWeight  int
	windowStart time.Time
	pausedUntil time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windowStart: time.Now()}
}

// Wait blocks until the given weight can be spent without crossing the
// budget, then reserves it. It returns early if ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context, weight int) error {
	for {
		r.mu.Lock()
		now := time.Now()
		if now.Sub(r.windowStart) >= time.Minute {
			r.usedWeight = 0
			r.windowStart = now
		}

		var wait time.Duration
		if now.Before(r.pausedUntil) {
			wait = r.pausedUntil.Sub(now)
		} else if float64(r.usedWeight+weight) > weightLimitPerMinute*weightSafetyMargin {
			wait = r.windowStart.Add(time.Minute).Sub(now)
		}

		if wait <= 0 {
			r.usedWeight += weight
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Update corrects the local counter from the exchange's used-weight header.
func (r *RateLimiter) Update(header string) {
	if header == "" {
		return
	}
	used, err := strconv.Atoi(header)
	if err != nil {
		return
	}
	r.mu.Lock()
	if used > r.usedWeight {
		r.usedWeight = used
	}
	r.mu.Unlock()
}

// Penalize pauses all requests after a rate-limit response.
func (r *RateLimiter) Penalize() {
	r.mu.Lock()
	r.pausedUntil = time.Now().Add(penaltyPause)
	r.mu.Unlock()
}
