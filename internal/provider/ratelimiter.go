package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rollingWindow counts requests inside a fixed trailing duration. Timestamps
// are kept in insertion order with a head index so eviction is amortized O(1).
type rollingWindow struct {
	span  time.Duration
	limit int
	times []time.Time
	head  int
}

func newRollingWindow(span time.Duration, limit int) *rollingWindow {
	return &rollingWindow{span: span, limit: limit}
}

// reserve records now if the window has room; otherwise it returns how long
// the caller must wait before the oldest entry expires.
func (w *rollingWindow) reserve(now time.Time) (time.Duration, bool) {
	if w.limit <= 0 {
		return 0, true
	}

	cutoff := now.Add(-w.span)
	for w.head < len(w.times) && w.times[w.head].Before(cutoff) {
		w.head++
	}
	if w.head > 1024 || w.head*2 > len(w.times) {
		w.times = append([]time.Time(nil), w.times[w.head:]...)
		w.head = 0
	}

	if len(w.times)-w.head >= w.limit {
		return w.times[w.head].Add(w.span).Sub(now), false
	}

	w.times = append(w.times, now)
	return 0, true
}

// RateLimiter paces requests for a single provider: a token bucket sized by
// requests-per-second with a separate burst capacity, plus rolling per-minute
// and per-hour counters. Waits block rather than fail when the budget is
// exhausted.
type RateLimiter struct {
	name string

	mu      sync.Mutex
	limiter *rate.Limiter
	minute  *rollingWindow
	hour    *rollingWindow
}

// NewRateLimiter creates a rate limiter enforcing the given policy.
func NewRateLimiter(name string, policy RateLimitPolicy) *RateLimiter {
	slog.Debug("rate limiter created",
		"provider", name,
		"rps", policy.RequestsPerSecond,
		"rpm", policy.RequestsPerMinute,
		"rph", policy.RequestsPerHour,
		"burst", policy.BurstLimit,
	)
	rl := &RateLimiter{name: name}
	rl.apply(policy)
	return rl
}

func (rl *RateLimiter) apply(policy RateLimitPolicy) {
	rps := policy.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := policy.BurstLimit
	if burst < 1 {
		// Burst 1 spreads requests evenly across the second, preventing
		// bursty traffic that can trigger provider rate limiting even when
		// the average rate is within limits.
		burst = 1
	}
	rl.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	rl.minute = newRollingWindow(time.Minute, policy.RequestsPerMinute)
	rl.hour = newRollingWindow(time.Hour, policy.RequestsPerHour)
}

// SetPolicy replaces the active pacing policy. Pending waiters on the old
// bucket are unaffected; new waits observe the new policy.
func (rl *RateLimiter) SetPolicy(policy RateLimitPolicy) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.apply(policy)
	slog.Debug("rate limiter policy replaced", "provider", rl.name, "rps", policy.RequestsPerSecond)
}

// Wait blocks until the limiter admits another request or ctx is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	limiter := rl.limiter
	rl.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		slog.Warn("rate limiter wait cancelled",
			"provider", rl.name,
			"error", err,
		)
		return err
	}

	for {
		rl.mu.Lock()
		now := time.Now()
		wait, ok := rl.minute.reserve(now)
		if ok {
			var hourWait time.Duration
			hourWait, ok = rl.hour.reserve(now)
			if !ok {
				wait = hourWait
			}
		}
		rl.mu.Unlock()

		if ok {
			return nil
		}

		slog.Debug("rate limiter window exhausted, pausing",
			"provider", rl.name,
			"wait", wait,
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Name returns the provider name this limiter is associated with.
func (rl *RateLimiter) Name() string {
	return rl.name
}
