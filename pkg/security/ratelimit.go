// Package security provides request throttling for the public API.
package security

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles requests globally and per caller. Each caller gets
// its own token bucket on first use.
type RateLimiter struct {
	globalLimiter  *rate.Limiter
	callerLimiters map[string]*rate.Limiter
	mu             sync.RWMutex

	requestsPerSecond float64
	burst             int
}

// NewRateLimiter creates a rate limiter with the given per-caller rate.
// The global limit is ten times the per-caller rate so one noisy caller
// cannot exhaust the whole budget.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		globalLimiter:     rate.NewLimiter(rate.Limit(requestsPerSecond*10), burst*10),
		callerLimiters:    make(map[string]*rate.Limiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
	}
}

// Allow reports whether a request from the caller should proceed.
func (rl *RateLimiter) Allow(callerID string) bool {
	if !rl.globalLimiter.Allow() {
		return false
	}
	return rl.getCallerLimiter(callerID).Allow()
}

// Wait blocks until the caller may proceed or the context is done.
func (rl *RateLimiter) Wait(ctx context.Context, callerID string) error {
	if err := rl.globalLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}
	if err := rl.getCallerLimiter(callerID).Wait(ctx); err != nil {
		return fmt.Errorf("caller rate limit: %w", err)
	}
	return nil
}

func (rl *RateLimiter) getCallerLimiter(callerID string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.callerLimiters[callerID]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.callerLimiters[callerID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)
	rl.callerLimiters[callerID] = limiter
	return limiter
}
