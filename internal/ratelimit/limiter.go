// Package ratelimit throttles join requests per user.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages one token bucket per key
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	perHour  int
}

// NewLimiter creates a limiter allowing requestsPerHour per key with the
// given burst. A non-positive requestsPerHour disables limiting.
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:    burst,
		perHour:  requestsPerHour,
	}
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = limiter
	}
	return limiter
}

// Enabled reports whether requests are limited at all.
func (l *Limiter) Enabled() bool { return l.perHour > 0 }

// PerHour is the configured hourly allowance.
func (l *Limiter) PerHour() int { return l.perHour }

// Allow consumes a token for key if one is available
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	return l.get(key).Allow()
}

// Remaining returns the whole tokens left for key
func (l *Limiter) Remaining(key string) int {
	if !l.Enabled() {
		return l.burst
	}
	tokens := l.get(key).Tokens()
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}
