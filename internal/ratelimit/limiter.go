// Package ratelimit provides per-user token-bucket limiters for the API
// surface and a shared pacing limiter for the action worker.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// PerUser manages one token bucket per user id.
type PerUser struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewPerUser builds a limiter set allowing requestsPerHour sustained requests
// per user with the given burst.
func NewPerUser(requestsPerHour, burst int) *PerUser {
	return &PerUser{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:    burst,
	}
}

func (l *PerUser) get(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[userID] = limiter
	}
	return limiter
}

// Allow reports whether one more request from userID fits the budget.
func (l *PerUser) Allow(userID string) bool {
	return l.get(userID).Allow()
}

// Tokens returns the remaining burst capacity for userID.
func (l *PerUser) Tokens(userID string) float64 {
	return l.get(userID).Tokens()
}

// NewPacer caps global action throughput at n per second with burst n; used
// by the worker so simultaneous headless-browser launches stay bounded.
func NewPacer(n int) *rate.Limiter {
	if n <= 0 {
		n = 1
	}
	return rate.NewLimiter(rate.Limit(n), n)
}
