// Package server implements a token bucket limiter for per-session inbound
// line throttling that protects the registry from flooding.
package server

import (
	"sync"
	"time"
)

type lineLimiter struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

func newLineLimiter(capacity int, interval time.Duration) *lineLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	return &lineLimiter{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: float64(capacity) / interval.Seconds(),
		lastRefill: time.Now(),
	}
}

// allow consumes one token if available, refilling the bucket for the time
// elapsed since the last call.
func (l *lineLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(l.lastRefill).Seconds(); elapsed > 0 {
		l.tokens += elapsed * l.refillRate
		if l.tokens > l.capacity {
			l.tokens = l.capacity
		}
	}
	l.lastRefill = now

	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
