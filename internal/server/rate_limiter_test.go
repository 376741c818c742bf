package server

import (
	"testing"
	"time"
)

// TestLineLimiterBurst verifies the bucket allows exactly the configured
// burst before refusing.
func TestLineLimiterBurst(t *testing.T) {
	limiter := newLineLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.allow() {
			t.Fatalf("allow() refused call %d within burst", i+1)
		}
	}
	if limiter.allow() {
		t.Error("allow() granted a call beyond the burst")
	}
}

// TestLineLimiterRefills verifies tokens come back over time.
func TestLineLimiterRefills(t *testing.T) {
	limiter := newLineLimiter(2, 50*time.Millisecond)

	limiter.allow()
	limiter.allow()
	if limiter.allow() {
		t.Fatal("allow() granted a call beyond the burst")
	}

	time.Sleep(60 * time.Millisecond)
	if !limiter.allow() {
		t.Error("allow() refused after the refill interval elapsed")
	}
}

// TestLineLimiterDefensiveDefaults verifies nonsensical parameters are
// clamped to a working limiter.
func TestLineLimiterDefensiveDefaults(t *testing.T) {
	limiter := newLineLimiter(0, 0)

	if !limiter.allow() {
		t.Error("allow() refused the first call of a clamped limiter")
	}
}
