package security

import (
	"testing"
)

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("request %d within burst was denied", i+1)
		}
	}
	if rl.Allow("alice") {
		t.Error("request beyond burst was allowed")
	}
}

func TestRateLimiterIsolatesCallers(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	rl.Allow("alice")
	rl.Allow("alice")
	if rl.Allow("alice") {
		t.Error("alice exceeded her bucket")
	}

	// bob has his own bucket
	if !rl.Allow("bob") {
		t.Error("bob was denied by alice's exhausted bucket")
	}
}

func TestRateLimiterGlobalCap(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	// Global bucket is 10x the per-caller burst; drain it with many callers.
	allowed := 0
	for i := 0; i < 50; i++ {
		if rl.Allow(string(rune('a' + i%26))) {
			allowed++
		}
	}
	if allowed > 10 {
		t.Errorf("allowed = %d requests, global cap is 10", allowed)
	}
}
