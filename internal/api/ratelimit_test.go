package api

import (
	"testing"
	"time"
)

func TestRateLimiterBurstThenRefuse(t *testing.T) {
	rl := &RateLimiter{rate: 1.0 / 60.0, burst: 3, buckets: map[string]*ipBucket{}}

	for i := 0; i < 3; i++ {
		ok, _ := rl.allow("10.0.0.1")
		if !ok {
			t.Fatalf("request %d within burst refused", i+1)
		}
	}
	ok, retryAfter := rl.allow("10.0.0.1")
	if ok {
		t.Error("request past burst should be refused")
	}
	if retryAfter <= 0 {
		t.Errorf("retryAfter = %s, want positive", retryAfter)
	}
}

func TestRateLimiterIsolatesIPs(t *testing.T) {
	rl := &RateLimiter{rate: 1.0 / 60.0, burst: 1, buckets: map[string]*ipBucket{}}

	if ok, _ := rl.allow("10.0.0.1"); !ok {
		t.Fatal("first IP refused")
	}
	if ok, _ := rl.allow("10.0.0.2"); !ok {
		t.Error("second IP should have its own bucket")
	}
	if ok, _ := rl.allow("10.0.0.1"); ok {
		t.Error("exhausted IP should be refused")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := &RateLimiter{rate: 10, burst: 1, buckets: map[string]*ipBucket{}}

	rl.allow("10.0.0.1")
	if ok, _ := rl.allow("10.0.0.1"); ok {
		t.Fatal("bucket should be empty")
	}

	// Backdate the bucket instead of sleeping.
	rl.mu.Lock()
	rl.buckets["10.0.0.1"].lastSeen = time.Now().Add(-time.Second)
	rl.mu.Unlock()

	if ok, _ := rl.allow("10.0.0.1"); !ok {
		t.Error("refilled bucket should allow again")
	}
}
