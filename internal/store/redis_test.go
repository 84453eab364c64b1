package store

import (
	"testing"
	"time"
)

func TestBucketKeyAlignment(t *testing.T) {
	// Two instants inside the same 60s bucket share a key, the next
	// bucket does not.
	mint := "MintAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	t0 := time.Unix(1700000000, 0)
	t1 := time.Unix(1700000059, 0)
	t2 := time.Unix(1700000060, 0)

	k0 := BucketKey("buys", mint, time.Minute, t0)
	k1 := BucketKey("buys", mint, time.Minute, t1)
	k2 := BucketKey("buys", mint, time.Minute, t2)

	if k0 != k1 {
		t.Errorf("same bucket produced different keys: %s vs %s", k0, k1)
	}
	if k0 == k2 {
		t.Errorf("adjacent buckets share key %s", k0)
	}

	want := "buys:60s:28333333:" + mint
	if k0 != want {
		t.Errorf("key = %s, want %s", k0, want)
	}
}

func TestBucketKeyMetricsAreDistinct(t *testing.T) {
	mint := "MintAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	now := time.Unix(1700000000, 0)
	if BucketKey("buys", mint, time.Minute, now) == BucketKey("sells", mint, time.Minute, now) {
		t.Error("buy and sell counters share a key")
	}
}

func TestWindowBuckets(t *testing.T) {
	s := &Store{
		opts: Options{BucketShort: time.Minute, WindowShort: 5 * time.Minute},
		now:  func() time.Time { return time.Unix(1700000000, 0) },
	}
	buckets := s.windowBuckets(5*time.Minute, time.Minute)
	if len(buckets) != 5 {
		t.Fatalf("bucket count = %d, want 5", len(buckets))
	}
	for i := 1; i < len(buckets); i++ {
		if d := buckets[i-1].Sub(buckets[i]); d != time.Minute {
			t.Errorf("bucket step %d = %v, want 1m", i, d)
		}
	}
}

func TestIsAllBuys(t *testing.T) {
	if IsAllBuys(3.5) {
		t.Error("finite ratio flagged as all-buys")
	}
	if !IsAllBuys(infRatio) {
		t.Error("sentinel not recognized")
	}
}

func TestIDMillis(t *testing.T) {
	if got := idMillis("1700000000123-4"); got != 1700000000123 {
		t.Errorf("idMillis = %d", got)
	}
	if got := idMillis("500"); got != 500 {
		t.Errorf("idMillis without seq = %d", got)
	}
}
