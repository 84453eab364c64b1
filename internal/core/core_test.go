package core

import (
	"testing"
	"time"
)

func TestTTLCacheExpiry(t *testing.T) {
	c := NewTTLCache(time.Minute, 100)
	now := time.Unix(1724500000, 0)
	c.now = func() time.Time { return now }

	c.Set("a")
	if !c.Contains("a") {
		t.Error("fresh key missing")
	}

	now = now.Add(61 * time.Second)
	if c.Contains("a") {
		t.Error("expired key still present")
	}
	if c.Len() != 0 {
		t.Errorf("expired key not removed, len=%d", c.Len())
	}
}

func TestTTLCacheEviction(t *testing.T) {
	c := NewTTLCache(time.Minute, 8)
	now := time.Unix(1724500000, 0)
	c.now = func() time.Time { return now }

	for i := 0; i < 8; i++ {
		c.Set(string(rune('a' + i)))
		now = now.Add(time.Second)
	}
	// Ninth insert forces eviction of the soonest-expiring quarter.
	c.Set("z")
	if c.Len() > 8 {
		t.Errorf("cache exceeded max size: %d", c.Len())
	}
	if !c.Contains("z") {
		t.Error("newest key evicted")
	}
	if c.Contains("a") {
		t.Error("oldest key survived eviction")
	}
}

func TestHotTokenCacheRefreshCycle(t *testing.T) {
	h := NewHotTokenCache(5 * time.Second)
	now := time.Unix(1724500000, 0)
	h.now = func() time.Time { return now }

	if !h.NeedsRefresh() {
		t.Error("empty cache should need refresh")
	}
	h.Update([]string{"mintA", "mintB"})
	if h.NeedsRefresh() {
		t.Error("fresh cache should not need refresh")
	}
	if !h.IsHot("mintA") || h.IsHot("mintC") {
		t.Error("membership wrong after update")
	}

	h.Add("mintC")
	if !h.IsHot("mintC") {
		t.Error("Add not visible")
	}

	now = now.Add(6 * time.Second)
	if !h.NeedsRefresh() {
		t.Error("stale cache should need refresh")
	}
}

func TestBackpressureModeTable(t *testing.T) {
	b := NewBackpressureManager(nil, BackpressureOptions{
		DegradedLag:       5 * time.Second,
		CriticalLag:       30 * time.Second,
		DegradedStreamLen: 50000,
		CriticalStreamLen: 80000,
	})

	cases := []struct {
		lag       time.Duration
		streamLen int64
		want      DegradationMode
	}{
		{time.Second, 1000, ModeNormal},
		{6 * time.Second, 1000, ModeDegraded},
		{time.Second, 60000, ModeDegraded},
		{31 * time.Second, 1000, ModeCritical},
		{time.Second, 90000, ModeCritical},
		{6 * time.Second, 90000, ModeCritical},
	}
	for _, tc := range cases {
		b.lag = tc.lag
		b.streamLen = tc.streamLen
		if got := b.calculateLocked(); got != tc.want {
			t.Errorf("lag=%s len=%d: mode=%s, want %s", tc.lag, tc.streamLen, got, tc.want)
		}
	}
}

func TestBackpressureGates(t *testing.T) {
	b := NewBackpressureManager(nil, BackpressureOptions{
		DegradedLag: 5 * time.Second, CriticalLag: 30 * time.Second,
		DegradedStreamLen: 50000, CriticalStreamLen: 80000,
	})

	b.mode = ModeNormal
	if !b.ShouldParseFull() || !b.ShouldStoreSwapEvent() || !b.ShouldEnrich() {
		t.Error("normal mode should allow everything")
	}
	b.mode = ModeDegraded
	if b.ShouldParseFull() || b.ShouldStoreSwapEvent() {
		t.Error("degraded mode should skip full parsing and swap persistence")
	}
	if !b.ShouldEnrich() {
		t.Error("degraded mode should still allow enrichment")
	}
	b.mode = ModeCritical
	if b.ShouldEnrich() {
		t.Error("critical mode should pause enrichment")
	}
}
