package enrich

import (
	"testing"
	"time"
)

func TestCreditBucketSpendAndRefuse(t *testing.T) {
	b := NewCreditBucket(100)

	if !b.Spend(60) {
		t.Fatal("spend within budget refused")
	}
	if b.Spend(50) {
		t.Error("overrun spend allowed")
	}
	if !b.Spend(40) {
		t.Error("exact remainder refused")
	}
	if b.Remaining() != 0 {
		t.Errorf("remaining = %d, want 0", b.Remaining())
	}
}

func TestCreditBucketDegradedAtEightyPercent(t *testing.T) {
	b := NewCreditBucket(1000)

	b.Spend(799)
	if b.IsDegraded() {
		t.Error("degraded below 80%")
	}
	b.Spend(1)
	if !b.IsDegraded() {
		t.Error("exactly 80% should be degraded")
	}
}

func TestCreditBucketResetsAtLocalMidnight(t *testing.T) {
	b := NewCreditBucket(100)
	loc := time.FixedZone("UTC+5", 5*3600)
	current := time.Date(2026, 8, 24, 23, 30, 0, 0, loc)
	b.now = func() time.Time { return current }
	b.lastReset = dayStart(current)

	b.Spend(100)
	if b.CanSpend(1) {
		t.Fatal("budget should be exhausted")
	}

	// Still the same local day even though UTC has rolled over.
	current = time.Date(2026, 8, 24, 23, 59, 0, 0, loc)
	if b.CanSpend(1) {
		t.Error("reset before local midnight")
	}

	current = time.Date(2026, 8, 25, 0, 1, 0, 0, loc)
	if !b.CanSpend(1) {
		t.Error("no reset after local midnight")
	}
	if b.Remaining() != 100 {
		t.Errorf("remaining = %d, want full budget after reset", b.Remaining())
	}
}
