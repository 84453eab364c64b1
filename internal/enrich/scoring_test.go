package enrich

import (
	"testing"
	"time"

	"github.com/rawblock/cabal-engine/internal/detect"
	"github.com/rawblock/cabal-engine/internal/store"
)

func TestScoreConcentrationTable(t *testing.T) {
	cases := []struct {
		share float64
		want  float64
	}{
		{0.85, 1.0},
		{0.65, 0.8},
		{0.45, 0.5},
		{0.25, 0.2},
		{0.1, 0.0},
	}
	for _, tc := range cases {
		var ev []string
		got := scoreConcentration(&detect.TokenStats{Top3VolumeShare: tc.share}, &ev)
		if got != tc.want {
			t.Errorf("share %.2f: score = %v, want %v", tc.share, got, tc.want)
		}
	}
}

func TestScoreTimingTable(t *testing.T) {
	cases := []struct {
		buys   int64
		buyers int64
		want   float64
	}{
		{100, 10, 1.0},
		{50, 10, 0.7},
		{30, 10, 0.4},
		{20, 10, 0.2},
		{10, 10, 0.0},
		{10, 0, 0.0},
	}
	for _, tc := range cases {
		var ev []string
		got := scoreTiming(&detect.TokenStats{BuyCount: tc.buys, UniqueBuyers: tc.buyers}, &ev)
		if got != tc.want {
			t.Errorf("buys=%d buyers=%d: score = %v, want %v", tc.buys, tc.buyers, got, tc.want)
		}
	}
}

func TestScoreRatioAllBuys(t *testing.T) {
	var ev []string
	got := scoreRatio(&detect.TokenStats{BuyCount: 10, SellCount: 0, BuySellRatio: 1e9}, &ev)
	if got != 1.0 {
		t.Errorf("all-buys ratio score = %v, want 1.0", got)
	}
	if len(ev) != 1 || ev[0] != "All buys, no sells" {
		t.Errorf("evidence = %v", ev)
	}
}

func TestScoreRatioTable(t *testing.T) {
	cases := []struct {
		ratio float64
		want  float64
	}{
		{25, 1.0},
		{12, 0.8},
		{6, 0.5},
		{3.5, 0.3},
		{2, 0.0},
	}
	for _, tc := range cases {
		var ev []string
		got := scoreRatio(&detect.TokenStats{BuyCount: 10, SellCount: 1, BuySellRatio: tc.ratio}, &ev)
		if got != tc.want {
			t.Errorf("ratio %.1f: score = %v, want %v", tc.ratio, got, tc.want)
		}
	}
}

func TestScoreConfidencePenalties(t *testing.T) {
	full := scoreConfidence(&detect.TokenStats{BuyCount: 25, VolumeSol: 10}, 5)
	if full != 1.0 {
		t.Errorf("full confidence = %v, want 1.0", full)
	}

	// 3 buys (-0.3), 2 top buyers (-0.2), 0.5 SOL (-0.2)
	low := scoreConfidence(&detect.TokenStats{BuyCount: 3, VolumeSol: 0.5}, 2)
	if low < 0.29 || low > 0.31 {
		t.Errorf("penalized confidence = %v, want 0.3", low)
	}

	floor := scoreConfidence(&detect.TokenStats{BuyCount: 0, VolumeSol: 0}, 0)
	if floor != 0.1 {
		t.Errorf("confidence floor = %v, want 0.1", floor)
	}
}

func TestScoreWeightsAndClusterComponent(t *testing.T) {
	clusterer := NewWalletClusterer(nil)
	clusterer.Link("w1", "w2")
	clusterer.Link("w2", "w3")
	scorer := NewCabalScorer(clusterer)

	stats := &detect.TokenStats{
		BuyCount:        30,
		SellCount:       0,
		UniqueBuyers:    3,
		VolumeSol:       20,
		BuySellRatio:    1e9,
		Top3VolumeShare: 0.9,
		NewWalletPct:    0.8,
	}
	buyers := []store.TopBuyer{
		{Wallet: "w1", VolumeSol: 10},
		{Wallet: "w2", VolumeSol: 5},
		{Wallet: "w3", VolumeSol: 5},
	}

	score := scorer.Score(stats, buyers)
	// Every component maxed: concentration 1, cluster 1 (100% linked),
	// timing 1 (10 buys/buyer), new wallet 1, ratio 1.
	if score.Total < 0.99 || score.Total > 1.01 {
		t.Errorf("total = %v, want 1.0", score.Total)
	}
	if score.Cluster != 1.0 {
		t.Errorf("cluster component = %v, want 1.0", score.Cluster)
	}
	if score.RiskLevel() != "HIGH" {
		t.Errorf("risk = %s, want HIGH", score.RiskLevel())
	}
	if len(score.TopEvidence(3)) != 3 {
		t.Errorf("evidence truncation: %v", score.Evidence)
	}
}

func TestCreditBucketSpendAndDegrade(t *testing.T) {
	b := NewCreditBucket(100)
	if !b.Spend(50) {
		t.Fatal("spend within budget refused")
	}
	if b.IsDegraded() {
		t.Error("50% usage should not be degraded")
	}
	if !b.Spend(35) {
		t.Fatal("spend within budget refused")
	}
	if !b.IsDegraded() {
		t.Error("85% usage should be degraded")
	}
	if b.Spend(20) {
		t.Error("overrun spend allowed")
	}
	if b.Remaining() != 15 {
		t.Errorf("remaining = %d, want 15", b.Remaining())
	}
}

func TestCreditBucketDailyReset(t *testing.T) {
	b := NewCreditBucket(100)
	now := time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	b.lastReset = now.Truncate(24 * time.Hour)

	b.Spend(90)
	if !b.IsDegraded() {
		t.Fatal("should be degraded at 90%")
	}

	now = now.Add(2 * time.Hour) // crosses UTC midnight
	if b.IsDegraded() {
		t.Error("new day should reset usage")
	}
	if b.Remaining() != 100 {
		t.Errorf("remaining after reset = %d, want 100", b.Remaining())
	}
}

func TestExtractFunder(t *testing.T) {
	tx := &transactionDetail{
		AccountKeys:  []string{"funder", "recipient", "program"},
		PreBalances:  []int64{5_000_000_000, 0, 1},
		PostBalances: []int64{3_000_000_000, 2_000_000_000, 1},
	}
	if got := extractFunder(tx, "recipient"); got != "funder" {
		t.Errorf("funder = %q", got)
	}
	if got := extractFunder(tx, "funder"); got != "" {
		t.Errorf("sender misidentified as funded: %q", got)
	}
	if got := extractFunder(tx, "unknown"); got != "" {
		t.Errorf("missing recipient should yield empty, got %q", got)
	}
}
