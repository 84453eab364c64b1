package core

import (
	"math"
	"testing"

	"github.com/rawblock/cabal-engine/internal/enrich"
)

func TestSwapMcapNineDecimals(t *testing.T) {
	// 2 SOL for 1000 tokens of a 9-decimal mint with 1B total supply.
	supply := &enrich.TokenSupply{Supply: 1_000_000_000 * 1_000_000_000, Decimals: 9}
	mcap, price := swapMcap(2_000_000_000, 1000*1_000_000_000, supply)

	if !closeTo(price, 0.002) {
		t.Errorf("price = %v, want 0.002 SOL", price)
	}
	if !closeTo(mcap, 2_000_000) {
		t.Errorf("mcap = %v, want 2,000,000 SOL", mcap)
	}
}

func TestSwapMcapSixDecimals(t *testing.T) {
	// 1 SOL for 500 tokens of a 6-decimal mint with 10M total supply.
	supply := &enrich.TokenSupply{Supply: 10_000_000 * 1_000_000, Decimals: 6}
	mcap, price := swapMcap(1_000_000_000, 500*1_000_000, supply)

	if !closeTo(price, 0.002) {
		t.Errorf("price = %v, want 0.002 SOL", price)
	}
	if !closeTo(mcap, 20_000) {
		t.Errorf("mcap = %v, want 20,000 SOL", mcap)
	}
}

func TestSwapMcapPriceIndependentOfTradeSize(t *testing.T) {
	supply := &enrich.TokenSupply{Supply: 1_000_000 * 1_000_000_000, Decimals: 9}
	_, small := swapMcap(100_000_000, 50*1_000_000_000, supply)
	_, large := swapMcap(10_000_000_000, 5000*1_000_000_000, supply)

	if !closeTo(small, large) {
		t.Errorf("same unit price should yield same result: %v vs %v", small, large)
	}
}

func closeTo(got, want float64) bool {
	if want == 0 {
		return math.Abs(got) < 1e-9
	}
	return math.Abs(got-want)/math.Abs(want) < 1e-9
}
