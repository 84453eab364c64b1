package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rawblock/cabal-engine/internal/config"
	"github.com/rawblock/cabal-engine/pkg/models"
)

const pumpProgram = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"

func testPrograms(t *testing.T) *config.ProgramTable {
	t.Helper()
	path := filepath.Join(t.TempDir(), "programs.yaml")
	yaml := `programs:
  - id: 6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P
    name: pump.fun
    venue: pump
  - id: JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4
    name: jupiter-v6
    venue: jupiter
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write programs: %v", err)
	}
	table, err := config.LoadPrograms(path)
	if err != nil {
		t.Fatalf("load programs: %v", err)
	}
	return table
}

func newInference(t *testing.T) *SwapInference {
	return NewSwapInference(NewDeltaBuilder(), testPrograms(t))
}

func TestInferPureBuy(t *testing.T) {
	// Wallet spends 1.5 SOL, receives 1M base units of a token. Clean
	// single-leg swap: full confidence.
	inf := newInference(t)
	tokenDeltas := map[OwnerMint]int64{{wallet, mintA}: 1_000_000}
	solDeltas := map[string]int64{wallet: -1_500_000_000}
	candidates := map[string]struct{}{wallet: {}}

	swap := inf.InferSwap(tokenDeltas, solDeltas, candidates)
	if swap == nil {
		t.Fatal("expected a swap")
	}
	if swap.Side != models.SideBuy {
		t.Errorf("side = %s, want buy", swap.Side)
	}
	if swap.BaseMint != mintA || swap.BaseAmount != 1_000_000 {
		t.Errorf("base leg = %s/%d", swap.BaseMint, swap.BaseAmount)
	}
	if swap.QuoteMint != models.WSOLMint || swap.QuoteAmount != 1_500_000_000 {
		t.Errorf("quote leg = %s/%d", swap.QuoteMint, swap.QuoteAmount)
	}
	if swap.Confidence != 1.0 {
		t.Errorf("confidence = %f, want 1.0", swap.Confidence)
	}
}

func TestInferPureSell(t *testing.T) {
	inf := newInference(t)
	tokenDeltas := map[OwnerMint]int64{{wallet, mintA}: -1_000_000}
	solDeltas := map[string]int64{wallet: 1_500_000_000}
	candidates := map[string]struct{}{wallet: {}}

	swap := inf.InferSwap(tokenDeltas, solDeltas, candidates)
	if swap == nil {
		t.Fatal("expected a swap")
	}
	if swap.Side != models.SideSell {
		t.Errorf("side = %s, want sell", swap.Side)
	}
	if swap.BaseAmount != 1_000_000 || swap.QuoteAmount != 1_500_000_000 {
		t.Errorf("amounts = %d/%d, want positive magnitudes", swap.BaseAmount, swap.QuoteAmount)
	}
}

func TestWSOLSpendCountsAsQuote(t *testing.T) {
	// Spend arrives as a WSOL token delta, no lamport movement at all.
	inf := newInference(t)
	tokenDeltas := map[OwnerMint]int64{
		{wallet, models.WSOLMint}: -2_000_000_000,
		{wallet, mintA}:           500_000,
	}
	candidates := map[string]struct{}{wallet: {}}

	swap := inf.InferSwap(tokenDeltas, map[string]int64{}, candidates)
	if swap == nil {
		t.Fatal("expected a buy via WSOL")
	}
	if swap.Side != models.SideBuy || swap.QuoteAmount != 2_000_000_000 {
		t.Errorf("got %+v", swap)
	}
}

func TestUSDCQuoteBuy(t *testing.T) {
	inf := newInference(t)
	tokenDeltas := map[OwnerMint]int64{
		{wallet, models.USDCMint}: -100_000_000, // 100 USDC
		{wallet, mintA}:           999,
	}
	candidates := map[string]struct{}{wallet: {}}

	swap := inf.InferSwap(tokenDeltas, map[string]int64{}, candidates)
	if swap == nil || swap.QuoteMint != models.USDCMint {
		t.Fatalf("expected USDC-quoted buy, got %+v", swap)
	}
}

func TestNoSwapShape(t *testing.T) {
	// Token received but nothing spent: transfer, not a swap.
	inf := newInference(t)
	tokenDeltas := map[OwnerMint]int64{{wallet, mintA}: 1000}
	candidates := map[string]struct{}{wallet: {}}

	if swap := inf.InferSwap(tokenDeltas, map[string]int64{}, candidates); swap != nil {
		t.Errorf("expected nil, got %+v", swap)
	}
}

func TestConfidencePenalties(t *testing.T) {
	mintB := "BmintBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"

	cases := []struct {
		name        string
		tokenDeltas map[OwnerMint]int64
		solDeltas   map[string]int64
		want        float64
	}{
		{
			name: "two tokens received",
			tokenDeltas: map[OwnerMint]int64{
				{wallet, mintA}: 1000,
				{wallet, mintB}: 2000,
			},
			solDeltas: map[string]int64{wallet: -1_000_000_000},
			want:      0.8,
		},
		{
			name: "lamport delta equals ATA rent",
			tokenDeltas: map[OwnerMint]int64{
				{wallet, mintA}: 1000,
			},
			solDeltas: map[string]int64{wallet: -ATARentLamports},
			want:      0.9,
		},
		{
			name: "two quote mints spent",
			tokenDeltas: map[OwnerMint]int64{
				{wallet, models.USDCMint}: -50,
				{wallet, mintA}:           1000,
			},
			solDeltas: map[string]int64{wallet: -1_000_000_000},
			want:      0.9,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inf := newInference(t)
			swap := inf.InferSwap(tc.tokenDeltas, tc.solDeltas, map[string]struct{}{wallet: {}})
			if swap == nil {
				t.Fatal("expected a swap")
			}
			if diff := swap.Confidence - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("confidence = %f, want %f", swap.Confidence, tc.want)
			}
		})
	}
}

func TestLargestLegsPicked(t *testing.T) {
	mintB := "BmintBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
	inf := newInference(t)
	tokenDeltas := map[OwnerMint]int64{
		{wallet, mintA}: 100,
		{wallet, mintB}: 90_000,
	}
	solDeltas := map[string]int64{wallet: -1_000_000_000}

	swap := inf.InferSwap(tokenDeltas, solDeltas, map[string]struct{}{wallet: {}})
	if swap == nil || swap.BaseMint != mintB {
		t.Fatalf("expected largest received leg %s, got %+v", mintB, swap)
	}
}

func TestVenueResolution(t *testing.T) {
	inf := newInference(t)
	if v := inf.Venue([]string{"unknownprog", pumpProgram}); v != "pump" {
		t.Errorf("venue = %s, want pump", v)
	}
	if v := inf.Venue([]string{"unknownprog"}); v != "unknown" {
		t.Errorf("venue = %s, want unknown", v)
	}
}

func TestEventAssembly(t *testing.T) {
	inf := newInference(t)
	tx := &models.RawTransaction{
		Signature:       "sig1",
		Slot:            99,
		BlockTime:       1700000000,
		FeePayer:        wallet,
		ProgramsInvoked: []string{pumpProgram},
	}
	cand := &models.SwapCandidate{
		UserWallet: wallet, Side: models.SideBuy,
		BaseMint: mintA, BaseAmount: 10,
		QuoteMint: models.WSOLMint, QuoteAmount: 20,
		Confidence: 0.9,
	}

	ev := inf.Event(tx, cand)
	if ev.Venue != "pump" || ev.Signature != "sig1" || ev.RouteDepth != 1 {
		t.Errorf("event = %+v", ev)
	}
}
