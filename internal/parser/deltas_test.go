package parser

import (
	"testing"

	"github.com/rawblock/cabal-engine/pkg/models"
)

const (
	wallet = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	mintA  = "9n4nbM75f5Ui33ZbPYXn59EwSgE8CGsHtAeTH5YFeJ9E"
	pool   = "58oQChx4yWmvKdwLLZzBi4ChoCc2fqCUWBkwMihLYQo2"
)

func TestTokenDeltasNetChange(t *testing.T) {
	b := NewDeltaBuilder()
	tx := &models.RawTransaction{
		FeePayer: wallet,
		PreTokenBalances: []models.TokenBalance{
			{Owner: wallet, Mint: mintA, Amount: 1000},
			{Owner: pool, Mint: mintA, Amount: 500000},
		},
		PostTokenBalances: []models.TokenBalance{
			{Owner: wallet, Mint: mintA, Amount: 4000},
			{Owner: pool, Mint: mintA, Amount: 497000},
		},
	}

	tokenDeltas, _, _ := b.BuildDeltas(tx)

	if got := tokenDeltas[OwnerMint{wallet, mintA}]; got != 3000 {
		t.Errorf("wallet delta = %d, want 3000", got)
	}
	if got := tokenDeltas[OwnerMint{pool, mintA}]; got != -3000 {
		t.Errorf("pool delta = %d, want -3000", got)
	}
}

func TestMalformedTokenBalancesCounted(t *testing.T) {
	b := NewDeltaBuilder()
	tx := &models.RawTransaction{
		FeePayer: wallet,
		PreTokenBalances: []models.TokenBalance{
			{Owner: "", Mint: mintA, Amount: 100},
			{Owner: wallet, Mint: mintA, Amount: 1000},
		},
		PostTokenBalances: []models.TokenBalance{
			{Owner: wallet, Mint: "", Amount: 200},
			{Owner: wallet, Mint: mintA, Amount: 1500},
		},
	}

	tokenDeltas, _, _ := b.BuildDeltas(tx)
	if got := tokenDeltas[OwnerMint{wallet, mintA}]; got != 500 {
		t.Errorf("well-formed delta = %d, want 500", got)
	}

	stats := b.Stats()
	if stats["errors"].(int64) != 2 {
		t.Errorf("errors = %v, want 2 malformed entries counted", stats["errors"])
	}
}

func TestZeroDeltasDropped(t *testing.T) {
	b := NewDeltaBuilder()
	tx := &models.RawTransaction{
		PreTokenBalances:  []models.TokenBalance{{Owner: wallet, Mint: mintA, Amount: 100}},
		PostTokenBalances: []models.TokenBalance{{Owner: wallet, Mint: mintA, Amount: 100}},
	}

	tokenDeltas, _, _ := b.BuildDeltas(tx)
	if len(tokenDeltas) != 0 {
		t.Errorf("expected no deltas for unchanged balances, got %v", tokenDeltas)
	}
}

func TestFeeAddedBackToFeePayer(t *testing.T) {
	// The fee payer moved exactly the fee: after correction the delta is
	// zero and the account drops out entirely.
	b := NewDeltaBuilder()
	tx := &models.RawTransaction{
		FeePayer:     wallet,
		Fee:          5000,
		PreBalances:  map[string]int64{wallet: 1_000_000_000},
		PostBalances: map[string]int64{wallet: 999_995_000},
	}

	_, solDeltas, _ := b.BuildDeltas(tx)
	if d, ok := solDeltas[wallet]; ok {
		t.Errorf("fee-only movement should cancel out, got %d", d)
	}
}

func TestPureRentDepositSuppressed(t *testing.T) {
	b := NewDeltaBuilder()
	ata := "ATAaccount1111111111111111111111111111111111"
	tx := &models.RawTransaction{
		FeePayer:     wallet,
		PreBalances:  map[string]int64{ata: 0},
		PostBalances: map[string]int64{ata: ATARentLamports},
	}

	_, solDeltas, created := b.BuildDeltas(tx)
	if _, ok := solDeltas[ata]; ok {
		t.Error("pure ATA rent deposit should not produce a delta")
	}
	if created != 1 {
		t.Errorf("accountsCreated = %d, want 1", created)
	}
}

func TestCreatedAccountRentSubtracted(t *testing.T) {
	// New account received rent plus 1 SOL of real flow: only the real
	// flow survives.
	b := NewDeltaBuilder()
	acct := "NewAcct1111111111111111111111111111111111111"
	tx := &models.RawTransaction{
		PreBalances:  map[string]int64{acct: 0},
		PostBalances: map[string]int64{acct: ATARentLamports + 1_000_000_000},
	}

	_, solDeltas, _ := b.BuildDeltas(tx)
	if got := solDeltas[acct]; got != 1_000_000_000 {
		t.Errorf("delta = %d, want 1000000000", got)
	}
}

func TestNormalizeWSOLMergesIntoLamports(t *testing.T) {
	b := NewDeltaBuilder()
	tokenDeltas := map[OwnerMint]int64{
		{wallet, models.WSOLMint}: -2_000_000_000,
		{wallet, mintA}:           5000,
	}
	solDeltas := map[string]int64{wallet: -500_000_000}

	merged := b.NormalizeWSOL(tokenDeltas, solDeltas)
	if got := merged[wallet]; got != -2_500_000_000 {
		t.Errorf("merged SOL delta = %d, want -2500000000", got)
	}
	// Input map untouched.
	if solDeltas[wallet] != -500_000_000 {
		t.Error("NormalizeWSOL mutated its input")
	}
}

func TestMintsTouchedExcludesWSOL(t *testing.T) {
	b := NewDeltaBuilder()
	tokenDeltas := map[OwnerMint]int64{
		{wallet, models.WSOLMint}: -100,
		{wallet, mintA}:           100,
	}

	mints := b.MintsTouched(tokenDeltas)
	if len(mints) != 1 || mints[0] != mintA {
		t.Errorf("MintsTouched = %v, want [%s]", mints, mintA)
	}
}

func TestCandidateUsersIncludesFeePayer(t *testing.T) {
	b := NewDeltaBuilder()
	other := "Other11111111111111111111111111111111111111"
	tokenDeltas := map[OwnerMint]int64{{other, mintA}: 10}

	candidates := b.CandidateUsers(tokenDeltas, wallet)
	if _, ok := candidates[wallet]; !ok {
		t.Error("fee payer missing from candidates")
	}
	if _, ok := candidates[other]; !ok {
		t.Error("delta owner missing from candidates")
	}
}

func TestDeltaRecordRoundTrip(t *testing.T) {
	b := NewDeltaBuilder()
	tx := &models.RawTransaction{
		Signature:       "5igsig",
		Slot:            12345,
		BlockTime:       1700000000,
		FeePayer:        wallet,
		ProgramsInvoked: []string{"prog1"},
		Fee:             5000,
	}
	tokenDeltas := map[OwnerMint]int64{{wallet, mintA}: 42}
	solDeltas := map[string]int64{wallet: -1000}

	rec := b.DeltaRecord(tx, tokenDeltas, solDeltas, 1)
	data, err := rec.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := models.UnmarshalTxDelta(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.Signature != "5igsig" || back.Slot != 12345 || back.TxFee != 5000 {
		t.Errorf("header mismatch: %+v", back)
	}
	rebuilt := TokenDeltaMap(back)
	if rebuilt[OwnerMint{wallet, mintA}] != 42 {
		t.Errorf("token delta lost in round trip: %v", rebuilt)
	}
	if back.SolDeltas[wallet] != -1000 {
		t.Errorf("sol delta lost in round trip: %v", back.SolDeltas)
	}
}
