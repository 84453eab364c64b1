package parser

import (
	"sync/atomic"

	"github.com/rawblock/cabal-engine/pkg/models"
)

// Rent deposits that show up as lamport movement without being trade flow.
const (
	ATARentLamports     = 2039280 // associated token account creation
	AccountRentLamports = 890880  // bare system account
)

// OwnerMint keys a token delta by holding wallet and mint.
type OwnerMint struct {
	Owner string
	Mint  string
}

// DeltaBuilder turns a transaction's pre/post balance tables into net
// per-account deltas, correcting for the tx fee and rent deposits so the
// numbers reflect trade flow only.
type DeltaBuilder struct {
	processed atomic.Int64
	errors    atomic.Int64
}

func NewDeltaBuilder() *DeltaBuilder {
	return &DeltaBuilder{}
}

// BuildDeltas returns (tokenDeltas, solDeltas, accountsCreated).
//
// Token deltas: post - pre per (owner, mint), zero deltas dropped.
// SOL deltas: post - pre lamports per account, with the tx fee added back
// to the fee payer, pure rent deposits dropped, and ATA rent subtracted
// from accounts created during the transaction.
func (b *DeltaBuilder) BuildDeltas(tx *models.RawTransaction) (map[OwnerMint]int64, map[string]int64, int) {
	b.processed.Add(1)

	tokenDeltas := make(map[OwnerMint]int64)
	pre, badPre := indexTokenBalances(tx.PreTokenBalances)
	post, badPost := indexTokenBalances(tx.PostTokenBalances)
	if n := badPre + badPost; n > 0 {
		b.errors.Add(int64(n))
	}

	for key, preAmt := range pre {
		if d := post[key] - preAmt; d != 0 {
			tokenDeltas[key] = d
		}
	}
	for key, postAmt := range post {
		if _, seen := pre[key]; !seen && postAmt != 0 {
			tokenDeltas[key] = postAmt
		}
	}

	solDeltas := make(map[string]int64)
	accountsCreated := 0

	accounts := make(map[string]struct{}, len(tx.PreBalances)+len(tx.PostBalances))
	for a := range tx.PreBalances {
		accounts[a] = struct{}{}
	}
	for a := range tx.PostBalances {
		accounts[a] = struct{}{}
	}

	for account := range accounts {
		preLamports := tx.PreBalances[account]
		postLamports := tx.PostBalances[account]
		delta := postLamports - preLamports

		if account == tx.FeePayer {
			delta += tx.Fee
		}

		if preLamports == 0 && postLamports > 0 {
			accountsCreated++
			// Exactly a rent deposit means the account was only created,
			// nothing traded through it.
			if postLamports == ATARentLamports || postLamports == AccountRentLamports {
				continue
			}
			delta -= ATARentLamports
		}

		if delta != 0 {
			solDeltas[account] = delta
		}
	}

	return tokenDeltas, solDeltas, accountsCreated
}

// indexTokenBalances also counts malformed entries (missing owner or
// mint), which the builder surfaces as errors.
func indexTokenBalances(balances []models.TokenBalance) (map[OwnerMint]int64, int) {
	out := make(map[OwnerMint]int64, len(balances))
	malformed := 0
	for _, b := range balances {
		if b.Owner == "" || b.Mint == "" {
			malformed++
			continue
		}
		out[OwnerMint{Owner: b.Owner, Mint: b.Mint}] = b.Amount
	}
	return out, malformed
}

// NormalizeWSOL merges WSOL token deltas into the lamport deltas. Wrapped
// and native SOL are the same quote asset as far as inference is concerned.
func (b *DeltaBuilder) NormalizeWSOL(tokenDeltas map[OwnerMint]int64, solDeltas map[string]int64) map[string]int64 {
	merged := make(map[string]int64, len(solDeltas))
	for acct, d := range solDeltas {
		merged[acct] = d
	}
	for key, amt := range tokenDeltas {
		if key.Mint == models.WSOLMint {
			merged[key.Owner] += amt
		}
	}
	return merged
}

// CandidateUsers returns the fee payer plus every owner with a nonzero
// token delta.
func (b *DeltaBuilder) CandidateUsers(tokenDeltas map[OwnerMint]int64, feePayer string) map[string]struct{} {
	candidates := map[string]struct{}{}
	if feePayer != "" {
		candidates[feePayer] = struct{}{}
	}
	for key, amt := range tokenDeltas {
		if amt != 0 {
			candidates[key.Owner] = struct{}{}
		}
	}
	return candidates
}

// MintsTouched returns the non-WSOL mints with any token delta.
func (b *DeltaBuilder) MintsTouched(tokenDeltas map[OwnerMint]int64) []string {
	seen := map[string]struct{}{}
	for key := range tokenDeltas {
		if key.Mint != models.WSOLMint {
			seen[key.Mint] = struct{}{}
		}
	}
	mints := make([]string, 0, len(seen))
	for m := range seen {
		mints = append(mints, m)
	}
	return mints
}

// DeltaRecord packages the built deltas into the journal record form.
func (b *DeltaBuilder) DeltaRecord(tx *models.RawTransaction, tokenDeltas map[OwnerMint]int64, solDeltas map[string]int64, accountsCreated int) *models.TxDeltaRecord {
	td := make([]models.TokenDelta, 0, len(tokenDeltas))
	for key, amt := range tokenDeltas {
		td = append(td, models.TokenDelta{Owner: key.Owner, Mint: key.Mint, Delta: amt})
	}
	return &models.TxDeltaRecord{
		Signature:       tx.Signature,
		Slot:            tx.Slot,
		BlockTime:       tx.BlockTime,
		FeePayer:        tx.FeePayer,
		ProgramsInvoked: tx.ProgramsInvoked,
		TokenDeltas:     td,
		SolDeltas:       solDeltas,
		MintsTouched:    b.MintsTouched(tokenDeltas),
		TxFee:           tx.Fee,
		AccountsCreated: accountsCreated,
	}
}

// TokenDeltaMap rebuilds the keyed delta map from a journal record, for
// re-inference during backfill.
func TokenDeltaMap(rec *models.TxDeltaRecord) map[OwnerMint]int64 {
	out := make(map[OwnerMint]int64, len(rec.TokenDeltas))
	for _, td := range rec.TokenDeltas {
		out[OwnerMint{Owner: td.Owner, Mint: td.Mint}] = td.Delta
	}
	return out
}

// Stats reports processed/error counts for the observability surface.
func (b *DeltaBuilder) Stats() map[string]any {
	processed := b.processed.Load()
	errs := b.errors.Load()
	rate := 0.0
	if processed > 0 {
		rate = float64(errs) / float64(processed) * 100
	}
	return map[string]any{
		"processed":      processed,
		"errors":         errs,
		"error_rate_pct": rate,
	}
}
