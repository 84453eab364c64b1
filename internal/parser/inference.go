package parser

import (
	"sync/atomic"

	"github.com/rawblock/cabal-engine/internal/config"
	"github.com/rawblock/cabal-engine/pkg/models"
)

// MinConfidence is the default acceptance threshold for inferred swaps.
const MinConfidence = 0.7

// SwapInference infers BUY/SELL events from balance deltas.
//
// For each candidate wallet: the largest negative quote delta paired with
// the largest positive non-quote delta is a BUY; the mirror is a SELL.
// Confidence starts at 1.0 and drops for each ambiguity in the delta set.
type SwapInference struct {
	deltas   *DeltaBuilder
	programs *config.ProgramTable

	processed     atomic.Int64
	swapsFound    atomic.Int64
	confidenceSum atomic.Int64 // millis, for the running average
}

func NewSwapInference(deltas *DeltaBuilder, programs *config.ProgramTable) *SwapInference {
	return &SwapInference{deltas: deltas, programs: programs}
}

// InferSwap evaluates every candidate for both sides and returns the
// highest-confidence candidate, or nil when no BUY/SELL shape exists.
func (s *SwapInference) InferSwap(tokenDeltas map[OwnerMint]int64, solDeltas map[string]int64, candidates map[string]struct{}) *models.SwapCandidate {
	s.processed.Add(1)

	mergedSol := s.deltas.NormalizeWSOL(tokenDeltas, solDeltas)

	// Group non-WSOL token deltas by owner once.
	byOwner := make(map[string]map[string]int64)
	for key, amt := range tokenDeltas {
		if key.Mint == models.WSOLMint {
			continue
		}
		m := byOwner[key.Owner]
		if m == nil {
			m = make(map[string]int64)
			byOwner[key.Owner] = m
		}
		m[key.Mint] = amt
	}

	var best *models.SwapCandidate
	for user := range candidates {
		userDeltas := byOwner[user]
		userSol := mergedSol[user]
		rawLamports, hasLamports := solDeltas[user]
		if !hasLamports {
			rawLamports = 0
		}

		if buy := s.checkBuy(user, userDeltas, userSol, rawLamports); buy != nil {
			if best == nil || buy.Confidence > best.Confidence {
				best = buy
			}
		}
		if sell := s.checkSell(user, userDeltas, userSol, rawLamports); sell != nil {
			if best == nil || sell.Confidence > best.Confidence {
				best = sell
			}
		}
	}

	if best != nil {
		s.swapsFound.Add(1)
		s.confidenceSum.Add(int64(best.Confidence * 1000))
	}
	return best
}

type mintAmount struct {
	mint string
	amt  int64
}

func (s *SwapInference) checkBuy(user string, userDeltas map[string]int64, userSol int64, rawLamports int64) *models.SwapCandidate {
	var quoteSpent, tokenReceived []mintAmount

	if userSol < 0 {
		quoteSpent = append(quoteSpent, mintAmount{models.WSOLMint, userSol})
	}
	for mint, amt := range userDeltas {
		if models.IsQuoteMint(mint) && amt < 0 {
			quoteSpent = append(quoteSpent, mintAmount{mint, amt})
		}
	}
	for mint, amt := range userDeltas {
		if !models.IsQuoteMint(mint) && amt > 0 {
			tokenReceived = append(tokenReceived, mintAmount{mint, amt})
		}
	}

	if len(quoteSpent) == 0 || len(tokenReceived) == 0 {
		return nil
	}

	quote := maxByAbs(quoteSpent)
	token := maxByAbs(tokenReceived)

	return &models.SwapCandidate{
		UserWallet:  user,
		Side:        models.SideBuy,
		BaseMint:    token.mint,
		BaseAmount:  token.amt,
		QuoteMint:   quote.mint,
		QuoteAmount: -quote.amt,
		Confidence:  confidence(userDeltas, len(quoteSpent), len(tokenReceived), rawLamports),
	}
}

func (s *SwapInference) checkSell(user string, userDeltas map[string]int64, userSol int64, rawLamports int64) *models.SwapCandidate {
	var tokenSold, quoteReceived []mintAmount

	for mint, amt := range userDeltas {
		if !models.IsQuoteMint(mint) && amt < 0 {
			tokenSold = append(tokenSold, mintAmount{mint, amt})
		}
	}
	if userSol > 0 {
		quoteReceived = append(quoteReceived, mintAmount{models.WSOLMint, userSol})
	}
	for mint, amt := range userDeltas {
		if models.IsQuoteMint(mint) && amt > 0 {
			quoteReceived = append(quoteReceived, mintAmount{mint, amt})
		}
	}

	if len(tokenSold) == 0 || len(quoteReceived) == 0 {
		return nil
	}

	token := maxByAbs(tokenSold)
	quote := maxByAbs(quoteReceived)

	return &models.SwapCandidate{
		UserWallet:  user,
		Side:        models.SideSell,
		BaseMint:    token.mint,
		BaseAmount:  -token.amt,
		QuoteMint:   quote.mint,
		QuoteAmount: quote.amt,
		Confidence:  confidence(userDeltas, len(quoteReceived), len(tokenSold), rawLamports),
	}
}

// maxByAbs picks the entry with the largest absolute amount. Ties keep the
// first entry, which makes inference deterministic given slice order.
func maxByAbs(entries []mintAmount) mintAmount {
	best := entries[0]
	for _, e := range entries[1:] {
		if abs64(e.amt) > abs64(best.amt) {
			best = e
		}
	}
	return best
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func confidence(userDeltas map[string]int64, quoteLegs, tokenLegs int, rawLamports int64) float64 {
	c := 1.0
	if tokenLegs > 1 {
		c -= 0.2 // multi-hop or multi-token
	}
	if quoteLegs == 0 {
		c -= 0.2
	}
	if quoteLegs > 1 {
		c -= 0.1
	}
	if rawLamports != 0 && abs64(rawLamports) == ATARentLamports {
		c -= 0.1 // lamport move indistinguishable from rent
	}
	if len(userDeltas) > 3 {
		c -= 0.1
	}
	if c < 0 {
		return 0
	}
	return c
}

// Venue resolves the trading venue from the invoked programs, "unknown"
// when none map.
func (s *SwapInference) Venue(programs []string) string {
	if v := s.programs.VenueFor(programs); v != "" {
		return v
	}
	return "unknown"
}

// RouteDepth estimates routing depth as the count of venue programs hit.
func (s *SwapInference) RouteDepth(programs []string) int {
	n := 0
	for _, p := range programs {
		if s.programs.Known(p) {
			n++
		}
	}
	if n < 1 {
		return 1
	}
	return n
}

// Event assembles a full swap event from an accepted candidate.
func (s *SwapInference) Event(tx *models.RawTransaction, c *models.SwapCandidate) *models.SwapEventFull {
	return &models.SwapEventFull{
		Signature:   tx.Signature,
		Slot:        tx.Slot,
		BlockTime:   tx.BlockTime,
		Venue:       s.Venue(tx.ProgramsInvoked),
		UserWallet:  c.UserWallet,
		Side:        c.Side,
		BaseMint:    c.BaseMint,
		BaseAmount:  c.BaseAmount,
		QuoteMint:   c.QuoteMint,
		QuoteAmount: c.QuoteAmount,
		Confidence:  c.Confidence,
		RouteDepth:  s.RouteDepth(tx.ProgramsInvoked),
	}
}

// Stats reports inference counters.
func (s *SwapInference) Stats() map[string]any {
	processed := s.processed.Load()
	found := s.swapsFound.Load()
	avg := 0.0
	if found > 0 {
		avg = float64(s.confidenceSum.Load()) / 1000 / float64(found)
	}
	rate := 0.0
	if processed > 0 {
		rate = float64(found) / float64(processed) * 100
	}
	return map[string]any{
		"processed":          processed,
		"swaps_found":        found,
		"detection_rate_pct": rate,
		"avg_confidence":     avg,
	}
}
