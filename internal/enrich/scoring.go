package enrich

import (
	"fmt"
	"strings"

	"github.com/rawblock/cabal-engine/internal/detect"
	"github.com/rawblock/cabal-engine/internal/store"
)

// Component weights of the composite score.
const (
	weightConcentration = 0.25
	weightCluster       = 0.30
	weightTiming        = 0.15
	weightNewWallet     = 0.15
	weightRatio         = 0.15
)

// CabalScore is the coordination-likelihood verdict for a token, with
// its component breakdown and the evidence behind it.
type CabalScore struct {
	Total      float64 `json:"total"`
	Confidence float64 `json:"confidence"`

	Concentration float64 `json:"concentration"`
	Cluster       float64 `json:"cluster"`
	Timing        float64 `json:"timing"`
	NewWallet     float64 `json:"new_wallet"`
	Ratio         float64 `json:"ratio"`

	Evidence []string `json:"evidence"`
}

// CabalScorer folds token stats, buyer concentration and the cluster
// graph into one coordination score.
type CabalScorer struct {
	clusterer *WalletClusterer
}

func NewCabalScorer(clusterer *WalletClusterer) *CabalScorer {
	return &CabalScorer{clusterer: clusterer}
}

// Score computes the composite score for a token's current window.
func (s *CabalScorer) Score(stats *detect.TokenStats, topBuyers []store.TopBuyer) *CabalScore {
	var evidence []string

	concentration := scoreConcentration(stats, &evidence)
	cluster := s.scoreClustering(topBuyers, &evidence)
	timing := scoreTiming(stats, &evidence)
	newWallet := scoreNewWallets(stats, &evidence)
	ratio := scoreRatio(stats, &evidence)

	total := concentration*weightConcentration +
		cluster*weightCluster +
		timing*weightTiming +
		newWallet*weightNewWallet +
		ratio*weightRatio

	return &CabalScore{
		Total:         total,
		Confidence:    scoreConfidence(stats, len(topBuyers)),
		Concentration: concentration,
		Cluster:       cluster,
		Timing:        timing,
		NewWallet:     newWallet,
		Ratio:         ratio,
		Evidence:      evidence,
	}
}

func scoreConcentration(stats *detect.TokenStats, evidence *[]string) float64 {
	share := stats.Top3VolumeShare
	switch {
	case share >= 0.8:
		*evidence = append(*evidence, fmt.Sprintf("Very high concentration: top 3 = %.0f%%", share*100))
		return 1.0
	case share >= 0.6:
		*evidence = append(*evidence, fmt.Sprintf("High concentration: top 3 = %.0f%%", share*100))
		return 0.8
	case share >= 0.4:
		return 0.5
	case share >= 0.2:
		return 0.2
	default:
		return 0.0
	}
}

// scoreClustering measures what share of the top buyers sit in linked
// multi-wallet clusters.
func (s *CabalScorer) scoreClustering(topBuyers []store.TopBuyer, evidence *[]string) float64 {
	if len(topBuyers) == 0 {
		return 0.0
	}
	wallets := make([]string, 0, len(topBuyers))
	for _, b := range topBuyers {
		if b.Wallet != "" {
			wallets = append(wallets, b.Wallet)
		}
	}
	if len(wallets) == 0 {
		return 0.0
	}

	clusters := s.clusterer.ClustersFor(wallets)
	linked := 0
	maxSize := 0
	for _, c := range clusters {
		if c.Size() >= 2 {
			linked += c.Size()
		}
		if c.Size() > maxSize {
			maxSize = c.Size()
		}
	}
	pct := float64(linked) / float64(len(wallets))

	switch {
	case pct >= 0.5:
		*evidence = append(*evidence, fmt.Sprintf(
			"High clustering: %.0f%% in linked wallets, largest cluster = %d", pct*100, maxSize))
		if pct+0.2 > 1.0 {
			return 1.0
		}
		return pct + 0.2
	case pct >= 0.2:
		*evidence = append(*evidence, fmt.Sprintf("Some clustering: %.0f%% in linked wallets", pct*100))
		return pct + 0.1
	default:
		return 0.0
	}
}

// scoreTiming uses buys-per-unique-buyer as a coordination proxy; real
// inter-arrival analysis would need per-swap timestamps.
func scoreTiming(stats *detect.TokenStats, evidence *[]string) float64 {
	if stats.UniqueBuyers == 0 {
		return 0.0
	}
	perBuyer := float64(stats.BuyCount) / float64(stats.UniqueBuyers)
	switch {
	case perBuyer >= 10:
		*evidence = append(*evidence, fmt.Sprintf("High buy frequency: %.1f buys/wallet", perBuyer))
		return 1.0
	case perBuyer >= 5:
		*evidence = append(*evidence, fmt.Sprintf("Elevated buy frequency: %.1f buys/wallet", perBuyer))
		return 0.7
	case perBuyer >= 3:
		return 0.4
	case perBuyer >= 2:
		return 0.2
	default:
		return 0.0
	}
}

func scoreNewWallets(stats *detect.TokenStats, evidence *[]string) float64 {
	pct := stats.NewWalletPct
	switch {
	case pct >= 0.7:
		*evidence = append(*evidence, fmt.Sprintf("Very high new wallet share: %.0f%%", pct*100))
		return 1.0
	case pct >= 0.5:
		*evidence = append(*evidence, fmt.Sprintf("High new wallet share: %.0f%%", pct*100))
		return 0.7
	case pct >= 0.3:
		return 0.4
	default:
		return 0.0
	}
}

func scoreRatio(stats *detect.TokenStats, evidence *[]string) float64 {
	ratio := stats.BuySellRatio
	switch {
	case stats.SellCount == 0 && stats.BuyCount > 0:
		*evidence = append(*evidence, "All buys, no sells")
		return 1.0
	case ratio >= 20:
		*evidence = append(*evidence, fmt.Sprintf("Extreme buy ratio: %.1fx", ratio))
		return 1.0
	case ratio >= 10:
		*evidence = append(*evidence, fmt.Sprintf("Very high buy ratio: %.1fx", ratio))
		return 0.8
	case ratio >= 5:
		return 0.5
	case ratio >= 3:
		return 0.3
	default:
		return 0.0
	}
}

// scoreConfidence discounts for small samples. Floor 0.1.
func scoreConfidence(stats *detect.TokenStats, topBuyerCount int) float64 {
	confidence := 1.0
	switch {
	case stats.BuyCount < 5:
		confidence -= 0.3
	case stats.BuyCount < 10:
		confidence -= 0.2
	case stats.BuyCount < 20:
		confidence -= 0.1
	}
	switch {
	case topBuyerCount < 3:
		confidence -= 0.2
	case topBuyerCount < 5:
		confidence -= 0.1
	}
	switch {
	case stats.VolumeSol < 1.0:
		confidence -= 0.2
	case stats.VolumeSol < 5.0:
		confidence -= 0.1
	}
	if confidence < 0.1 {
		confidence = 0.1
	}
	return confidence
}

// RiskLevel buckets the score for display.
func (c *CabalScore) RiskLevel() string {
	switch {
	case c.Total >= 0.7:
		return "HIGH"
	case c.Total >= 0.4:
		return "MEDIUM"
	case c.Total >= 0.2:
		return "LOW"
	default:
		return "MINIMAL"
	}
}

// Summary renders the score with up to three evidence lines.
func (c *CabalScore) Summary() string {
	out := fmt.Sprintf("Cabal Risk: %s (%.0f%%)", c.RiskLevel(), c.Total*100)
	if len(c.Evidence) > 0 {
		lines := c.Evidence
		if len(lines) > 3 {
			lines = lines[:3]
		}
		out += "\n  " + strings.Join(lines, "\n  ")
	}
	return out
}

// TopEvidence returns at most n evidence strings.
func (c *CabalScore) TopEvidence(n int) []string {
	if len(c.Evidence) <= n {
		return c.Evidence
	}
	return c.Evidence[:n]
}
