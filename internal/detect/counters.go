// Package detect holds the detection side of the pipeline: rolling
// counters, trigger evaluation and the COLD/WARM/HOT state machine.
package detect

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/rawblock/cabal-engine/internal/store"
)

// TokenStats is the per-window activity view triggers evaluate against.
type TokenStats struct {
	Mint          string  `json:"mint"`
	WindowSeconds int     `json:"window_seconds"`
	BuyCount      int64   `json:"buy_count"`
	SellCount     int64   `json:"sell_count"`
	UniqueBuyers  int64   `json:"unique_buyers"`
	UniqueSellers int64   `json:"unique_sellers"`
	VolumeSol     float64 `json:"volume_sol"`
	AvgBuySize    float64 `json:"avg_buy_size"`
	BuySellRatio  float64 `json:"buy_sell_ratio"`

	TopBuyers       []store.TopBuyer `json:"top_buyers,omitempty"`
	Top3VolumeShare float64          `json:"top_3_volume_share"`
	NewWalletCount  int64            `json:"new_wallet_count"`
	NewWalletPct    float64          `json:"new_wallet_pct"`
}

// CounterManager fronts the Redis rolling counters with an in-process
// stats cache. Stats are memoized for one second and invalidated on
// write, so trigger evaluation after every swap stays cheap.
type CounterManager struct {
	store *store.Store

	mu          sync.Mutex
	activeMints map[string]time.Time
	cache       map[string]cachedStats
	cacheTTL    time.Duration
	now         func() time.Time
}

type cachedStats struct {
	stats *TokenStats
	at    time.Time
}

func NewCounterManager(s *store.Store) *CounterManager {
	return &CounterManager{
		store:       s,
		activeMints: make(map[string]time.Time),
		cache:       make(map[string]cachedStats),
		cacheTTL:    time.Second,
		now:         time.Now,
	}
}

// RecordSwap feeds one accepted swap into the counters and invalidates
// the mint's cached stats.
func (m *CounterManager) RecordSwap(ctx context.Context, mint, wallet string, quoteSol float64, isBuy bool) error {
	m.touch(mint)
	return m.store.IncrementCounters(ctx, mint, wallet, quoteSol, isBuy)
}

// Touch marks a mint active and drops its cached stats. The batch
// consumer calls this after writing counters through its own pipeline.
func (m *CounterManager) Touch(mint string) {
	m.touch(mint)
}

func (m *CounterManager) touch(mint string) {
	m.mu.Lock()
	m.activeMints[mint] = m.now()
	delete(m.cache, mint+":300")
	delete(m.cache, mint+":3600")
	m.mu.Unlock()
}

// Stats returns the token's stats over the window, served from cache when
// fresh.
func (m *CounterManager) Stats(ctx context.Context, mint string, window time.Duration) (*TokenStats, error) {
	key := mint + ":" + strconv.FormatInt(int64(window/time.Second), 10)

	m.mu.Lock()
	if c, ok := m.cache[key]; ok && m.now().Sub(c.at) < m.cacheTTL {
		m.mu.Unlock()
		return c.stats, nil
	}
	m.mu.Unlock()

	raw, err := m.store.RollingStats(ctx, mint, window)
	if err != nil {
		return nil, err
	}

	topBuyers, err := m.store.TopBuyers(ctx, mint, 3)
	if err != nil {
		return nil, err
	}
	top3 := 0.0
	for _, b := range topBuyers {
		top3 += b.VolumeSol
	}
	top3Share := 0.0
	if raw.VolumeSol > 0 {
		top3Share = top3 / raw.VolumeSol
		if top3Share > 1 {
			top3Share = 1
		}
	}

	newCount, err := m.countNewWallets(ctx, mint, window)
	if err != nil {
		return nil, err
	}
	newPct := 0.0
	if raw.UniqueBuyers > 0 {
		newPct = float64(newCount) / float64(raw.UniqueBuyers)
	}

	stats := &TokenStats{
		Mint:            mint,
		WindowSeconds:   int(window / time.Second),
		BuyCount:        raw.BuyCount,
		SellCount:       raw.SellCount,
		UniqueBuyers:    raw.UniqueBuyers,
		UniqueSellers:   raw.UniqueSellers,
		VolumeSol:       raw.VolumeSol,
		AvgBuySize:      raw.AvgBuySize,
		BuySellRatio:    raw.BuySellRatio,
		TopBuyers:       topBuyers,
		Top3VolumeShare: top3Share,
		NewWalletCount:  newCount,
		NewWalletPct:    newPct,
	}

	m.mu.Lock()
	m.cache[key] = cachedStats{stats: stats, at: m.now()}
	m.mu.Unlock()
	return stats, nil
}

// countNewWallets counts ranked buyers whose first sighting falls inside
// the window.
func (m *CounterManager) countNewWallets(ctx context.Context, mint string, window time.Duration) (int64, error) {
	buyers, err := m.store.TopBuyers(ctx, mint, 100)
	if err != nil {
		return 0, err
	}
	now := m.now().Unix()
	var count int64
	for _, b := range buyers {
		firstSeen, err := m.store.WalletFirstSeen(ctx, b.Wallet)
		if err != nil {
			return 0, err
		}
		if firstSeen > 0 && now-firstSeen <= int64(window/time.Second) {
			count++
		}
	}
	return count, nil
}

// ActiveMints returns mints with recorded activity.
func (m *CounterManager) ActiveMints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.activeMints))
	for mint := range m.activeMints {
		out = append(out, mint)
	}
	return out
}

// CleanupInactive drops mints idle longer than maxAge from the active
// set.
func (m *CounterManager) CleanupInactive(maxAge time.Duration) {
	cutoff := m.now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for mint, last := range m.activeMints {
		if last.Before(cutoff) {
			delete(m.activeMints, mint)
			delete(m.cache, mint+":300")
			delete(m.cache, mint+":3600")
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[Counters] Cleaned up %d inactive mints", removed)
	}
}

// ManagerStats reports tracking sizes.
func (m *CounterManager) ManagerStats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"active_mints": len(m.activeMints),
		"cache_size":   len(m.cache),
	}
}
