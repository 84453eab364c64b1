// Package enrich covers the paid half of the pipeline: RPC lookups under
// a daily credit budget, wallet funding traces, the wallet cluster graph
// and the composite cabal score.
package enrich

import (
	"log"
	"sync"
	"time"
)

// Credit costs per RPC method.
const (
	CostAccountInfo  = 1
	CostSignatures   = 10
	CostTransaction  = 10
	CostEnhancedHist = 100
)

// CreditBucket enforces the provider's daily credit budget. The counter
// resets at the first check after local midnight, matching the
// provider's billing day.
type CreditBucket struct {
	dailyLimit int64

	mu        sync.Mutex
	usedToday int64
	lastReset time.Time // local day start
	now       func() time.Time
}

func NewCreditBucket(dailyLimit int64) *CreditBucket {
	b := &CreditBucket{dailyLimit: dailyLimit, now: time.Now}
	b.lastReset = dayStart(b.now())
	return b
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func (b *CreditBucket) maybeResetLocked() {
	today := dayStart(b.now())
	if !today.Equal(b.lastReset) {
		log.Printf("[Credits] Daily reset, used %d yesterday", b.usedToday)
		b.usedToday = 0
		b.lastReset = today
	}
}

// CanSpend reports whether the budget covers credits more.
func (b *CreditBucket) CanSpend(credits int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked()
	return b.usedToday+credits <= b.dailyLimit
}

// Spend debits the budget, refusing when it would overrun.
func (b *CreditBucket) Spend(credits int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked()
	if b.usedToday+credits > b.dailyLimit {
		return false
	}
	b.usedToday += credits
	return true
}

// IsDegraded reports whether 80% or more of today's budget is gone.
func (b *CreditBucket) IsDegraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked()
	return float64(b.usedToday) >= float64(b.dailyLimit)*0.8
}

// Remaining returns today's unspent credits.
func (b *CreditBucket) Remaining() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked()
	if rem := b.dailyLimit - b.usedToday; rem > 0 {
		return rem
	}
	return 0
}

// CreditStats reports budget usage.
func (b *CreditBucket) CreditStats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked()
	pct := 0.0
	if b.dailyLimit > 0 {
		pct = float64(b.usedToday) / float64(b.dailyLimit) * 100
	}
	return map[string]any{
		"daily_limit": b.dailyLimit,
		"used_today":  b.usedToday,
		"remaining":   b.dailyLimit - b.usedToday,
		"usage_pct":   pct,
		"is_degraded": float64(b.usedToday) >= float64(b.dailyLimit)*0.8,
	}
}
