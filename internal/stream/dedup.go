package stream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rawblock/cabal-engine/internal/core"
	"github.com/rawblock/cabal-engine/internal/store"
)

// DedupFilter drops already-seen signatures. A local TTL cache answers
// repeats for free; misses fall through to the Redis SETNX so dedup
// holds across consumers and restarts.
type DedupFilter struct {
	store *store.Store
	local *core.TTLCache

	checked    atomic.Int64
	duplicates atomic.Int64
}

func NewDedupFilter(s *store.Store, ttl time.Duration) *DedupFilter {
	return &DedupFilter{
		store: s,
		local: core.NewTTLCache(ttl, 100_000),
	}
}

// IsDuplicate reports whether signature was already processed, claiming
// it atomically when new.
func (d *DedupFilter) IsDuplicate(ctx context.Context, signature string) (bool, error) {
	d.checked.Add(1)
	key := "sig:" + signature
	if d.local.Contains(key) {
		d.duplicates.Add(1)
		return true, nil
	}

	dup, err := d.store.IsDuplicate(ctx, signature)
	if err != nil {
		return false, err
	}
	d.local.Set(key)
	if dup {
		d.duplicates.Add(1)
	}
	return dup, nil
}

// SeenLocally checks only the in-process cache. The batch consumer uses
// this for its pre-filter pass, then claims survivors through its own
// pipeline.
func (d *DedupFilter) SeenLocally(signature string) bool {
	d.checked.Add(1)
	if d.local.Contains("sig:" + signature) {
		d.duplicates.Add(1)
		return true
	}
	return false
}

// MarkSeen records a signature in the local cache after an out-of-band
// Redis claim.
func (d *DedupFilter) MarkSeen(signature string) {
	d.local.Set("sig:" + signature)
}

// CountDuplicate bumps the duplicate counter for signatures filtered by
// an external pipeline.
func (d *DedupFilter) CountDuplicate() {
	d.duplicates.Add(1)
}

// DedupStats reports filter counters.
func (d *DedupFilter) DedupStats() map[string]any {
	checked := d.checked.Load()
	dups := d.duplicates.Load()
	rate := 0.0
	if checked > 0 {
		rate = float64(dups) / float64(checked) * 100
	}
	return map[string]any{
		"checked":            checked,
		"duplicates":         dups,
		"duplicate_rate_pct": rate,
		"local_cache":        d.local.CacheStats(),
	}
}
