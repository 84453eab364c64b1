// Package core ties the pipeline together: the transaction processor,
// backpressure management and the small in-process caches that keep the
// hot path off the network.
package core

import (
	"sort"
	"sync"
	"time"
)

// TTLCache is an in-process expiring set used to shave Redis round-trips
// off the hot path. Values are not stored; membership is the signal.
type TTLCache struct {
	ttl     time.Duration
	maxSize int

	mu     sync.Mutex
	data   map[string]time.Time // key -> expiry
	hits   int64
	misses int64
	now    func() time.Time
}

func NewTTLCache(ttl time.Duration, maxSize int) *TTLCache {
	return &TTLCache{
		ttl:     ttl,
		maxSize: maxSize,
		data:    make(map[string]time.Time),
		now:     time.Now,
	}
}

// Contains reports whether key is present and unexpired.
func (c *TTLCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.data[key]
	if !ok {
		c.misses++
		return false
	}
	if exp.Before(c.now()) {
		delete(c.data, key)
		c.misses++
		return false
	}
	c.hits++
	return true
}

// Set records key with the cache's TTL, evicting if full.
func (c *TTLCache) Set(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.data) >= c.maxSize {
		c.evictLocked()
	}
	c.data[key] = c.now().Add(c.ttl)
}

func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// evictLocked drops expired entries, then the soonest-expiring quarter if
// the cache is still full.
func (c *TTLCache) evictLocked() {
	now := c.now()
	for k, exp := range c.data {
		if exp.Before(now) {
			delete(c.data, k)
		}
	}
	if len(c.data) < c.maxSize {
		return
	}
	type entry struct {
		key string
		exp time.Time
	}
	entries := make([]entry, 0, len(c.data))
	for k, exp := range c.data {
		entries = append(entries, entry{k, exp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].exp.Before(entries[j].exp) })
	for _, e := range entries[:len(entries)/4] {
		delete(c.data, e.key)
	}
}

func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// CacheStats reports size and hit rate.
func (c *TTLCache) CacheStats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return map[string]any{
		"size":     len(c.data),
		"hits":     c.hits,
		"misses":   c.misses,
		"hit_rate": rate,
	}
}

// HotTokenCache holds a periodically refreshed snapshot of the HOT token
// set so per-transaction hot checks stay local.
type HotTokenCache struct {
	ttl time.Duration

	mu          sync.Mutex
	tokens      map[string]struct{}
	lastRefresh time.Time
	now         func() time.Time
}

func NewHotTokenCache(ttl time.Duration) *HotTokenCache {
	return &HotTokenCache{
		ttl:    ttl,
		tokens: make(map[string]struct{}),
		now:    time.Now,
	}
}

// NeedsRefresh reports whether the snapshot is older than its TTL.
func (h *HotTokenCache) NeedsRefresh() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now().Sub(h.lastRefresh) > h.ttl
}

// Update replaces the snapshot.
func (h *HotTokenCache) Update(mints []string) {
	set := make(map[string]struct{}, len(mints))
	for _, m := range mints {
		set[m] = struct{}{}
	}
	h.mu.Lock()
	h.tokens = set
	h.lastRefresh = h.now()
	h.mu.Unlock()
}

// Add inserts a mint locally, ahead of the next refresh.
func (h *HotTokenCache) Add(mint string) {
	h.mu.Lock()
	h.tokens[mint] = struct{}{}
	h.mu.Unlock()
}

// IsHot reports membership in the current snapshot. Callers should check
// NeedsRefresh if they need a fresh answer.
func (h *HotTokenCache) IsHot(mint string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.tokens[mint]
	return ok
}

// Snapshot copies the current set.
func (h *HotTokenCache) Snapshot() map[string]struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]struct{}, len(h.tokens))
	for m := range h.tokens {
		out[m] = struct{}{}
	}
	return out
}
