package core

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rawblock/cabal-engine/internal/store"
)

// DegradationMode is the pipeline's load-shedding tier.
type DegradationMode string

const (
	ModeNormal   DegradationMode = "normal"   // full parsing + swap event persistence
	ModeDegraded DegradationMode = "degraded" // touch events + delta records only
	ModeCritical DegradationMode = "critical" // aggregates only, enrichment paused
)

// BackpressureManager watches processing lag and ingest stream length and
// picks the degradation mode. The expensive stream-length probe runs at
// most once per second regardless of how often Update is called.
type BackpressureManager struct {
	store *store.Store

	degradedLag       time.Duration
	criticalLag       time.Duration
	degradedStreamLen int64
	criticalStreamLen int64

	mu            sync.Mutex
	mode          DegradationMode
	lastCheck     time.Time
	checkInterval time.Duration
	lag           time.Duration
	streamLen     int64
	modeChanges   int64
	now           func() time.Time
}

// BackpressureOptions carries the degradation thresholds.
type BackpressureOptions struct {
	DegradedLag       time.Duration
	CriticalLag       time.Duration
	DegradedStreamLen int64
	CriticalStreamLen int64
}

func NewBackpressureManager(s *store.Store, opts BackpressureOptions) *BackpressureManager {
	return &BackpressureManager{
		store:             s,
		degradedLag:       opts.DegradedLag,
		criticalLag:       opts.CriticalLag,
		degradedStreamLen: opts.DegradedStreamLen,
		criticalStreamLen: opts.CriticalStreamLen,
		mode:              ModeNormal,
		checkInterval:     time.Second,
		now:               time.Now,
	}
}

// Update recomputes the mode from the latest processed block time. Cheap
// to call per transaction.
func (b *BackpressureManager) Update(ctx context.Context, blockTime int64) DegradationMode {
	b.mu.Lock()
	now := b.now()
	if now.Sub(b.lastCheck) < b.checkInterval {
		mode := b.mode
		b.mu.Unlock()
		return mode
	}
	b.lastCheck = now
	if blockTime > 0 {
		b.lag = now.Sub(time.Unix(blockTime, 0))
		if b.lag < 0 {
			b.lag = 0
		}
	}
	b.mu.Unlock()

	length, err := b.store.StreamLen(ctx)
	if err != nil {
		log.Printf("[Backpressure] Stream length probe: %v", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.streamLen = length
	}

	next := b.calculateLocked()
	if next != b.mode {
		b.modeChanges++
		log.Printf("[Backpressure] Mode %s -> %s (lag=%.1fs, stream=%d)",
			b.mode, next, b.lag.Seconds(), b.streamLen)
		b.mode = next
	}
	return b.mode
}

// SetStreamLen feeds an externally cached stream length, letting the
// batch consumer reuse its own pipelined XLEN result.
func (b *BackpressureManager) SetStreamLen(length int64) {
	b.mu.Lock()
	b.streamLen = length
	b.mu.Unlock()
}

func (b *BackpressureManager) calculateLocked() DegradationMode {
	if b.lag > b.criticalLag || b.streamLen > b.criticalStreamLen {
		return ModeCritical
	}
	if b.lag > b.degradedLag || b.streamLen > b.degradedStreamLen {
		return ModeDegraded
	}
	return ModeNormal
}

func (b *BackpressureManager) Mode() DegradationMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// ShouldParseFull gates swap inference.
func (b *BackpressureManager) ShouldParseFull() bool {
	return b.Mode() == ModeNormal
}

// ShouldStoreSwapEvent gates per-swap Postgres writes.
func (b *BackpressureManager) ShouldStoreSwapEvent() bool {
	return b.Mode() == ModeNormal
}

// ShouldEnrich gates paid enrichment lookups.
func (b *BackpressureManager) ShouldEnrich() bool {
	return b.Mode() != ModeCritical
}

// BackpressureStats reports the current mode and metrics.
func (b *BackpressureManager) BackpressureStats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"mode":                   string(b.mode),
		"processing_lag_seconds": b.lag.Seconds(),
		"stream_length":          b.streamLen,
		"mode_changes":           b.modeChanges,
		"thresholds": map[string]any{
			"degraded_lag_seconds": b.degradedLag.Seconds(),
			"critical_lag_seconds": b.criticalLag.Seconds(),
			"degraded_stream_len":  b.degradedStreamLen,
			"critical_stream_len":  b.criticalStreamLen,
		},
	}
}
