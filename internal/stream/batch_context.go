package stream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rawblock/cabal-engine/internal/store"
)

// BatchContext accumulates the Redis writes a batch handler produces so
// they flush in a single pipeline. Counter updates for the same
// (mint, wallet, side) coalesce into one write.
type BatchContext struct {
	store *store.Store

	// StreamLen is the cached ingest stream length at batch start, for
	// backpressure decisions without another round-trip.
	StreamLen int64

	hot      map[string]struct{}
	counters map[counterKey]*counterUpdate
	mcaps    map[string]mcapUpdate
}

type counterKey struct {
	mint   string
	wallet string
	isBuy  bool
}

type counterUpdate struct {
	volume float64
	count  int64
}

type mcapUpdate struct {
	mcapSol  float64
	priceSol float64
}

func NewBatchContext(s *store.Store, streamLen int64, hot map[string]struct{}) *BatchContext {
	return &BatchContext{
		store:     s,
		StreamLen: streamLen,
		hot:       hot,
		counters:  make(map[counterKey]*counterUpdate),
		mcaps:     make(map[string]mcapUpdate),
	}
}

// IsHot answers from the batch's HOT snapshot.
func (b *BatchContext) IsHot(mint string) bool {
	_, ok := b.hot[mint]
	return ok
}

// MarkHot updates the snapshot for the remainder of the batch.
func (b *BatchContext) MarkHot(mint string) {
	b.hot[mint] = struct{}{}
}

// QueueCounter coalesces one accepted swap into the pending writes.
func (b *BatchContext) QueueCounter(mint, wallet string, quoteSol float64, isBuy bool) {
	key := counterKey{mint: mint, wallet: wallet, isBuy: isBuy}
	u := b.counters[key]
	if u == nil {
		u = &counterUpdate{}
		b.counters[key] = u
	}
	u.volume += quoteSol
	u.count++
}

// QueueMcap records the latest mcap/price observation for a mint. Later
// observations in the same batch win.
func (b *BatchContext) QueueMcap(mint string, mcapSol, priceSol float64) {
	b.mcaps[mint] = mcapUpdate{mcapSol: mcapSol, priceSol: priceSol}
}

// Mints returns the distinct mints with queued counter updates, so the
// caller can invalidate their cached stats after Flush.
func (b *BatchContext) Mints() []string {
	seen := make(map[string]struct{})
	for k := range b.counters {
		seen[k.mint] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	return out
}

// Flush executes every queued write in one pipeline.
func (b *BatchContext) Flush(ctx context.Context) error {
	if len(b.counters) == 0 && len(b.mcaps) == 0 {
		return nil
	}
	pipe := b.store.Client().Pipeline()
	for key, u := range b.counters {
		b.store.QueueCounters(ctx, pipe, key.mint, key.wallet, u.volume, key.isBuy, u.count)
	}
	for mint, u := range b.mcaps {
		pipe.Set(ctx, "mcap:"+mint, strconv.FormatFloat(u.mcapSol, 'f', -1, 64), time.Hour)
		pipe.Set(ctx, "price:"+mint, strconv.FormatFloat(u.priceSol, 'f', -1, 64), time.Hour)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flush batch writes: %w", err)
	}
	return nil
}
