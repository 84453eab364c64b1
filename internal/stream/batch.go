package stream

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rawblock/cabal-engine/internal/core"
	"github.com/rawblock/cabal-engine/internal/store"
	"github.com/rawblock/cabal-engine/pkg/models"
)

// BatchHandler processes one deduplicated batch, queueing counter writes
// on the context instead of issuing them per transaction.
type BatchHandler func(ctx context.Context, txs []*models.RawTransaction, bctx *BatchContext) error

// BatchConsumerOptions carries the batch consumer tunables.
type BatchConsumerOptions struct {
	Name         string
	BatchSize    int64
	Block        time.Duration
	DedupTTL     time.Duration
	ClaimMinIdle time.Duration
}

// BatchConsumer drains the ingest stream in batches, collapsing the
// per-transaction Redis round-trips into three per batch: one read, one
// pipelined dedup claim, one pipelined counter flush. Stale pending
// entries from a crashed consumer are claimed at startup.
type BatchConsumer struct {
	store *store.Store
	dedup *DedupFilter
	opts  BatchConsumerOptions

	hotCache   *core.HotTokenCache
	afterFlush func(ctx context.Context, bctx *BatchContext)

	mu            sync.Mutex
	streamLen     int64
	streamLenAt   time.Time
	processed     atomic.Int64
	dedupFiltered atomic.Int64
	batches       atomic.Int64
	errorCount    atomic.Int64
	startTime     time.Time
}

const streamLenRefresh = 2 * time.Second

func NewBatchConsumer(s *store.Store, dedup *DedupFilter, opts BatchConsumerOptions) *BatchConsumer {
	return &BatchConsumer{
		store:    s,
		dedup:    dedup,
		opts:     opts,
		hotCache: core.NewHotTokenCache(5 * time.Second),
	}
}

func (c *BatchConsumer) Run(ctx context.Context, handler BatchHandler) {
	c.startTime = time.Now()
	log.Printf("[BatchConsumer] %s starting (batch_size=%d)", c.opts.Name, c.opts.BatchSize)

	c.claimPending(ctx, handler)

	for {
		if ctx.Err() != nil {
			log.Printf("[BatchConsumer] %s stopped", c.opts.Name)
			return
		}

		msgs, err := c.store.ReadGroup(ctx, c.opts.Name, c.opts.BatchSize, c.opts.Block)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("[BatchConsumer] %s stopped", c.opts.Name)
				return
			}
			log.Printf("[BatchConsumer] %s read: %v", c.opts.Name, err)
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		c.processBatch(ctx, msgs, handler)
	}
}

// claimPending takes over messages another consumer left idle past the
// claim threshold, so a crashed worker's batch is replayed.
func (c *BatchConsumer) claimPending(ctx context.Context, handler BatchHandler) {
	msgs, err := c.store.ClaimStale(ctx, c.opts.Name, c.opts.ClaimMinIdle, 1000)
	if err != nil {
		log.Printf("[BatchConsumer] %s claim pending: %v", c.opts.Name, err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	log.Printf("[BatchConsumer] %s claimed %d pending messages", c.opts.Name, len(msgs))
	c.processBatch(ctx, msgs, handler)
}

func (c *BatchConsumer) processBatch(ctx context.Context, msgs []store.StreamMessage, handler BatchHandler) {
	c.batches.Add(1)
	ackIDs := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ackIDs = append(ackIDs, m.ID)
	}
	defer func() {
		if err := c.store.Ack(ctx, ackIDs...); err != nil {
			log.Printf("[BatchConsumer] %s ack: %v", c.opts.Name, err)
		}
	}()

	// Decode and pre-filter against the local dedup cache. No I/O yet.
	type pending struct {
		tx  *models.RawTransaction
		sig string
	}
	var fresh []pending
	for _, m := range msgs {
		tx, err := models.UnmarshalRawTransaction(m.Data)
		if err != nil {
			c.errorCount.Add(1)
			continue
		}
		if tx.Signature == "" {
			continue
		}
		if c.dedup.SeenLocally(tx.Signature) {
			c.dedupFiltered.Add(1)
			continue
		}
		fresh = append(fresh, pending{tx: tx, sig: tx.Signature})
	}
	if len(fresh) == 0 {
		return
	}

	// One pipeline claims every surviving signature.
	pipe := c.store.Client().Pipeline()
	claims := make([]*redis.BoolCmd, len(fresh))
	for i, p := range fresh {
		claims[i] = pipe.SetNX(ctx, "sig:"+p.sig, "1", c.opts.DedupTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[BatchConsumer] %s dedup pipeline: %v", c.opts.Name, err)
		return
	}

	var txs []*models.RawTransaction
	for i, p := range fresh {
		ok, err := claims[i].Result()
		if err != nil || !ok {
			c.dedupFiltered.Add(1)
			c.dedup.CountDuplicate()
			c.dedup.MarkSeen(p.sig)
			continue
		}
		c.dedup.MarkSeen(p.sig)
		txs = append(txs, p.tx)
	}
	if len(txs) == 0 {
		return
	}

	c.refreshCaches(ctx)

	bctx := NewBatchContext(c.store, c.cachedStreamLen(), c.hotCache.Snapshot())
	if err := handler(ctx, txs, bctx); err != nil {
		c.errorCount.Add(int64(len(txs)))
		log.Printf("[BatchConsumer] %s handler: %v", c.opts.Name, err)
		return
	}
	c.processed.Add(int64(len(txs)))

	// One pipeline flushes every queued counter and mcap write.
	if err := bctx.Flush(ctx); err != nil {
		log.Printf("[BatchConsumer] %s flush: %v", c.opts.Name, err)
		return
	}
	if c.afterFlush != nil {
		c.afterFlush(ctx, bctx)
	}
}

// OnBatchFlushed registers a hook that runs once a batch's writes have
// landed, with the same context the handler saw. Trigger evaluation
// hangs off this so it reads post-flush counters.
func (c *BatchConsumer) OnBatchFlushed(fn func(ctx context.Context, bctx *BatchContext)) {
	c.afterFlush = fn
}

// refreshCaches renews the stream-length and HOT-set snapshots when
// stale. Two cheap reads at most every couple of seconds.
func (c *BatchConsumer) refreshCaches(ctx context.Context) {
	c.mu.Lock()
	staleLen := time.Since(c.streamLenAt) > streamLenRefresh
	c.mu.Unlock()

	if staleLen {
		if n, err := c.store.StreamLen(ctx); err == nil {
			c.mu.Lock()
			c.streamLen = n
			c.streamLenAt = time.Now()
			c.mu.Unlock()
		}
	}
	if c.hotCache.NeedsRefresh() {
		if hot, err := c.store.HotTokens(ctx); err == nil {
			c.hotCache.Update(hot)
		}
	}
}

func (c *BatchConsumer) cachedStreamLen() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamLen
}

// MarkHot updates the local HOT snapshot ahead of the next refresh.
func (c *BatchConsumer) MarkHot(mint string) {
	c.hotCache.Add(mint)
}

// BatchStats reports throughput counters.
func (c *BatchConsumer) BatchStats() map[string]any {
	uptime := 0.0
	if !c.startTime.IsZero() {
		uptime = time.Since(c.startTime).Seconds()
	}
	processed := c.processed.Load()
	rate := 0.0
	if uptime > 0 {
		rate = float64(processed) / uptime
	}
	return map[string]any{
		"consumer_name":       c.opts.Name,
		"processed_count":     processed,
		"dedup_filtered":      c.dedupFiltered.Load(),
		"batch_count":         c.batches.Load(),
		"error_count":         c.errorCount.Load(),
		"uptime_seconds":      uptime,
		"messages_per_second": rate,
		"stream_length":       c.cachedStreamLen(),
	}
}
