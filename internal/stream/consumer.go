package stream

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rawblock/cabal-engine/internal/store"
)

// Handler processes one decoded stream payload.
type Handler func(ctx context.Context, msgID string, payload []byte) error

// groupReader is the slice of the store a consumer needs: group reads,
// stale-entry claims and acks.
type groupReader interface {
	ReadGroup(ctx context.Context, consumer string, count int64, block time.Duration) ([]store.StreamMessage, error)
	ClaimStale(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]store.StreamMessage, error)
	Ack(ctx context.Context, ids ...string) error
}

// Consumer drains the ingest stream through a consumer group. Failed
// messages are still acked so a poison payload cannot wedge the group;
// crash recovery comes from claiming stale pending entries at startup.
type Consumer struct {
	store        groupReader
	name         string
	batch        int64
	block        time.Duration
	claimMinIdle time.Duration

	processed atomic.Int64
	errors    atomic.Int64
	startTime time.Time
}

func NewConsumer(s groupReader, name string, batch int64, block, claimMinIdle time.Duration) *Consumer {
	return &Consumer{store: s, name: name, batch: batch, block: block, claimMinIdle: claimMinIdle}
}

func (c *Consumer) Run(ctx context.Context, handler Handler) {
	c.startTime = time.Now()
	log.Printf("[Consumer] %s starting", c.name)

	c.claimPending(ctx, handler)

	for {
		if ctx.Err() != nil {
			log.Printf("[Consumer] %s stopped", c.name)
			return
		}

		msgs, err := c.store.ReadGroup(ctx, c.name, c.batch, c.block)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("[Consumer] %s stopped", c.name)
				return
			}
			log.Printf("[Consumer] %s read: %v", c.name, err)
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		c.handleBatch(ctx, msgs, handler)
	}
}

// claimPending takes over messages another consumer left idle past the
// claim threshold, so a crashed worker's entries are replayed.
func (c *Consumer) claimPending(ctx context.Context, handler Handler) {
	if c.claimMinIdle <= 0 {
		return
	}
	msgs, err := c.store.ClaimStale(ctx, c.name, c.claimMinIdle, 1000)
	if err != nil {
		log.Printf("[Consumer] %s claim pending: %v", c.name, err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	log.Printf("[Consumer] %s claimed %d pending messages", c.name, len(msgs))
	c.handleBatch(ctx, msgs, handler)
}

func (c *Consumer) handleBatch(ctx context.Context, msgs []store.StreamMessage, handler Handler) {
	ackIDs := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if err := handler(ctx, msg.ID, msg.Data); err != nil {
			c.errors.Add(1)
			log.Printf("[Consumer] %s message %s: %v", c.name, msg.ID, err)
		} else {
			c.processed.Add(1)
		}
		ackIDs = append(ackIDs, msg.ID)
	}

	if err := c.store.Ack(ctx, ackIDs...); err != nil {
		log.Printf("[Consumer] %s ack: %v", c.name, err)
	}
}

// ConsumerStats reports throughput counters.
func (c *Consumer) ConsumerStats() map[string]any {
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
		"consumer_name":       c.name,
		"processed_count":     processed,
		"error_count":         c.errors.Load(),
		"uptime_seconds":      uptime,
		"messages_per_second": rate,
	}
}

// ConsumerPool runs n Consumers in the same group for parallel draining.
type ConsumerPool struct {
	consumers []*Consumer
	wg        sync.WaitGroup
}

func NewConsumerPool(s *store.Store, n int, batch int64, block, claimMinIdle time.Duration) *ConsumerPool {
	p := &ConsumerPool{}
	for i := 0; i < n; i++ {
		p.consumers = append(p.consumers, NewConsumer(s, fmt.Sprintf("parser-%d", i+1), batch, block, claimMinIdle))
	}
	return p
}

// Start launches all consumers. Wait blocks until they exit.
func (p *ConsumerPool) Start(ctx context.Context, handler Handler) {
	for _, c := range p.consumers {
		c := c
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			c.Run(ctx, handler)
		}()
	}
	log.Printf("[Consumer] Started %d consumers", len(p.consumers))
}

func (p *ConsumerPool) Wait() {
	p.wg.Wait()
}

// PoolStats aggregates per-consumer counters.
func (p *ConsumerPool) PoolStats() map[string]any {
	var processed, errs int64
	details := make([]map[string]any, 0, len(p.consumers))
	for _, c := range p.consumers {
		processed += c.processed.Load()
		errs += c.errors.Load()
		details = append(details, c.ConsumerStats())
	}
	return map[string]any{
		"num_consumers":   len(p.consumers),
		"total_processed": processed,
		"total_errors":    errs,
		"consumers":       details,
	}
}
