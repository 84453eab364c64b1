package stream

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/rawblock/cabal-engine/internal/store"
	"github.com/rawblock/cabal-engine/pkg/models"
)

// Ingester encodes normalized transactions and appends them to the
// durable Redis stream. It is the glue between a Source and the
// consumer pool.
type Ingester struct {
	store *store.Store

	pushed atomic.Int64
	failed atomic.Int64
}

func NewIngester(s *store.Store) *Ingester {
	return &Ingester{store: s}
}

// Ingest pushes one transaction. Errors are counted and logged, not
// returned: a single failed XADD must not stall the source.
func (i *Ingester) Ingest(ctx context.Context, tx *models.RawTransaction) {
	payload, err := tx.Marshal()
	if err != nil {
		i.failed.Add(1)
		log.Printf("[Ingest] Encode %s: %v", tx.Signature, err)
		return
	}
	if _, err := i.store.PushToStream(ctx, payload); err != nil {
		i.failed.Add(1)
		log.Printf("[Ingest] Push %s: %v", tx.Signature, err)
		return
	}
	i.pushed.Add(1)
}

// IngestStats reports push counters.
func (i *Ingester) IngestStats() map[string]any {
	return map[string]any{
		"pushed": i.pushed.Load(),
		"failed": i.failed.Load(),
	}
}
