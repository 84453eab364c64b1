package detect

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rawblock/cabal-engine/internal/db"
	"github.com/rawblock/cabal-engine/internal/journal"
	"github.com/rawblock/cabal-engine/internal/store"
	"github.com/rawblock/cabal-engine/pkg/models"
)

// StateManager runs the token tier machine.
//
//	COLD: default, aggregates only
//	WARM: first confident swap seen, per-swap events persisted
//	HOT:  trigger fired, full enrichment + clustering, TTL-bounded
//
// A WARM->HOT transition queues a backfill that re-reads the delta log
// so the token's pre-trigger swaps are recovered without paid lookups.
type StateManager struct {
	store    *store.Store
	pg       *db.PostgresStore
	deltaLog *journal.DeltaLog
	hotTTL   time.Duration

	mu    sync.RWMutex
	cache map[string]models.TokenState

	callbackMu   sync.Mutex
	hotCallbacks []func(mint, reason string)

	backfill chan string
	now      func() time.Time
}

func NewStateManager(s *store.Store, pg *db.PostgresStore, deltaLog *journal.DeltaLog, hotTTL time.Duration) *StateManager {
	return &StateManager{
		store:    s,
		pg:       pg,
		deltaLog: deltaLog,
		hotTTL:   hotTTL,
		cache:    make(map[string]models.TokenState),
		backfill: make(chan string, 256),
		now:      time.Now,
	}
}

// State resolves the token's tier: process cache, then the Redis HOT
// flag, then the stored profile, defaulting COLD.
func (m *StateManager) State(ctx context.Context, mint string) (models.TokenState, error) {
	m.mu.RLock()
	if s, ok := m.cache[mint]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	hot, err := m.store.IsHot(ctx, mint)
	if err != nil {
		return models.StateCold, err
	}
	if hot {
		m.setCached(mint, models.StateHot)
		return models.StateHot, nil
	}

	if m.pg != nil {
		profile, err := m.pg.GetTokenProfile(ctx, mint)
		if err != nil {
			return models.StateCold, err
		}
		if profile != nil {
			m.setCached(mint, profile.State)
			return profile.State, nil
		}
	}
	return models.StateCold, nil
}

func (m *StateManager) setCached(mint string, s models.TokenState) {
	m.mu.Lock()
	m.cache[mint] = s
	m.mu.Unlock()
}

// ToWarm promotes a COLD token on its first confident swap.
func (m *StateManager) ToWarm(ctx context.Context, mint string) error {
	current, err := m.State(ctx, mint)
	if err != nil {
		return err
	}
	if current != models.StateCold {
		return nil
	}
	m.setCached(mint, models.StateWarm)

	if m.pg != nil {
		now := m.now().UTC()
		return m.pg.UpsertTokenProfile(ctx, &models.TokenProfile{
			Mint:      mint,
			State:     models.StateWarm,
			FirstSeen: &now,
			LastSeen:  &now,
			Decimals:  9,
		})
	}
	return nil
}

// ToHot promotes a token on a fired trigger. A token already HOT just
// gets its TTL refreshed. New promotions queue a backfill and notify
// registered callbacks.
func (m *StateManager) ToHot(ctx context.Context, mint, reason string) error {
	current, err := m.State(ctx, mint)
	if err != nil {
		return err
	}
	if current == models.StateHot {
		return m.store.MarkHot(ctx, mint, m.hotTTL)
	}

	m.setCached(mint, models.StateHot)
	if err := m.store.MarkHot(ctx, mint, m.hotTTL); err != nil {
		return err
	}

	if m.pg != nil {
		now := m.now().UTC()
		if err := m.pg.UpsertTokenProfile(ctx, &models.TokenProfile{
			Mint:          mint,
			State:         models.StateHot,
			LastSeen:      &now,
			BecameHotAt:   &now,
			TriggerReason: reason,
			Decimals:      9,
		}); err != nil {
			log.Printf("[State] Persist HOT %s: %v", short(mint), err)
		}
	}

	log.Printf("[State] Token %s became HOT: %s", short(mint), reason)

	select {
	case m.backfill <- mint:
	default:
		log.Printf("[State] Backfill queue full, dropping %s", short(mint))
	}

	m.callbackMu.Lock()
	callbacks := append([]func(string, string){}, m.hotCallbacks...)
	m.callbackMu.Unlock()
	for _, cb := range callbacks {
		cb(mint, reason)
	}
	return nil
}

// ToCold demotes an expired HOT token.
func (m *StateManager) ToCold(ctx context.Context, mint string) error {
	m.setCached(mint, models.StateCold)
	if m.pg != nil {
		now := m.now().UTC()
		return m.pg.UpsertTokenProfile(ctx, &models.TokenProfile{
			Mint:     mint,
			State:    models.StateCold,
			LastSeen: &now,
			Decimals: 9,
		})
	}
	return nil
}

// IsWarmOrHot reports whether per-swap events should be persisted.
func (m *StateManager) IsWarmOrHot(ctx context.Context, mint string) (bool, error) {
	s, err := m.State(ctx, mint)
	if err != nil {
		return false, err
	}
	return s == models.StateWarm || s == models.StateHot, nil
}

// IsHot reports whether the token is in the HOT tier.
func (m *StateManager) IsHot(ctx context.Context, mint string) (bool, error) {
	s, err := m.State(ctx, mint)
	return s == models.StateHot, err
}

// OnHot registers a callback invoked on each new HOT promotion.
func (m *StateManager) OnHot(cb func(mint, reason string)) {
	m.callbackMu.Lock()
	m.hotCallbacks = append(m.hotCallbacks, cb)
	m.callbackMu.Unlock()
}

// RunBackfill drains the backfill queue, feeding each queued token's
// retained delta records through processor until ctx ends.
func (m *StateManager) RunBackfill(ctx context.Context, processor func(ctx context.Context, rec *models.TxDeltaRecord) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case mint := <-m.backfill:
			m.backfillToken(ctx, mint, processor)
		}
	}
}

func (m *StateManager) backfillToken(ctx context.Context, mint string, processor func(context.Context, *models.TxDeltaRecord) error) {
	log.Printf("[State] Starting backfill for %s", short(mint))
	records, err := m.deltaLog.ReadForMint(mint, 0)
	if err != nil {
		log.Printf("[State] Backfill read %s: %v", short(mint), err)
		return
	}
	processed := 0
	for _, rec := range records {
		if err := processor(ctx, rec); err != nil {
			log.Printf("[State] Backfill record %s: %v", rec.Signature, err)
			continue
		}
		processed++
	}
	log.Printf("[State] Backfill complete for %s: %d records", short(mint), processed)
}

// RunMaintenance demotes expired HOT tokens once per interval.
func (m *StateManager) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpired(ctx)
		}
	}
}

func (m *StateManager) sweepExpired(ctx context.Context) {
	m.mu.RLock()
	var hot []string
	for mint, s := range m.cache {
		if s == models.StateHot {
			hot = append(hot, mint)
		}
	}
	m.mu.RUnlock()

	for _, mint := range hot {
		live, err := m.store.IsHot(ctx, mint)
		if err != nil {
			continue
		}
		if !live {
			if err := m.ToCold(ctx, mint); err != nil {
				log.Printf("[State] Demote %s: %v", short(mint), err)
			}
		}
	}

	m.pruneCache()
}

// maxCachedStates bounds the per-process state cache.
const maxCachedStates = 10000

// pruneCache drops COLD entries every sweep (COLD is the default tier,
// forgetting it costs one re-lookup) and sheds WARM entries past the
// size cap; the profile store stays authoritative for WARM. HOT entries
// always stay cached.
func (m *StateManager) pruneCache() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for mint, s := range m.cache {
		if s == models.StateCold {
			delete(m.cache, mint)
		}
	}
	if len(m.cache) <= maxCachedStates {
		return
	}
	for mint, s := range m.cache {
		if s != models.StateHot {
			delete(m.cache, mint)
			if len(m.cache) <= maxCachedStates {
				return
			}
		}
	}
}

// BacklogSize returns the pending backfill count.
func (m *StateManager) BacklogSize() int {
	return len(m.backfill)
}

// StateStats reports cache sizes per tier.
func (m *StateManager) StateStats() map[string]any {
	m.mu.RLock()
	counts := map[string]int{}
	for _, s := range m.cache {
		counts[string(s)]++
	}
	size := len(m.cache)
	m.mu.RUnlock()
	return map[string]any{
		"cached_tokens":       size,
		"state_counts":        counts,
		"backfill_queue_size": len(m.backfill),
	}
}

func short(mint string) string {
	if len(mint) > 8 {
		return mint[:8]
	}
	return mint
}
