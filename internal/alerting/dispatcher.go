package alerting

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/cabal-engine/internal/db"
	"github.com/rawblock/cabal-engine/internal/enrich"
	"github.com/rawblock/cabal-engine/pkg/models"
)

// Alert Dispatcher
//
// Final stage of the pipeline. Each assembled alert is:
//   1. Persisted to Postgres (when configured)
//   2. Broadcast via the websocket callback to connected dashboards
//   3. Delivered to each configured channel, which tracks its own
//      rate-limit and retry state
//   4. Marked with per-channel delivery flags once sends settle
//
// Recent alerts are also kept in memory so the API can serve them
// without a database round trip.

type Dispatcher struct {
	pg       *db.PostgresStore
	discord  *DiscordClient
	telegram *TelegramClient

	broadcast func(*models.Alert)

	mu         sync.RWMutex
	recent     []*models.Alert
	maxHistory int

	dispatched atomic.Int64
}

func NewDispatcher(pg *db.PostgresStore, discord *DiscordClient, telegram *TelegramClient) *Dispatcher {
	return &Dispatcher{
		pg:         pg,
		discord:    discord,
		telegram:   telegram,
		maxHistory: 1000,
	}
}

// OnAlert registers the websocket broadcast callback.
func (d *Dispatcher) OnAlert(fn func(*models.Alert)) {
	d.broadcast = fn
}

// Dispatch persists and delivers one alert. Channel sends run
// concurrently; delivery flags are written back once both settle.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *models.Alert, score *enrich.CabalScore) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	if score != nil {
		alert.CabalScore = score.Total
		alert.ScoreEvidence = score.TopEvidence(3)
	}

	log.Print(FormatPlain(alert, score))

	if d.pg != nil {
		if err := d.pg.SaveAlert(ctx, alert); err != nil {
			log.Printf("[Dispatcher] Failed to persist alert %s: %v", alert.ID, err)
		}
	}

	d.mu.Lock()
	d.recent = append(d.recent, alert)
	if len(d.recent) > d.maxHistory {
		d.recent = d.recent[len(d.recent)-d.maxHistory:]
	}
	d.mu.Unlock()

	if d.broadcast != nil {
		d.broadcast(alert)
	}

	var wg sync.WaitGroup
	if d.discord != nil && d.discord.IsConfigured() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alert.DiscordSent = d.discord.Send(ctx, alert, score)
		}()
	}
	if d.telegram != nil && d.telegram.IsConfigured() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alert.TelegramSent = d.telegram.Send(ctx, alert, score)
		}()
	}
	wg.Wait()

	if d.pg != nil && (alert.DiscordSent || alert.TelegramSent) {
		if err := d.pg.MarkAlertDelivered(ctx, alert.ID, alert.DiscordSent, alert.TelegramSent); err != nil {
			log.Printf("[Dispatcher] Failed to record delivery for %s: %v", alert.ID, err)
		}
	}

	d.dispatched.Add(1)
}

// Recent returns the most recent alerts, newest first.
func (d *Dispatcher) Recent(limit int) []*models.Alert {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limit <= 0 || limit > len(d.recent) {
		limit = len(d.recent)
	}
	out := make([]*models.Alert, limit)
	for i := 0; i < limit; i++ {
		out[i] = d.recent[len(d.recent)-1-i]
	}
	return out
}

// DispatcherStats aggregates dispatch and per-channel counters.
func (d *Dispatcher) DispatcherStats() map[string]any {
	d.mu.RLock()
	historyLen := len(d.recent)
	d.mu.RUnlock()

	stats := map[string]any{
		"dispatched": d.dispatched.Load(),
		"history":    historyLen,
	}
	if d.discord != nil {
		stats["discord"] = d.discord.DiscordStats()
	}
	if d.telegram != nil {
		stats["telegram"] = d.telegram.TelegramStats()
	}
	return stats
}
