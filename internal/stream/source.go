// Package stream covers the ingest edge of the pipeline: transaction
// sources, the stream writer, dedup filtering and the consumer pools
// that drain the Redis stream.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rawblock/cabal-engine/internal/config"
	"github.com/rawblock/cabal-engine/pkg/models"
)

// Source streams normalized transactions into the pipeline. Run blocks
// until ctx is cancelled, reconnecting internally as needed.
type Source interface {
	Run(ctx context.Context, onTx func(*models.RawTransaction)) error
	SourceStats() map[string]any
}

const (
	initialReconnectDelay = time.Second
	maxReconnectDelay     = 60 * time.Second
)

// gatewayEnvelope is one frame from the transaction gateway.
type gatewayEnvelope struct {
	Type        string                 `json:"type"`
	Transaction *models.RawTransaction `json:"transaction,omitempty"`
	ID          int64                  `json:"id,omitempty"`
}

// subscribeRequest is the initial filter frame sent after connecting.
type subscribeRequest struct {
	Type          string   `json:"type"`
	Programs      []string `json:"programs"`
	ExcludeVotes  bool     `json:"exclude_votes"`
	ExcludeFailed bool     `json:"exclude_failed"`
}

// GatewaySource subscribes to a transaction gateway over websocket,
// filtered to the configured venue programs. Disconnects trigger a
// reconnect with exponential backoff, reset on the first good frame.
type GatewaySource struct {
	endpoint string
	token    string
	programs *config.ProgramTable

	txCount       atomic.Int64
	lastSlot      atomic.Uint64
	lastBlockTime atomic.Int64
	reconnects    atomic.Int64

	mu        sync.Mutex
	startTime time.Time
}

func NewGatewaySource(endpoint, token string, programs *config.ProgramTable) *GatewaySource {
	return &GatewaySource{
		endpoint: endpoint,
		token:    token,
		programs: programs,
	}
}

func (g *GatewaySource) Run(ctx context.Context, onTx func(*models.RawTransaction)) error {
	g.mu.Lock()
	g.startTime = time.Now()
	g.mu.Unlock()

	delay := initialReconnectDelay
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := g.streamOnce(ctx, onTx, &delay)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Printf("[Gateway] Stream error: %v, reconnecting in %s", err, delay)
		}
		g.reconnects.Add(1)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// streamOnce runs a single connection until it fails. delay is reset to
// the initial backoff once frames are flowing.
func (g *GatewaySource) streamOnce(ctx context.Context, onTx func(*models.RawTransaction), delay *time.Duration) error {
	header := http.Header{}
	if g.token != "" {
		header.Set("X-Token", g.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, g.endpoint, header)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()
	log.Printf("[Gateway] Connected to %s", g.endpoint)

	sub := subscribeRequest{
		Type:          "subscribe",
		Programs:      g.programs.IDs(),
		ExcludeVotes:  true,
		ExcludeFailed: true,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		var env gatewayEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("[Gateway] Bad frame: %v", err)
			continue
		}

		switch env.Type {
		case "transaction":
			if env.Transaction == nil || env.Transaction.Signature == "" {
				continue
			}
			g.txCount.Add(1)
			g.lastSlot.Store(env.Transaction.Slot)
			g.lastBlockTime.Store(env.Transaction.BlockTime)
			*delay = initialReconnectDelay
			onTx(env.Transaction)
		case "pong":
			// keepalive, nothing to do
		}
	}
}

func (g *GatewaySource) SourceStats() map[string]any {
	g.mu.Lock()
	start := g.startTime
	g.mu.Unlock()

	uptime := 0.0
	if !start.IsZero() {
		uptime = time.Since(start).Seconds()
	}
	count := g.txCount.Load()
	rate := 0.0
	if uptime > 0 {
		rate = float64(count) / uptime
	}
	return map[string]any{
		"source":          "gateway",
		"tx_count":        count,
		"last_slot":       g.lastSlot.Load(),
		"last_block_time": g.lastBlockTime.Load(),
		"uptime_seconds":  uptime,
		"tx_per_second":   rate,
		"reconnects":      g.reconnects.Load(),
		"program_count":   len(g.programs.IDs()),
	}
}
