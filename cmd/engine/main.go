package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rawblock/cabal-engine/internal/alerting"
	"github.com/rawblock/cabal-engine/internal/api"
	"github.com/rawblock/cabal-engine/internal/config"
	"github.com/rawblock/cabal-engine/internal/core"
	"github.com/rawblock/cabal-engine/internal/db"
	"github.com/rawblock/cabal-engine/internal/detect"
	"github.com/rawblock/cabal-engine/internal/enrich"
	"github.com/rawblock/cabal-engine/internal/journal"
	"github.com/rawblock/cabal-engine/internal/parser"
	"github.com/rawblock/cabal-engine/internal/store"
	"github.com/rawblock/cabal-engine/internal/stream"
	"github.com/rawblock/cabal-engine/pkg/models"
)

func main() {
	log.Println("Starting RawBlock Cabal Detection Engine (Microservice: sol-cabal-analytics)...")
	log.Println("Initializing Swap Inference and Rolling Counters...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	settings := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	programs, err := config.LoadPrograms(settings.ProgramsFile)
	if err != nil {
		log.Fatalf("FATAL: Failed to load program table %s: %v", settings.ProgramsFile, err)
	}
	log.Printf("Loaded %d venue programs from %s", len(programs.IDs()), settings.ProgramsFile)

	redisStore, err := store.Connect(ctx, settings.RedisURL, store.Options{
		StreamKey:        settings.StreamKey,
		ConsumerGroup:    settings.ConsumerGroup,
		StreamMaxLen:     settings.StreamMaxLen,
		DedupTTL:         settings.DedupTTL,
		BucketShort:      settings.BucketShort,
		BucketLong:       settings.BucketLong,
		WindowShort:      settings.WindowShort,
		WindowLong:       settings.WindowLong,
		NewWalletHorizon: settings.NewWalletHorizon,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to connect to Redis: %v", err)
	}
	defer redisStore.Close()

	var pg *db.PostgresStore
	if settings.DatabaseURL == "" {
		log.Println("Warning: DATABASE_URL is not set, continuing without persisting profiles and alerts")
	} else {
		pg, err = db.Connect(settings.DatabaseURL)
		if err != nil {
			log.Printf("Warning: Failed to connect to PostgreSQL, continuing without persistence. Error: %v", err)
			pg = nil
		} else {
			defer pg.Close()
			if err := pg.InitSchema(); err != nil {
				log.Printf("Warning: DB schema init failed: %v", err)
			}
		}
	}

	deltaLog, err := journal.NewDeltaLog(settings.DataDir, settings.DeltaLogRotate, settings.DeltaLogRetention)
	if err != nil {
		log.Fatalf("FATAL: Failed to open delta journal in %s: %v", settings.DataDir, err)
	}
	defer deltaLog.Close()
	go deltaLog.RunCleanup(ctx)

	touchLog, err := journal.NewTouchLog(settings.DataDir)
	if err != nil {
		log.Fatalf("FATAL: Failed to open touch journal in %s: %v", settings.DataDir, err)
	}
	defer touchLog.Close()
	go touchLog.RunFlush(ctx, 30*time.Second)

	deltas := parser.NewDeltaBuilder()
	inference := parser.NewSwapInference(deltas, programs)

	counters := detect.NewCounterManager(redisStore)
	evaluator, err := detect.NewTriggerEvaluator(counters, settings.TriggersFile)
	if err != nil {
		log.Fatalf("FATAL: Failed to load triggers from %s: %v", settings.TriggersFile, err)
	}
	states := detect.NewStateManager(redisStore, pg, deltaLog, settings.HotTTL)

	credits := enrich.NewCreditBucket(settings.DailyCredits)
	rpcURL := settings.RPCEndpoint
	if settings.RPCAPIKey != "" {
		rpcURL += "/?api-key=" + settings.RPCAPIKey
	} else {
		log.Println("Warning: RPC_API_KEY is not set, enrichment calls may be rejected")
	}
	rpc := enrich.NewRPCClient(rpcURL, settings.MetaEndpoint, credits)

	clusterer := enrich.NewWalletClusterer(pg)
	if pg != nil {
		if err := clusterer.Rebuild(ctx); err != nil {
			log.Printf("Warning: Cluster rebuild from funding edges failed: %v", err)
		}
	}
	scorer := enrich.NewCabalScorer(clusterer)

	discord := alerting.NewDiscordClient(settings.DiscordWebhookURL, settings.AlertsPerMinute)
	telegram := alerting.NewTelegramClient(settings.TelegramBotToken, settings.TelegramChatID, settings.AlertsPerMinute)
	if !discord.IsConfigured() && !telegram.IsConfigured() {
		log.Println("Warning: No alert channel configured, alerts will only reach the API and websocket")
	}
	dispatcher := alerting.NewDispatcher(pg, discord, telegram)

	// WebSocket hub pushes every dispatched alert to connected dashboards.
	wsHub := api.NewHub()
	go wsHub.Run()
	dispatcher.OnAlert(api.BroadcastAlert(wsHub))

	backpressure := core.NewBackpressureManager(redisStore, core.BackpressureOptions{
		DegradedLag:       settings.LagDegraded,
		CriticalLag:       settings.LagCritical,
		DegradedStreamLen: settings.StreamDegraded,
		CriticalStreamLen: settings.StreamCritical,
	})

	processor := core.NewTransactionProcessor(
		redisStore, pg, deltas, inference,
		counters, evaluator, states, programs,
		backpressure, clusterer, scorer, rpc,
		dispatcher, deltaLog, touchLog,
		core.ProcessorOptions{
			MinConfidence:  settings.MinConfidence,
			MinMcapSol:     settings.MinMcapSol,
			MaxFundingHops: settings.MaxFundingHop,
		},
	)

	// Ingest edge: source -> stream writer.
	var source stream.Source
	if settings.Source == "mock" {
		source = stream.NewMockSource(programs, time.Now().UnixNano())
		log.Println("Using mock transaction source")
	} else {
		if settings.GatewayEndpoint == "" {
			log.Fatalf("FATAL: GATEWAY_ENDPOINT is not set. Use SOURCE=mock for local development.")
		}
		source = stream.NewGatewaySource(settings.GatewayEndpoint, settings.GatewayToken, programs)
	}

	ingester := stream.NewIngester(redisStore)
	go func() {
		if err := source.Run(ctx, func(tx *models.RawTransaction) {
			ingester.Ingest(ctx, tx)
		}); err != nil && ctx.Err() == nil {
			log.Printf("[Source] Exited: %v", err)
		}
	}()

	// Drain edge: consumer group -> processor.
	dedup := stream.NewDedupFilter(redisStore, settings.DedupTTL)
	if settings.BatchedConsume {
		batch := stream.NewBatchConsumer(redisStore, dedup, stream.BatchConsumerOptions{
			Name:         "batcher-1",
			BatchSize:    settings.BatchSize,
			Block:        settings.BlockTimeout,
			DedupTTL:     settings.DedupTTL,
			ClaimMinIdle: settings.ClaimMinIdle,
		})
		batch.OnBatchFlushed(func(ctx context.Context, bctx *stream.BatchContext) {
			processor.FinishBatch(ctx, bctx)
		})
		states.OnHot(func(mint, reason string) {
			batch.MarkHot(mint)
		})
		go batch.Run(ctx, func(ctx context.Context, txs []*models.RawTransaction, bctx *stream.BatchContext) error {
			return processor.ProcessBatch(ctx, txs, bctx, bctx.StreamLen)
		})
	} else {
		pool := stream.NewConsumerPool(redisStore, settings.ConsumerCount, settings.BatchSize, settings.BlockTimeout, settings.ClaimMinIdle)
		pool.Start(ctx, func(ctx context.Context, msgID string, payload []byte) error {
			tx, err := models.UnmarshalRawTransaction(payload)
			if err != nil {
				return err
			}
			if dup, err := dedup.IsDuplicate(ctx, tx.Signature); err != nil || dup {
				return err
			}
			return processor.Process(ctx, tx)
		})
	}

	// Background workers.
	go states.RunBackfill(ctx, processor.ReprocessDeltaRecord)
	go states.RunMaintenance(ctx, time.Minute)
	go processor.RunDetection(ctx, 2*time.Second)
	go runCounterCleanup(ctx, counters)
	go runStatsPublisher(ctx, redisStore, processor)

	// Other instances publish trigger changes through Redis.
	redisStore.SubscribeConfigReload(ctx, func(key string) {
		if key != "triggers" {
			return
		}
		data, err := redisStore.GetConfig(ctx, "triggers")
		if err != nil || data == nil {
			return
		}
		if err := evaluator.LoadYAML(data); err != nil {
			log.Printf("[Config] Trigger reload rejected: %v", err)
			return
		}
		log.Printf("[Config] Triggers reloaded from shared config")
	})

	// Setup the Gin Router
	r := api.SetupRouter(api.RouterDeps{
		Store:        redisStore,
		PG:           pg,
		Hub:          wsHub,
		Evaluator:    evaluator,
		Dispatcher:   dispatcher,
		TriggersFile: settings.TriggersFile,
		Stats:        processor.ProcessorStats,
	})

	srv := &http.Server{Addr: ":" + settings.Port, Handler: r}
	go func() {
		log.Printf("Engine running on :%s (API Node: sol-cabal-analytics)", settings.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: Server shutdown: %v", err)
	}
	if err := touchLog.Flush(); err != nil {
		log.Printf("Warning: Touch journal flush: %v", err)
	}
}

// runCounterCleanup drops per-mint counter state no swap has touched in
// half an hour.
func runCounterCleanup(ctx context.Context, counters *detect.CounterManager) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counters.CleanupInactive(30 * time.Minute)
		}
	}
}

// runStatsPublisher snapshots the processor stats into Redis every 5
// seconds for external monitors.
func runStatsPublisher(ctx context.Context, s *store.Store, processor *core.TransactionProcessor) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(processor.ProcessorStats())
			if err != nil {
				continue
			}
			if err := s.PublishStats(ctx, data); err != nil {
				log.Printf("[Stats] Publish: %v", err)
			}
		}
	}
}
