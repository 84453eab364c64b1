package core

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rawblock/cabal-engine/internal/alerting"
	"github.com/rawblock/cabal-engine/internal/config"
	"github.com/rawblock/cabal-engine/internal/db"
	"github.com/rawblock/cabal-engine/internal/detect"
	"github.com/rawblock/cabal-engine/internal/enrich"
	"github.com/rawblock/cabal-engine/internal/journal"
	"github.com/rawblock/cabal-engine/internal/parser"
	"github.com/rawblock/cabal-engine/internal/store"
	"github.com/rawblock/cabal-engine/pkg/models"
)

// Transaction Processor
//
// Orchestrates one transaction's full path through the pipeline:
//
//   deltas → journals → swap inference → counters → triggers → state
//   machine → enrichment → alert dispatch
//
// The journals and unknown-program tracking run for EVERY transaction
// regardless of mode, so nothing slips past unrecorded. Inference,
// counters and persistence are gated by the backpressure mode.

// unknownProgramThreshold is the sighting count at which an untracked
// program id gets surfaced in the logs.
const unknownProgramThreshold = 100

// BatchSink receives the writes a batch accumulates so they flush in one
// pipeline. The batch consumer's context satisfies it.
type BatchSink interface {
	IsHot(mint string) bool
	MarkHot(mint string)
	QueueCounter(mint, wallet string, quoteSol float64, isBuy bool)
	QueueMcap(mint string, mcapSol, priceSol float64)
	Mints() []string
}

// ProcessorOptions carries the thresholds the processor applies.
type ProcessorOptions struct {
	MinConfidence  float64
	MinMcapSol     float64
	MaxFundingHops int
}

type TransactionProcessor struct {
	store        *store.Store
	pg           *db.PostgresStore
	deltas       *parser.DeltaBuilder
	inference    *parser.SwapInference
	counters     *detect.CounterManager
	evaluator    *detect.TriggerEvaluator
	states       *detect.StateManager
	programs     *config.ProgramTable
	backpressure *BackpressureManager
	clusterer    *enrich.WalletClusterer
	scorer       *enrich.CabalScorer
	rpc          *enrich.RPCClient
	dispatcher   *alerting.Dispatcher
	deltaLog     *journal.DeltaLog
	touchLog     *journal.TouchLog

	opts ProcessorOptions

	supplyMu sync.Mutex
	supplies map[string]*enrich.TokenSupply

	processed     atomic.Int64
	swapsAccepted atomic.Int64
	swapsRejected atomic.Int64
	triggersFired atomic.Int64
	mcapBlocked   atomic.Int64
	backfilled    atomic.Int64
}

func NewTransactionProcessor(
	s *store.Store,
	pg *db.PostgresStore,
	deltas *parser.DeltaBuilder,
	inference *parser.SwapInference,
	counters *detect.CounterManager,
	evaluator *detect.TriggerEvaluator,
	states *detect.StateManager,
	programs *config.ProgramTable,
	backpressure *BackpressureManager,
	clusterer *enrich.WalletClusterer,
	scorer *enrich.CabalScorer,
	rpc *enrich.RPCClient,
	dispatcher *alerting.Dispatcher,
	deltaLog *journal.DeltaLog,
	touchLog *journal.TouchLog,
	opts ProcessorOptions,
) *TransactionProcessor {
	return &TransactionProcessor{
		store:        s,
		pg:           pg,
		deltas:       deltas,
		inference:    inference,
		counters:     counters,
		evaluator:    evaluator,
		states:       states,
		programs:     programs,
		backpressure: backpressure,
		clusterer:    clusterer,
		scorer:       scorer,
		rpc:          rpc,
		dispatcher:   dispatcher,
		deltaLog:     deltaLog,
		touchLog:     touchLog,
		opts:         opts,
		supplies:     make(map[string]*enrich.TokenSupply),
	}
}

// Process handles one transaction on the single-message consumer path.
func (p *TransactionProcessor) Process(ctx context.Context, tx *models.RawTransaction) error {
	return p.processOne(ctx, tx, nil)
}

// ProcessBatch handles a decoded batch, queueing counter and mcap writes
// on the sink instead of writing them inline. Trigger evaluation runs
// once per touched mint after the loop.
func (p *TransactionProcessor) ProcessBatch(ctx context.Context, txs []*models.RawTransaction, sink BatchSink, streamLen int64) error {
	p.backpressure.SetStreamLen(streamLen)

	var firstErr error
	for _, tx := range txs {
		if err := p.processOne(ctx, tx, sink); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FinishBatch runs after the sink's writes have flushed: invalidates the
// touched mints' cached stats and evaluates their triggers.
func (p *TransactionProcessor) FinishBatch(ctx context.Context, sink BatchSink) {
	for _, mint := range sink.Mints() {
		p.counters.Touch(mint)
		p.evaluateMint(ctx, mint, sink)
	}
}

func (p *TransactionProcessor) processOne(ctx context.Context, tx *models.RawTransaction, sink BatchSink) error {
	p.processed.Add(1)
	p.backpressure.Update(ctx, tx.BlockTime)

	tokenDeltas, solDeltas, accountsCreated := p.deltas.BuildDeltas(tx)
	mints := p.deltas.MintsTouched(tokenDeltas)

	p.appendJournals(tx, tokenDeltas, solDeltas, accountsCreated, mints)
	p.trackUnknownPrograms(ctx, tx)

	if !p.backpressure.ShouldParseFull() {
		return nil
	}

	candidates := p.deltas.CandidateUsers(tokenDeltas, tx.FeePayer)
	candidate := p.inference.InferSwap(tokenDeltas, solDeltas, candidates)
	if candidate == nil {
		return nil
	}
	if candidate.Confidence < p.opts.MinConfidence {
		p.swapsRejected.Add(1)
		return nil
	}
	p.swapsAccepted.Add(1)

	event := p.inference.Event(tx, candidate)
	quoteSol := event.QuoteAmountSol()
	isBuy := event.Side == models.SideBuy

	if err := p.recordSwap(ctx, event, quoteSol, isBuy, sink); err != nil {
		return fmt.Errorf("record swap %s: %w", event.Signature, err)
	}

	p.clusterer.AddWallet(event.UserWallet, quoteSol, boolToCount(isBuy))

	if err := p.states.ToWarm(ctx, event.BaseMint); err != nil {
		log.Printf("[Processor] Promote %s to WARM: %v", shortMint(event.BaseMint), err)
	}

	p.updateMcap(ctx, event, sink)
	p.persistSwap(ctx, event)

	// Batch path defers evaluation to FinishBatch, after the counter
	// flush makes the swap visible.
	if sink == nil {
		p.evaluateMint(ctx, event.BaseMint, nil)
	}
	return nil
}

func (p *TransactionProcessor) appendJournals(tx *models.RawTransaction, tokenDeltas map[parser.OwnerMint]int64, solDeltas map[string]int64, accountsCreated int, mints []string) {
	if p.touchLog != nil {
		err := p.touchLog.Append(&models.MintTouchedEvent{
			Signature:       tx.Signature,
			Slot:            tx.Slot,
			BlockTime:       tx.BlockTime,
			FeePayer:        tx.FeePayer,
			MintsTouched:    mints,
			ProgramsInvoked: tx.ProgramsInvoked,
			ComputeUnits:    tx.ComputeUnits,
		})
		if err != nil {
			log.Printf("[Processor] Touch log append: %v", err)
		}
	}
	if p.deltaLog != nil && len(tokenDeltas) > 0 {
		rec := p.deltas.DeltaRecord(tx, tokenDeltas, solDeltas, accountsCreated)
		if err := p.deltaLog.Append(rec); err != nil {
			log.Printf("[Processor] Delta log append: %v", err)
		}
	}
}

// trackUnknownPrograms counts sightings of program ids missing from the
// table and surfaces each one once it crosses the threshold, together
// with the known programs it showed up alongside.
func (p *TransactionProcessor) trackUnknownPrograms(ctx context.Context, tx *models.RawTransaction) {
	unknown := p.programs.UnknownOf(tx.ProgramsInvoked)
	if len(unknown) == 0 {
		return
	}
	var known []string
	for _, id := range tx.ProgramsInvoked {
		if p.programs.Known(id) {
			known = append(known, p.programs.Name(id))
		}
	}
	for _, id := range unknown {
		count, err := p.store.TrackProgram(ctx, id, tx.Slot, known)
		if err != nil {
			continue
		}
		if count == unknownProgramThreshold {
			log.Printf("[Processor] WARNING: unknown program %s seen %d times (alongside %s), consider adding it to the program table",
				id, count, strings.Join(known, ", "))
		}
	}
}

func (p *TransactionProcessor) recordSwap(ctx context.Context, event *models.SwapEventFull, quoteSol float64, isBuy bool, sink BatchSink) error {
	if sink != nil {
		sink.QueueCounter(event.BaseMint, event.UserWallet, quoteSol, isBuy)
		return nil
	}
	return p.counters.RecordSwap(ctx, event.BaseMint, event.UserWallet, quoteSol, isBuy)
}

// updateMcap derives the token's market cap from the swap's implied
// price. Only WSOL-quoted swaps on tracked tokens carry a usable price,
// and the supply lookup spends credits, so cold tokens are skipped.
func (p *TransactionProcessor) updateMcap(ctx context.Context, event *models.SwapEventFull, sink BatchSink) {
	if event.QuoteMint != models.WSOLMint || event.BaseAmount <= 0 {
		return
	}
	tracked := false
	if sink != nil {
		tracked = sink.IsHot(event.BaseMint)
	}
	if !tracked {
		ok, err := p.states.IsWarmOrHot(ctx, event.BaseMint)
		if err != nil || !ok {
			return
		}
	}

	supply := p.tokenSupply(ctx, event.BaseMint)
	if supply == nil || supply.Supply <= 0 {
		return
	}

	mcapSol, priceSol := swapMcap(event.QuoteAmount, event.BaseAmount, supply)

	if sink != nil {
		sink.QueueMcap(event.BaseMint, mcapSol, priceSol)
		return
	}
	if err := p.store.SetMcap(ctx, event.BaseMint, mcapSol, priceSol, time.Hour); err != nil {
		log.Printf("[Processor] Cache mcap for %s: %v", shortMint(event.BaseMint), err)
	}
}

// swapMcap derives price and market cap from one swap's legs. The quote
// leg is lamports; the base leg and supply are raw units scaled by the
// mint's decimals.
func swapMcap(quoteAmount, baseAmount int64, supply *enrich.TokenSupply) (mcapSol, priceSol float64) {
	pricePerUnit := (float64(quoteAmount) / 1e9) / float64(baseAmount)
	priceSol = pricePerUnit * math.Pow10(supply.Decimals)
	mcapSol = priceSol * float64(supply.Supply) / math.Pow10(supply.Decimals)
	return mcapSol, priceSol
}

func (p *TransactionProcessor) tokenSupply(ctx context.Context, mint string) *enrich.TokenSupply {
	p.supplyMu.Lock()
	cached, ok := p.supplies[mint]
	p.supplyMu.Unlock()
	if ok {
		return cached
	}

	supply, err := p.rpc.TokenSupply(ctx, mint)
	if err != nil || supply == nil {
		return nil
	}
	p.supplyMu.Lock()
	p.supplies[mint] = supply
	p.supplyMu.Unlock()
	return supply
}

func (p *TransactionProcessor) persistSwap(ctx context.Context, event *models.SwapEventFull) {
	if p.pg == nil || !p.backpressure.ShouldStoreSwapEvent() {
		return
	}
	retained, err := p.states.IsWarmOrHot(ctx, event.BaseMint)
	if err != nil || !retained {
		return
	}
	if err := p.pg.SaveSwapEvents(ctx, []*models.SwapEventFull{event}); err != nil {
		log.Printf("[Processor] Persist swap %s: %v", event.Signature, err)
	}
}

// evaluateMint runs the trigger rules for one mint and handles a HOT
// promotion end to end: mcap guard, state flip, enrichment, alert.
func (p *TransactionProcessor) evaluateMint(ctx context.Context, mint string, sink BatchSink) {
	if sink != nil {
		if sink.IsHot(mint) {
			return
		}
	} else if hot, err := p.states.IsHot(ctx, mint); err == nil && hot {
		return
	}

	result, err := p.evaluator.Evaluate(ctx, mint)
	if err != nil {
		log.Printf("[Processor] Evaluate %s: %v", shortMint(mint), err)
		return
	}
	if result == nil {
		return
	}
	p.triggersFired.Add(1)

	// Tokens below the mcap floor stay un-promoted; an unknown mcap is
	// not held against them.
	if mcap, _, ok, err := p.store.Mcap(ctx, mint); err == nil && ok && mcap < p.opts.MinMcapSol {
		p.mcapBlocked.Add(1)
		log.Printf("[Processor] Trigger %s on %s suppressed: mcap %.0f SOL below floor %.0f",
			result.TriggerName, shortMint(mint), mcap, p.opts.MinMcapSol)
		return
	}

	if err := p.states.ToHot(ctx, mint, result.TriggerName+": "+result.Reason); err != nil {
		log.Printf("[Processor] Promote %s to HOT: %v", shortMint(mint), err)
		return
	}
	if sink != nil {
		sink.MarkHot(mint)
	}

	p.RunEnrichment(ctx, mint)

	alert, buyers := p.assembleAlert(ctx, mint, result)
	score := p.scorer.Score(result.Stats, buyers)
	p.dispatcher.Dispatch(ctx, alert, score)
}

// assembleAlert gathers everything the formatter renders: window stats,
// top buyers, cluster summary, metadata, price and mcap.
func (p *TransactionProcessor) assembleAlert(ctx context.Context, mint string, result *detect.TriggerResult) (*models.Alert, []store.TopBuyer) {
	alert := &models.Alert{
		Mint:          mint,
		TriggerName:   result.TriggerName,
		TriggerReason: result.Reason,
		CreatedAt:     time.Now().UTC(),
	}
	if result.Stats != nil {
		alert.BuyCount5m = result.Stats.BuyCount
		alert.UniqueBuyers5m = result.Stats.UniqueBuyers
		alert.VolumeSol5m = result.Stats.VolumeSol
		alert.BuySellRatio5m = result.Stats.BuySellRatio
	}

	buyers, err := p.store.TopBuyers(ctx, mint, 5)
	if err != nil {
		log.Printf("[Processor] Top buyers for alert %s: %v", shortMint(mint), err)
		buyers = nil
	}
	wallets := make([]string, 0, len(buyers))
	for _, b := range buyers {
		alert.TopBuyers = append(alert.TopBuyers, models.TopBuyer{
			Wallet:    b.Wallet,
			VolumeSol: b.VolumeSol,
			Buys:      b.Buys,
		})
		wallets = append(wallets, b.Wallet)
	}
	alert.ClusterSummary = p.clusterer.Summary(wallets)

	name, symbol, image := p.resolveMetadata(ctx, mint)
	alert.TokenName = name
	alert.TokenSymbol = symbol
	alert.TokenImage = image

	p.resolvePrice(ctx, mint, alert)
	alert.EnrichmentDegraded = p.rpc.IsDegraded()
	return alert, buyers
}

// resolveMetadata tries the stored profile first, then the free metadata
// endpoint, then the paid asset lookup.
func (p *TransactionProcessor) resolveMetadata(ctx context.Context, mint string) (name, symbol, image string) {
	if p.pg != nil {
		if profile, err := p.pg.GetTokenProfile(ctx, mint); err == nil && profile != nil && profile.Symbol != "" {
			return profile.Name, profile.Symbol, ""
		}
	}
	meta, err := p.rpc.FreeTokenMetadata(ctx, mint)
	if err != nil || meta == nil || meta.Symbol == "" {
		meta, err = p.rpc.AssetMetadata(ctx, mint)
		if err != nil || meta == nil {
			return "", "", ""
		}
	}
	if p.pg != nil && meta.Symbol != "" {
		profile := &models.TokenProfile{
			Mint:     mint,
			State:    models.StateHot,
			Name:     meta.Name,
			Symbol:   meta.Symbol,
			Decimals: 9,
		}
		if err := p.pg.UpsertTokenProfile(ctx, profile); err != nil {
			log.Printf("[Processor] Persist metadata for %s: %v", shortMint(mint), err)
		}
	}
	return meta.Name, meta.Symbol, meta.Image
}

// resolvePrice prefers the cached swap-implied values; the Postgres
// fallback runs under the store's short soft deadline.
func (p *TransactionProcessor) resolvePrice(ctx context.Context, mint string, alert *models.Alert) {
	if mcap, price, ok, err := p.store.Mcap(ctx, mint); err == nil && ok {
		alert.McapSol = mcap
		alert.PriceSol = price
		return
	}
	if p.pg == nil {
		return
	}
	price, ok, err := p.pg.LatestSwapPrice(ctx, mint)
	if err != nil || !ok {
		return
	}
	alert.PriceSol = price

	p.supplyMu.Lock()
	supply := p.supplies[mint]
	p.supplyMu.Unlock()
	if supply != nil && supply.Supply > 0 {
		alert.TokenSupply = supply.Supply
		alert.McapSol = price * float64(supply.Supply) / math.Pow10(supply.Decimals)
	}
}

// RunEnrichment traces funding for the token's top buyers, links the
// cluster graph and persists what it finds. Skipped entirely in
// CRITICAL mode.
func (p *TransactionProcessor) RunEnrichment(ctx context.Context, mint string) {
	if !p.backpressure.ShouldEnrich() {
		log.Printf("[Processor] Enrichment for %s skipped in %s mode", shortMint(mint), p.backpressure.Mode())
		return
	}

	buyers, err := p.store.TopBuyers(ctx, mint, 10)
	if err != nil {
		log.Printf("[Processor] Top buyers for %s: %v", shortMint(mint), err)
		return
	}

	for _, b := range buyers {
		trace, err := p.rpc.TraceFunding(ctx, b.Wallet, p.opts.MaxFundingHops)
		if err != nil {
			log.Printf("[Processor] Trace funding %s: %v", shortWallet(b.Wallet), err)
			continue
		}
		if trace == nil || len(trace.Chain) == 0 {
			continue
		}

		funded := b.Wallet
		for _, hop := range trace.Chain {
			p.clusterer.LinkFunding(funded, hop.Funder)
			if p.pg != nil {
				if err := p.pg.SaveFundingEdge(ctx, hop.Funder, funded, 0, hop.Hop); err != nil {
					log.Printf("[Processor] Persist funding edge: %v", err)
				}
			}
			funded = hop.Funder
		}

		p.persistWalletFunding(ctx, b.Wallet, trace)
	}

	if err := p.clusterer.PersistClusters(ctx); err != nil {
		log.Printf("[Processor] Persist clusters: %v", err)
	}
}

func (p *TransactionProcessor) persistWalletFunding(ctx context.Context, wallet string, trace *enrich.FundingTrace) {
	if p.pg == nil {
		return
	}
	profile, err := p.pg.GetWalletProfile(ctx, wallet)
	if err != nil {
		return
	}
	if profile == nil {
		profile = &models.WalletProfile{Address: wallet}
	}
	profile.FundedBy = trace.UltimateFunder
	profile.FundingHop = trace.Hops
	if err := p.pg.UpsertWalletProfile(ctx, profile); err != nil {
		log.Printf("[Processor] Persist wallet profile %s: %v", shortWallet(wallet), err)
	}
}

// ReprocessDeltaRecord re-runs inference over a journaled record after a
// HOT promotion. Backfill only recovers SwapEvent rows; it never feeds
// counters or re-evaluates triggers, so history cannot re-fire alerts.
func (p *TransactionProcessor) ReprocessDeltaRecord(ctx context.Context, rec *models.TxDeltaRecord) error {
	tokenDeltas := parser.TokenDeltaMap(rec)
	candidates := p.deltas.CandidateUsers(tokenDeltas, rec.FeePayer)

	candidate := p.inference.InferSwap(tokenDeltas, rec.SolDeltas, candidates)
	if candidate == nil || candidate.Confidence < p.opts.MinConfidence {
		return nil
	}

	tx := &models.RawTransaction{
		Signature:       rec.Signature,
		Slot:            rec.Slot,
		BlockTime:       rec.BlockTime,
		FeePayer:        rec.FeePayer,
		ProgramsInvoked: rec.ProgramsInvoked,
	}
	event := p.inference.Event(tx, candidate)

	if p.pg != nil {
		if err := p.pg.SaveSwapEvents(ctx, []*models.SwapEventFull{event}); err != nil {
			return fmt.Errorf("backfill swap %s: %w", event.Signature, err)
		}
	}
	p.backfilled.Add(1)
	return nil
}

// RunDetection periodically sweeps the active-mint set so long-window
// triggers fire even when a mint's swaps have gone quiet. The sweep
// interval stretches under backpressure.
func (p *TransactionProcessor) RunDetection(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.backpressure.Mode() == ModeCritical {
				continue
			}
			for _, mint := range p.counters.ActiveMints() {
				p.evaluateMint(ctx, mint, nil)
			}
		}
	}
}

// ProcessorStats aggregates every component's counters for the health
// surface.
func (p *TransactionProcessor) ProcessorStats() map[string]any {
	return map[string]any{
		"processed":      p.processed.Load(),
		"swaps_accepted": p.swapsAccepted.Load(),
		"swaps_rejected": p.swapsRejected.Load(),
		"triggers_fired": p.triggersFired.Load(),
		"mcap_blocked":   p.mcapBlocked.Load(),
		"backfilled":     p.backfilled.Load(),
		"deltas":         p.deltas.Stats(),
		"inference":      p.inference.Stats(),
		"counters":       p.counters.ManagerStats(),
		"evaluator":      p.evaluator.EvaluatorStats(),
		"states":         p.states.StateStats(),
		"backpressure":   p.backpressure.BackpressureStats(),
		"rpc":            p.rpc.RPCStats(),
		"clusterer":      p.clusterer.ClusterStats(),
		"dispatcher":     p.dispatcher.DispatcherStats(),
	}
}

func boolToCount(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func shortMint(mint string) string {
	if len(mint) > 8 {
		return mint[:8]
	}
	return mint
}

func shortWallet(w string) string {
	if len(w) > 8 {
		return w[:8]
	}
	return w
}
