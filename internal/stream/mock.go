package stream

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/rawblock/cabal-engine/internal/config"
	"github.com/rawblock/cabal-engine/pkg/models"
)

// MockSource generates synthetic swap-shaped transactions for local
// development. Roughly 70% buys, random sizes, a small fixed mint set so
// counters actually accumulate.
type MockSource struct {
	programs *config.ProgramTable
	rng      *rand.Rand

	mints []string
	pool  string

	slot    atomic.Uint64
	txCount atomic.Int64
}

func NewMockSource(programs *config.ProgramTable, seed int64) *MockSource {
	rng := rand.New(rand.NewSource(seed))
	m := &MockSource{
		programs: programs,
		rng:      rng,
		pool:     randomAddress(rng),
	}
	for i := 0; i < 10; i++ {
		m.mints = append(m.mints, randomAddress(rng))
	}
	m.slot.Store(350_000_000)
	return m
}

func randomAddress(rng *rand.Rand) string {
	buf := make([]byte, 32)
	rng.Read(buf)
	return base58.Encode(buf)
}

func randomSignature(rng *rand.Rand) string {
	buf := make([]byte, 64)
	rng.Read(buf)
	return base58.Encode(buf)
}

func (m *MockSource) Run(ctx context.Context, onTx func(*models.RawTransaction)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(10+m.rng.Intn(90)) * time.Millisecond):
		}
		tx := m.generate()
		m.txCount.Add(1)
		onTx(tx)
	}
}

func (m *MockSource) generate() *models.RawTransaction {
	slot := m.slot.Add(1)
	mint := m.mints[m.rng.Intn(len(m.mints))]
	wallet := randomAddress(m.rng)

	isBuy := m.rng.Float64() > 0.3
	lamports := int64((0.1 + m.rng.Float64()*9.9) * 1e9)
	tokens := int64(1_000+m.rng.Intn(999_000)) * 1_000_000
	const fee = 5000
	const walletReserve = 100_000_000

	var preTokens, postTokens int64
	var preLamports, postLamports int64
	if isBuy {
		preTokens, postTokens = 0, tokens
		preLamports, postLamports = walletReserve+lamports+fee, walletReserve
	} else {
		preTokens, postTokens = tokens, 0
		preLamports, postLamports = walletReserve+fee, walletReserve+lamports
	}

	var progs []string
	if ids := m.programs.IDs(); len(ids) > 0 {
		progs = []string{ids[m.rng.Intn(len(ids))]}
	}

	return &models.RawTransaction{
		Signature:       randomSignature(m.rng),
		Slot:            slot,
		BlockTime:       time.Now().Unix(),
		FeePayer:        wallet,
		ProgramsInvoked: progs,
		PreTokenBalances: []models.TokenBalance{
			{Owner: wallet, Mint: mint, Amount: preTokens},
			{Owner: m.pool, Mint: mint, Amount: 1e15 - preTokens},
		},
		PostTokenBalances: []models.TokenBalance{
			{Owner: wallet, Mint: mint, Amount: postTokens},
			{Owner: m.pool, Mint: mint, Amount: 1e15 - postTokens},
		},
		PreBalances:  map[string]int64{wallet: preLamports, m.pool: 1e12 + (postLamports - preLamports) + fee},
		PostBalances: map[string]int64{wallet: postLamports, m.pool: 1e12},
		Fee:          fee,
	}
}

func (m *MockSource) SourceStats() map[string]any {
	return map[string]any{
		"source":    "mock",
		"tx_count":  m.txCount.Load(),
		"last_slot": m.slot.Load(),
		"mints":     len(m.mints),
	}
}
