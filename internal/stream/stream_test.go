package stream

import (
	"context"
	"testing"
	"time"

	"github.com/rawblock/cabal-engine/internal/config"
	"github.com/rawblock/cabal-engine/internal/store"
	"github.com/rawblock/cabal-engine/pkg/models"
)

func TestDedupLocalCache(t *testing.T) {
	d := NewDedupFilter(nil, 10*time.Minute)

	if d.SeenLocally("sigA") {
		t.Error("fresh signature reported as seen")
	}
	d.MarkSeen("sigA")
	if !d.SeenLocally("sigA") {
		t.Error("marked signature not reported as seen")
	}
	if d.SeenLocally("sigB") {
		t.Error("unrelated signature reported as seen")
	}

	stats := d.DedupStats()
	if stats["duplicates"].(int64) != 1 {
		t.Errorf("duplicates = %v, want 1", stats["duplicates"])
	}
}

func TestRawTransactionPayloadRoundTrip(t *testing.T) {
	in := &models.RawTransaction{
		Signature:       "5siggy",
		Slot:            350_000_001,
		BlockTime:       1724500000,
		FeePayer:        "walletA",
		ProgramsInvoked: []string{"prog1"},
		PreTokenBalances: []models.TokenBalance{
			{Owner: "walletA", Mint: "mintX", Amount: 0},
		},
		PostTokenBalances: []models.TokenBalance{
			{Owner: "walletA", Mint: "mintX", Amount: 500},
		},
		PreBalances:  map[string]int64{"walletA": 2_000_000_000},
		PostBalances: map[string]int64{"walletA": 1_000_000_000},
		Fee:          5000,
	}

	payload, err := in.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := models.UnmarshalRawTransaction(payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if out.Signature != in.Signature || out.Slot != in.Slot || out.FeePayer != in.FeePayer {
		t.Errorf("header fields lost: %+v", out)
	}
	if len(out.PostTokenBalances) != 1 || out.PostTokenBalances[0].Amount != 500 {
		t.Errorf("token balances lost: %+v", out.PostTokenBalances)
	}
	if out.PreBalances["walletA"] != 2_000_000_000 {
		t.Errorf("lamport balances lost: %+v", out.PreBalances)
	}
}

func TestMockSourceGeneratesConsistentSwaps(t *testing.T) {
	table := &config.ProgramTable{}
	m := NewMockSource(table, 42)

	buys, sells := 0, 0
	for i := 0; i < 200; i++ {
		tx := m.generate()
		if tx.Signature == "" || tx.FeePayer == "" {
			t.Fatal("missing signature or fee payer")
		}
		if len(tx.PreTokenBalances) != 2 || len(tx.PostTokenBalances) != 2 {
			t.Fatalf("unexpected balance table size: %+v", tx)
		}

		user := tx.PreTokenBalances[0]
		post := tx.PostTokenBalances[0]
		if user.Owner != tx.FeePayer {
			t.Fatal("first token balance should belong to the fee payer")
		}
		switch {
		case post.Amount > user.Amount:
			buys++
			if tx.PostBalances[tx.FeePayer] >= tx.PreBalances[tx.FeePayer] {
				t.Error("buy should spend lamports")
			}
		case post.Amount < user.Amount:
			sells++
			if tx.PostBalances[tx.FeePayer] <= tx.PreBalances[tx.FeePayer] {
				t.Error("sell should receive lamports")
			}
		default:
			t.Error("flat token delta from mock source")
		}
	}
	if buys == 0 || sells == 0 {
		t.Errorf("expected a mix of sides, got %d buys / %d sells", buys, sells)
	}
	if buys < sells {
		t.Errorf("mock source is buy-biased, got %d buys / %d sells", buys, sells)
	}
}

// fakeGroupReader hands out one batch of stale pending entries, then
// cancels the run on the first group read.
type fakeGroupReader struct {
	stale     []store.StreamMessage
	claimIdle time.Duration
	acked     []string
	cancel    context.CancelFunc
}

func (f *fakeGroupReader) ReadGroup(ctx context.Context, consumer string, count int64, block time.Duration) ([]store.StreamMessage, error) {
	f.cancel()
	return nil, ctx.Err()
}

func (f *fakeGroupReader) ClaimStale(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]store.StreamMessage, error) {
	f.claimIdle = minIdle
	out := f.stale
	f.stale = nil
	return out, nil
}

func (f *fakeGroupReader) Ack(ctx context.Context, ids ...string) error {
	f.acked = append(f.acked, ids...)
	return nil
}

func TestConsumerReplaysStalePendingOnStartup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake := &fakeGroupReader{
		stale: []store.StreamMessage{
			{ID: "1-0", Data: []byte("a")},
			{ID: "2-0", Data: []byte("b")},
		},
		cancel: cancel,
	}
	c := NewConsumer(fake, "parser-1", 10, time.Second, 30*time.Second)

	var handled []string
	c.Run(ctx, func(ctx context.Context, msgID string, payload []byte) error {
		handled = append(handled, msgID)
		return nil
	})

	if fake.claimIdle != 30*time.Second {
		t.Errorf("claim idle threshold = %s, want 30s", fake.claimIdle)
	}
	if len(handled) != 2 || handled[0] != "1-0" || handled[1] != "2-0" {
		t.Errorf("handled = %v, want the two stale entries", handled)
	}
	if len(fake.acked) != 2 {
		t.Errorf("acked = %v, want both stale entries acked", fake.acked)
	}
}

func TestConsumerSkipsClaimWhenDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake := &fakeGroupReader{
		stale:  []store.StreamMessage{{ID: "1-0", Data: []byte("a")}},
		cancel: cancel,
	}
	c := NewConsumer(fake, "parser-1", 10, time.Second, 0)

	c.Run(ctx, func(ctx context.Context, msgID string, payload []byte) error {
		t.Errorf("handler ran for %s with claiming disabled", msgID)
		return nil
	})

	if fake.claimIdle != 0 {
		t.Error("ClaimStale called despite zero idle threshold")
	}
}

func TestBatchContextCoalescesCounters(t *testing.T) {
	bctx := NewBatchContext(nil, 0, map[string]struct{}{"hotMint": {}})

	bctx.QueueCounter("mintX", "walletA", 1.5, true)
	bctx.QueueCounter("mintX", "walletA", 2.5, true)
	bctx.QueueCounter("mintX", "walletB", 1.0, false)
	bctx.QueueCounter("mintY", "walletA", 0.5, true)

	key := counterKey{mint: "mintX", wallet: "walletA", isBuy: true}
	u := bctx.counters[key]
	if u == nil || u.count != 2 || u.volume != 4.0 {
		t.Errorf("coalesced update = %+v", u)
	}
	if len(bctx.counters) != 3 {
		t.Errorf("distinct updates = %d, want 3", len(bctx.counters))
	}

	mints := bctx.Mints()
	if len(mints) != 2 {
		t.Errorf("mints = %v", mints)
	}

	if !bctx.IsHot("hotMint") || bctx.IsHot("mintX") {
		t.Error("hot snapshot lookup wrong")
	}
	bctx.MarkHot("mintX")
	if !bctx.IsHot("mintX") {
		t.Error("MarkHot did not update snapshot")
	}
}
