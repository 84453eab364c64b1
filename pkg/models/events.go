package models

import (
	"github.com/vmihailenco/msgpack/v5"
)

// SwapSide is the direction of an inferred swap.
type SwapSide string

const (
	SideBuy  SwapSide = "buy"
	SideSell SwapSide = "sell"
)

// TokenBalance is one entry of a transaction's pre/post token balance table.
type TokenBalance struct {
	Owner  string `msgpack:"o" json:"owner"`
	Mint   string `msgpack:"m" json:"mint"`
	Amount int64  `msgpack:"a" json:"amount"` // raw base units
}

// RawTransaction is the normalized form every source adapter emits.
// Lamport balances are keyed by account address.
type RawTransaction struct {
	Signature         string           `msgpack:"sig" json:"signature"`
	Slot              uint64           `msgpack:"slot" json:"slot"`
	BlockTime         int64            `msgpack:"bt" json:"block_time"`
	FeePayer          string           `msgpack:"fp" json:"fee_payer"`
	ProgramsInvoked   []string         `msgpack:"progs" json:"programs_invoked"`
	PreTokenBalances  []TokenBalance   `msgpack:"pretb" json:"pre_token_balances"`
	PostTokenBalances []TokenBalance   `msgpack:"posttb" json:"post_token_balances"`
	PreBalances       map[string]int64 `msgpack:"preb" json:"pre_balances"`
	PostBalances      map[string]int64 `msgpack:"postb" json:"post_balances"`
	Fee               int64            `msgpack:"fee" json:"fee"`
	ComputeUnits      int64            `msgpack:"cu" json:"compute_units,omitempty"`
}

func (t *RawTransaction) Marshal() ([]byte, error) {
	return msgpack.Marshal(t)
}

func UnmarshalRawTransaction(data []byte) (*RawTransaction, error) {
	var t RawTransaction
	if err := msgpack.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// MintTouchedEvent is emitted for every ingested transaction, parseable or
// not, so no token ever slips past the pipeline unseen.
type MintTouchedEvent struct {
	Signature       string   `msgpack:"sig" json:"signature"`
	Slot            uint64   `msgpack:"slot" json:"slot"`
	BlockTime       int64    `msgpack:"bt" json:"block_time"`
	FeePayer        string   `msgpack:"fp" json:"fee_payer"`
	MintsTouched    []string `msgpack:"mints" json:"mints_touched"`
	ProgramsInvoked []string `msgpack:"progs" json:"programs_invoked"`
	ComputeUnits    int64    `msgpack:"cu" json:"compute_units,omitempty"`
}

// TokenDelta is one (owner, mint, delta) balance change. Encoded as a
// 3-element array on the wire.
type TokenDelta struct {
	_msgpack struct{} `msgpack:",as_array"`

	Owner string
	Mint  string
	Delta int64
}

// TxDeltaRecord is the rich delta record kept for ALL transactions in the
// short-retention delta log. It carries enough to re-infer swaps after a
// token turns hot without any paid lookups.
type TxDeltaRecord struct {
	Signature       string           `msgpack:"sig" json:"signature"`
	Slot            uint64           `msgpack:"slot" json:"slot"`
	BlockTime       int64            `msgpack:"bt" json:"block_time"`
	FeePayer        string           `msgpack:"fp" json:"fee_payer"`
	ProgramsInvoked []string         `msgpack:"progs" json:"programs_invoked"`
	TokenDeltas     []TokenDelta     `msgpack:"td" json:"token_deltas"`
	SolDeltas       map[string]int64 `msgpack:"sd" json:"sol_deltas"` // fee/rent adjusted
	MintsTouched    []string         `msgpack:"mints" json:"mints_touched"`
	TxFee           int64            `msgpack:"fee" json:"tx_fee"`
	AccountsCreated int              `msgpack:"ac" json:"accounts_created"`
}

// SwapEventFull is a parsed swap at or above the confidence threshold,
// persisted only while the base token is WARM or HOT.
type SwapEventFull struct {
	Signature   string   `msgpack:"signature" json:"signature"`
	Slot        uint64   `msgpack:"slot" json:"slot"`
	BlockTime   int64    `msgpack:"block_time" json:"block_time"`
	Venue       string   `msgpack:"venue" json:"venue"`
	UserWallet  string   `msgpack:"user_wallet" json:"user_wallet"`
	Side        SwapSide `msgpack:"side" json:"side"`
	BaseMint    string   `msgpack:"base_mint" json:"base_mint"`
	BaseAmount  int64    `msgpack:"base_amount" json:"base_amount"`
	QuoteMint   string   `msgpack:"quote_mint" json:"quote_mint"`
	QuoteAmount int64    `msgpack:"quote_amount" json:"quote_amount"`
	Confidence  float64  `msgpack:"confidence" json:"confidence"`
	RouteDepth  int      `msgpack:"route_depth" json:"route_depth"`
}

// SwapCandidate is the intermediate per-wallet inference result before a
// full event is assembled.
type SwapCandidate struct {
	UserWallet  string
	Side        SwapSide
	BaseMint    string
	BaseAmount  int64
	QuoteMint   string
	QuoteAmount int64
	Confidence  float64
}

// QuoteAmountSol converts the quote leg to SOL. Non-SOL quotes (USDC/USDT,
// 6 decimals) are passed through at face value; callers treat the result as
// a volume proxy either way.
func (s *SwapEventFull) QuoteAmountSol() float64 {
	if s.QuoteMint == WSOLMint {
		return float64(s.QuoteAmount) / 1e9
	}
	return float64(s.QuoteAmount) / 1e6
}

func (e *MintTouchedEvent) Marshal() ([]byte, error) {
	return msgpack.Marshal(e)
}

func UnmarshalMintTouched(data []byte) (*MintTouchedEvent, error) {
	var e MintTouchedEvent
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *TxDeltaRecord) Marshal() ([]byte, error) {
	return msgpack.Marshal(r)
}

func UnmarshalTxDelta(data []byte) (*TxDeltaRecord, error) {
	var r TxDeltaRecord
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SwapEventFull) Marshal() ([]byte, error) {
	return msgpack.Marshal(s)
}

func UnmarshalSwapEvent(data []byte) (*SwapEventFull, error) {
	var s SwapEventFull
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// TouchedMints collects the distinct mints across both balance tables.
func (t *RawTransaction) TouchedMints() []string {
	seen := make(map[string]struct{})
	for _, b := range t.PreTokenBalances {
		seen[b.Mint] = struct{}{}
	}
	for _, b := range t.PostTokenBalances {
		seen[b.Mint] = struct{}{}
	}
	mints := make([]string, 0, len(seen))
	for m := range seen {
		mints = append(mints, m)
	}
	return mints
}
