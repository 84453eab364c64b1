package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// TokenSupply is the mint's raw supply and decimal count.
type TokenSupply struct {
	Supply   int64
	Decimals int
}

// TokenMetadata is the displayable identity of a token.
type TokenMetadata struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	Image  string `json:"image"`
}

// SignatureInfo is one row of a wallet's signature history.
type SignatureInfo struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	Failed    bool   `json:"-"`
}

// FundingHop is one step of a funding trace.
type FundingHop struct {
	Hop       int    `json:"hop"`
	Funder    string `json:"funder"`
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
}

// FundingTrace is the resolved funding chain for a wallet.
type FundingTrace struct {
	Wallet         string       `json:"wallet"`
	Chain          []FundingHop `json:"chain"`
	UltimateFunder string       `json:"ultimate_funder"`
	Hops           int          `json:"hops"`
}

// RPCClient talks to the chain RPC provider under the credit budget. A
// circuit breaker stops hammering a failing endpoint, and a small
// semaphore caps in-flight calls.
type RPCClient struct {
	endpoint     string
	metaEndpoint string
	httpClient   *http.Client
	credits      *CreditBucket
	breaker      *CircuitBreaker
	sem          chan struct{}

	requestSeq atomic.Int64
	requests   atomic.Int64
	errors     atomic.Int64
	skipped    atomic.Int64
}

func NewRPCClient(endpoint, metaEndpoint string, credits *CreditBucket) *RPCClient {
	return &RPCClient{
		endpoint:     endpoint,
		metaEndpoint: metaEndpoint,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		credits:      credits,
		breaker:      NewCircuitBreaker("rpc", 5, 30*time.Second),
		sem:          make(chan struct{}, 5),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call runs one JSON-RPC method, debiting the budget first. A nil result
// with nil error means the call was skipped for budget or breaker.
func (c *RPCClient) call(ctx context.Context, method string, params []any, credits int64) (json.RawMessage, error) {
	if !c.credits.Spend(credits) {
		c.skipped.Add(1)
		log.Printf("[RPC] Credit budget exceeded, skipping %s", method)
		return nil, nil
	}
	if c.breaker.IsOpen() {
		c.skipped.Add(1)
		return nil, nil
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.requests.Add(1)
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestSeq.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.errors.Add(1)
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.errors.Add(1)
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("%s: status %d", method, resp.StatusCode)
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.errors.Add(1)
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if out.Error != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("%s: rpc error %d: %s", method, out.Error.Code, out.Error.Message)
	}
	c.breaker.RecordSuccess()
	return out.Result, nil
}

// TokenSupply fetches the raw supply and decimals for a mint.
func (c *RPCClient) TokenSupply(ctx context.Context, mint string) (*TokenSupply, error) {
	raw, err := c.call(ctx, "getTokenSupply", []any{mint}, CostAccountInfo)
	if err != nil || raw == nil {
		return nil, err
	}
	var result struct {
		Value struct {
			Amount   string `json:"amount"`
			Decimals int    `json:"decimals"`
		} `json:"value"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode token supply: %w", err)
	}
	supply, err := strconv.ParseInt(result.Value.Amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse supply %q: %w", result.Value.Amount, err)
	}
	return &TokenSupply{Supply: supply, Decimals: result.Value.Decimals}, nil
}

// FreeTokenMetadata asks the free metadata endpoint. No credit cost;
// failures are soft.
func (c *RPCClient) FreeTokenMetadata(ctx context.Context, mint string) (*TokenMetadata, error) {
	if c.metaEndpoint == "" {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.metaEndpoint+"/tokens/"+mint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata endpoint status %d", resp.StatusCode)
	}
	var meta TokenMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// AssetMetadata asks the provider's asset API, which resolves brand-new
// launchpad tokens the free endpoint misses. Costs transaction-tier
// credits.
func (c *RPCClient) AssetMetadata(ctx context.Context, mint string) (*TokenMetadata, error) {
	raw, err := c.call(ctx, "getAsset", []any{map[string]any{"id": mint}}, CostTransaction)
	if err != nil || raw == nil {
		return nil, err
	}
	var result struct {
		Content struct {
			Metadata struct {
				Name   string `json:"name"`
				Symbol string `json:"symbol"`
			} `json:"metadata"`
			Links struct {
				Image string `json:"image"`
			} `json:"links"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode asset: %w", err)
	}
	return &TokenMetadata{
		Name:   result.Content.Metadata.Name,
		Symbol: result.Content.Metadata.Symbol,
		Image:  result.Content.Links.Image,
	}, nil
}

// Signatures fetches a wallet's recent signature history.
func (c *RPCClient) Signatures(ctx context.Context, address string, limit int) ([]SignatureInfo, error) {
	raw, err := c.call(ctx, "getSignaturesForAddress",
		[]any{address, map[string]any{"limit": limit}}, CostSignatures)
	if err != nil || raw == nil {
		return nil, err
	}
	var rows []struct {
		Signature string          `json:"signature"`
		Slot      uint64          `json:"slot"`
		Err       json.RawMessage `json:"err"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode signatures: %w", err)
	}
	out := make([]SignatureInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, SignatureInfo{
			Signature: r.Signature,
			Slot:      r.Slot,
			Failed:    len(r.Err) > 0 && string(r.Err) != "null",
		})
	}
	return out, nil
}

// transactionDetail is the slice of a transaction the funding trace needs.
type transactionDetail struct {
	AccountKeys  []string
	PreBalances  []int64
	PostBalances []int64
}

func (c *RPCClient) transaction(ctx context.Context, signature string) (*transactionDetail, error) {
	raw, err := c.call(ctx, "getTransaction",
		[]any{signature, map[string]any{"encoding": "jsonParsed", "maxSupportedTransactionVersion": 0}},
		CostTransaction)
	if err != nil || raw == nil {
		return nil, err
	}
	var result struct {
		Meta struct {
			PreBalances  []int64 `json:"preBalances"`
			PostBalances []int64 `json:"postBalances"`
		} `json:"meta"`
		Transaction struct {
			Message struct {
				AccountKeys []json.RawMessage `json:"accountKeys"`
			} `json:"message"`
		} `json:"transaction"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}

	detail := &transactionDetail{
		PreBalances:  result.Meta.PreBalances,
		PostBalances: result.Meta.PostBalances,
	}
	// accountKeys arrive either as plain strings or {pubkey: ...} objects
	// depending on encoding.
	for _, k := range result.Transaction.Message.AccountKeys {
		var s string
		if err := json.Unmarshal(k, &s); err == nil {
			detail.AccountKeys = append(detail.AccountKeys, s)
			continue
		}
		var obj struct {
			Pubkey string `json:"pubkey"`
		}
		if err := json.Unmarshal(k, &obj); err == nil {
			detail.AccountKeys = append(detail.AccountKeys, obj.Pubkey)
		}
	}
	return detail, nil
}

// TraceFunding walks a wallet's funding source up to maxHops levels. A
// nil trace with nil error means nothing could be resolved within the
// budget.
func (c *RPCClient) TraceFunding(ctx context.Context, wallet string, maxHops int) (*FundingTrace, error) {
	if !c.credits.CanSpend(CostSignatures * int64(maxHops)) {
		c.skipped.Add(1)
		return nil, nil
	}

	current := wallet
	var chain []FundingHop
	for hop := 0; hop < maxHops; hop++ {
		sigs, err := c.Signatures(ctx, current, 5)
		if err != nil || len(sigs) == 0 {
			break
		}
		// Oldest first: the earliest successful transfer is the likely
		// funding deposit.
		var funder string
		var via SignatureInfo
		for i := len(sigs) - 1; i >= 0; i-- {
			if sigs[i].Failed {
				continue
			}
			tx, err := c.transaction(ctx, sigs[i].Signature)
			if err != nil || tx == nil {
				continue
			}
			if f := extractFunder(tx, current); f != "" && f != current {
				funder, via = f, sigs[i]
				break
			}
		}
		if funder == "" {
			break
		}
		chain = append(chain, FundingHop{
			Hop:       hop + 1,
			Funder:    funder,
			Signature: via.Signature,
			Slot:      via.Slot,
		})
		current = funder
	}

	if len(chain) == 0 {
		return nil, nil
	}
	return &FundingTrace{
		Wallet:         wallet,
		Chain:          chain,
		UltimateFunder: chain[len(chain)-1].Funder,
		Hops:           len(chain),
	}, nil
}

// extractFunder finds the account whose lamports decreased while the
// recipient's increased.
func extractFunder(tx *transactionDetail, recipient string) string {
	recipientIdx := -1
	for i, key := range tx.AccountKeys {
		if key == recipient {
			recipientIdx = i
			break
		}
	}
	if recipientIdx < 0 ||
		recipientIdx >= len(tx.PreBalances) || recipientIdx >= len(tx.PostBalances) {
		return ""
	}
	if tx.PostBalances[recipientIdx] <= tx.PreBalances[recipientIdx] {
		return ""
	}
	for j, key := range tx.AccountKeys {
		if j == recipientIdx || j >= len(tx.PreBalances) || j >= len(tx.PostBalances) {
			continue
		}
		if tx.PreBalances[j] > tx.PostBalances[j] {
			return key
		}
	}
	return ""
}

// IsDegraded reports whether enrichment should advertise reduced quality.
func (c *RPCClient) IsDegraded() bool {
	return c.credits.IsDegraded() || c.breaker.IsOpen()
}

// RPCStats reports request counters and budget state.
func (c *RPCClient) RPCStats() map[string]any {
	reqs := c.requests.Load()
	errs := c.errors.Load()
	rate := 0.0
	if reqs > 0 {
		rate = float64(errs) / float64(reqs) * 100
	}
	return map[string]any{
		"requests":       reqs,
		"errors":         errs,
		"skipped":        c.skipped.Load(),
		"error_rate_pct": rate,
		"credits":        c.credits.CreditStats(),
		"breaker":        c.breaker.BreakerStats(),
	}
}
