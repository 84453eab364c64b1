package models

import "time"

// TokenState is the monitoring tier of a token.
type TokenState string

const (
	StateCold TokenState = "cold" // aggregates only
	StateWarm TokenState = "warm" // per-swap events retained
	StateHot  TokenState = "hot"  // full enrichment + clustering
)

// TokenProfile tracks a token's monitoring tier and aggregate stats.
type TokenProfile struct {
	Mint  string     `json:"mint"`
	State TokenState `json:"state"`

	FirstSeen   *time.Time `json:"first_seen,omitempty"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	BecameHotAt *time.Time `json:"became_hot_at,omitempty"`

	TotalBuys      int64   `json:"total_buys"`
	TotalSells     int64   `json:"total_sells"`
	TotalVolumeSol float64 `json:"total_volume_sol"`
	UniqueBuyers   int64   `json:"unique_buyers"`
	UniqueSellers  int64   `json:"unique_sellers"`

	TriggerReason string `json:"trigger_reason,omitempty"`

	// Metadata resolved once the token goes hot.
	Name     string `json:"name,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Decimals int    `json:"decimals"`
}

// WalletProfile tracks per-wallet activity, cluster membership and funding.
type WalletProfile struct {
	Address string `json:"address"`

	FirstSeen *time.Time `json:"first_seen,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`

	TotalBuys      int64    `json:"total_buys"`
	TotalSells     int64    `json:"total_sells"`
	TotalVolumeSol float64  `json:"total_volume_sol"`
	TokensTraded   []string `json:"tokens_traded,omitempty"`

	ClusterID   string `json:"cluster_id,omitempty"`
	ClusterSize int    `json:"cluster_size"`

	FundedBy         string  `json:"funded_by,omitempty"`
	FundingAmountSol float64 `json:"funding_amount_sol,omitempty"`
	FundingHop       int     `json:"funding_hop"` // 0 = direct funder

	IsNewWallet bool    `json:"is_new_wallet"`
	CabalScore  float64 `json:"cabal_score"`
}

// TopBuyer is one entry of an alert's top-buyer table.
type TopBuyer struct {
	Wallet    string  `json:"wallet"`
	VolumeSol float64 `json:"volume_sol"`
	Buys      int64   `json:"buys"`
}

// Alert is the assembled output of a fired trigger plus whatever enrichment
// completed before dispatch.
type Alert struct {
	ID string `json:"id"`

	Mint        string `json:"mint"`
	TokenName   string `json:"token_name,omitempty"`
	TokenSymbol string `json:"token_symbol,omitempty"`
	TokenImage  string `json:"token_image,omitempty"`

	TriggerName   string `json:"trigger_name"`
	TriggerReason string `json:"trigger_reason"`

	BuyCount5m     int64   `json:"buy_count_5m"`
	UniqueBuyers5m int64   `json:"unique_buyers_5m"`
	VolumeSol5m    float64 `json:"volume_sol_5m"`
	BuySellRatio5m float64 `json:"buy_sell_ratio_5m"`

	TopBuyers          []TopBuyer `json:"top_buyers,omitempty"`
	ClusterSummary     string     `json:"cluster_summary,omitempty"`
	CabalScore         float64    `json:"cabal_score,omitempty"`
	ScoreEvidence      []string   `json:"score_evidence,omitempty"`
	EnrichmentDegraded bool       `json:"enrichment_degraded"`

	PriceSol    float64 `json:"price_sol,omitempty"`
	McapSol     float64 `json:"mcap_sol,omitempty"`
	TokenSupply int64   `json:"token_supply,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	DiscordSent  bool `json:"discord_sent"`
	TelegramSent bool `json:"telegram_sent"`
}
