package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rawblock/cabal-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside the runtime image without shipping the .sql file.
//
//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for profile storage")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Cabal engine schema initialized")
	return nil
}

// GetPool exposes the connection pool for subsystems that batch their own
// queries.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}

// UpsertTokenProfile writes a token profile, merging aggregates additively
// so concurrent writers never lose counts.
func (s *PostgresStore) UpsertTokenProfile(ctx context.Context, p *models.TokenProfile) error {
	sql := `
		INSERT INTO token_profiles
			(mint, state, first_seen, last_seen, became_hot_at,
			 total_buys, total_sells, total_volume_sol, unique_buyers, unique_sellers,
			 trigger_reason, name, symbol, decimals)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (mint) DO UPDATE SET
			state = EXCLUDED.state,
			last_seen = EXCLUDED.last_seen,
			became_hot_at = COALESCE(EXCLUDED.became_hot_at, token_profiles.became_hot_at),
			total_buys = token_profiles.total_buys + EXCLUDED.total_buys,
			total_sells = token_profiles.total_sells + EXCLUDED.total_sells,
			total_volume_sol = token_profiles.total_volume_sol + EXCLUDED.total_volume_sol,
			unique_buyers = GREATEST(token_profiles.unique_buyers, EXCLUDED.unique_buyers),
			unique_sellers = GREATEST(token_profiles.unique_sellers, EXCLUDED.unique_sellers),
			trigger_reason = COALESCE(NULLIF(EXCLUDED.trigger_reason, ''), token_profiles.trigger_reason),
			name = COALESCE(NULLIF(EXCLUDED.name, ''), token_profiles.name),
			symbol = COALESCE(NULLIF(EXCLUDED.symbol, ''), token_profiles.symbol);
	`
	_, err := s.pool.Exec(ctx, sql,
		p.Mint, string(p.State), p.FirstSeen, p.LastSeen, p.BecameHotAt,
		p.TotalBuys, p.TotalSells, p.TotalVolumeSol, p.UniqueBuyers, p.UniqueSellers,
		p.TriggerReason, p.Name, p.Symbol, p.Decimals)
	return err
}

// GetTokenProfile loads a token profile, nil when absent.
func (s *PostgresStore) GetTokenProfile(ctx context.Context, mint string) (*models.TokenProfile, error) {
	sql := `
		SELECT mint, state, first_seen, last_seen, became_hot_at,
		       total_buys, total_sells, total_volume_sol, unique_buyers, unique_sellers,
		       COALESCE(trigger_reason, ''), COALESCE(name, ''), COALESCE(symbol, ''), decimals
		FROM token_profiles WHERE mint = $1;
	`
	var p models.TokenProfile
	var state string
	err := s.pool.QueryRow(ctx, sql, mint).Scan(
		&p.Mint, &state, &p.FirstSeen, &p.LastSeen, &p.BecameHotAt,
		&p.TotalBuys, &p.TotalSells, &p.TotalVolumeSol, &p.UniqueBuyers, &p.UniqueSellers,
		&p.TriggerReason, &p.Name, &p.Symbol, &p.Decimals)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.State = models.TokenState(state)
	return &p, nil
}

// UpsertWalletProfile writes a wallet profile with additive aggregates and
// a set-merge on tokens_traded.
func (s *PostgresStore) UpsertWalletProfile(ctx context.Context, p *models.WalletProfile) error {
	sql := `
		INSERT INTO wallet_profiles
			(address, first_seen, last_seen, total_buys, total_sells, total_volume_sol,
			 tokens_traded, cluster_id, cluster_size, funded_by, funding_amount_sol,
			 funding_hop, is_new_wallet, cabal_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (address) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			total_buys = wallet_profiles.total_buys + EXCLUDED.total_buys,
			total_sells = wallet_profiles.total_sells + EXCLUDED.total_sells,
			total_volume_sol = wallet_profiles.total_volume_sol + EXCLUDED.total_volume_sol,
			tokens_traded = ARRAY(SELECT DISTINCT unnest(wallet_profiles.tokens_traded || EXCLUDED.tokens_traded)),
			cluster_id = COALESCE(NULLIF(EXCLUDED.cluster_id, ''), wallet_profiles.cluster_id),
			cluster_size = GREATEST(wallet_profiles.cluster_size, EXCLUDED.cluster_size),
			funded_by = COALESCE(NULLIF(EXCLUDED.funded_by, ''), wallet_profiles.funded_by),
			funding_amount_sol = COALESCE(EXCLUDED.funding_amount_sol, wallet_profiles.funding_amount_sol),
			funding_hop = EXCLUDED.funding_hop,
			is_new_wallet = wallet_profiles.is_new_wallet OR EXCLUDED.is_new_wallet,
			cabal_score = GREATEST(wallet_profiles.cabal_score, EXCLUDED.cabal_score);
	`
	_, err := s.pool.Exec(ctx, sql,
		p.Address, p.FirstSeen, p.LastSeen, p.TotalBuys, p.TotalSells, p.TotalVolumeSol,
		p.TokensTraded, p.ClusterID, p.ClusterSize, p.FundedBy, nilIfZero(p.FundingAmountSol),
		p.FundingHop, p.IsNewWallet, p.CabalScore)
	return err
}

func nilIfZero(f float64) *float64 {
	if f == 0 {
		return nil
	}
	return &f
}

// SaveSwapEvents batch-inserts swap events, ignoring replays of the same
// (signature, mint) pair so backfill stays at-most-once.
func (s *PostgresStore) SaveSwapEvents(ctx context.Context, events []*models.SwapEventFull) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	sql := `
		INSERT INTO swap_events
			(signature, base_mint, slot, block_time, venue, user_wallet, side,
			 base_amount, quote_mint, quote_amount, confidence, route_depth)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (signature, base_mint) DO NOTHING;
	`
	for _, e := range events {
		batch.Queue(sql, e.Signature, e.BaseMint, int64(e.Slot), e.BlockTime, e.Venue,
			e.UserWallet, string(e.Side), e.BaseAmount, e.QuoteMint, e.QuoteAmount,
			e.Confidence, e.RouteDepth)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert swap event: %v", err)
		}
	}
	return nil
}

// RecentSwaps returns the newest swaps for a mint, newest first.
func (s *PostgresStore) RecentSwaps(ctx context.Context, mint string, limit int) ([]*models.SwapEventFull, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	sql := `
		SELECT signature, base_mint, slot, block_time, venue, user_wallet, side,
		       base_amount, quote_mint, quote_amount, confidence, route_depth
		FROM swap_events
		WHERE base_mint = $1
		ORDER BY block_time DESC
		LIMIT $2;
	`
	rows, err := s.pool.Query(ctx, sql, mint, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SwapEventFull
	for rows.Next() {
		var e models.SwapEventFull
		var side string
		var slot int64
		if err := rows.Scan(&e.Signature, &e.BaseMint, &slot, &e.BlockTime, &e.Venue,
			&e.UserWallet, &side, &e.BaseAmount, &e.QuoteMint, &e.QuoteAmount,
			&e.Confidence, &e.RouteDepth); err != nil {
			return nil, err
		}
		e.Slot = uint64(slot)
		e.Side = models.SwapSide(side)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// SaveAlert persists an alert row.
func (s *PostgresStore) SaveAlert(ctx context.Context, a *models.Alert) error {
	topBuyers, err := json.Marshal(a.TopBuyers)
	if err != nil {
		return err
	}
	sql := `
		INSERT INTO alerts
			(id, mint, token_name, token_symbol, trigger_name, trigger_reason,
			 buy_count_5m, unique_buyers_5m, volume_sol_5m, buy_sell_ratio_5m,
			 top_buyers, cluster_summary, cabal_score, score_evidence,
			 enrichment_degraded, price_sol, mcap_sol, token_supply, created_at,
			 discord_sent, telegram_sent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21);
	`
	_, err = s.pool.Exec(ctx, sql,
		a.ID, a.Mint, a.TokenName, a.TokenSymbol, a.TriggerName, a.TriggerReason,
		a.BuyCount5m, a.UniqueBuyers5m, a.VolumeSol5m, a.BuySellRatio5m,
		topBuyers, a.ClusterSummary, nilIfZero(a.CabalScore), a.ScoreEvidence,
		a.EnrichmentDegraded, nilIfZero(a.PriceSol), nilIfZero(a.McapSol),
		nilIfZeroInt(a.TokenSupply), a.CreatedAt, a.DiscordSent, a.TelegramSent)
	return err
}

func nilIfZeroInt(n int64) *int64 {
	if n == 0 {
		return nil
	}
	return &n
}

// MarkAlertDelivered records per-channel delivery.
func (s *PostgresStore) MarkAlertDelivered(ctx context.Context, id string, discord, telegram bool) error {
	sql := `
		UPDATE alerts SET
			discord_sent = discord_sent OR $2,
			telegram_sent = telegram_sent OR $3
		WHERE id = $1;
	`
	_, err := s.pool.Exec(ctx, sql, id, discord, telegram)
	return err
}

// RecentAlerts returns the newest alerts for the observability API.
func (s *PostgresStore) RecentAlerts(ctx context.Context, limit int) ([]*models.Alert, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	sql := `
		SELECT id, mint, COALESCE(token_name, ''), COALESCE(token_symbol, ''),
		       trigger_name, trigger_reason, buy_count_5m, unique_buyers_5m,
		       volume_sol_5m, buy_sell_ratio_5m, top_buyers,
		       COALESCE(cluster_summary, ''), COALESCE(cabal_score, 0),
		       score_evidence, enrichment_degraded, COALESCE(price_sol, 0),
		       COALESCE(mcap_sol, 0), COALESCE(token_supply, 0), created_at,
		       discord_sent, telegram_sent
		FROM alerts
		ORDER BY created_at DESC
		LIMIT $1;
	`
	rows, err := s.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]*models.Alert, 0)
	for rows.Next() {
		var a models.Alert
		var topBuyers []byte
		if err := rows.Scan(&a.ID, &a.Mint, &a.TokenName, &a.TokenSymbol,
			&a.TriggerName, &a.TriggerReason, &a.BuyCount5m, &a.UniqueBuyers5m,
			&a.VolumeSol5m, &a.BuySellRatio5m, &topBuyers,
			&a.ClusterSummary, &a.CabalScore, &a.ScoreEvidence,
			&a.EnrichmentDegraded, &a.PriceSol, &a.McapSol, &a.TokenSupply,
			&a.CreatedAt, &a.DiscordSent, &a.TelegramSent); err != nil {
			return nil, err
		}
		if len(topBuyers) > 0 {
			_ = json.Unmarshal(topBuyers, &a.TopBuyers)
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// SaveFundingEdge upserts one funding trace edge.
func (s *PostgresStore) SaveFundingEdge(ctx context.Context, funder, funded string, amountSol float64, hop int) error {
	sql := `
		INSERT INTO funding_edges (funder, funded, amount_sol, hop, traced_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (funder, funded) DO UPDATE SET
			amount_sol = EXCLUDED.amount_sol,
			hop = EXCLUDED.hop,
			traced_at = NOW();
	`
	_, err := s.pool.Exec(ctx, sql, funder, funded, amountSol, hop)
	return err
}

// FundingEdgesFor loads the known funding edges touching any of the
// wallets, for cluster seeding.
func (s *PostgresStore) FundingEdgesFor(ctx context.Context, wallets []string) (map[string]string, error) {
	if len(wallets) == 0 {
		return map[string]string{}, nil
	}
	sql := `SELECT funder, funded FROM funding_edges WHERE funded = ANY($1);`
	rows, err := s.pool.Query(ctx, sql, wallets)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	edges := map[string]string{}
	for rows.Next() {
		var funder, funded string
		if err := rows.Scan(&funder, &funded); err != nil {
			return nil, err
		}
		edges[funded] = funder
	}
	return edges, rows.Err()
}

// FundingEdge is one persisted funder->funded relationship.
type FundingEdge struct {
	Funder string
	Funded string
	Hop    int
}

// AllFundingEdges loads every persisted funding edge, for rebuilding the
// cluster graph at startup.
func (s *PostgresStore) AllFundingEdges(ctx context.Context) ([]FundingEdge, error) {
	rows, err := s.pool.Query(ctx, `SELECT funder, funded, hop FROM funding_edges;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []FundingEdge
	for rows.Next() {
		var e FundingEdge
		if err := rows.Scan(&e.Funder, &e.Funded, &e.Hop); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// UpdateWalletCluster stamps cluster membership onto a wallet profile.
func (s *PostgresStore) UpdateWalletCluster(ctx context.Context, address, clusterID string, clusterSize int) error {
	sql := `
		INSERT INTO wallet_profiles (address, first_seen, last_seen, cluster_id, cluster_size)
		VALUES ($1, NOW(), NOW(), $2, $3)
		ON CONFLICT (address) DO UPDATE SET
			cluster_id = EXCLUDED.cluster_id,
			cluster_size = EXCLUDED.cluster_size;
	`
	_, err := s.pool.Exec(ctx, sql, address, clusterID, clusterSize)
	return err
}

// GetWalletProfile loads one wallet profile, nil when absent.
func (s *PostgresStore) GetWalletProfile(ctx context.Context, address string) (*models.WalletProfile, error) {
	sql := `
		SELECT address, first_seen, last_seen, total_buys, total_sells, total_volume_sol,
		       tokens_traded, COALESCE(cluster_id, ''), cluster_size, COALESCE(funded_by, ''),
		       COALESCE(funding_amount_sol, 0), funding_hop, is_new_wallet, cabal_score
		FROM wallet_profiles WHERE address = $1;
	`
	var p models.WalletProfile
	err := s.pool.QueryRow(ctx, sql, address).Scan(
		&p.Address, &p.FirstSeen, &p.LastSeen, &p.TotalBuys, &p.TotalSells, &p.TotalVolumeSol,
		&p.TokensTraded, &p.ClusterID, &p.ClusterSize, &p.FundedBy,
		&p.FundingAmountSol, &p.FundingHop, &p.IsNewWallet, &p.CabalScore)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DominantVenue returns the most common venue among a token's recent
// swaps, empty when none are stored.
func (s *PostgresStore) DominantVenue(ctx context.Context, mint string) (string, error) {
	sql := `
		SELECT venue FROM swap_events
		WHERE base_mint = $1 AND venue <> ''
		GROUP BY venue
		ORDER BY COUNT(*) DESC
		LIMIT 1;
	`
	var venue string
	err := s.pool.QueryRow(ctx, sql, mint).Scan(&venue)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return venue, nil
}

// LatestSwapPrice derives a token's latest per-unit SOL price from its
// newest WSOL-quoted swap, bounded by a short deadline so alert assembly
// never stalls on the database.
func (s *PostgresStore) LatestSwapPrice(ctx context.Context, mint string) (float64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	sql := `
		SELECT quote_amount, base_amount
		FROM swap_events
		WHERE base_mint = $1 AND quote_mint = $2 AND base_amount > 0
		ORDER BY block_time DESC
		LIMIT 1;
	`
	var quoteAmt, baseAmt int64
	err := s.pool.QueryRow(ctx, sql, mint, models.WSOLMint).Scan(&quoteAmt, &baseAmt)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	price := (float64(quoteAmt) / 1e9) / float64(baseAmt)
	return price, true, nil
}
