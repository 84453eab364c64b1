// Package store wraps the Redis surface of the engine: the durable ingest
// stream, signature dedup, rolling counters, the HOT token index, mcap
// cache, config hot-reload pubsub and unknown-program discovery.
package store

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamMessage is one entry read from the ingest stream.
type StreamMessage struct {
	ID   string
	Data []byte
}

// RollingStats is the aggregate view over one counter window.
type RollingStats struct {
	BuyCount      int64   `json:"buy_count"`
	SellCount     int64   `json:"sell_count"`
	VolumeSol     float64 `json:"volume_sol"`
	UniqueBuyers  int64   `json:"unique_buyers"`
	UniqueSellers int64   `json:"unique_sellers"`
	BuySellRatio  float64 `json:"buy_sell_ratio"` // +Inf when sells=0, buys>0
	AvgBuySize    float64 `json:"avg_buy_size"`
}

// TopBuyer is a wallet ranked by buy volume inside the short window.
type TopBuyer struct {
	Wallet    string  `json:"wallet"`
	VolumeSol float64 `json:"volume_sol"`
	Buys      int64   `json:"buys"`
}

// Options carries the tunables the store needs.
type Options struct {
	StreamKey        string
	ConsumerGroup    string
	StreamMaxLen     int64
	DedupTTL         time.Duration
	BucketShort      time.Duration
	BucketLong       time.Duration
	WindowShort      time.Duration
	WindowLong       time.Duration
	NewWalletHorizon time.Duration
}

// Store is the Redis-backed state layer.
type Store struct {
	rdb  *redis.Client
	opts Options
	now  func() time.Time
}

// Connect opens the client and ensures the consumer group exists.
func Connect(ctx context.Context, url string, opts Options) (*Store, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(ropts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	s := &Store{rdb: rdb, opts: opts, now: time.Now}
	if err := s.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.opts.StreamKey, s.opts.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	if err == nil {
		log.Printf("[Store] Created consumer group %s on %s", s.opts.ConsumerGroup, s.opts.StreamKey)
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Client exposes the raw client for components that pipeline their own
// writes (the batch consumer).
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// ---- Stream operations ----

// PushToStream appends a raw transaction payload. The stream is capped
// approximately so XADD stays O(1).
func (s *Store) PushToStream(ctx context.Context, payload []byte) (string, error) {
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.opts.StreamKey,
		MaxLen: s.opts.StreamMaxLen,
		Approx: true,
		Values: map[string]any{"data": payload},
	}).Result()
}

// ReadGroup blocks up to block for new entries delivered to consumer.
func (s *Store) ReadGroup(ctx context.Context, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.opts.ConsumerGroup,
		Consumer: consumer,
		Streams:  []string{s.opts.StreamKey, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return flattenStreams(res), nil
}

// ClaimStale takes over entries another consumer left pending for longer
// than minIdle, so a crashed worker's batch is not lost.
func (s *Store) ClaimStale(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]StreamMessage, error) {
	pending, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.opts.StreamKey,
		Group:  s.opts.ConsumerGroup,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil || len(pending) == 0 {
		return nil, err
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	msgs, err := s.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.opts.StreamKey,
		Group:    s.opts.ConsumerGroup,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]StreamMessage, 0, len(msgs))
	for _, m := range msgs {
		if data, ok := m.Values["data"].(string); ok {
			out = append(out, StreamMessage{ID: m.ID, Data: []byte(data)})
		}
	}
	return out, nil
}

func flattenStreams(res []redis.XStream) []StreamMessage {
	var out []StreamMessage
	for _, stream := range res {
		for _, m := range stream.Messages {
			if data, ok := m.Values["data"].(string); ok {
				out = append(out, StreamMessage{ID: m.ID, Data: []byte(data)})
			}
		}
	}
	return out
}

// Ack acknowledges processed entries.
func (s *Store) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.rdb.XAck(ctx, s.opts.StreamKey, s.opts.ConsumerGroup, ids...).Err()
}

// StreamLen returns the current stream length.
func (s *Store) StreamLen(ctx context.Context) (int64, error) {
	return s.rdb.XLen(ctx, s.opts.StreamKey).Result()
}

// ConsumerLag derives the group's lag as the delta between the stream's
// last generated entry id and the group's last delivered id, both of
// which carry a millisecond timestamp prefix.
func (s *Store) ConsumerLag(ctx context.Context) (time.Duration, error) {
	info, err := s.rdb.XInfoStream(ctx, s.opts.StreamKey).Result()
	if err != nil {
		return 0, err
	}
	groups, err := s.rdb.XInfoGroups(ctx, s.opts.StreamKey).Result()
	if err != nil {
		return 0, err
	}
	for _, g := range groups {
		if g.Name == s.opts.ConsumerGroup {
			lastGen := idMillis(info.LastGeneratedID)
			delivered := idMillis(g.LastDeliveredID)
			if lastGen > delivered {
				return time.Duration(lastGen-delivered) * time.Millisecond, nil
			}
			return 0, nil
		}
	}
	return 0, nil
}

func idMillis(id string) int64 {
	dash := strings.IndexByte(id, '-')
	if dash > 0 {
		id = id[:dash]
	}
	ms, _ := strconv.ParseInt(id, 10, 64)
	return ms
}

// ---- Dedup ----

// IsDuplicate atomically claims a signature. True means some consumer
// already claimed it inside the dedup TTL.
func (s *Store) IsDuplicate(ctx context.Context, signature string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, "sig:"+signature, "1", s.opts.DedupTTL).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// ---- Rolling counters ----

// BucketKey derives the time-bucketed counter key for a metric.
func BucketKey(metric, mint string, bucket time.Duration, now time.Time) string {
	secs := int64(bucket / time.Second)
	n := now.Unix() / secs
	return fmt.Sprintf("%s:%ds:%d:%s", metric, secs, n, mint)
}

// IncrementCounters records one accepted swap across both windows. All
// writes go through a single pipeline.
func (s *Store) IncrementCounters(ctx context.Context, mint, wallet string, quoteSol float64, isBuy bool) error {
	pipe := s.rdb.Pipeline()
	s.QueueCounters(ctx, pipe, mint, wallet, quoteSol, isBuy, 1)
	_, err := pipe.Exec(ctx)
	return err
}

// QueueCounters queues the counter updates for `count` swaps of identical
// (mint, wallet, side) shape onto an existing pipeline. The batch consumer
// uses this to coalesce a whole read batch into one round trip.
func (s *Store) QueueCounters(ctx context.Context, pipe redis.Pipeliner, mint, wallet string, quoteSol float64, isBuy bool, count int64) {
	now := s.now()
	metric, uniq := "sells", "sellers"
	if isBuy {
		metric, uniq = "buys", "buyers"
	}

	for _, w := range []struct {
		bucket time.Duration
		window time.Duration
	}{
		{s.opts.BucketShort, s.opts.WindowShort},
		{s.opts.BucketLong, s.opts.WindowLong},
	} {
		ttl := 3 * w.window

		k := BucketKey(metric, mint, w.bucket, now)
		pipe.IncrBy(ctx, k, count)
		pipe.Expire(ctx, k, ttl)

		h := BucketKey(uniq, mint, w.bucket, now)
		pipe.PFAdd(ctx, h, wallet)
		pipe.Expire(ctx, h, ttl)

		v := BucketKey("volume", mint, w.bucket, now)
		pipe.IncrByFloat(ctx, v, quoteSol)
		pipe.Expire(ctx, v, ttl)
	}

	if isBuy {
		// Per-wallet rank for concentration analysis. Sorted sets instead
		// of per-wallet string keys so reads never need a SCAN.
		zv := BucketKey("topbuy:vol", mint, s.opts.BucketShort, now)
		pipe.ZIncrBy(ctx, zv, quoteSol, wallet)
		pipe.Expire(ctx, zv, 3*s.opts.WindowShort)

		zc := BucketKey("topbuy:ct", mint, s.opts.BucketShort, now)
		pipe.ZIncrBy(ctx, zc, float64(count), wallet)
		pipe.Expire(ctx, zc, 3*s.opts.WindowShort)
	}

	pipe.SetNX(ctx, "wallet:first_seen:"+wallet, now.Unix(), s.opts.NewWalletHorizon)
}

// windowBuckets lists the bucket timestamps covering a window, newest first.
func (s *Store) windowBuckets(window, bucket time.Duration) []time.Time {
	n := int(window / bucket)
	if n < 1 {
		n = 1
	}
	now := s.now()
	out := make([]time.Time, n)
	for i := 0; i < n; i++ {
		out[i] = now.Add(-time.Duration(i) * bucket)
	}
	return out
}

// RollingStats aggregates the counters over the given window. Unique
// counts come from a PFCOUNT union over the window's HLL buckets.
func (s *Store) RollingStats(ctx context.Context, mint string, window time.Duration) (*RollingStats, error) {
	bucket := s.opts.BucketShort
	if window > s.opts.WindowShort {
		bucket = s.opts.BucketLong
	}
	buckets := s.windowBuckets(window, bucket)

	pipe := s.rdb.Pipeline()
	buyCmds := make([]*redis.StringCmd, len(buckets))
	sellCmds := make([]*redis.StringCmd, len(buckets))
	volCmds := make([]*redis.StringCmd, len(buckets))
	buyerKeys := make([]string, len(buckets))
	sellerKeys := make([]string, len(buckets))
	for i, ts := range buckets {
		buyCmds[i] = pipe.Get(ctx, BucketKey("buys", mint, bucket, ts))
		sellCmds[i] = pipe.Get(ctx, BucketKey("sells", mint, bucket, ts))
		volCmds[i] = pipe.Get(ctx, BucketKey("volume", mint, bucket, ts))
		buyerKeys[i] = BucketKey("buyers", mint, bucket, ts)
		sellerKeys[i] = BucketKey("sellers", mint, bucket, ts)
	}
	buyersCmd := pipe.PFCount(ctx, buyerKeys...)
	sellersCmd := pipe.PFCount(ctx, sellerKeys...)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	stats := &RollingStats{}
	for i := range buckets {
		stats.BuyCount += intOrZero(buyCmds[i])
		stats.SellCount += intOrZero(sellCmds[i])
		stats.VolumeSol += floatOrZero(volCmds[i])
	}
	stats.UniqueBuyers, _ = buyersCmd.Result()
	stats.UniqueSellers, _ = sellersCmd.Result()

	if stats.SellCount > 0 {
		stats.BuySellRatio = float64(stats.BuyCount) / float64(stats.SellCount)
	} else if stats.BuyCount > 0 {
		stats.BuySellRatio = infRatio
	}
	if stats.BuyCount > 0 {
		stats.AvgBuySize = stats.VolumeSol / float64(stats.BuyCount)
	}
	return stats, nil
}

// infRatio stands in for buys with zero sells. Kept finite so the value
// survives JSON encoding; the formatter renders it as "ALL BUYS".
const infRatio = 1e9

// IsAllBuys reports whether a ratio is the zero-sell sentinel.
func IsAllBuys(ratio float64) bool {
	return ratio >= infRatio
}

func intOrZero(cmd *redis.StringCmd) int64 {
	n, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return n
}

func floatOrZero(cmd *redis.StringCmd) float64 {
	f, err := cmd.Float64()
	if err != nil {
		return 0
	}
	return f
}

// TopBuyers merges the per-bucket rank sets over the short window and
// returns the top n wallets by buy volume.
func (s *Store) TopBuyers(ctx context.Context, mint string, n int) ([]TopBuyer, error) {
	buckets := s.windowBuckets(s.opts.WindowShort, s.opts.BucketShort)

	pipe := s.rdb.Pipeline()
	volCmds := make([]*redis.ZSliceCmd, len(buckets))
	for i, ts := range buckets {
		volCmds[i] = pipe.ZRevRangeWithScores(ctx, BucketKey("topbuy:vol", mint, s.opts.BucketShort, ts), 0, int64(4*n))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	volumes := map[string]float64{}
	for _, cmd := range volCmds {
		for _, z := range cmd.Val() {
			if w, ok := z.Member.(string); ok {
				volumes[w] += z.Score
			}
		}
	}

	wallets := make([]string, 0, len(volumes))
	for w := range volumes {
		wallets = append(wallets, w)
	}
	sort.Slice(wallets, func(i, j int) bool {
		if volumes[wallets[i]] != volumes[wallets[j]] {
			return volumes[wallets[i]] > volumes[wallets[j]]
		}
		return wallets[i] < wallets[j]
	})
	if len(wallets) > n {
		wallets = wallets[:n]
	}

	pipe = s.rdb.Pipeline()
	ctCmds := make([]*redis.FloatCmd, 0, len(wallets)*len(buckets))
	for _, ts := range buckets {
		key := BucketKey("topbuy:ct", mint, s.opts.BucketShort, ts)
		for _, w := range wallets {
			ctCmds = append(ctCmds, pipe.ZScore(ctx, key, w))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	counts := map[string]int64{}
	i := 0
	for range buckets {
		for _, w := range wallets {
			if v, err := ctCmds[i].Result(); err == nil {
				counts[w] += int64(v)
			}
			i++
		}
	}

	out := make([]TopBuyer, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, TopBuyer{Wallet: w, VolumeSol: volumes[w], Buys: counts[w]})
	}
	return out, nil
}

// WalletFirstSeen returns the unix time the wallet was first counted, or
// 0 when it is outside the tracking horizon.
func (s *Store) WalletFirstSeen(ctx context.Context, wallet string) (int64, error) {
	v, err := s.rdb.Get(ctx, "wallet:first_seen:"+wallet).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// ---- HOT token index ----

// MarkHot flags a mint as HOT for ttl and adds it to the index set.
func (s *Store) MarkHot(ctx context.Context, mint string, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, "hot:"+mint, "1", ttl)
	pipe.SAdd(ctx, "hot_tokens", mint)
	_, err := pipe.Exec(ctx)
	return err
}

// IsHot reports whether the mint's HOT flag is still live.
func (s *Store) IsHot(ctx context.Context, mint string) (bool, error) {
	n, err := s.rdb.Exists(ctx, "hot:"+mint).Result()
	return n > 0, err
}

// HotTokens returns the live HOT set, pruning expired members as a side
// effect.
func (s *Store) HotTokens(ctx context.Context) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, "hot_tokens").Result()
	if err != nil {
		return nil, err
	}
	var hot []string
	for _, mint := range members {
		live, err := s.IsHot(ctx, mint)
		if err != nil {
			return nil, err
		}
		if live {
			hot = append(hot, mint)
		} else {
			s.rdb.SRem(ctx, "hot_tokens", mint)
		}
	}
	return hot, nil
}

// ---- Market cap cache ----

func (s *Store) SetMcap(ctx context.Context, mint string, mcapSol, priceSol float64, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, "mcap:"+mint, strconv.FormatFloat(mcapSol, 'g', -1, 64), ttl)
	pipe.Set(ctx, "price:"+mint, strconv.FormatFloat(priceSol, 'g', -1, 64), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Mcap returns (mcapSol, priceSol, found).
func (s *Store) Mcap(ctx context.Context, mint string) (float64, float64, bool, error) {
	pipe := s.rdb.Pipeline()
	mcapCmd := pipe.Get(ctx, "mcap:"+mint)
	priceCmd := pipe.Get(ctx, "price:"+mint)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, false, err
	}
	mcap, err := mcapCmd.Float64()
	if err != nil {
		return 0, 0, false, nil
	}
	price, _ := priceCmd.Float64()
	return mcap, price, true, nil
}

// ---- Config hot reload ----

func (s *Store) GetConfig(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, "cfg:"+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return data, err
}

// SetConfig stores a config blob and notifies subscribers.
func (s *Store) SetConfig(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, "cfg:"+key, value, 0).Err(); err != nil {
		return err
	}
	return s.rdb.Publish(ctx, "cfg:reload", key).Err()
}

// SubscribeConfigReload invokes fn with the changed key until ctx ends.
func (s *Store) SubscribeConfigReload(ctx context.Context, fn func(key string)) {
	sub := s.rdb.Subscribe(ctx, "cfg:reload")
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(msg.Payload)
			}
		}
	}()
}

// ---- Stats snapshot ----

// PublishStats stores the engine's latest stats snapshot with a short
// TTL, so external monitors can poll Redis instead of the API.
func (s *Store) PublishStats(ctx context.Context, data []byte) error {
	return s.rdb.Set(ctx, "stats:engine", data, 30*time.Second).Err()
}

// ---- Unknown program discovery ----

const programTrackTTL = 7 * 24 * time.Hour

// TrackProgram records one sighting of an unmapped program and returns
// the running count.
func (s *Store) TrackProgram(ctx context.Context, programID string, slot uint64, cooccurs []string) (int64, error) {
	pipe := s.rdb.Pipeline()
	countCmd := pipe.Incr(ctx, "prog:count:"+programID)
	pipe.SetNX(ctx, "prog:first:"+programID, slot, 0)
	for _, known := range cooccurs {
		pipe.SAdd(ctx, "prog:cooccurs:"+programID, known)
	}
	pipe.Expire(ctx, "prog:count:"+programID, programTrackTTL)
	pipe.Expire(ctx, "prog:first:"+programID, programTrackTTL)
	pipe.Expire(ctx, "prog:cooccurs:"+programID, programTrackTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return countCmd.Val(), nil
}

// ProgramStats returns the sighting count, first slot and co-occurring
// known programs for an unmapped program id.
func (s *Store) ProgramStats(ctx context.Context, programID string) (int64, uint64, []string, error) {
	pipe := s.rdb.Pipeline()
	countCmd := pipe.Get(ctx, "prog:count:"+programID)
	firstCmd := pipe.Get(ctx, "prog:first:"+programID)
	coCmd := pipe.SMembers(ctx, "prog:cooccurs:"+programID)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, nil, err
	}
	count := intOrZero(countCmd)
	first, _ := firstCmd.Uint64()
	return count, first, coCmd.Val(), nil
}
