package enrich

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/rawblock/cabal-engine/internal/db"
)

// Cluster is a connected group of wallets with aggregated trade stats.
type Cluster struct {
	Root      string   `json:"root"`
	Members   []string `json:"members"`
	VolumeSol float64  `json:"volume_sol"`
	Buys      int64    `json:"buys"`
}

func (c *Cluster) Size() int { return len(c.Members) }

// WalletClusterer groups wallets connected by funding edges.
//
// Implementation: weighted union-find with path compression.
//   - Find/Union: O(α(n)) amortized
//   - Space: O(n) over distinct wallets
//
// Per-wallet volume and buy aggregates accumulate independently of the
// graph so cluster totals are cheap sums at read time. The graph is
// rebuilt from persisted funding edges on restart.
type WalletClusterer struct {
	pg *db.PostgresStore

	mu      sync.Mutex
	parent  map[string]string
	rank    map[string]int
	size    map[string]int
	volumes map[string]float64
	buys    map[string]int64
}

func NewWalletClusterer(pg *db.PostgresStore) *WalletClusterer {
	return &WalletClusterer{
		pg:      pg,
		parent:  make(map[string]string),
		rank:    make(map[string]int),
		size:    make(map[string]int),
		volumes: make(map[string]float64),
		buys:    make(map[string]int64),
	}
}

func (w *WalletClusterer) findLocked(addr string) string {
	if _, ok := w.parent[addr]; !ok {
		w.parent[addr] = addr
		w.rank[addr] = 0
		w.size[addr] = 1
		return addr
	}
	if w.parent[addr] != addr {
		w.parent[addr] = w.findLocked(w.parent[addr])
	}
	return w.parent[addr]
}

func (w *WalletClusterer) unionLocked(a, b string) bool {
	ra, rb := w.findLocked(a), w.findLocked(b)
	if ra == rb {
		return false
	}
	if w.rank[ra] < w.rank[rb] {
		w.parent[ra] = rb
		w.size[rb] += w.size[ra]
	} else if w.rank[ra] > w.rank[rb] {
		w.parent[rb] = ra
		w.size[ra] += w.size[rb]
	} else {
		w.parent[rb] = ra
		w.size[ra] += w.size[rb]
		w.rank[ra]++
	}
	return true
}

// AddWallet accumulates trade aggregates for a wallet, registering it in
// the graph as its own cluster if unseen.
func (w *WalletClusterer) AddWallet(addr string, volumeSol float64, buyCount int64) {
	w.mu.Lock()
	w.findLocked(addr)
	w.volumes[addr] += volumeSol
	w.buys[addr] += buyCount
	w.mu.Unlock()
}

// Link merges the clusters of two wallets.
func (w *WalletClusterer) Link(a, b string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unionLocked(a, b)
}

// LinkFunding records a funded-by relationship.
func (w *WalletClusterer) LinkFunding(wallet, funder string) {
	w.mu.Lock()
	w.findLocked(wallet)
	w.findLocked(funder)
	w.unionLocked(wallet, funder)
	w.mu.Unlock()
}

// Connected reports whether two wallets share a cluster.
func (w *WalletClusterer) Connected(a, b string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.findLocked(a) == w.findLocked(b)
}

// ClusterFor returns the full cluster containing addr.
func (w *WalletClusterer) ClusterFor(addr string) *Cluster {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clusterLocked(w.findLocked(addr))
}

func (w *WalletClusterer) clusterLocked(root string) *Cluster {
	c := &Cluster{Root: root}
	for a := range w.parent {
		if w.findLocked(a) == root {
			c.Members = append(c.Members, a)
			c.VolumeSol += w.volumes[a]
			c.Buys += w.buys[a]
		}
	}
	sort.Strings(c.Members)
	return c
}

// ClustersFor returns the distinct clusters covering the given wallets.
func (w *WalletClusterer) ClustersFor(wallets []string) []*Cluster {
	w.mu.Lock()
	defer w.mu.Unlock()

	seen := make(map[string]struct{})
	var out []*Cluster
	for _, addr := range wallets {
		root := w.findLocked(addr)
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}
		out = append(out, w.clusterLocked(root))
	}
	return out
}

// Summary renders the cluster picture for a wallet list, e.g.
// "3 wallets in 2 clusters: Cluster A (2 wallets, 5.50 SOL), ...".
func (w *WalletClusterer) Summary(wallets []string) string {
	clusters := w.ClustersFor(wallets)
	if len(clusters) == 0 {
		return "No cluster data available"
	}

	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].VolumeSol != clusters[j].VolumeSol {
			return clusters[i].VolumeSol > clusters[j].VolumeSol
		}
		return clusters[i].Root < clusters[j].Root
	})

	totalWallets := 0
	for _, c := range clusters {
		totalWallets += c.Size()
	}

	var parts []string
	for i, c := range clusters {
		if i >= 5 {
			break
		}
		parts = append(parts, fmt.Sprintf("Cluster %c (%d %s, %.2f SOL)",
			'A'+i, c.Size(), plural("wallet", c.Size()), c.VolumeSol))
	}

	summary := fmt.Sprintf("%d wallets in %d %s",
		totalWallets, len(clusters), plural("cluster", len(clusters)))
	if len(parts) > 0 {
		summary += ": " + strings.Join(parts, ", ")
	}
	if len(clusters) > 5 {
		summary += fmt.Sprintf(" (+%d more clusters)", len(clusters)-5)
	}
	return summary
}

func plural(word string, n int) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

// Rebuild replays persisted funding edges into a fresh graph. Called at
// startup so cluster cohesion survives restarts.
func (w *WalletClusterer) Rebuild(ctx context.Context) error {
	if w.pg == nil {
		return nil
	}
	edges, err := w.pg.AllFundingEdges(ctx)
	if err != nil {
		return fmt.Errorf("load funding edges: %w", err)
	}

	w.mu.Lock()
	for _, e := range edges {
		w.findLocked(e.Funded)
		w.findLocked(e.Funder)
		w.unionLocked(e.Funded, e.Funder)
	}
	w.mu.Unlock()

	if len(edges) > 0 {
		log.Printf("[Clusterer] Rebuilt graph from %d funding edges", len(edges))
	}
	return nil
}

// PersistClusters writes cluster root and size onto each member's wallet
// profile.
func (w *WalletClusterer) PersistClusters(ctx context.Context) error {
	if w.pg == nil {
		return nil
	}

	w.mu.Lock()
	roots := make(map[string][]string)
	for addr := range w.parent {
		root := w.findLocked(addr)
		roots[root] = append(roots[root], addr)
	}
	w.mu.Unlock()

	for root, members := range roots {
		if len(members) < 2 {
			continue
		}
		for _, member := range members {
			if err := w.pg.UpdateWalletCluster(ctx, member, root, len(members)); err != nil {
				return fmt.Errorf("persist cluster %s: %w", root, err)
			}
		}
	}
	return nil
}

// ClusterStats reports graph-level aggregates.
func (w *WalletClusterer) ClusterStats() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()

	roots := make(map[string]int)
	for addr := range w.parent {
		roots[w.findLocked(addr)]++
	}
	large, maxSize := 0, 0
	for _, n := range roots {
		if n >= 2 {
			large++
		}
		if n > maxSize {
			maxSize = n
		}
	}
	avg := 0.0
	if len(roots) > 0 {
		avg = float64(len(w.parent)) / float64(len(roots))
	}
	return map[string]any{
		"total_wallets":    len(w.parent),
		"total_clusters":   len(roots),
		"large_clusters":   large,
		"avg_cluster_size": avg,
		"max_cluster_size": maxSize,
	}
}
