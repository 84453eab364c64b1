package enrich

import (
	"strings"
	"testing"
)

func TestClustererLinkAndConnected(t *testing.T) {
	c := NewWalletClusterer(nil)

	c.AddWallet("a", 1.0, 1)
	c.AddWallet("b", 2.0, 2)
	c.AddWallet("x", 5.0, 1)

	if c.Connected("a", "b") {
		t.Error("unlinked wallets reported connected")
	}
	if !c.Link("a", "b") {
		t.Error("first link should merge")
	}
	if c.Link("a", "b") {
		t.Error("repeat link should be a no-op")
	}
	if !c.Connected("a", "b") {
		t.Error("linked wallets not connected")
	}
	if c.Connected("a", "x") {
		t.Error("unrelated wallet absorbed")
	}
}

func TestClustererTransitivity(t *testing.T) {
	c := NewWalletClusterer(nil)
	c.LinkFunding("a", "funder")
	c.LinkFunding("b", "funder")

	if !c.Connected("a", "b") {
		t.Error("wallets with a shared funder should share a cluster")
	}
	cluster := c.ClusterFor("a")
	if cluster.Size() != 3 {
		t.Errorf("cluster size = %d, want 3", cluster.Size())
	}
}

func TestClusterAggregates(t *testing.T) {
	c := NewWalletClusterer(nil)
	c.AddWallet("a", 1.5, 2)
	c.AddWallet("b", 2.5, 3)
	c.AddWallet("a", 1.0, 1)
	c.Link("a", "b")

	cluster := c.ClusterFor("b")
	if cluster.VolumeSol != 5.0 {
		t.Errorf("cluster volume = %v, want 5.0", cluster.VolumeSol)
	}
	if cluster.Buys != 6 {
		t.Errorf("cluster buys = %d, want 6", cluster.Buys)
	}
}

func TestClustersForDedupesByRoot(t *testing.T) {
	c := NewWalletClusterer(nil)
	c.Link("a", "b")
	c.AddWallet("x", 0, 0)

	clusters := c.ClustersFor([]string{"a", "b", "x"})
	if len(clusters) != 2 {
		t.Errorf("clusters = %d, want 2", len(clusters))
	}
}

func TestSummaryFormat(t *testing.T) {
	c := NewWalletClusterer(nil)
	c.AddWallet("a", 3.0, 1)
	c.AddWallet("b", 2.5, 1)
	c.Link("a", "b")
	c.AddWallet("x", 1.0, 1)

	s := c.Summary([]string{"a", "b", "x"})
	if !strings.HasPrefix(s, "3 wallets in 2 clusters: ") {
		t.Errorf("summary = %q", s)
	}
	// Biggest cluster by volume is labeled A.
	if !strings.Contains(s, "Cluster A (2 wallets, 5.50 SOL)") {
		t.Errorf("summary missing cluster A detail: %q", s)
	}
	if !strings.Contains(s, "Cluster B (1 wallet, 1.00 SOL)") {
		t.Errorf("summary missing cluster B detail: %q", s)
	}
}

func TestSummaryEmpty(t *testing.T) {
	c := NewWalletClusterer(nil)
	if s := c.Summary(nil); s != "No cluster data available" {
		t.Errorf("summary = %q", s)
	}
}

func TestClusterStats(t *testing.T) {
	c := NewWalletClusterer(nil)
	c.Link("a", "b")
	c.Link("b", "d")
	c.AddWallet("x", 0, 0)

	stats := c.ClusterStats()
	if stats["total_wallets"].(int) != 4 {
		t.Errorf("total_wallets = %v", stats["total_wallets"])
	}
	if stats["total_clusters"].(int) != 2 {
		t.Errorf("total_clusters = %v", stats["total_clusters"])
	}
	if stats["max_cluster_size"].(int) != 3 {
		t.Errorf("max_cluster_size = %v", stats["max_cluster_size"])
	}
}
