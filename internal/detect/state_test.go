package detect

import (
	"fmt"
	"testing"
	"time"

	"github.com/rawblock/cabal-engine/pkg/models"
)

func TestPruneCacheDropsColdKeepsHot(t *testing.T) {
	m := NewStateManager(nil, nil, nil, time.Hour)
	m.setCached("cold1", models.StateCold)
	m.setCached("cold2", models.StateCold)
	m.setCached("warm1", models.StateWarm)
	m.setCached("hot1", models.StateHot)

	m.pruneCache()

	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.cache["cold1"]; ok {
		t.Error("cold entry survived prune")
	}
	if _, ok := m.cache["warm1"]; !ok {
		t.Error("warm entry dropped while under the cap")
	}
	if _, ok := m.cache["hot1"]; !ok {
		t.Error("hot entry dropped")
	}
}

func TestPruneCacheShedsWarmPastCap(t *testing.T) {
	m := NewStateManager(nil, nil, nil, time.Hour)
	for i := 0; i < maxCachedStates+50; i++ {
		m.setCached(fmt.Sprintf("warm-%d", i), models.StateWarm)
	}
	m.setCached("hot1", models.StateHot)

	m.pruneCache()

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.cache) > maxCachedStates {
		t.Errorf("cache size = %d, cap is %d", len(m.cache), maxCachedStates)
	}
	if _, ok := m.cache["hot1"]; !ok {
		t.Error("hot entry dropped while shedding")
	}
}
