package match

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/maypok86/otter/v2"
)

const (
	maxSkipRequesters    = 100_000
	maxSkipsPerRequester = 256
)

// SkipMemory remembers, per requester, the users they skipped. A requester's
// list expires SkipTTL after their most recent skip.
type SkipMemory struct {
	mu    sync.Mutex
	cache *otter.Cache[string, mapset.Set[string]]
}

func NewSkipMemory(ttl time.Duration) (*SkipMemory, error) {
	cache, err := otter.New(&otter.Options[string, mapset.Set[string]]{
		MaximumSize:      maxSkipRequesters,
		ExpiryCalculator: otter.ExpiryWriting[string, mapset.Set[string]](ttl),
	})
	if err != nil {
		return nil, err
	}
	return &SkipMemory{cache: cache}, nil
}

func (m *SkipMemory) Skip(requesterID, skippedID string) {
	if requesterID == "" || skippedID == "" || requesterID == skippedID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.cache.GetIfPresent(requesterID)
	if !ok {
		set = mapset.NewThreadUnsafeSet[string]()
	}
	if set.Cardinality() >= maxSkipsPerRequester && !set.Contains(skippedID) {
		// Forget an arbitrary entry rather than growing without bound.
		set.Pop()
	}
	set.Add(skippedID)
	m.cache.Set(requesterID, set)
}

func (m *SkipMemory) Skipped(requesterID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.cache.GetIfPresent(requesterID)
	if !ok {
		return nil
	}
	return set.ToSlice()
}
