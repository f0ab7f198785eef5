package match

import (
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

const maxReservations = 100_000

// Reservations holds short-lived claims on candidates so that two concurrent
// selections cannot both return the same user.
type Reservations struct {
	mu    sync.Mutex
	cache *otter.Cache[string, string] // candidate id -> requester id
}

func NewReservations(ttl time.Duration) (*Reservations, error) {
	cache, err := otter.New(&otter.Options[string, string]{
		MaximumSize:      maxReservations,
		ExpiryCalculator: otter.ExpiryWriting[string, string](ttl),
	})
	if err != nil {
		return nil, err
	}
	return &Reservations{cache: cache}, nil
}

// TryReserve claims candidateID for requesterID. A requester may renew its
// own claim.
func (r *Reservations) TryReserve(candidateID, requesterID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.cache.GetIfPresent(candidateID); ok && holder != requesterID {
		return false
	}
	r.cache.Set(candidateID, requesterID)
	return true
}

// ReleaseFor drops candidateID's claim if requesterID holds it.
func (r *Reservations) ReleaseFor(candidateID, requesterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.cache.GetIfPresent(candidateID); ok && holder == requesterID {
		r.cache.Invalidate(candidateID)
	}
}

func (r *Reservations) Holder(candidateID string) (string, bool) {
	return r.cache.GetIfPresent(candidateID)
}
