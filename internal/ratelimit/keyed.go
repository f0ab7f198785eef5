package ratelimit

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
)

const defaultMaxKeys = 100_000

// Keyed holds one Limiter per key (typically a user id). Idle limiters are
// evicted after they would have fully refilled, so memory tracks active keys.
type Keyed struct {
	clock  Clock
	n      int
	window time.Duration
	cache  *otter.Cache[string, *Limiter]
}

// NewKeyed allows n events per window per key. n <= 0 returns nil, which
// allows everything.
func NewKeyed(clock Clock, n int, window time.Duration) (*Keyed, error) {
	if n <= 0 || window <= 0 {
		return nil, nil
	}
	cache, err := otter.New(&otter.Options[string, *Limiter]{
		MaximumSize:      defaultMaxKeys,
		ExpiryCalculator: otter.ExpiryAccessing[string, *Limiter](2 * window),
	})
	if err != nil {
		return nil, err
	}
	return &Keyed{clock: clock, n: n, window: window, cache: cache}, nil
}

// Allow consumes one token from key's bucket.
func (k *Keyed) Allow(key string) bool {
	if k == nil {
		return true
	}
	lim, err := k.cache.Get(context.Background(), key, otter.LoaderFunc[string, *Limiter](func(context.Context, string) (*Limiter, error) {
		return NewLimiter(k.clock, k.n, k.window), nil
	}))
	if err != nil {
		// The loader never fails; fail open rather than locking a user out.
		return true
	}
	return lim.Allow()
}

// Forget drops key's bucket.
func (k *Keyed) Forget(key string) {
	if k == nil {
		return
	}
	k.cache.Invalidate(key)
}
