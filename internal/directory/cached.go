package directory

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
)

const defaultCacheSize = 100_000

// Cached fronts a Directory with short-lived caches for ban and block lookups.
// Candidate listings are never cached: they depend on live presence.
type Cached struct {
	Directory

	banned  *otter.Cache[string, bool]
	blocked *otter.Cache[string, []string]
}

// NewCached wraps next. A ttl <= 0 disables caching and returns a wrapper that
// always consults next.
func NewCached(next Directory, ttl time.Duration) (*Cached, error) {
	c := &Cached{Directory: next}
	if ttl <= 0 {
		return c, nil
	}

	banned, err := otter.New(&otter.Options[string, bool]{
		MaximumSize:      defaultCacheSize,
		ExpiryCalculator: otter.ExpiryWriting[string, bool](ttl),
	})
	if err != nil {
		return nil, err
	}
	blocked, err := otter.New(&otter.Options[string, []string]{
		MaximumSize:      defaultCacheSize,
		ExpiryCalculator: otter.ExpiryWriting[string, []string](ttl),
	})
	if err != nil {
		return nil, err
	}
	c.banned = banned
	c.blocked = blocked
	return c, nil
}

func (c *Cached) IsBanned(ctx context.Context, userID string) (bool, error) {
	if c.banned == nil {
		return c.Directory.IsBanned(ctx, userID)
	}
	return c.banned.Get(ctx, userID, otter.LoaderFunc[string, bool](func(ctx context.Context, key string) (bool, error) {
		return c.Directory.IsBanned(ctx, key)
	}))
}

func (c *Cached) ListBlockedIDs(ctx context.Context, userID string) ([]string, error) {
	if c.blocked == nil {
		return c.Directory.ListBlockedIDs(ctx, userID)
	}
	return c.blocked.Get(ctx, userID, otter.LoaderFunc[string, []string](func(ctx context.Context, key string) ([]string, error) {
		return c.Directory.ListBlockedIDs(ctx, key)
	}))
}
