package streamcfg

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached wraps a Config with a bounded TTL cache on the reverse lookup.
// Empty results are never cached, so a type with no subscribers is
// re-resolved on every publish until one registers. SaveStream through
// this wrapper purges the whole cache (a new registration can extend
// any type's stream set); registrations written by other processes
// become visible within the TTL.
type Cached struct {
	inner Config
	cache *expirable.LRU[uint32, []string]
}

const (
	DefaultCacheMax = 2046
	DefaultCacheTTL = 48 * time.Hour
)

func NewCached(inner Config, max int, ttl time.Duration) *Cached {
	if max <= 0 {
		max = DefaultCacheMax
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{
		inner: inner,
		cache: expirable.NewLRU[uint32, []string](max, nil, ttl),
	}
}

func (c *Cached) SaveStream(ctx context.Context, reg Registration) error {
	if err := c.inner.SaveStream(ctx, reg); err != nil {
		return err
	}
	c.cache.Purge()
	return nil
}

func (c *Cached) FindStreams(ctx context.Context, eventType uint32) ([]string, error) {
	if ids, ok := c.cache.Get(eventType); ok {
		return ids, nil
	}
	ids, err := c.inner.FindStreams(ctx, eventType)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		c.cache.Add(eventType, ids)
	}
	return ids, nil
}
