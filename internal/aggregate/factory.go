package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/example/arque/internal/event"
	"github.com/example/arque/internal/infrastructure/store"
)

// FactoryConfig assembles a Factory: the aggregate template plus cache
// bounds.
type FactoryConfig[S any] struct {
	Aggregate Config[S]

	// CacheMax bounds the number of live aggregates. Zero means the
	// default of 2046.
	CacheMax int

	// CacheTTL evicts idle aggregates. Zero means the default of 48h.
	CacheTTL time.Duration
}

const (
	defaultCacheMax = 2046
	defaultCacheTTL = 48 * time.Hour
)

// Factory hands out live aggregates from a bounded LRU keyed by
// aggregate id. Simultaneous loads of the same id share one
// construction; a failed construction is not cached, so the next caller
// retries from scratch.
type Factory[S any] struct {
	cfg   Config[S]
	cache *expirable.LRU[string, *Aggregate[S]]
	group singleflight.Group
}

func NewFactory[S any](cfg FactoryConfig[S]) (*Factory[S], error) {
	template, err := cfg.Aggregate.normalize()
	if err != nil {
		return nil, fmt.Errorf("factory: %w", err)
	}
	if template.Snapshots == nil {
		// One queue for all aggregates, so snapshot writes to the
		// store stay serialized.
		template.Snapshots = store.NewSnapshotQueue(template.Store, template.Logger)
	}
	max := cfg.CacheMax
	if max <= 0 {
		max = defaultCacheMax
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Factory[S]{
		cfg:   template,
		cache: expirable.NewLRU[string, *Aggregate[S]](max, nil, ttl),
	}, nil
}

// LoadOption tunes one Load call.
type LoadOption func(*loadOptions)

type loadOptions struct {
	noReload bool
}

// LoadNoReload returns the instance without reloading it first.
func LoadNoReload() LoadOption {
	return func(o *loadOptions) { o.noReload = true }
}

// Load returns the live aggregate for the id, constructing and caching
// it on first use. Cached instances are reloaded to the tip unless
// suppressed.
func (f *Factory[S]) Load(ctx context.Context, id event.AggregateID, opts ...LoadOption) (*Aggregate[S], error) {
	var lo loadOptions
	for _, opt := range opts {
		opt(&lo)
	}

	key := id.Base64()
	if agg, ok := f.cache.Get(key); ok {
		if !lo.noReload {
			if err := agg.Reload(ctx); err != nil {
				return nil, err
			}
		}
		return agg, nil
	}

	v, err, _ := f.group.Do(key, func() (any, error) {
		if agg, ok := f.cache.Get(key); ok {
			return agg, nil
		}
		agg, err := New(f.cfg, id)
		if err != nil {
			return nil, err
		}
		if !lo.noReload {
			if err := agg.Reload(ctx); err != nil {
				return nil, err
			}
		}
		f.cache.Add(key, agg)
		return agg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Aggregate[S]), nil
}

// Len reports how many aggregates are cached.
func (f *Factory[S]) Len() int {
	return f.cache.Len()
}
