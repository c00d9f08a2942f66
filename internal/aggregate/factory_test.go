package aggregate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/arque/internal/event"
	"github.com/example/arque/internal/infrastructure/store"
)

func newTestFactory(t *testing.T, f *fixture) *Factory[balanceState] {
	t.Helper()
	factory, err := NewFactory(FactoryConfig[balanceState]{Aggregate: f.cfg})
	require.NoError(t, err)
	return factory
}

func TestFactory_LoadCachesInstances(t *testing.T) {
	f := newFixture(t)
	factory := newTestFactory(t, f)
	ctx := context.Background()
	id := event.NewAggregateID()

	first, err := factory.Load(ctx, id)
	require.NoError(t, err)
	second, err := factory.Load(ctx, id)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, factory.Len())
}

func TestFactory_LoadReloadsCachedInstance(t *testing.T) {
	f := newFixture(t)
	factory := newTestFactory(t, f)
	ctx := context.Background()
	id := event.NewAggregateID()

	agg, err := factory.Load(ctx, id)
	require.NoError(t, err)
	require.NoError(t, agg.Process(ctx, Command{Type: cmdUpdateBalance, Payload: int64(5)}))

	// A competing writer advances the log behind the cached instance's
	// back; the next Load must observe it.
	other := f.newAggregate(t, id)
	require.NoError(t, other.Process(ctx, Command{Type: cmdUpdateBalance, Payload: int64(3)}))

	reloaded, err := factory.Load(ctx, id)
	require.NoError(t, err)
	assert.Same(t, agg, reloaded)
	assert.Equal(t, uint32(2), reloaded.Version())
	assert.Equal(t, int64(8), reloaded.State().Balance)
}

func TestFactory_LoadNoReloadSkipsStore(t *testing.T) {
	f := newFixture(t)
	factory := newTestFactory(t, f)
	ctx := context.Background()
	id := event.NewAggregateID()

	_, err := factory.Load(ctx, id)
	require.NoError(t, err)
	calls := f.store.CountListEvents()

	_, err = factory.Load(ctx, id, LoadNoReload())
	require.NoError(t, err)
	assert.Equal(t, calls, f.store.CountListEvents())
}

func TestFactory_ConcurrentLoadsShareConstruction(t *testing.T) {
	f := newFixture(t)
	factory := newTestFactory(t, f)
	ctx := context.Background()
	id := event.NewAggregateID()

	var wg sync.WaitGroup
	aggs := make([]*Aggregate[balanceState], 8)
	errs := make([]error, 8)
	for i := range aggs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			aggs[i], errs[i] = factory.Load(ctx, id)
		}(i)
	}
	wg.Wait()

	for i := range aggs {
		require.NoError(t, errs[i])
		assert.Same(t, aggs[0], aggs[i])
	}
	assert.Equal(t, 1, factory.Len())
	assert.LessOrEqual(t, f.store.CountListEvents(), 8)
}

func TestFactory_FailedConstructionRetries(t *testing.T) {
	f := newFixture(t)
	factory := newTestFactory(t, f)
	ctx := context.Background()
	id := event.NewAggregateID()

	broken := errors.New("store offline")
	f.store.ListEventsFn = func(ctx context.Context, q store.ListEventsQuery) (store.Iterator, error) {
		return nil, broken
	}

	_, err := factory.Load(ctx, id)
	require.ErrorIs(t, err, broken)
	assert.Equal(t, 0, factory.Len())

	f.store.ListEventsFn = nil
	agg, err := factory.Load(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, agg)
	assert.Equal(t, 1, factory.Len())
}

func TestFactory_CacheTTLEvictsIdleAggregates(t *testing.T) {
	f := newFixture(t)
	factory, err := NewFactory(FactoryConfig[balanceState]{
		Aggregate: f.cfg,
		CacheMax:  4,
		CacheTTL:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = factory.Load(ctx, event.NewAggregateID())
	require.NoError(t, err)
	require.Equal(t, 1, factory.Len())

	assert.Eventually(t, func() bool {
		return factory.Len() == 0
	}, time.Second, 5*time.Millisecond)
}
