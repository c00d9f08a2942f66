package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/arque/internal/event"
	"github.com/example/arque/internal/infrastructure/stream"
	"github.com/example/arque/internal/infrastructure/streamcfg"
)

const (
	typeT1 uint32 = 1
	typeT2 uint32 = 2
	typeT3 uint32 = 3
)

type sink struct {
	mu     sync.Mutex
	events []*event.Event
}

func (s *sink) handle(ctx context.Context, e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *sink) types() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]uint32, len(s.events))
	for i, e := range s.events {
		types[i] = e.Type
	}
	return types
}

func ingressEvent(id event.AggregateID, version, typ uint32) *event.Event {
	return &event.Event{
		ID:        event.NewID(),
		Type:      typ,
		Aggregate: event.AggregateRef{ID: id, Version: version},
		Meta:      map[string][]byte{event.MetaCtx: []byte("ctx-1")},
		Timestamp: time.Now(),
	}
}

func TestBroker_RoutesByEventTypeInterest(t *testing.T) {
	bus := stream.NewMemory(nil)
	defer bus.Close()
	cfg := streamcfg.NewMemory()
	ctx := context.Background()

	require.NoError(t, cfg.SaveStream(ctx, streamcfg.Registration{ID: "proj-a", Events: []uint32{typeT1, typeT2}}))
	require.NoError(t, cfg.SaveStream(ctx, streamcfg.Registration{ID: "proj-b", Events: []uint32{typeT2, typeT3}}))

	a, b := &sink{}, &sink{}
	subA, err := bus.Subscribe(ctx, "proj-a", a.handle, stream.SubscribeOptions{})
	require.NoError(t, err)
	defer subA.Stop()
	subB, err := bus.Subscribe(ctx, "proj-b", b.handle, stream.SubscribeOptions{})
	require.NoError(t, err)
	defer subB.Stop()

	br := New(bus, cfg)
	require.NoError(t, br.Start(ctx))
	defer br.Stop()

	id := event.NewAggregateID()
	require.NoError(t, bus.SendEvents(ctx, []stream.EventBatch{{
		Stream: stream.Main,
		Events: []*event.Event{
			ingressEvent(id, 1, typeT1),
			ingressEvent(id, 2, typeT2),
			ingressEvent(id, 3, typeT3),
		},
	}}))

	require.Eventually(t, func() bool {
		return len(a.types()) == 2 && len(b.types()) == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, []uint32{typeT1, typeT2}, a.types())
	assert.Equal(t, []uint32{typeT2, typeT3}, b.types())

	// No duplicates arrive later.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, a.types(), 2)
	assert.Len(t, b.types(), 2)
}

func TestBroker_DropsUnroutedTypes(t *testing.T) {
	bus := stream.NewMemory(nil)
	defer bus.Close()
	cfg := streamcfg.NewMemory()
	ctx := context.Background()

	require.NoError(t, cfg.SaveStream(ctx, streamcfg.Registration{ID: "proj-a", Events: []uint32{typeT1}}))

	a := &sink{}
	sub, err := bus.Subscribe(ctx, "proj-a", a.handle, stream.SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Stop()

	br := New(bus, cfg)
	require.NoError(t, br.Start(ctx))
	defer br.Stop()

	id := event.NewAggregateID()
	require.NoError(t, bus.SendEvents(ctx, []stream.EventBatch{{
		Stream: stream.Main,
		Events: []*event.Event{
			ingressEvent(id, 1, typeT3),
			ingressEvent(id, 2, typeT1),
		},
	}}))

	require.Eventually(t, func() bool {
		return len(a.types()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []uint32{typeT1}, a.types())
}

func TestBroker_PreservesPartitionKeyAcrossFanOut(t *testing.T) {
	bus := stream.NewMemory(nil)
	defer bus.Close()
	cfg := streamcfg.NewMemory()
	ctx := context.Background()

	require.NoError(t, cfg.SaveStream(ctx, streamcfg.Registration{ID: "proj-a", Events: []uint32{typeT1}}))

	var mu sync.Mutex
	var keys [][]byte
	sub, err := bus.SubscribeRaw(ctx, "proj-a", func(ctx context.Context, m stream.RawMessage) error {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, m.Key)
		return nil
	}, stream.SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Stop()

	br := New(bus, cfg)
	require.NoError(t, br.Start(ctx))
	defer br.Stop()

	require.NoError(t, bus.SendEvents(ctx, []stream.EventBatch{{
		Stream: stream.Main,
		Events: []*event.Event{ingressEvent(event.NewAggregateID(), 1, typeT1)},
	}}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(keys) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte("ctx-1"), keys[0])
}

func TestBroker_StartTwiceFails(t *testing.T) {
	bus := stream.NewMemory(nil)
	defer bus.Close()
	br := New(bus, streamcfg.NewMemory())

	require.NoError(t, br.Start(context.Background()))
	defer br.Stop()
	assert.Error(t, br.Start(context.Background()))
}
