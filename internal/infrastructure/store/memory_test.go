package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/arque/internal/arqerr"
	"github.com/example/arque/internal/event"
)

func appendEvents(t *testing.T, m *Memory, id event.AggregateID, from uint32, types ...uint32) []*event.Event {
	t.Helper()
	events := make([]*event.Event, len(types))
	for i, typ := range types {
		events[i] = &event.Event{
			ID:        event.NewID(),
			Type:      typ,
			Aggregate: event.AggregateRef{ID: id, Version: from + uint32(i)},
			Body:      []byte{byte(i)},
			Timestamp: time.Now(),
		}
	}
	require.NoError(t, m.SaveEvents(context.Background(), SaveEventsRequest{
		Aggregate: event.AggregateRef{ID: id, Version: from},
		Timestamp: time.Now(),
		Events:    events,
	}))
	return events
}

func TestMemory_SaveEventsValidation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := event.NewAggregateID()

	err := m.SaveEvents(ctx, SaveEventsRequest{Aggregate: event.AggregateRef{ID: id, Version: 0}})
	assert.Error(t, err)

	err = m.SaveEvents(ctx, SaveEventsRequest{Aggregate: event.AggregateRef{ID: id, Version: 1}})
	assert.Error(t, err, "empty batch must be rejected")
}

func TestMemory_SaveEventsVersionConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := event.NewAggregateID()
	appendEvents(t, m, id, 1, 10, 10)

	// Claiming an occupied version conflicts.
	ev := &event.Event{
		ID:        event.NewID(),
		Type:      10,
		Aggregate: event.AggregateRef{ID: id, Version: 2},
		Timestamp: time.Now(),
	}
	err := m.SaveEvents(ctx, SaveEventsRequest{
		Aggregate: event.AggregateRef{ID: id, Version: 2},
		Timestamp: time.Now(),
		Events:    []*event.Event{ev},
	})
	assert.True(t, arqerr.IsVersionConflict(err))

	// Claiming past the tip conflicts too: the log must stay gapless.
	ev.Aggregate.Version = 5
	err = m.SaveEvents(ctx, SaveEventsRequest{
		Aggregate: event.AggregateRef{ID: id, Version: 5},
		Timestamp: time.Now(),
		Events:    []*event.Event{ev},
	})
	assert.True(t, arqerr.IsVersionConflict(err))
}

func TestMemory_FinalizeRejectsAppends(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := event.NewAggregateID()
	appendEvents(t, m, id, 1, 10)

	require.NoError(t, m.FinalizeAggregate(ctx, id))
	// Idempotent.
	require.NoError(t, m.FinalizeAggregate(ctx, id))

	ev := &event.Event{
		ID:        event.NewID(),
		Type:      10,
		Aggregate: event.AggregateRef{ID: id, Version: 2},
		Timestamp: time.Now(),
	}
	err := m.SaveEvents(ctx, SaveEventsRequest{
		Aggregate: event.AggregateRef{ID: id, Version: 2},
		Timestamp: time.Now(),
		Events:    []*event.Event{ev},
	})
	assert.True(t, arqerr.IsFinalized(err))
}

func TestMemory_FinalizeBeforeFirstAppend(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := event.NewAggregateID()

	require.NoError(t, m.FinalizeAggregate(ctx, id))

	ev := &event.Event{
		ID:        event.NewID(),
		Type:      10,
		Aggregate: event.AggregateRef{ID: id, Version: 1},
		Timestamp: time.Now(),
	}
	err := m.SaveEvents(ctx, SaveEventsRequest{
		Aggregate: event.AggregateRef{ID: id, Version: 1},
		Timestamp: time.Now(),
		Events:    []*event.Event{ev},
	})
	assert.True(t, arqerr.IsFinalized(err))
}

func TestMemory_ListEventsLowerBoundAndOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := event.NewAggregateID()
	appendEvents(t, m, id, 1, 10, 11, 12, 13, 14)

	it, err := m.ListEvents(ctx, ListEventsQuery{Aggregate: &event.AggregateRef{ID: id, Version: 2}})
	require.NoError(t, err)
	events, err := Drain(ctx, it)
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, uint32(3), events[0].Aggregate.Version)
	assert.Equal(t, uint32(4), events[1].Aggregate.Version)
	assert.Equal(t, uint32(5), events[2].Aggregate.Version)
}

func TestMemory_ListEventsRestartable(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := event.NewAggregateID()
	appendEvents(t, m, id, 1, 10, 11)

	query := ListEventsQuery{Aggregate: &event.AggregateRef{ID: id}}
	it, err := m.ListEvents(ctx, query)
	require.NoError(t, err)
	first, err := Drain(ctx, it)
	require.NoError(t, err)

	it, err = m.ListEvents(ctx, query)
	require.NoError(t, err)
	second, err := Drain(ctx, it)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestMemory_ListEventsByType(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	first := event.NewAggregateID()
	second := event.NewAggregateID()
	appendEvents(t, m, first, 1, 10, 20)
	appendEvents(t, m, second, 1, 20)

	typ := uint32(20)
	it, err := m.ListEvents(ctx, ListEventsQuery{Type: &typ})
	require.NoError(t, err)
	events, err := Drain(ctx, it)
	require.NoError(t, err)

	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, typ, ev.Type)
	}
}

func TestMemory_BatchMetaMergesUnderEventMeta(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := event.NewAggregateID()

	ev := &event.Event{
		ID:        event.NewID(),
		Type:      10,
		Aggregate: event.AggregateRef{ID: id, Version: 1},
		Meta:      map[string][]byte{"a": []byte("event")},
		Timestamp: time.Now(),
	}
	require.NoError(t, m.SaveEvents(ctx, SaveEventsRequest{
		Aggregate: event.AggregateRef{ID: id, Version: 1},
		Timestamp: time.Now(),
		Events:    []*event.Event{ev},
		Meta:      map[string][]byte{"a": []byte("batch"), "b": []byte("batch")},
	}))

	it, err := m.ListEvents(ctx, ListEventsQuery{Aggregate: &event.AggregateRef{ID: id}})
	require.NoError(t, err)
	events, err := Drain(ctx, it)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []byte("event"), events[0].Meta["a"])
	assert.Equal(t, []byte("batch"), events[0].Meta["b"])
}

func TestMemory_SnapshotLookupBounds(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := event.NewAggregateID()

	for _, version := range []uint32{10, 20, 30} {
		require.NoError(t, m.SaveSnapshot(ctx, event.Snapshot{
			Aggregate: event.AggregateRef{ID: id, Version: version},
			State:     []byte{byte(version)},
			Timestamp: time.Now(),
		}))
	}

	snap, err := m.FindLatestSnapshot(ctx, event.AggregateRef{ID: id, Version: 0})
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint32(30), snap.Aggregate.Version)

	// The bound is strict: a snapshot at the caller's version does not
	// advance it.
	snap, err = m.FindLatestSnapshot(ctx, event.AggregateRef{ID: id, Version: 30})
	require.NoError(t, err)
	assert.Nil(t, snap)

	snap, err = m.FindLatestSnapshot(ctx, event.AggregateRef{ID: event.NewAggregateID(), Version: 0})
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestMemory_SnapshotUpsert(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := event.NewAggregateID()

	ref := event.AggregateRef{ID: id, Version: 10}
	require.NoError(t, m.SaveSnapshot(ctx, event.Snapshot{Aggregate: ref, State: []byte("old")}))
	require.NoError(t, m.SaveSnapshot(ctx, event.Snapshot{Aggregate: ref, State: []byte("new")}))

	snap, err := m.FindLatestSnapshot(ctx, event.AggregateRef{ID: id, Version: 0})
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, []byte("new"), snap.State)
}

func TestMemory_CheckpointSemantics(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := event.NewAggregateID()

	// No checkpoint yet: process.
	ok, err := m.ShouldProcess(ctx, "proj", event.AggregateRef{ID: id, Version: 1})
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.SaveCheckpoint(ctx, event.Checkpoint{
		Projection: "proj",
		Aggregate:  event.AggregateRef{ID: id, Version: 3},
		Timestamp:  time.Now(),
	}))

	// Covered versions are duplicates.
	ok, err = m.ShouldProcess(ctx, "proj", event.AggregateRef{ID: id, Version: 3})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.ShouldProcess(ctx, "proj", event.AggregateRef{ID: id, Version: 2})
	require.NoError(t, err)
	assert.False(t, ok)

	// Later versions still process.
	ok, err = m.ShouldProcess(ctx, "proj", event.AggregateRef{ID: id, Version: 4})
	require.NoError(t, err)
	assert.True(t, ok)

	// Checkpoints are scoped per projection.
	ok, err = m.ShouldProcess(ctx, "other", event.AggregateRef{ID: id, Version: 1})
	require.NoError(t, err)
	assert.True(t, ok)
}
