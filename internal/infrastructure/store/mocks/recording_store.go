// Package mocks provides test doubles for the store contract.
package mocks

import (
	"context"
	"sync"

	"github.com/example/arque/internal/event"
	"github.com/example/arque/internal/infrastructure/store"
)

// RecordingStore wraps a Store, records every call, and lets tests
// override individual operations per call.
type RecordingStore struct {
	Inner store.Store

	mu sync.Mutex

	SaveEventsCalls   []store.SaveEventsRequest
	ListEventsCalls   []store.ListEventsQuery
	SnapshotCalls     []event.Snapshot
	CheckpointCalls   []event.Checkpoint
	ShouldProcessRefs []event.AggregateRef
	FinalizeCalls     []event.AggregateID

	// Callback overrides. When set, the callback runs instead of the
	// wrapped store.
	SaveEventsFn func(ctx context.Context, req store.SaveEventsRequest) error
	ListEventsFn func(ctx context.Context, q store.ListEventsQuery) (store.Iterator, error)
	SnapshotFn   func(ctx context.Context, snap event.Snapshot) error
}

func NewRecordingStore(inner store.Store) *RecordingStore {
	return &RecordingStore{Inner: inner}
}

func (r *RecordingStore) SaveEvents(ctx context.Context, req store.SaveEventsRequest) error {
	r.mu.Lock()
	r.SaveEventsCalls = append(r.SaveEventsCalls, req)
	fn := r.SaveEventsFn
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return r.Inner.SaveEvents(ctx, req)
}

// CountSaveEvents returns how many times SaveEvents was called.
func (r *RecordingStore) CountSaveEvents() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.SaveEventsCalls)
}

func (r *RecordingStore) ListEvents(ctx context.Context, q store.ListEventsQuery) (store.Iterator, error) {
	r.mu.Lock()
	r.ListEventsCalls = append(r.ListEventsCalls, q)
	fn := r.ListEventsFn
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, q)
	}
	return r.Inner.ListEvents(ctx, q)
}

// CountListEvents returns how many times ListEvents was called.
func (r *RecordingStore) CountListEvents() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ListEventsCalls)
}

func (r *RecordingStore) FindLatestSnapshot(ctx context.Context, ref event.AggregateRef) (*event.Snapshot, error) {
	return r.Inner.FindLatestSnapshot(ctx, ref)
}

func (r *RecordingStore) SaveSnapshot(ctx context.Context, snap event.Snapshot) error {
	r.mu.Lock()
	r.SnapshotCalls = append(r.SnapshotCalls, snap)
	fn := r.SnapshotFn
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, snap)
	}
	return r.Inner.SaveSnapshot(ctx, snap)
}

// SnapshotVersions returns the versions of all recorded snapshot
// writes, in call order.
func (r *RecordingStore) SnapshotVersions() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := make([]uint32, 0, len(r.SnapshotCalls))
	for _, snap := range r.SnapshotCalls {
		versions = append(versions, snap.Aggregate.Version)
	}
	return versions
}

func (r *RecordingStore) SaveCheckpoint(ctx context.Context, cp event.Checkpoint) error {
	r.mu.Lock()
	r.CheckpointCalls = append(r.CheckpointCalls, cp)
	r.mu.Unlock()
	return r.Inner.SaveCheckpoint(ctx, cp)
}

func (r *RecordingStore) ShouldProcess(ctx context.Context, projection string, ref event.AggregateRef) (bool, error) {
	r.mu.Lock()
	r.ShouldProcessRefs = append(r.ShouldProcessRefs, ref)
	r.mu.Unlock()
	return r.Inner.ShouldProcess(ctx, projection, ref)
}

func (r *RecordingStore) FinalizeAggregate(ctx context.Context, id event.AggregateID) error {
	r.mu.Lock()
	r.FinalizeCalls = append(r.FinalizeCalls, id)
	r.mu.Unlock()
	return r.Inner.FinalizeAggregate(ctx, id)
}

func (r *RecordingStore) Close() error {
	return r.Inner.Close()
}
