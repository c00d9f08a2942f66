package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/arque/internal/arqerr"
	"github.com/example/arque/internal/event"
)

// Memory is an in-memory Store. It implements the full contract and is
// the reference for adapter semantics; production deployments use the
// Postgres or DynamoDB adapters.
type Memory struct {
	mu          sync.RWMutex
	events      map[event.AggregateID][]*event.Event
	aggregates  map[event.AggregateID]*aggregateRecord
	snapshots   map[event.AggregateID][]event.Snapshot
	checkpoints map[string]map[event.AggregateID]event.Checkpoint
}

type aggregateRecord struct {
	version   uint32
	timestamp time.Time
	final     bool
}

func NewMemory() *Memory {
	return &Memory{
		events:      make(map[event.AggregateID][]*event.Event),
		aggregates:  make(map[event.AggregateID]*aggregateRecord),
		snapshots:   make(map[event.AggregateID][]event.Snapshot),
		checkpoints: make(map[string]map[event.AggregateID]event.Checkpoint),
	}
}

func (m *Memory) SaveEvents(ctx context.Context, req SaveEventsRequest) error {
	if req.Aggregate.Version == 0 {
		return fmt.Errorf("save events: claimed version must be >= 1")
	}
	if len(req.Events) == 0 {
		return fmt.Errorf("save events: empty batch")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.aggregates[req.Aggregate.ID]
	if rec != nil && rec.final {
		return &arqerr.FinalizedError{ID: req.Aggregate.ID}
	}
	var current uint32
	if rec != nil {
		current = rec.version
	}
	if current != req.Aggregate.Version-1 {
		return &arqerr.VersionConflictError{ID: req.Aggregate.ID, Version: req.Aggregate.Version}
	}

	stored := make([]*event.Event, 0, len(req.Events))
	for i, ev := range req.Events {
		want := req.Aggregate.Version + uint32(i)
		if ev.Aggregate.Version != want {
			return fmt.Errorf("save events: batch version %d at index %d, want %d", ev.Aggregate.Version, i, want)
		}
		cp := *ev
		cp.Meta = mergeBatchMeta(ev, req.Meta)
		stored = append(stored, &cp)
	}

	m.events[req.Aggregate.ID] = append(m.events[req.Aggregate.ID], stored...)
	last := stored[len(stored)-1]
	m.aggregates[req.Aggregate.ID] = &aggregateRecord{
		version:   last.Aggregate.Version,
		timestamp: req.Timestamp,
	}
	return nil
}

func (m *Memory) ListEvents(ctx context.Context, q ListEventsQuery) (Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*event.Event
	if q.Aggregate != nil {
		for _, ev := range m.events[q.Aggregate.ID] {
			if ev.Aggregate.Version <= q.Aggregate.Version {
				continue
			}
			if q.Type != nil && ev.Type != *q.Type {
				continue
			}
			matched = append(matched, ev)
		}
	} else {
		ids := make([]event.AggregateID, 0, len(m.events))
		for id := range m.events {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return bytes.Compare(ids[i][:], ids[j][:]) < 0
		})
		for _, id := range ids {
			for _, ev := range m.events[id] {
				if q.Type != nil && ev.Type != *q.Type {
					continue
				}
				matched = append(matched, ev)
			}
		}
	}

	return &sliceIterator{events: matched}, nil
}

func (m *Memory) FindLatestSnapshot(ctx context.Context, ref event.AggregateRef) (*event.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *event.Snapshot
	for i := range m.snapshots[ref.ID] {
		snap := m.snapshots[ref.ID][i]
		if snap.Aggregate.Version <= ref.Version {
			continue
		}
		if best == nil || snap.Aggregate.Version > best.Aggregate.Version {
			best = &snap
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) SaveSnapshot(ctx context.Context, snap event.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.snapshots[snap.Aggregate.ID]
	for i := range existing {
		if existing[i].Aggregate.Version == snap.Aggregate.Version {
			existing[i] = snap
			return nil
		}
	}
	m.snapshots[snap.Aggregate.ID] = append(existing, snap)
	return nil
}

func (m *Memory) SaveCheckpoint(ctx context.Context, cp event.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byAggregate := m.checkpoints[cp.Projection]
	if byAggregate == nil {
		byAggregate = make(map[event.AggregateID]event.Checkpoint)
		m.checkpoints[cp.Projection] = byAggregate
	}
	byAggregate[cp.Aggregate.ID] = cp
	return nil
}

func (m *Memory) ShouldProcess(ctx context.Context, projection string, ref event.AggregateRef) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[projection][ref.ID]
	if !ok {
		return true, nil
	}
	return cp.Aggregate.Version < ref.Version, nil
}

func (m *Memory) FinalizeAggregate(ctx context.Context, id event.AggregateID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.aggregates[id]
	if rec == nil {
		// Finalizing before the first append freezes the aggregate
		// at version zero.
		rec = &aggregateRecord{timestamp: time.Now()}
		m.aggregates[id] = rec
	}
	rec.final = true
	return nil
}

func (m *Memory) Close() error {
	return nil
}

type sliceIterator struct {
	events []*event.Event
	pos    int
}

func (it *sliceIterator) Next(ctx context.Context) (*event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.events) {
		return nil, nil
	}
	ev := it.events[it.pos]
	it.pos++
	return ev, nil
}

func (it *sliceIterator) Close() error {
	return nil
}

// Drain consumes an iterator to its end. Shared by tests and small
// callers that want the whole sequence in memory.
func Drain(ctx context.Context, it Iterator) ([]*event.Event, error) {
	defer it.Close()
	var events []*event.Event
	for {
		ev, err := it.Next(ctx)
		if err != nil {
			return events, err
		}
		if ev == nil {
			return events, nil
		}
		events = append(events, ev)
	}
}
