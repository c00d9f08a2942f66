package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/arque/internal/event"
)

// SnapshotQueue serializes snapshot writes for one store: a single
// worker drains pending snapshots, and per aggregate only the latest
// pending snapshot survives coalescing. Enqueue never blocks the
// command path; write failures are logged and dropped, since a missed
// snapshot only costs replay time.
type SnapshotQueue struct {
	store   Store
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[event.AggregateID]event.Snapshot
	wake    chan struct{}
	closed  bool
	done    chan struct{}
}

func NewSnapshotQueue(store Store, logger *slog.Logger) *SnapshotQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &SnapshotQueue{
		store:   store,
		logger:  logger,
		timeout: 30 * time.Second,
		pending: make(map[event.AggregateID]event.Snapshot),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue schedules a snapshot write, replacing any pending write for
// the same aggregate.
func (q *SnapshotQueue) Enqueue(snap event.Snapshot) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending[snap.Aggregate.ID] = snap
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close drains pending snapshots and stops the worker.
func (q *SnapshotQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *SnapshotQueue) run() {
	defer close(q.done)
	for {
		snap, ok := q.take()
		if !ok {
			q.mu.Lock()
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := q.store.SaveSnapshot(ctx, snap)
		cancel()
		if err != nil {
			q.logger.Warn("snapshot write failed",
				"aggregate_id", snap.Aggregate.ID,
				"aggregate_version", snap.Aggregate.Version,
				"error", err,
			)
		}
	}
}

func (q *SnapshotQueue) take() (event.Snapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, snap := range q.pending {
		delete(q.pending, id)
		return snap, true
	}
	return event.Snapshot{}, false
}
