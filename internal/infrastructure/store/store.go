// Package store defines the persistence contract of the runtime: the
// append-only event log, snapshots, projection checkpoints, and
// aggregate finality, plus the memory, PostgreSQL and DynamoDB adapters.
package store

import (
	"context"
	"time"

	"github.com/example/arque/internal/event"
)

// SaveEventsRequest appends a batch of events. Aggregate.Version is the
// version the first event of the batch will occupy; the caller asserts
// the log currently ends at Version-1. Meta is merged under each event's
// own metadata, with the event's keys winning.
type SaveEventsRequest struct {
	Aggregate event.AggregateRef
	Timestamp time.Time
	Events    []*event.Event
	Meta      map[string][]byte
}

// ListEventsQuery filters the event log. Aggregate.Version, when an
// aggregate is given, is an exclusive lower bound: only events strictly
// after it are returned. Type filters by event type.
type ListEventsQuery struct {
	Aggregate *event.AggregateRef
	Type      *uint32
}

// Iterator yields events ordered by (aggregate id asc, version asc).
// Next returns (nil, nil) once the sequence is exhausted. Iterators are
// restartable in the sense that issuing the same query again yields the
// same events; they are not safe for concurrent use.
type Iterator interface {
	Next(ctx context.Context) (*event.Event, error)
	Close() error
}

// Store is the persistence contract. Implementations are long-lived,
// internally synchronized, and shared across the process.
type Store interface {
	// SaveEvents appends the batch atomically. It fails with
	// arqerr.FinalizedError when the aggregate is final and with
	// arqerr.VersionConflictError when another writer holds the
	// claimed version. Transient persistence faults are retried
	// internally before surfacing.
	SaveEvents(ctx context.Context, req SaveEventsRequest) error

	// ListEvents returns a lazy iterator over matching events.
	ListEvents(ctx context.Context, q ListEventsQuery) (Iterator, error)

	// FindLatestSnapshot returns the snapshot with the greatest
	// version strictly above ref.Version, or nil when none advances
	// the caller.
	FindLatestSnapshot(ctx context.Context, ref event.AggregateRef) (*event.Snapshot, error)

	// SaveSnapshot upserts on (aggregate id, version).
	SaveSnapshot(ctx context.Context, snap event.Snapshot) error

	// SaveCheckpoint upserts on (projection, aggregate id),
	// overwriting the version unconditionally; the projection is the
	// sole writer of its own checkpoints.
	SaveCheckpoint(ctx context.Context, cp event.Checkpoint) error

	// ShouldProcess reports whether the event at ref still needs
	// processing by the projection: true unless a checkpoint already
	// covers ref.Version.
	ShouldProcess(ctx context.Context, projection string, ref event.AggregateRef) (bool, error)

	// FinalizeAggregate marks the aggregate and its events final.
	// Idempotent; subsequent SaveEvents fail with
	// arqerr.FinalizedError.
	FinalizeAggregate(ctx context.Context, id event.AggregateID) error

	Close() error
}

// mergeBatchMeta resolves the effective metadata of an event within a
// batch: batch-level entries fill gaps, event-level entries win.
func mergeBatchMeta(ev *event.Event, batch map[string][]byte) map[string][]byte {
	if len(batch) == 0 {
		return ev.Meta
	}
	merged := make(map[string][]byte, len(batch)+len(ev.Meta))
	for k, v := range batch {
		merged[k] = v
	}
	for k, v := range ev.Meta {
		merged[k] = v
	}
	return merged
}
