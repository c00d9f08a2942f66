// Package aggregate implements the command side of the runtime: an
// event-sourced aggregate replays its log into domain state, turns
// commands into new events under optimistic concurrency, and snapshots
// its state at intervals to bound replay cost.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/arque/internal/arqerr"
	"github.com/example/arque/internal/codec"
	"github.com/example/arque/internal/event"
	"github.com/example/arque/internal/infrastructure/store"
	"github.com/example/arque/internal/infrastructure/stream"
)

// Command is a request to change an aggregate, dispatched by type.
type Command struct {
	Type    uint32
	Payload any
}

// Context is the read-only view a command handler decides on.
type Context[S any] struct {
	Aggregate event.AggregateRef
	State     S
	Timestamp time.Time
}

// CommandHandler turns a command into the events it implies, or returns
// a domain error. Handlers must not mutate state; all state transitions
// go through event handlers so replay stays deterministic.
type CommandHandler[S any] func(ctx context.Context, cc Context[S], cmd Command) ([]event.Draft, error)

// EventHandler folds one event into the state.
type EventHandler[S any] func(state S, e *event.Event) (S, error)

// Config assembles an aggregate. Store and Stream are required; a
// command or event type missing from the handler maps has no handler.
type Config[S any] struct {
	Store  store.Store
	Stream stream.Stream

	// Snapshots serializes snapshot writes. Optional: when nil the
	// aggregate runs its own queue; the factory shares one queue
	// across all aggregates of a store.
	Snapshots *store.SnapshotQueue

	InitialState    S
	CommandHandlers map[uint32]CommandHandler[S]
	EventHandlers   map[uint32]EventHandler[S]

	// SnapshotInterval is the version period between snapshots.
	// Zero means the default of 20; negative disables snapshotting.
	SnapshotInterval int

	// ShouldSnapshot overrides the interval check when set.
	ShouldSnapshot func(state S, version uint32) bool

	// EncodeState/DecodeState serialize snapshot state. Default is
	// the canonical CBOR codec.
	EncodeState func(S) ([]byte, error)
	DecodeState func([]byte) (S, error)

	// RetryAttempts caps the reload-and-reprocess cycles on version
	// conflicts. Zero means the default of 20.
	RetryAttempts int

	Logger *slog.Logger
}

const (
	defaultSnapshotInterval = 20
	defaultRetryAttempts    = 20
)

func (cfg Config[S]) normalize() (Config[S], error) {
	if cfg.Store == nil {
		return cfg, fmt.Errorf("aggregate: store is required")
	}
	if cfg.Stream == nil {
		return cfg, fmt.Errorf("aggregate: stream is required")
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = defaultSnapshotInterval
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.EncodeState == nil {
		cfg.EncodeState = func(s S) ([]byte, error) { return codec.CBOR.Marshal(s) }
	}
	if cfg.DecodeState == nil {
		cfg.DecodeState = func(b []byte) (S, error) {
			var s S
			err := codec.CBOR.Unmarshal(b, &s)
			return s, err
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg, nil
}

// Aggregate is one live aggregate instance. Process calls on the same
// instance are serialized; cross-instance and cross-process writers are
// serialized by the store's version check instead.
type Aggregate[S any] struct {
	cfg       Config[S]
	id        event.AggregateID
	snapshots *store.SnapshotQueue

	procMu  sync.Mutex
	reloads singleflight.Group

	mu      sync.RWMutex
	version uint32
	state   S
}

func New[S any](cfg Config[S], id event.AggregateID) (*Aggregate[S], error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	snapshots := cfg.Snapshots
	if snapshots == nil {
		snapshots = store.NewSnapshotQueue(cfg.Store, cfg.Logger)
	}
	return &Aggregate[S]{
		cfg:       cfg,
		id:        id,
		snapshots: snapshots,
		state:     cfg.InitialState,
	}, nil
}

func (a *Aggregate[S]) ID() event.AggregateID {
	return a.id
}

func (a *Aggregate[S]) Version() uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

func (a *Aggregate[S]) State() S {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Reload advances the in-memory state to the tip of the log, taking the
// latest snapshot that helps and folding the trailing events. Concurrent
// reloads coalesce onto a single store round-trip.
func (a *Aggregate[S]) Reload(ctx context.Context) error {
	_, err, _ := a.reloads.Do("reload", func() (any, error) {
		return nil, a.doReload(ctx)
	})
	return err
}

func (a *Aggregate[S]) doReload(ctx context.Context) error {
	a.mu.RLock()
	version, state := a.version, a.state
	a.mu.RUnlock()

	snap, err := a.cfg.Store.FindLatestSnapshot(ctx, event.AggregateRef{ID: a.id, Version: version})
	if err != nil {
		return fmt.Errorf("reload %s: find snapshot: %w", a.id, err)
	}
	if snap != nil {
		state, err = a.cfg.DecodeState(snap.State)
		if err != nil {
			return fmt.Errorf("reload %s: decode snapshot at %d: %w", a.id, snap.Aggregate.Version, err)
		}
		version = snap.Aggregate.Version
	}

	it, err := a.cfg.Store.ListEvents(ctx, store.ListEventsQuery{
		Aggregate: &event.AggregateRef{ID: a.id, Version: version},
	})
	if err != nil {
		return fmt.Errorf("reload %s: list events: %w", a.id, err)
	}
	defer it.Close()

	for {
		ev, err := it.Next(ctx)
		if err != nil {
			return fmt.Errorf("reload %s: read events: %w", a.id, err)
		}
		if ev == nil {
			break
		}
		// Events without a registered handler still advance the
		// version: they are facts this instance does not care about.
		if handler, ok := a.cfg.EventHandlers[ev.Type]; ok {
			state, err = handler(state, ev)
			if err != nil {
				return fmt.Errorf("reload %s: apply event %d at %d: %w", a.id, ev.Type, ev.Aggregate.Version, err)
			}
		}
		version = ev.Aggregate.Version
	}

	a.mu.Lock()
	if version > a.version {
		a.version, a.state = version, state
	}
	a.mu.Unlock()
	return nil
}

// ProcessOption tunes one Process call.
type ProcessOption func(*processOptions)

type processOptions struct {
	noReload bool
	meta     map[string][]byte
}

// WithNoReload skips the reload before handling; the caller asserts the
// instance is already at the tip.
func WithNoReload() ProcessOption {
	return func(o *processOptions) { o.noReload = true }
}

// WithMeta attaches batch-level metadata to every produced event.
// Setting event.MetaCtx here pins the batch's partition.
func WithMeta(meta map[string][]byte) ProcessOption {
	return func(o *processOptions) { o.meta = meta }
}

// Process runs the command handler, persists the produced events, folds
// them into the state, and publishes them to the ingress stream.
// Version conflicts trigger reload-and-reprocess up to the configured
// attempt cap; domain errors surface immediately and unchanged.
func (a *Aggregate[S]) Process(ctx context.Context, cmd Command, opts ...ProcessOption) error {
	var po processOptions
	for _, opt := range opts {
		opt(&po)
	}

	a.procMu.Lock()
	defer a.procMu.Unlock()

	if !po.noReload {
		if err := a.Reload(ctx); err != nil {
			return err
		}
	}

	handler, ok := a.cfg.CommandHandlers[cmd.Type]
	if !ok {
		return &arqerr.HandlerMissingError{Kind: "command", Type: cmd.Type}
	}

	for attempt := 1; ; attempt++ {
		a.mu.RLock()
		ref := event.AggregateRef{ID: a.id, Version: a.version}
		state := a.state
		a.mu.RUnlock()

		now := time.Now()
		drafts, err := handler(ctx, Context[S]{Aggregate: ref, State: state, Timestamp: now}, cmd)
		if err != nil {
			return arqerr.Domain(err)
		}
		if len(drafts) == 0 {
			return fmt.Errorf("process command %d: handler produced no events", cmd.Type)
		}

		// Batch metadata is merged here, before persisting, so the
		// published copies carry it too; the partition key in
		// particular must reach the wire.
		events := make([]*event.Event, len(drafts))
		for i, draft := range drafts {
			events[i] = &event.Event{
				ID:   event.NewID(),
				Type: draft.Type,
				Aggregate: event.AggregateRef{
					ID:      a.id,
					Version: ref.Version + 1 + uint32(i),
				},
				Body:      draft.Body,
				Meta:      mergeMeta(draft.Meta, po.meta),
				Timestamp: now,
			}
		}

		err = a.cfg.Store.SaveEvents(ctx, store.SaveEventsRequest{
			Aggregate: event.AggregateRef{ID: a.id, Version: ref.Version + 1},
			Timestamp: now,
			Events:    events,
		})
		if err != nil {
			if arqerr.IsVersionConflict(err) && attempt < a.cfg.RetryAttempts {
				if rerr := a.Reload(ctx); rerr != nil {
					return rerr
				}
				continue
			}
			return err
		}

		version := ref.Version
		newState := state
		for _, ev := range events {
			if h, ok := a.cfg.EventHandlers[ev.Type]; ok {
				newState, err = h(newState, ev)
				if err != nil {
					return fmt.Errorf("apply event %d at %d: %w", ev.Type, ev.Aggregate.Version, err)
				}
			}
			version = ev.Aggregate.Version
		}
		a.mu.Lock()
		a.version, a.state = version, newState
		a.mu.Unlock()

		if err := a.cfg.Stream.SendEvents(ctx, []stream.EventBatch{{Stream: stream.Main, Events: events}}); err != nil {
			return fmt.Errorf("publish events: %w", err)
		}

		a.maybeSnapshot(version, newState, now)
		return nil
	}
}

// mergeMeta layers batch metadata under the draft's own entries; the
// draft's keys win.
func mergeMeta(draft, batch map[string][]byte) map[string][]byte {
	if len(batch) == 0 {
		return draft
	}
	merged := make(map[string][]byte, len(batch)+len(draft))
	for k, v := range batch {
		merged[k] = v
	}
	for k, v := range draft {
		merged[k] = v
	}
	return merged
}

func (a *Aggregate[S]) maybeSnapshot(version uint32, state S, ts time.Time) {
	take := false
	switch {
	case a.cfg.ShouldSnapshot != nil:
		take = a.cfg.ShouldSnapshot(state, version)
	case a.cfg.SnapshotInterval > 0:
		take = version%uint32(a.cfg.SnapshotInterval) == 0
	}
	if !take {
		return
	}
	encoded, err := a.cfg.EncodeState(state)
	if err != nil {
		a.cfg.Logger.Warn("encode snapshot state failed",
			"aggregate_id", a.id, "aggregate_version", version, "error", err)
		return
	}
	a.snapshots.Enqueue(event.Snapshot{
		Aggregate: event.AggregateRef{ID: a.id, Version: version},
		State:     encoded,
		Timestamp: ts,
	})
}
