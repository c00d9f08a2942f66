// Package projection implements the read side of the runtime: a
// supervised consumer that applies event handlers to a read model with
// at-least-once delivery from the transport and exactly-once effect per
// (projection, aggregate) through idempotent checkpointing.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/example/arque/internal/event"
	"github.com/example/arque/internal/infrastructure/store"
	"github.com/example/arque/internal/infrastructure/stream"
	"github.com/example/arque/internal/infrastructure/streamcfg"
)

// Handler applies one event type to the projection state. Handlers must
// be idempotent with respect to the state at the corresponding
// checkpoint: the transport may redeliver.
type Handler[S any] struct {
	Type   uint32
	Handle func(ctx context.Context, state S, e *event.Event) error
}

// Projection subscribes to its own stream (fed by the broker), applies
// handlers, and advances its checkpoints. The projection id doubles as
// its stream name.
type Projection[S any] struct {
	store    store.Store
	stream   stream.Stream
	config   streamcfg.Config
	handlers map[uint32]Handler[S]
	id       string
	state    S

	disableSaveStream bool
	logger            *slog.Logger

	lastEventAt atomic.Int64
	sub         stream.Subscriber
}

// Option configures a projection.
type Option[S any] func(*Projection[S])

// WithLogger sets the logger.
func WithLogger[S any](logger *slog.Logger) Option[S] {
	return func(p *Projection[S]) { p.logger = logger }
}

// WithoutSaveStream skips the config registration on Start, for
// projections whose routing is managed externally.
func WithoutSaveStream[S any]() Option[S] {
	return func(p *Projection[S]) { p.disableSaveStream = true }
}

func New[S any](
	st store.Store,
	sm stream.Stream,
	cfg streamcfg.Config,
	handlers []Handler[S],
	id string,
	state S,
	opts ...Option[S],
) (*Projection[S], error) {
	if id == "" {
		return nil, fmt.Errorf("projection: id is required")
	}
	if len(handlers) == 0 {
		return nil, fmt.Errorf("projection %s: at least one handler is required", id)
	}
	p := &Projection[S]{
		store:    st,
		stream:   sm,
		config:   cfg,
		handlers: make(map[uint32]Handler[S], len(handlers)),
		id:       id,
		state:    state,
		logger:   slog.Default(),
	}
	for _, h := range handlers {
		p.handlers[h.Type] = h
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("projection", id)
	return p, nil
}

// ID returns the projection id.
func (p *Projection[S]) ID() string {
	return p.id
}

// State returns the projection's read-model state.
func (p *Projection[S]) State() S {
	return p.state
}

// Start registers the projection's event-type interest with the config
// (which makes the broker route matching events here) and subscribes to
// the projection's stream.
func (p *Projection[S]) Start(ctx context.Context) error {
	if p.sub != nil {
		return fmt.Errorf("projection %s: already started", p.id)
	}

	if !p.disableSaveStream {
		types := make([]uint32, 0, len(p.handlers))
		for t := range p.handlers {
			types = append(types, t)
		}
		err := p.config.SaveStream(ctx, streamcfg.Registration{ID: p.id, Events: types})
		if err != nil {
			return fmt.Errorf("projection %s: register stream: %w", p.id, err)
		}
	}

	sub, err := p.stream.Subscribe(ctx, p.id, p.onEvent, stream.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("projection %s: subscribe: %w", p.id, err)
	}
	p.sub = sub
	p.lastEventAt.Store(time.Now().UnixNano())
	p.logger.Info("projection started")
	return nil
}

func (p *Projection[S]) onEvent(ctx context.Context, e *event.Event) error {
	p.lastEventAt.Store(time.Now().UnixNano())

	handler, ok := p.handlers[e.Type]
	if !ok {
		p.logger.Warn("no handler for event type", "type", e.Type)
		return nil
	}

	shouldProcess, err := p.store.ShouldProcess(ctx, p.id, e.Aggregate)
	if err != nil {
		return fmt.Errorf("check checkpoint: %w", err)
	}
	if !shouldProcess {
		p.logger.Debug("skipping duplicate",
			"aggregate_id", e.Aggregate.ID, "aggregate_version", e.Aggregate.Version)
		return nil
	}

	// Handler errors propagate so the subscriber redelivers; the
	// checkpoint only moves once the handler's effects landed.
	if err := handler.Handle(ctx, p.state, e); err != nil {
		return err
	}

	err = p.store.SaveCheckpoint(ctx, event.Checkpoint{
		Projection: p.id,
		Aggregate:  e.Aggregate,
		Timestamp:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// WaitUntilSettled blocks until no event has arrived for the duration,
// polling twice a second. Tests and batch jobs use it to drain.
func (p *Projection[S]) WaitUntilSettled(ctx context.Context, d time.Duration) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		last := time.Unix(0, p.lastEventAt.Load())
		if time.Since(last) >= d {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop unsubscribes; the in-flight handler completes and its checkpoint
// saves before the consumer disconnects.
func (p *Projection[S]) Stop() error {
	if p.sub == nil {
		return nil
	}
	err := p.sub.Stop()
	p.sub = nil
	return err
}
