// Package broker implements the fan-out router: the sole subscriber of
// the ingress stream, duplicating each event onto every subscriber
// stream whose registered event-type set contains it. Multiple broker
// instances in one consumer group split partitions between them while
// per-key order holds, because the fan-out republishes under the
// original partition key.
package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/arque/internal/event"
	"github.com/example/arque/internal/infrastructure/stream"
	"github.com/example/arque/internal/infrastructure/streamcfg"
)

type Broker struct {
	stream stream.Stream
	config streamcfg.Config
	logger *slog.Logger
	sub    stream.Subscriber
}

// Option configures the broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

func New(s stream.Stream, c streamcfg.Config, opts ...Option) *Broker {
	b := &Broker{
		stream: s,
		config: c,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start subscribes the broker to the ingress stream in raw mode. Frames
// are routed without decoding: only the event type is peeked from the
// envelope.
func (b *Broker) Start(ctx context.Context) error {
	if b.sub != nil {
		return fmt.Errorf("broker: already started")
	}
	sub, err := b.stream.SubscribeRaw(ctx, stream.Main, b.route, stream.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("broker: subscribe %s: %w", stream.Main, err)
	}
	b.sub = sub
	b.logger.Info("broker started", "ingress", stream.Main)
	return nil
}

func (b *Broker) route(ctx context.Context, m stream.RawMessage) error {
	eventType, err := event.PeekType(m.Value)
	if err != nil {
		// A frame this broker cannot parse will not parse on retry
		// either; drop it rather than wedge the partition.
		b.logger.Warn("dropping unroutable frame", "error", err)
		return nil
	}

	streams, err := b.config.FindStreams(ctx, eventType)
	if err != nil {
		return fmt.Errorf("find streams for type %d: %w", eventType, err)
	}
	if len(streams) == 0 {
		b.logger.Debug("no subscribers for event type", "type", eventType)
		return nil
	}

	batches := make([]stream.RawBatch, len(streams))
	for i, target := range streams {
		batches[i] = stream.RawBatch{
			Stream:   target,
			Messages: []stream.RawMessage{m},
		}
	}
	if err := b.stream.SendRaw(ctx, batches); err != nil {
		return fmt.Errorf("fan out type %d: %w", eventType, err)
	}
	return nil
}

// Stop unsubscribes gracefully; the in-flight fan-out completes first.
func (b *Broker) Stop() error {
	if b.sub == nil {
		return nil
	}
	err := b.sub.Stop()
	b.sub = nil
	return err
}
