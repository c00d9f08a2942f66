// Package stream defines the event transport contract: ordered per-key
// publish/subscribe over named streams, in decoded and raw modes.
package stream

import (
	"context"

	"github.com/example/arque/internal/event"
	"github.com/example/arque/internal/retry"
)

// Main is the single ingress stream every aggregate publishes to. The
// broker is its sole subscriber and fans events out to subscriber
// streams.
const Main = "main"

// DefaultPrefix namespaces the transport topics: stream s maps to topic
// "<prefix>.<s>".
const DefaultPrefix = "arque"

// Topic returns the transport topic for a stream name.
func Topic(prefix, stream string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "." + stream
}

// EventBatch publishes decoded events onto one stream.
type EventBatch struct {
	Stream string
	Events []*event.Event
}

// RawMessage is an encoded event frame plus the partition key it was
// consumed with. Raw mode never decodes the frame; the broker depends
// on the key surviving the fan-out so per-key ordering holds end to
// end.
type RawMessage struct {
	Key   []byte
	Value []byte
}

// RawBatch publishes raw frames onto one stream.
type RawBatch struct {
	Stream   string
	Messages []RawMessage
}

// EventHandler consumes a decoded event. Returning an error triggers
// redelivery under the subscriber's retry policy.
type EventHandler func(ctx context.Context, e *event.Event) error

// RawHandler consumes an encoded frame.
type RawHandler func(ctx context.Context, m RawMessage) error

// SubscribeOptions tune a subscription. The zero value retries every
// handler error under the default subscriber policy.
type SubscribeOptions struct {
	// RetryIf restricts which handler errors are retried; errors it
	// rejects are fatal for the subscription. Nil retries everything.
	RetryIf func(error) bool

	// Retry overrides the redelivery policy. Nil uses
	// retry.Subscriber.
	Retry *retry.Policy
}

// Policy resolves the effective redelivery policy.
func (o SubscribeOptions) Policy() retry.Policy {
	if o.Retry != nil {
		p := *o.Retry
		if p.RetryIf == nil {
			p.RetryIf = o.RetryIf
		}
		return p
	}
	return retry.Subscriber(o.RetryIf)
}

// Subscriber is a running subscription. Stop is graceful: the in-flight
// handler finishes (and its delivery is acknowledged) before the
// consumer disconnects.
type Subscriber interface {
	Stop() error
}

// Stream is the transport contract. Implementations guarantee that
// messages with equal partition keys are delivered in publish order,
// and that all subscribers of one stream form a single consumer group.
type Stream interface {
	SendEvents(ctx context.Context, batches []EventBatch) error
	SendRaw(ctx context.Context, batches []RawBatch) error
	Subscribe(ctx context.Context, stream string, h EventHandler, opts SubscribeOptions) (Subscriber, error)
	SubscribeRaw(ctx context.Context, stream string, h RawHandler, opts SubscribeOptions) (Subscriber, error)
	Close() error
}
