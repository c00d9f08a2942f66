// Package kafka implements the stream contract on Apache Kafka via
// segmentio/kafka-go. Partitioning is by message key, so events sharing
// a partition key keep their order across the broker fan-out; consumer
// groups are named after their topic, so all subscribers of one stream
// share partitions.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/arque/internal/event"
	"github.com/example/arque/internal/infrastructure/stream"
)

// Stream is the Kafka-backed transport.
type Stream struct {
	brokers []string
	prefix  string
	logger  *slog.Logger

	mu          sync.Mutex
	writers     map[string]*kafka.Writer
	subscribers []*subscriber
	closed      bool
}

// Option configures the Kafka stream.
type Option func(*Stream)

// WithPrefix overrides the topic prefix.
func WithPrefix(prefix string) Option {
	return func(s *Stream) { s.prefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stream) { s.logger = logger }
}

func New(brokers []string, opts ...Option) *Stream {
	s := &Stream{
		brokers: brokers,
		prefix:  stream.DefaultPrefix,
		logger:  slog.Default(),
		writers: make(map[string]*kafka.Writer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stream) writer(topic string) (*kafka.Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("kafka: stream closed")
	}
	if w, ok := s.writers[topic]; ok {
		return w, nil
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(s.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	s.writers[topic] = w
	return w, nil
}

func (s *Stream) SendEvents(ctx context.Context, batches []stream.EventBatch) error {
	for _, batch := range batches {
		msgs := make([]kafka.Message, 0, len(batch.Events))
		for _, ev := range batch.Events {
			frame, err := event.Marshal(ev)
			if err != nil {
				return fmt.Errorf("kafka: send events: %w", err)
			}
			msgs = append(msgs, kafka.Message{
				Key:   ev.PartitionKey(),
				Value: frame,
				Time:  ev.Timestamp,
			})
		}
		if err := s.write(ctx, batch.Stream, msgs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) SendRaw(ctx context.Context, batches []stream.RawBatch) error {
	for _, batch := range batches {
		msgs := make([]kafka.Message, 0, len(batch.Messages))
		for _, m := range batch.Messages {
			msgs = append(msgs, kafka.Message{Key: m.Key, Value: m.Value})
		}
		if err := s.write(ctx, batch.Stream, msgs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) write(ctx context.Context, streamName string, msgs []kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	w, err := s.writer(stream.Topic(s.prefix, streamName))
	if err != nil {
		return err
	}
	if err := w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka: write %s: %w", w.Topic, err)
	}
	return nil
}

func (s *Stream) Subscribe(ctx context.Context, streamName string, h stream.EventHandler, opts stream.SubscribeOptions) (stream.Subscriber, error) {
	return s.subscribe(ctx, streamName, func(ctx context.Context, m stream.RawMessage) error {
		ev, err := event.Unmarshal(m.Value)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", "stream", streamName, "error", err)
			return nil
		}
		return h(ctx, ev)
	}, opts)
}

func (s *Stream) SubscribeRaw(ctx context.Context, streamName string, h stream.RawHandler, opts stream.SubscribeOptions) (stream.Subscriber, error) {
	return s.subscribe(ctx, streamName, h, opts)
}

func (s *Stream) subscribe(ctx context.Context, streamName string, h stream.RawHandler, opts stream.SubscribeOptions) (stream.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("kafka: stream closed")
	}

	topic := stream.Topic(s.prefix, streamName)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  s.brokers,
		Topic:    topic,
		GroupID:  topic,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		reader:  reader,
		handler: h,
		opts:    opts,
		logger:  s.logger.With("topic", topic),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.subscribers = append(s.subscribers, sub)
	go sub.run(subCtx)
	return sub, nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	writers := s.writers
	subscribers := s.subscribers
	s.writers = nil
	s.subscribers = nil
	s.mu.Unlock()

	var firstErr error
	for _, sub := range subscribers {
		if err := sub.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type subscriber struct {
	reader  *kafka.Reader
	handler stream.RawHandler
	opts    stream.SubscribeOptions
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) run(ctx context.Context) {
	defer close(s.done)
	policy := s.opts.Policy()

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			s.logger.Warn("fetch failed", "error", err)
			continue
		}

		// The handler runs to completion even when Stop cancels the
		// subscription mid-flight.
		hctx := context.WithoutCancel(ctx)
		err = policy.Do(hctx, func() error {
			return s.handler(hctx, stream.RawMessage{Key: msg.Key, Value: msg.Value})
		})
		if err != nil {
			// Not committed: the partition stays blocked on this
			// message, which is deliberate backpressure.
			s.logger.Error("handler failed, stopping subscriber",
				"partition", msg.Partition, "offset", msg.Offset, "error", err)
			return
		}

		if err := s.reader.CommitMessages(hctx, msg); err != nil {
			s.logger.Warn("commit failed", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

// Stop cancels the fetch loop, waits for the in-flight handler, and
// closes the reader so its partitions rebalance to the group.
func (s *subscriber) Stop() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		err = s.reader.Close()
	})
	return err
}
