package stream

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/example/arque/internal/event"
)

// Memory is an in-process Stream for tests and single-process setups.
// Every subscriber of a stream joins one consumer group: messages are
// routed to exactly one member by partition-key hash, and each member
// processes its queue serially, which preserves per-key order.
type Memory struct {
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
}

type memTopic struct {
	members []*memberSub
}

func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		prefix: DefaultPrefix,
		logger: logger,
		topics: make(map[string]*memTopic),
	}
}

func (m *Memory) SendEvents(ctx context.Context, batches []EventBatch) error {
	for _, batch := range batches {
		for _, ev := range batch.Events {
			frame, err := event.Marshal(ev)
			if err != nil {
				return fmt.Errorf("send events: %w", err)
			}
			msg := RawMessage{Key: ev.PartitionKey(), Value: frame}
			if err := m.deliver(ctx, batch.Stream, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Memory) SendRaw(ctx context.Context, batches []RawBatch) error {
	for _, batch := range batches {
		for _, msg := range batch.Messages {
			if err := m.deliver(ctx, batch.Stream, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Memory) deliver(ctx context.Context, stream string, msg RawMessage) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("send: stream closed")
	}
	topic := m.topics[Topic(m.prefix, stream)]
	var member *memberSub
	if topic != nil && len(topic.members) > 0 {
		h := fnv.New32a()
		h.Write(msg.Key)
		member = topic.members[h.Sum32()%uint32(len(topic.members))]
	}
	m.mu.Unlock()

	if member == nil {
		// No consumer group yet; the message is dropped like an
		// unsubscribed topic's would be.
		return nil
	}

	select {
	case member.queue <- msg:
		return nil
	case <-member.quit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Subscribe(ctx context.Context, stream string, h EventHandler, opts SubscribeOptions) (Subscriber, error) {
	return m.subscribe(ctx, stream, func(ctx context.Context, msg RawMessage) error {
		ev, err := event.Unmarshal(msg.Value)
		if err != nil {
			m.logger.Warn("dropping undecodable frame", "stream", stream, "error", err)
			return nil
		}
		return h(ctx, ev)
	}, opts)
}

func (m *Memory) SubscribeRaw(ctx context.Context, stream string, h RawHandler, opts SubscribeOptions) (Subscriber, error) {
	return m.subscribe(ctx, stream, h, opts)
}

func (m *Memory) subscribe(ctx context.Context, stream string, h RawHandler, opts SubscribeOptions) (Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("subscribe %s: stream closed", stream)
	}

	name := Topic(m.prefix, stream)
	topic := m.topics[name]
	if topic == nil {
		topic = &memTopic{}
		m.topics[name] = topic
	}

	member := &memberSub{
		bus:     m,
		topic:   name,
		handler: h,
		opts:    opts,
		ctx:     ctx,
		logger:  m.logger.With("topic", name),
		queue:   make(chan RawMessage, 4096),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	topic.members = append(topic.members, member)
	go member.run()
	return member, nil
}

func (m *Memory) remove(topicName string, member *memberSub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	topic := m.topics[topicName]
	if topic == nil {
		return
	}
	for i, candidate := range topic.members {
		if candidate == member {
			topic.members = append(topic.members[:i], topic.members[i+1:]...)
			return
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var members []*memberSub
	for _, topic := range m.topics {
		members = append(members, topic.members...)
	}
	m.mu.Unlock()

	for _, member := range members {
		member.Stop()
	}
	return nil
}

type memberSub struct {
	bus     *Memory
	topic   string
	handler RawHandler
	opts    SubscribeOptions
	ctx     context.Context
	logger  *slog.Logger

	queue   chan RawMessage
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func (s *memberSub) run() {
	defer close(s.stopped)
	policy := s.opts.Policy()
	for {
		select {
		case <-s.quit:
			return
		default:
		}
		select {
		case <-s.quit:
			return
		case msg := <-s.queue:
			err := policy.Do(s.ctx, func() error {
				return s.handler(s.ctx, msg)
			})
			if err != nil {
				// Retries exhausted or the error failed the
				// classification; the member stops and leaves
				// its group. The failed message is not
				// redelivered.
				s.logger.Error("handler failed, stopping subscriber", "error", err)
				s.bus.remove(s.topic, s)
				return
			}
		}
	}
}

// Stop removes the member from its consumer group and waits for the
// in-flight handler to finish.
func (s *memberSub) Stop() error {
	s.once.Do(func() {
		s.bus.remove(s.topic, s)
		close(s.quit)
	})
	<-s.stopped
	return nil
}
