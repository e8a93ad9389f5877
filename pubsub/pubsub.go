// Package pubsub carries advisory wake notifications between engine
// processes. Delivery is best effort: a lost message only delays work until
// the next durable wake scan.
package pubsub

import (
	"context"
	"sync"

	apperrors "github.com/goliatone/go-errors"
)

// DefaultBuffer is the per-subscription queue length. Messages published to
// a full subscription are dropped.
const DefaultBuffer = 64

// Message is one notification.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus publishes and subscribes to topics.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
	Close() error
}

// Subscription delivers messages for the topics it was opened with. Topics
// may be wildcard patterns (see Match).
type Subscription interface {
	C() <-chan Message
	Close() error
}

var errBusClosed = apperrors.New("pubsub bus closed", apperrors.CategoryBadInput).
	WithTextCode("PUBSUB_CLOSED")

type subSet map[*memorySub]struct{}

// MemoryBus is an in-process Bus. A subscription whose topics overlap
// receives each message once.
type MemoryBus struct {
	mu       sync.RWMutex
	subs     map[string]subSet
	patterns map[string]subSet
	buffer   int
	closed   bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:     make(map[string]subSet),
		patterns: make(map[string]subSet),
		buffer:   DefaultBuffer,
	}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	targets := make(subSet, len(b.subs[topic]))
	for sub := range b.subs[topic] {
		targets[sub] = struct{}{}
	}
	for pattern, set := range b.patterns {
		if !Match(pattern, topic) {
			continue
		}
		for sub := range set {
			targets[sub] = struct{}{}
		}
	}
	for sub := range targets {
		sub.deliver(Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topics ...string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}
	sub := &memorySub{bus: b, topics: topics, ch: make(chan Message, b.buffer)}
	exact, patterns := splitTopics(topics)
	addSub(b.subs, exact, sub)
	addSub(b.patterns, patterns, sub)
	return sub, nil
}

func addSub(index map[string]subSet, topics []string, sub *memorySub) {
	for _, topic := range topics {
		if index[topic] == nil {
			index[topic] = make(subSet)
		}
		index[topic][sub] = struct{}{}
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, index := range []map[string]subSet{b.subs, b.patterns} {
		for _, set := range index {
			for sub := range set {
				sub.closeLocked()
			}
		}
	}
	b.subs = make(map[string]subSet)
	b.patterns = make(map[string]subSet)
	return nil
}

type memorySub struct {
	bus    *MemoryBus
	topics []string
	ch     chan Message
	mu     sync.Mutex
	done   bool
}

func (s *memorySub) C() <-chan Message { return s.ch }

func (s *memorySub) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.ch <- msg:
	default:
	}
}

func (s *memorySub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for _, topic := range s.topics {
		delete(s.bus.subs[topic], s)
		delete(s.bus.patterns[topic], s)
	}
	s.closeLocked()
	return nil
}

func (s *memorySub) closeLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.ch)
	}
}
