package pubsub

import (
	"context"
	"strings"
	"sync"

	apperrors "github.com/goliatone/go-errors"
	"github.com/redis/go-redis/v9"
)

// RedisBus maps topics to Redis pub/sub channels under a prefix.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	buffer int
}

// NewRedisBus wraps client. The client is owned by the caller.
func NewRedisBus(client redis.UniversalClient, prefix string) *RedisBus {
	return &RedisBus{client: client, prefix: prefix, buffer: DefaultBuffer}
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + topic
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.CategoryExternal, "redis publish").
			WithMetadata(map[string]any{"topic": topic})
	}
	return nil
}

// redisGlob turns a topic pattern into a Redis PSUBSCRIBE glob. Redis "*"
// also spans separators, so pattern messages are filtered again with Match.
func redisGlob(pattern string) string {
	parts := strings.Split(pattern, topicSeparator)
	for i, part := range parts {
		if part == wildcardOne || part == wildcardMany {
			parts[i] = "*"
			continue
		}
		parts[i] = globEscaper.Replace(part)
	}
	return strings.Join(parts, topicSeparator)
}

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// Subscribe waits for Redis to confirm every channel and pattern before
// returning, so messages published afterwards are delivered.
func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	exact, patterns := splitTopics(topics)
	channels := make([]string, len(exact))
	for i, topic := range exact {
		channels[i] = b.channel(topic)
	}
	globs := make([]string, len(patterns))
	for i, pattern := range patterns {
		globs[i] = globEscaper.Replace(b.prefix) + redisGlob(pattern)
	}

	ps := b.client.Subscribe(ctx, channels...)
	if err := b.confirm(ctx, ps, len(channels), globs); err != nil {
		_ = ps.Close()
		return nil, apperrors.Wrap(err, apperrors.CategoryExternal, "redis subscribe").
			WithMetadata(map[string]any{"topics": topics})
	}
	sub := &redisSub{ps: ps, patterns: patterns, ch: make(chan Message, b.buffer), done: make(chan struct{})}
	go sub.forward(b.prefix)
	return sub, nil
}

func (b *RedisBus) confirm(ctx context.Context, ps *redis.PubSub, channels int, globs []string) error {
	if len(globs) > 0 {
		if err := ps.PSubscribe(ctx, globs...); err != nil {
			return err
		}
	}
	for pending := channels + len(globs); pending > 0; {
		msg, err := ps.Receive(ctx)
		if err != nil {
			return err
		}
		if _, ok := msg.(*redis.Subscription); ok {
			pending--
		}
	}
	return nil
}

func (b *RedisBus) Close() error { return nil }

type redisSub struct {
	ps       *redis.PubSub
	patterns []string
	ch       chan Message
	done     chan struct{}
	once     sync.Once
}

func (s *redisSub) wants(msg *redis.Message, topic string) bool {
	if msg.Pattern == "" {
		return true
	}
	for _, pattern := range s.patterns {
		if Match(pattern, topic) {
			return true
		}
	}
	return false
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) forward(prefix string) {
	defer close(s.ch)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			topic := strings.TrimPrefix(msg.Channel, prefix)
			if !s.wants(msg, topic) {
				continue
			}
			out := Message{Topic: topic, Payload: []byte(msg.Payload)}
			select {
			case s.ch <- out:
			default:
			}
		}
	}
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
