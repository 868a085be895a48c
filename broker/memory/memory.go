// Package memory provides an in-process broker.Bus. It is suitable for
// single-node deployments and tests.
package memory

import (
	"context"
	"sync"

	"github.com/ggoodman/airtable-mcp-server/broker"
)

const subscriberBuffer = 64

var _ broker.Bus = (*Bus)(nil)

// Bus implements broker.Bus with per-subscriber buffered channels.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch   chan []byte
	done chan struct{}
}

// New creates an empty in-memory bus.
func New() *Bus {
	return &Bus{topics: make(map[string]map[*subscriber]struct{})}
}

// Publish implements broker.Bus. It blocks while a subscriber's buffer is
// full, until ctx is done.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return broker.ErrClosed
	}
	subs := make([]*subscriber, 0, len(b.topics[topic]))
	for s := range b.topics[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		msg := append([]byte(nil), payload...)
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Subscribe implements broker.Bus.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler broker.Handler) error {
	s := &subscriber{
		ch:   make(chan []byte, subscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return broker.ErrClosed
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*subscriber]struct{})
	}
	b.topics[topic][s] = struct{}{}
	b.mu.Unlock()

	defer func() {
		close(s.done)
		b.mu.Lock()
		delete(b.topics[topic], s)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.ch:
			if err := handler(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// Close rejects further publishes and subscriptions. Active subscriptions
// end when their contexts do.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Subscribers reports how many subscriptions are attached to topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
