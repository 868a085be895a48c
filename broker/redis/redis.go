// Package redis provides a broker.Bus backed by Redis pub/sub, so every
// server instance connected to the same Redis sees every publish.
package redis

import (
	"context"
	"fmt"

	"github.com/ggoodman/airtable-mcp-server/broker"
	"github.com/redis/go-redis/v9"
)

var _ broker.Bus = (*Bus)(nil)

// Bus is a Redis pub/sub implementation of broker.Bus.
type Bus struct {
	client    redis.UniversalClient
	keyPrefix string
}

// Config contains configuration options for the Redis bus.
type Config struct {
	// Client is the Redis client to use. If nil, a client for localhost:6379
	// is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to every channel name. Defaults to
	// "airtable-mcp:bus:".
	KeyPrefix string
}

// New creates a Redis-backed bus.
func New(config Config) *Bus {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "airtable-mcp:bus:"
	}

	return &Bus{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Close closes the Redis connection.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Publish implements broker.Bus.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	channel := b.channel(topic)
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements broker.Bus.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler broker.Handler) error {
	channel := b.channel(topic)

	ps := b.client.Subscribe(ctx, channel)
	defer ps.Close()

	// Wait for the subscription confirmation so publishes issued after this
	// point are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to subscribe to channel %s: %w", channel, err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to channel %s closed", channel)
			}
			if err := handler(ctx, []byte(msg.Payload)); err != nil {
				return err
			}
		}
	}
}

func (b *Bus) channel(topic string) string {
	return b.keyPrefix + topic
}
