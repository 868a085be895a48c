// Package broker fans small control messages out to every server instance
// sharing a deployment. The streaming HTTP transport uses it to deliver
// cancellation notifications to whichever instance is executing a call.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a Bus that has been closed.
var ErrClosed = errors.New("broker: closed")

// Handler receives one published payload. Returning an error ends the
// subscription with that error.
type Handler func(ctx context.Context, payload []byte) error

// Bus is a topic-based publish/subscribe channel with at-most-once delivery.
// Payloads published before a subscriber attaches are not replayed.
type Bus interface {
	// Publish delivers payload to every current subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe invokes handler for every payload published to topic until
	// ctx is done or handler fails. It blocks for the life of the
	// subscription and returns ctx.Err() on cancellation.
	Subscribe(ctx context.Context, topic string, handler Handler) error
}
