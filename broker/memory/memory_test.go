package memory

import (
	"context"
	"testing"

	"github.com/ggoodman/airtable-mcp-server/broker"
	"github.com/ggoodman/airtable-mcp-server/broker/brokertest"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus(t *testing.T) {
	brokertest.RunBusTests(t, func(t *testing.T) broker.Bus {
		return New()
	})
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), "topic", []byte("x"))
	require.ErrorIs(t, err, broker.ErrClosed)

	err = b.Subscribe(context.Background(), "topic", func(context.Context, []byte) error { return nil })
	require.ErrorIs(t, err, broker.ErrClosed)
}

func TestUnsubscribedTopicsAreForgotten(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "topic", func(context.Context, []byte) error { return nil })
	}()
	require.Eventually(t, func() bool { return b.Subscribers("topic") == 1 }, brokertest.Timeout, brokertest.Tick)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	b.mu.RLock()
	defer b.mu.RUnlock()
	require.Empty(t, b.topics)
}
