// Package brokertest holds a conformance suite shared by every broker.Bus
// implementation.
package brokertest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/airtable-mcp-server/broker"
	"github.com/stretchr/testify/require"
)

const (
	Timeout = 2 * time.Second
	Tick    = 10 * time.Millisecond
)

var probe = []byte("__brokertest_probe__")

// BusFactory creates a fresh bus for one sub-test.
type BusFactory func(t *testing.T) broker.Bus

// RunBusTests runs the conformance suite against buses produced by factory.
func RunBusTests(t *testing.T, factory BusFactory) {
	t.Run("PublishSubscribe", func(t *testing.T) { testPublishSubscribe(t, factory(t)) })
	t.Run("FanOut", func(t *testing.T) { testFanOut(t, factory(t)) })
	t.Run("TopicIsolation", func(t *testing.T) { testTopicIsolation(t, factory(t)) })
	t.Run("OrderPreserved", func(t *testing.T) { testOrderPreserved(t, factory(t)) })
	t.Run("ContextCancellationEndsSubscription", func(t *testing.T) { testContextCancellation(t, factory(t)) })
	t.Run("HandlerErrorEndsSubscription", func(t *testing.T) { testHandlerError(t, factory(t)) })
	t.Run("PublishWithoutSubscribers", func(t *testing.T) { testPublishWithoutSubscribers(t, factory(t)) })
}

type recorder struct {
	mu    sync.Mutex
	ready bool
	msgs  [][]byte
}

func (r *recorder) handle(_ context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bytes.Equal(payload, probe) {
		r.ready = true
		return nil
	}
	r.msgs = append(r.msgs, payload)
	return nil
}

func (r *recorder) isReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = string(m)
	}
	return out
}

func subscribe(ctx context.Context, b broker.Bus, topic string) (*recorder, <-chan error) {
	rec := &recorder{}
	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, topic, rec.handle) }()
	return rec, done
}

// awaitSubscribed publishes probes until every recorder has seen one, which
// proves the subscription is attached.
func awaitSubscribed(t *testing.T, ctx context.Context, b broker.Bus, topic string, recs ...*recorder) {
	t.Helper()
	require.Eventually(t, func() bool {
		if err := b.Publish(ctx, topic, probe); err != nil {
			return false
		}
		for _, r := range recs {
			if !r.isReady() {
				return false
			}
		}
		return true
	}, Timeout, Tick)
}

func testPublishSubscribe(t *testing.T, b broker.Bus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, done := subscribe(ctx, b, "pubsub")
	awaitSubscribed(t, ctx, b, "pubsub", rec)

	require.NoError(t, b.Publish(ctx, "pubsub", []byte("hello")))
	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, Timeout, Tick)
	require.Equal(t, []string{"hello"}, rec.messages())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func testFanOut(t *testing.T, b broker.Bus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec1, done1 := subscribe(ctx, b, "fanout")
	rec2, done2 := subscribe(ctx, b, "fanout")
	awaitSubscribed(t, ctx, b, "fanout", rec1, rec2)

	require.NoError(t, b.Publish(ctx, "fanout", []byte("both")))
	require.Eventually(t, func() bool {
		return len(rec1.messages()) == 1 && len(rec2.messages()) == 1
	}, Timeout, Tick)

	cancel()
	<-done1
	<-done2
}

func testTopicIsolation(t *testing.T, b broker.Bus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recA, doneA := subscribe(ctx, b, "topic-a")
	recB, doneB := subscribe(ctx, b, "topic-b")
	awaitSubscribed(t, ctx, b, "topic-a", recA)
	awaitSubscribed(t, ctx, b, "topic-b", recB)

	require.NoError(t, b.Publish(ctx, "topic-a", []byte("for-a")))
	require.NoError(t, b.Publish(ctx, "topic-b", []byte("for-b")))

	require.Eventually(t, func() bool {
		return len(recA.messages()) == 1 && len(recB.messages()) == 1
	}, Timeout, Tick)
	require.Equal(t, []string{"for-a"}, recA.messages())
	require.Equal(t, []string{"for-b"}, recB.messages())

	cancel()
	<-doneA
	<-doneB
}

func testOrderPreserved(t *testing.T, b broker.Bus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, done := subscribe(ctx, b, "ordered")
	awaitSubscribed(t, ctx, b, "ordered", rec)

	want := []string{"1", "2", "3", "4", "5"}
	for _, m := range want {
		require.NoError(t, b.Publish(ctx, "ordered", []byte(m)))
	}
	require.Eventually(t, func() bool { return len(rec.messages()) == len(want) }, Timeout, Tick)
	require.Equal(t, want, rec.messages())

	cancel()
	<-done
}

func testContextCancellation(t *testing.T, b broker.Bus) {
	ctx, cancel := context.WithCancel(context.Background())

	rec, done := subscribe(ctx, b, "cancel")
	awaitSubscribed(t, ctx, b, "cancel", rec)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(Timeout):
		t.Fatal("subscription did not end after cancellation")
	}
}

func testHandlerError(t *testing.T, b broker.Bus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("boom")
	ready := &recorder{}
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "failing", func(ctx context.Context, payload []byte) error {
			if bytes.Equal(payload, probe) {
				return ready.handle(ctx, payload)
			}
			return boom
		})
	}()
	awaitSubscribed(t, ctx, b, "failing", ready)

	require.NoError(t, b.Publish(ctx, "failing", []byte("explode")))
	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
	case <-time.After(Timeout):
		t.Fatal("subscription did not end after handler error")
	}
}

func testPublishWithoutSubscribers(t *testing.T, b broker.Bus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, b.Publish(ctx, "nobody-listening", []byte("dropped")))
}
