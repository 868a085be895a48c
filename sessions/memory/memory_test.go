package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/airtable-mcp-server/sessions"
	"github.com/ggoodman/airtable-mcp-server/sessions/sessionstest"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	sessionstest.RunStoreTests(t, func(t *testing.T, ttl time.Duration) sessions.Store {
		return New(ttl)
	})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestExpiryFollowsClock(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := New(time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sessions.Record{ID: "a"}))

	clock.Advance(59 * time.Second)
	require.NoError(t, s.Touch(ctx, "a"))

	clock.Advance(59 * time.Second)
	_, err := s.Get(ctx, "a")
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = s.Get(ctx, "a")
	require.ErrorIs(t, err, sessions.ErrSessionNotFound)
	require.Zero(t, s.Len())
}

func TestZeroTTLNeverExpires(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := New(0, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sessions.Record{ID: "a"}))
	clock.Advance(24 * 365 * time.Hour)

	_, err := s.Get(ctx, "a")
	require.NoError(t, err)
}

func TestExpiredIDCanBeReused(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := New(time.Second, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sessions.Record{ID: "a", ProtocolVersion: "old"}))
	clock.Advance(2 * time.Second)
	require.NoError(t, s.Create(ctx, sessions.Record{ID: "a", ProtocolVersion: "new"}))

	rec, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "new", rec.ProtocolVersion)
}
