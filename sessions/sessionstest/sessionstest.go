// Package sessionstest holds a conformance suite shared by every
// sessions.Store implementation.
package sessionstest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/airtable-mcp-server/sessions"
	"github.com/stretchr/testify/require"
)

// StoreFactory creates a fresh store whose records live for ttl.
type StoreFactory func(t *testing.T, ttl time.Duration) sessions.Store

// RunStoreTests runs the conformance suite against stores produced by factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory) })
	t.Run("CreateRejectsDuplicate", func(t *testing.T) { testCreateRejectsDuplicate(t, factory) })
	t.Run("GetUnknown", func(t *testing.T) { testGetUnknown(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("TouchUnknown", func(t *testing.T) { testTouchUnknown(t, factory) })
	t.Run("RecordsExpire", func(t *testing.T) { testRecordsExpire(t, factory) })
	t.Run("TouchSlidesExpiry", func(t *testing.T) { testTouchSlidesExpiry(t, factory) })
}

func testCreateAndGet(t *testing.T, factory StoreFactory) {
	s := factory(t, time.Minute)
	ctx := context.Background()

	rec := sessions.Record{
		ID:              "sess-1",
		ProtocolVersion: "2025-06-18",
		Client:          sessions.ClientInfo{Name: "inspector", Version: "1.2.3"},
		CreatedAt:       time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, rec.ProtocolVersion, got.ProtocolVersion)
	require.Equal(t, rec.Client, got.Client)
	require.True(t, rec.CreatedAt.Equal(got.CreatedAt))
}

func testCreateRejectsDuplicate(t *testing.T, factory StoreFactory) {
	s := factory(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sessions.Record{ID: "dup", ProtocolVersion: "first"}))
	require.ErrorIs(t, s.Create(ctx, sessions.Record{ID: "dup", ProtocolVersion: "second"}), sessions.ErrSessionExists)

	got, err := s.Get(ctx, "dup")
	require.NoError(t, err)
	require.Equal(t, "first", got.ProtocolVersion)
}

func testGetUnknown(t *testing.T, factory StoreFactory) {
	s := factory(t, time.Minute)

	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, sessions.ErrSessionNotFound)
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sessions.Record{ID: "gone"}))
	require.NoError(t, s.Delete(ctx, "gone"))

	_, err := s.Get(ctx, "gone")
	require.ErrorIs(t, err, sessions.ErrSessionNotFound)
	require.ErrorIs(t, s.Delete(ctx, "gone"), sessions.ErrSessionNotFound)
}

func testTouchUnknown(t *testing.T, factory StoreFactory) {
	s := factory(t, time.Minute)

	require.ErrorIs(t, s.Touch(context.Background(), "missing"), sessions.ErrSessionNotFound)
}

func testRecordsExpire(t *testing.T, factory StoreFactory) {
	s := factory(t, 200*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sessions.Record{ID: "short"}))
	require.Eventually(t, func() bool {
		_, err := s.Get(ctx, "short")
		return err == sessions.ErrSessionNotFound
	}, 2*time.Second, 20*time.Millisecond)
}

func testTouchSlidesExpiry(t *testing.T, factory StoreFactory) {
	ttl := 600 * time.Millisecond
	s := factory(t, ttl)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sessions.Record{ID: "sliding"}))

	// Touch repeatedly for well past the original TTL.
	deadline := time.Now().Add(2 * ttl)
	for time.Now().Before(deadline) {
		require.NoError(t, s.Touch(ctx, "sliding"))
		time.Sleep(ttl / 4)
	}

	_, err := s.Get(ctx, "sliding")
	require.NoError(t, err)
}
