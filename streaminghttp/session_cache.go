package streaminghttp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ggoodman/airtable-mcp-server/internal/engine"
	"github.com/ggoodman/airtable-mcp-server/sessions"
)

// loadSession validates id against the store, slides its TTL and returns
// this instance's coordinator for it, restoring one if the session was
// created elsewhere.
func (h *StreamingHTTPHandler) loadSession(ctx context.Context, id string) (*engine.Session, error) {
	if err := h.store.Touch(ctx, id); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			h.evict(id, "session expired")
		}
		return nil, err
	}

	if sess, ok := h.cached(id); ok {
		return sess, nil
	}

	rec, err := h.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if sess, ok := h.cache[id]; ok {
		return sess, nil
	}
	sess := h.eng.RestoreSession(rec.ID, rec.ProtocolVersion)
	h.cache[id] = sess
	h.activeSessions.Set(float64(len(h.cache)))
	h.log.InfoContext(ctx, "session.restore.ok", slog.String("session_id", id))
	return sess, nil
}

func (h *StreamingHTTPHandler) cached(id string) (*engine.Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.cache[id]
	return sess, ok
}

func (h *StreamingHTTPHandler) remember(sess *engine.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cache[sess.ID()] = sess
	h.activeSessions.Set(float64(len(h.cache)))
}

// evict drops the local coordinator for id, cancelling its in-flight calls.
func (h *StreamingHTTPHandler) evict(id, reason string) {
	h.mu.Lock()
	sess, ok := h.cache[id]
	if ok {
		delete(h.cache, id)
		h.activeSessions.Set(float64(len(h.cache)))
	}
	h.mu.Unlock()

	if ok {
		sess.Close(reason)
	}
}

func (h *StreamingHTTPHandler) sweepExpired(ctx context.Context) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.cache))
	for id := range h.cache {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		_, err := h.store.Get(ctx, id)
		if errors.Is(err, sessions.ErrSessionNotFound) {
			h.evict(id, "session expired")
			h.log.InfoContext(ctx, "session.sweep.evicted", slog.String("session_id", id))
			continue
		}
		if err != nil && ctx.Err() == nil {
			h.log.WarnContext(ctx, "session.sweep.fail", slog.String("session_id", id), slog.String("err", err.Error()))
		}
	}
}

func (h *StreamingHTTPHandler) closeAll(reason string) {
	h.mu.Lock()
	all := h.cache
	h.cache = make(map[string]*engine.Session)
	h.activeSessions.Set(0)
	h.mu.Unlock()

	for _, sess := range all {
		sess.Close(reason)
	}
}

// CachedSessions reports how many sessions have a coordinator on this instance.
func (h *StreamingHTTPHandler) CachedSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cache)
}
