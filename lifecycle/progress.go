package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/airtable-mcp-server/mcp"
)

// Progress is one progress event reported by a handler. Total is optional;
// a zero Total means the amount of work is unknown and is omitted on the
// wire.
type Progress struct {
	Progress float64
	Total    float64
	Message  string
}

// ProgressSink delivers progress notifications to the caller. Transports
// implement it on top of their outbound message stream.
type ProgressSink interface {
	SendProgress(ctx context.Context, params mcp.ProgressNotificationParams) error
}

// ProgressSinkFunc adapts a function to ProgressSink.
type ProgressSinkFunc func(ctx context.Context, params mcp.ProgressNotificationParams) error

func (f ProgressSinkFunc) SendProgress(ctx context.Context, params mcp.ProgressNotificationParams) error {
	return f(ctx, params)
}

// ProgressCorrelator maps caller progress tokens to the sink that reaches
// the caller. Events for a token are delivered in the order they were
// emitted; events for unknown, completed or cancelled requests are dropped.
type ProgressCorrelator struct {
	mu      sync.Mutex
	entries map[string]*progressEntry

	log     *slog.Logger
	metrics *Metrics
}

// NewProgressCorrelator returns an empty correlator.
func NewProgressCorrelator() *ProgressCorrelator {
	return &ProgressCorrelator{
		entries: make(map[string]*progressEntry),
		log:     slog.Default(),
	}
}

type progressEntry struct {
	mu     sync.Mutex
	token  mcp.ProgressToken
	sink   ProgressSink
	signal *Signal
	closed bool
}

// Register binds token to sink for the lifetime of one invocation. Once
// signal is cancelled, further events for the token are dropped.
func (c *ProgressCorrelator) Register(token mcp.ProgressToken, sink ProgressSink, signal *Signal) (*Emitter, error) {
	key, err := progressTokenKey(token)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("progress sink required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateProgressToken, key)
	}
	e := &progressEntry{token: token, sink: sink, signal: signal}
	c.entries[key] = e
	return &Emitter{c: c, entry: e}, nil
}

// Emit forwards p to the sink registered under token. It reports whether
// the event was delivered.
func (c *ProgressCorrelator) Emit(ctx context.Context, token mcp.ProgressToken, p Progress) bool {
	key, err := progressTokenKey(token)
	if err != nil {
		c.metrics.progressDropped()
		return false
	}
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		c.metrics.progressDropped()
		return false
	}
	return c.send(ctx, e, p)
}

// Unregister removes token. When it returns, no event for the token is
// being delivered and none will be.
func (c *ProgressCorrelator) Unregister(token mcp.ProgressToken) {
	key, err := progressTokenKey(token)
	if err != nil {
		return
	}
	c.mu.Lock()
	e, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// Len returns the number of registered tokens.
func (c *ProgressCorrelator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ProgressCorrelator) send(ctx context.Context, e *progressEntry, p Progress) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || (e.signal != nil && e.signal.Cancelled()) {
		c.metrics.progressDropped()
		return false
	}

	params := mcp.ProgressNotificationParams{
		ProgressToken: e.token,
		Progress:      p.Progress,
		Message:       p.Message,
	}
	if p.Total > 0 {
		total := p.Total
		params.Total = &total
	}
	if err := e.sink.SendProgress(context.WithoutCancel(ctx), params); err != nil {
		c.log.WarnContext(ctx, "lifecycle.progress.send_fail", slog.String("err", err.Error()))
		return false
	}
	return true
}

// progressTokenKey returns the canonical JSON form of a token so that the
// string "1" and the number 1 stay distinct.
func progressTokenKey(token mcp.ProgressToken) (string, error) {
	switch token.(type) {
	case string, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
	default:
		return "", fmt.Errorf("progress token must be a string or number, got %T", token)
	}
	b, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("encode progress token: %w", err)
	}
	return string(b), nil
}

// Emitter is the handle a handler uses to report progress for its own
// invocation. A nil *Emitter is valid and drops every event, so handlers
// never need to check whether the caller asked for progress.
type Emitter struct {
	c     *ProgressCorrelator
	entry *progressEntry
}

// Report emits p. It reports whether the event was delivered.
func (e *Emitter) Report(ctx context.Context, p Progress) bool {
	if e == nil || e.entry == nil {
		return false
	}
	return e.c.send(ctx, e.entry, p)
}
