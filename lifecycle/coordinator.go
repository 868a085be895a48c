package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ggoodman/airtable-mcp-server/mcp"
)

// Coordinator owns the lifecycle state of one connection: its cancellation
// registry, progress correlator, context factory and dispatcher. It is the
// only surface transports use.
type Coordinator struct {
	cancellations *CancellationRegistry
	progress      *ProgressCorrelator
	factory       *Factory
	dispatcher    *Dispatcher

	log     *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics records outcomes into m.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithIDGenerator overrides how request ids are assigned when the caller
// supplies none.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.factory.newID = fn
		}
	}
}

// NewCoordinator builds a Coordinator dispatching to catalog.
func NewCoordinator(catalog Catalog, opts ...Option) *Coordinator {
	cancellations := NewCancellationRegistry()
	progress := NewProgressCorrelator()
	c := &Coordinator{
		cancellations: cancellations,
		progress:      progress,
		factory:       NewFactory(cancellations, progress),
		log:           slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	progress.log = c.log
	progress.metrics = c.metrics
	c.dispatcher = NewDispatcher(catalog, c.log, c.metrics)
	return c
}

// ListSupportedOperations returns the descriptors of every supported tool.
func (c *Coordinator) ListSupportedOperations() []mcp.Tool {
	return c.dispatcher.ListSupportedOperations()
}

// NewContext creates and registers the RequestContext for inv. Every
// context returned must be passed to Execute, or released, exactly once.
func (c *Coordinator) NewContext(inv Invocation) (*RequestContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCoordinatorClosed
	}
	rc, err := c.factory.NewContext(inv)
	if err != nil {
		return nil, err
	}
	c.wg.Add(1)
	return rc, nil
}

// Execute runs the named tool under rc. See Dispatcher.Execute.
func (c *Coordinator) Execute(ctx context.Context, name string, args json.RawMessage, rc *RequestContext) Outcome {
	defer c.wg.Done()
	return c.dispatcher.Execute(ctx, name, args, rc)
}

// Invoke creates a context for inv and executes it. The error is non-nil
// only when the context could not be created, in which case nothing was
// registered and no handler ran.
func (c *Coordinator) Invoke(ctx context.Context, inv Invocation) (Outcome, error) {
	rc, err := c.NewContext(inv)
	if err != nil {
		return Outcome{}, err
	}
	return c.Execute(ctx, inv.Name, inv.Arguments, rc), nil
}

// Cancel activates the signal of the in-flight request id. Unknown and
// finished ids are ignored. It reports whether a request was found.
func (c *Coordinator) Cancel(requestID, reason string) bool {
	matched := c.cancellations.Cancel(requestID, reason)
	c.metrics.cancellation(matched)
	c.log.Info("lifecycle.cancel", slog.String("request_id", requestID), slog.String("reason", reason), slog.Bool("matched", matched))
	return matched
}

// InFlight returns the number of tracked request ids.
func (c *Coordinator) InFlight() int {
	return c.cancellations.Len()
}

// TrackedProgressTokens returns the number of registered progress tokens.
func (c *Coordinator) TrackedProgressTokens() int {
	return c.progress.Len()
}

// Close rejects new invocations and cancels those still in flight.
func (c *Coordinator) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if n := c.cancellations.CancelAll(reason); n > 0 {
		c.log.Info("lifecycle.close.cancelled", slog.Int("count", n), slog.String("reason", reason))
	}
}

// Wait blocks until every context handed out by NewContext has been
// executed, or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
