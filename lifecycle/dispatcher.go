package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/airtable-mcp-server/mcp"
)

// State is the lifecycle state of one invocation.
type State int

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is one of the end states.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Call is what a Handler receives. Signal and Progress are references into
// the coordinator's registries; the handler must not retain them after it
// returns.
type Call struct {
	Name      string
	Arguments json.RawMessage
	RequestID string
	Signal    *Signal
	Progress  *Emitter
}

// Handler performs one operation. ctx is cancelled when the request's
// signal activates, so outbound I/O made with it aborts promptly. Handlers
// report malformed input by wrapping ErrInvalidArguments.
type Handler func(ctx context.Context, call *Call) (*mcp.CallToolResult, error)

// Catalog resolves tool names to handlers.
type Catalog interface {
	Tools() []mcp.Tool
	Lookup(name string) (Handler, bool)
}

// Outcome is the normalised result of an invocation.
type Outcome struct {
	State    State
	Result   *mcp.CallToolResult
	Err      error
	Duration time.Duration
}

// Respond reports whether the transport must send a response for the
// outcome. Cancelled invocations are answered with silence.
func (o Outcome) Respond() bool {
	return o.State != StateCancelled
}

// Dispatcher runs handlers and applies the invocation state machine.
type Dispatcher struct {
	catalog Catalog
	log     *slog.Logger
	metrics *Metrics
}

// NewDispatcher returns a Dispatcher resolving names against catalog.
func NewDispatcher(catalog Catalog, log *slog.Logger, metrics *Metrics) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{catalog: catalog, log: log, metrics: metrics}
}

// ListSupportedOperations returns the descriptors of every supported tool.
func (d *Dispatcher) ListSupportedOperations() []mcp.Tool {
	return d.catalog.Tools()
}

// Execute runs the named tool under rc and returns exactly one terminal
// outcome. The context's registry entries are released on every path.
func (d *Dispatcher) Execute(ctx context.Context, name string, args json.RawMessage, rc *RequestContext) Outcome {
	defer rc.Release()

	log := d.log.With(slog.String("tool", name), slog.String("request_id", rc.ID()))

	// PENDING: a request cancelled before dispatch never reaches RUNNING.
	if rc.Signal().Cancelled() {
		log.InfoContext(ctx, "lifecycle.execute.cancelled_before_dispatch", slog.String("reason", rc.Signal().Reason()))
		d.metrics.skipped(StateCancelled)
		return Outcome{State: StateCancelled, Err: rc.Signal().Err(), Duration: rc.Elapsed()}
	}

	handler, ok := d.catalog.Lookup(name)
	if !ok {
		log.InfoContext(ctx, "lifecycle.execute.unknown")
		d.metrics.skipped(StateFailed)
		return Outcome{State: StateFailed, Err: &UnknownOperationError{Name: name}, Duration: rc.Elapsed()}
	}

	d.metrics.started()
	state := StateRunning

	hctx, cancel := rc.Signal().Context(ctx)
	res, err := d.invoke(hctx, handler, &Call{
		Name:      name,
		Arguments: args,
		RequestID: rc.ID(),
		Signal:    rc.Signal(),
		Progress:  rc.Progress(),
	})
	cancel()

	out := Outcome{Result: res}
	switch {
	case err == nil:
		// A result produced before the signal was observed wins the race.
		state = StateCompleted
		if out.Result == nil {
			out.Result = &mcp.CallToolResult{Content: []mcp.ContentBlock{}}
		}
	case cancelledBy(err, rc.Signal(), ctx):
		state = StateCancelled
		out.Result = nil
		out.Err = err
	case errors.Is(err, ErrInvalidArguments):
		state = StateFailed
		out.Result = nil
		out.Err = err
	default:
		state = StateFailed
		out.Result = nil
		out.Err = &HandlerError{Operation: name, Cause: err}
	}

	// Release before reporting so that no progress can trail the response.
	rc.Release()
	out.State = state
	out.Duration = rc.Elapsed()
	d.metrics.finished(state, out.Duration)

	switch state {
	case StateCompleted:
		log.InfoContext(ctx, "lifecycle.execute.ok", slog.Int64("dur_ms", out.Duration.Milliseconds()))
	case StateCancelled:
		log.InfoContext(ctx, "lifecycle.execute.cancelled", slog.String("reason", rc.Signal().Reason()), slog.Int64("dur_ms", out.Duration.Milliseconds()))
	default:
		log.WarnContext(ctx, "lifecycle.execute.fail", slog.String("err", out.Err.Error()), slog.Int64("dur_ms", out.Duration.Milliseconds()))
	}
	return out
}

// cancelledBy reports whether err is attributable to cancellation: it
// carries the signal's cause, it is a bare context cancellation while the
// signal is active, or the parent context is gone. A failure that merely
// precedes a late cancel stays a failure.
func cancelledBy(err error, signal *Signal, parent context.Context) bool {
	switch {
	case errors.Is(err, ErrCancelled):
		return true
	case parent.Err() != nil:
		return true
	case signal.Cancelled() && errors.Is(err, context.Canceled):
		return true
	}
	return false
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, call *Call) (res *mcp.CallToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.ErrorContext(ctx, "lifecycle.handler.panic", slog.Any("panic", r))
			res, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, call)
}
