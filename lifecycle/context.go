package lifecycle

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/airtable-mcp-server/mcp"
	"github.com/oklog/ulid/v2"
)

// Invocation is an inbound tool call as seen by the coordinator.
type Invocation struct {
	Name      string
	Arguments json.RawMessage
	// RequestID is the caller-visible id used to correlate cancellation. When
	// empty, a fresh ULID is assigned.
	RequestID string
	// ProgressToken is set when the caller asked for progress reporting.
	ProgressToken mcp.ProgressToken
	// Sink receives progress notifications for ProgressToken.
	Sink ProgressSink
}

// RequestContext is the immutable identity of one invocation. Its only
// mutable part is the Signal's one-way transition.
type RequestContext struct {
	id            string
	signal        *Signal
	progressToken mcp.ProgressToken
	emitter       *Emitter
	start         time.Time

	releaseOnce sync.Once
	release     func()
}

// ID returns the request id.
func (rc *RequestContext) ID() string { return rc.id }

// Signal returns the request's cancellation signal.
func (rc *RequestContext) Signal() *Signal { return rc.signal }

// ProgressToken returns the caller's progress token if one was supplied.
func (rc *RequestContext) ProgressToken() (mcp.ProgressToken, bool) {
	return rc.progressToken, rc.emitter != nil
}

// Progress returns the emitter bound to the progress token. It is nil when
// the caller did not request progress; a nil Emitter drops every event.
func (rc *RequestContext) Progress() *Emitter { return rc.emitter }

// StartTime returns the monotonic creation time of the context.
func (rc *RequestContext) StartTime() time.Time { return rc.start }

// Elapsed returns the time since the context was created.
func (rc *RequestContext) Elapsed() time.Duration { return time.Since(rc.start) }

// Release removes the context's registry entries. It is idempotent.
func (rc *RequestContext) Release() {
	rc.releaseOnce.Do(func() {
		if rc.release != nil {
			rc.release()
		}
	})
}

// Factory creates RequestContexts and registers their signals and progress
// entries.
type Factory struct {
	cancellations *CancellationRegistry
	progress      *ProgressCorrelator
	newID         func() string
}

// NewFactory returns a Factory that registers into the given registries.
func NewFactory(cancellations *CancellationRegistry, progress *ProgressCorrelator) *Factory {
	return &Factory{
		cancellations: cancellations,
		progress:      progress,
		newID:         func() string { return ulid.Make().String() },
	}
}

// NewContext allocates the request id, registers a fresh signal under it
// and, when inv carries a progress token and a sink, registers the token.
//
// With server-assigned ids construction cannot fail. A caller-supplied id
// that is still in flight yields ErrDuplicateRequestID, and a progress token
// already bound to another request yields ErrDuplicateProgressToken.
func (f *Factory) NewContext(inv Invocation) (*RequestContext, error) {
	id := inv.RequestID
	if id == "" {
		id = f.newID()
	}

	signal, err := f.cancellations.Register(id)
	if err != nil {
		return nil, err
	}

	rc := &RequestContext{
		id:     id,
		signal: signal,
		start:  time.Now(),
	}

	if inv.ProgressToken != nil && inv.Sink != nil {
		emitter, err := f.progress.Register(inv.ProgressToken, inv.Sink, signal)
		if err != nil {
			f.cancellations.Unregister(id)
			return nil, fmt.Errorf("register progress token: %w", err)
		}
		rc.progressToken = inv.ProgressToken
		rc.emitter = emitter
	}

	token := rc.progressToken
	hasToken := rc.emitter != nil
	rc.release = func() {
		f.cancellations.Unregister(id)
		if hasToken {
			f.progress.Unregister(token)
		}
	}

	return rc, nil
}
