package lifecycle

import (
	"fmt"
	"sync"
)

// CancellationRegistry maps in-flight request ids to their Signals.
type CancellationRegistry struct {
	mu      sync.Mutex
	signals map[string]*Signal
}

// NewCancellationRegistry returns an empty registry.
func NewCancellationRegistry() *CancellationRegistry {
	return &CancellationRegistry{signals: make(map[string]*Signal)}
}

// Register creates and stores a fresh, active signal for id. Registering an
// id that is still tracked fails with ErrDuplicateRequestID.
func (r *CancellationRegistry) Register(id string) (*Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.signals[id]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateRequestID, id)
	}
	s := newSignal()
	r.signals[id] = s
	return s, nil
}

// Cancel activates the signal registered under id. Unknown ids are ignored,
// as are repeated cancellations. It reports whether a tracked signal was
// found.
func (r *CancellationRegistry) Cancel(id, reason string) bool {
	r.mu.Lock()
	s, ok := r.signals[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.cancel(reason)
	return true
}

// Unregister removes the entry for id. It is safe to call more than once.
func (r *CancellationRegistry) Unregister(id string) {
	r.mu.Lock()
	delete(r.signals, id)
	r.mu.Unlock()
}

// CancelAll activates every tracked signal and returns how many there were.
// Entries stay registered until their invocations unregister them.
func (r *CancellationRegistry) CancelAll(reason string) int {
	r.mu.Lock()
	all := make([]*Signal, 0, len(r.signals))
	for _, s := range r.signals {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.cancel(reason)
	}
	return len(all)
}

// Len returns the number of tracked request ids.
func (r *CancellationRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.signals)
}
