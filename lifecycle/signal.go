package lifecycle

import (
	"context"
	"fmt"
	"sync"
)

// Signal is a one-way, level-triggered cancellation flag. It starts active
// and transitions at most once to cancelled. Observers that start watching
// after the transition still see it.
//
// Signals are owned by a CancellationRegistry; handlers only read them.
type Signal struct {
	done chan struct{}

	mu     sync.Mutex
	reason string
	err    error
}

func newSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Done returns a channel that is closed once the signal is cancelled.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Cancelled reports whether the signal has been activated.
func (s *Signal) Cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Reason returns the reason given at activation, or "" while active.
func (s *Signal) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Err returns nil while the signal is active and an error wrapping
// ErrCancelled afterwards.
func (s *Signal) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// cancel activates the signal. It reports whether this call performed the
// transition; later calls keep the first reason.
func (s *Signal) cancel(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false
	}
	if reason == "" {
		reason = "cancelled"
	}
	s.reason = reason
	s.err = fmt.Errorf("%w: %s", ErrCancelled, reason)
	close(s.done)
	return true
}

// Context derives a context from parent that is cancelled, with the
// signal's error as cause, as soon as the signal activates. The returned
// CancelFunc releases the watcher and must be called.
func (s *Signal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	if s.Cancelled() {
		cancel(s.Err())
		return ctx, func() { cancel(context.Canceled) }
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-s.done:
			cancel(s.Err())
		case <-ctx.Done():
		case <-stop:
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() { close(stop) })
		cancel(context.Canceled)
	}
}
