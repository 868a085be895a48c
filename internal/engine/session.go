package engine

import (
	"sync"

	"github.com/ggoodman/airtable-mcp-server/lifecycle"
	"github.com/ggoodman/airtable-mcp-server/mcp"
)

// Session is the per-connection protocol state: the negotiated version and
// the lifecycle coordinator tracking the connection's tool calls.
type Session struct {
	id    string
	coord *lifecycle.Coordinator

	closeOnce sync.Once
	done      chan struct{}

	mu              sync.Mutex
	protocolVersion string
	initialized     bool
	clientInfo      mcp.ImplementationInfo
}

func (s *Session) ID() string { return s.id }

func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Session) ClientInfo() mcp.ImplementationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

// Coordinator returns the session's lifecycle coordinator.
func (s *Session) Coordinator() *lifecycle.Coordinator { return s.coord }

// Cancel activates the signal of an in-flight tool call.
func (s *Session) Cancel(requestID, reason string) bool {
	return s.coord.Cancel(requestID, reason)
}

// Close cancels every in-flight call and rejects new ones.
func (s *Session) Close(reason string) {
	s.coord.Close(reason)
	s.closeOnce.Do(func() { close(s.done) })
}

// Done is closed once Close has been called.
func (s *Session) Done() <-chan struct{} { return s.done }
