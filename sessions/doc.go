// Package sessions persists the records that back streaming HTTP sessions.
//
// A record is created when a client completes the initialize handshake and
// carries the negotiated protocol version and client identity. Every
// subsequent request validates its Mcp-Session-Id header against the Store
// and slides the record's TTL forward with Touch. Deleting a record ends the
// session for every server instance sharing the store.
//
// # Implementations
//
//	memory -> single-process map guarded by a mutex, lazy expiry
//	redis  -> JSON value per key, SET with TTL, EXPIRE on touch
//
// Both run the sessionstest conformance suite.
package sessions
