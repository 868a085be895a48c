// Package lifecycle coordinates the life of a single tool invocation from the
// moment a transport receives it until exactly one terminal outcome is
// reached.
//
// A Coordinator is created per client connection (stdio) or per session
// (streaming HTTP). For each inbound tools/call it:
//
//  1. builds an immutable RequestContext carrying a request id, a
//     cancellation Signal and, when the caller asked for it, a progress
//     Emitter correlated to the caller's progress token;
//  2. resolves the tool name against a Catalog and runs the Handler with a
//     context.Context bound to the Signal;
//  3. normalises the outcome to COMPLETED, FAILED or CANCELLED and removes
//     every registry entry it created.
//
// Cancellation is cooperative. Coordinator.Cancel activates the Signal of a
// tracked request; handlers observe it through Signal.Done, Signal.Cancelled
// or the bound context, and are expected to abort at their next I/O
// boundary. A handler that ignores the signal runs to completion and its
// result is still delivered. A cancelled invocation produces no response.
//
// Cancelling an unknown or already finished request id is a no-op, so
// transports can forward notifications/cancelled without checking anything
// first.
package lifecycle
