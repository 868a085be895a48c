// Package stdio implements a single-connection MCP transport over
// stdin/stdout: newline-delimited JSON-RPC, one message per line.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Sessions         : one ephemeral session per Serve call
//	Tool calls       : run concurrently; cancellation notifications are
//	                   processed while calls are in flight
//
// Example:
//
//	eng := engine.NewEngine(airtable.NewCatalog(client))
//	h := stdio.NewHandler(eng)
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
//
// Logs must not be written to stdout; the CLI sends them to stderr.
package stdio
