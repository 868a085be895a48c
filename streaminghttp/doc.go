// Package streaminghttp implements the MCP streamable HTTP transport for the
// tool server. It mounts as a standard net/http handler.
//
// Every client message is POSTed to the endpoint. The initialize request
// creates a session record in a sessions.Store and returns its id in the
// Mcp-Session-Id header; later messages must carry that header. Requests are
// answered with a JSON body, except tools/call which is answered with a
// Server-Sent Events stream: zero or more notifications/progress events
// followed by the response. A call cancelled by the client ends its stream
// without a response event.
//
// # Scaling
//
// Instances share the session store and a broker.Bus. Any instance can serve
// any message: a session created elsewhere is restored from its record on
// first use. A notifications/cancelled message may land on a different
// instance than the call it names, so it is relayed over the bus and applied
// by whichever instance runs the call. DELETE relays a close the same way.
//
// Construction
//
//	h, err := streaminghttp.New(eng, store, bus,
//	    streaminghttp.WithEndpoint("/mcp"),
//	    streaminghttp.WithMetricsRegistry(reg),
//	)
//	go h.Run(ctx)
//	http.ListenAndServe(":8080", h)
package streaminghttp
