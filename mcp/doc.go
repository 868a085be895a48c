// Package mcp contains the protocol data types and constants used by the
// Airtable MCP server. It mirrors the wire representation specified by the
// Model Context Protocol for the subset of the protocol this server speaks:
// the initialize handshake, tool listing and invocation, progress and
// cancellation notifications, and logging level control.
//
// The package is free of transport logic. The stdio and streaminghttp
// transports import these types but implement their own framing, and the
// lifecycle package builds tool results out of them.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsCallMethod).
//
// # Progress and Cancellation
//
// A caller requests progress by placing a progressToken in the _meta object
// of a tools/call request. The server then emits notifications/progress
// carrying that token until the call completes. A caller cancels an
// in-flight request with notifications/cancelled naming the request id; a
// cancelled request receives no response at all.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hello"}},
//	}
//
// # Compatibility
//
// LatestProtocolVersion reflects the most recent protocol date the server
// targets. The server answers initialize with the client's requested version
// when it is one of SupportedProtocolVersions, and with LatestProtocolVersion
// otherwise.
package mcp
