// Package airtable exposes the Airtable REST API as MCP tools.
//
// Every tool is one row in the Operations table: a name, an HTTP verb, a
// path template and a few placement rules. A single executor interprets
// the row: it decodes and validates the arguments, builds the request,
// follows pagination while reporting progress, and renders the response as
// a tool result.
package airtable
