package airtable

import (
	"context"
	"net/http"

	"github.com/ggoodman/airtable-mcp-server/lifecycle"
	"github.com/ggoodman/airtable-mcp-server/mcp"
)

// Catalog is the set of tools backed by one Client. It implements
// lifecycle.Catalog and is immutable once built.
type Catalog struct {
	client   *Client
	tools    []mcp.Tool
	handlers map[string]lifecycle.Handler
}

var _ lifecycle.Catalog = (*Catalog)(nil)

// CatalogOption configures NewCatalog.
type CatalogOption func(*catalogConfig)

type catalogConfig struct {
	readOnly   bool
	operations []Operation
}

// WithReadOnly drops every mutating operation from the catalog.
func WithReadOnly(readOnly bool) CatalogOption {
	return func(c *catalogConfig) { c.readOnly = readOnly }
}

// WithOperations replaces the dispatch table.
func WithOperations(ops []Operation) CatalogOption {
	return func(c *catalogConfig) { c.operations = ops }
}

// NewCatalog builds the catalog. Schemas are reflected once here.
func NewCatalog(client *Client, opts ...CatalogOption) *Catalog {
	cfg := catalogConfig{operations: Operations}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Catalog{
		client:   client,
		handlers: make(map[string]lifecycle.Handler, len(cfg.operations)),
	}
	for i := range cfg.operations {
		op := &cfg.operations[i]
		if cfg.readOnly && !op.ReadOnly {
			continue
		}
		schema := inputSchema(op.Args())
		c.tools = append(c.tools, mcp.Tool{
			Name:        op.Name,
			Description: op.Description,
			InputSchema: schema,
			Annotations: annotationsFor(op),
		})
		c.handlers[op.Name] = func(ctx context.Context, call *lifecycle.Call) (*mcp.CallToolResult, error) {
			return c.execute(ctx, op, schema, call)
		}
	}
	return c
}

// Tools returns the tool descriptors in table order.
func (c *Catalog) Tools() []mcp.Tool {
	out := make([]mcp.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Lookup returns the handler for name.
func (c *Catalog) Lookup(name string) (lifecycle.Handler, bool) {
	h, ok := c.handlers[name]
	return h, ok
}

func annotationsFor(op *Operation) *mcp.ToolAnnotations {
	return &mcp.ToolAnnotations{
		ReadOnlyHint:    op.ReadOnly,
		DestructiveHint: op.Method == http.MethodDelete || op.Method == http.MethodPatch,
		IdempotentHint:  op.ReadOnly || op.Method == http.MethodDelete,
		OpenWorldHint:   true,
	}
}
