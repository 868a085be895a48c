package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/airtable-mcp-server/internal/jsonrpc"
	"github.com/ggoodman/airtable-mcp-server/lifecycle"
	"github.com/ggoodman/airtable-mcp-server/mcp"
)

type MessageWriter interface {
	WriteMessage(ctx context.Context, msg jsonrpc.Message) error
}

type MessageWriterFunc func(ctx context.Context, msg jsonrpc.Message) error

func (f MessageWriterFunc) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	return f(ctx, msg)
}

// NewProgressSink adapts a MessageWriter into a lifecycle.ProgressSink that
// emits notifications/progress messages.
func NewProgressSink(w MessageWriter) lifecycle.ProgressSink {
	return lifecycle.ProgressSinkFunc(func(ctx context.Context, params mcp.ProgressNotificationParams) error {
		note, err := jsonrpc.NewNotification(string(mcp.ProgressNotificationMethod), params)
		if err != nil {
			return err
		}
		b, err := json.Marshal(note)
		if err != nil {
			return fmt.Errorf("marshal progress notification: %w", err)
		}
		return w.WriteMessage(ctx, b)
	})
}
