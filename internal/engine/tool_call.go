package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ggoodman/airtable-mcp-server/internal/jsonrpc"
	"github.com/ggoodman/airtable-mcp-server/internal/logctx"
	"github.com/ggoodman/airtable-mcp-server/lifecycle"
	"github.com/ggoodman/airtable-mcp-server/mcp"
)

// ToolCall is a tools/call whose request id and progress token are already
// registered with the session. A cancellation arriving after PrepareToolCall
// returns is observed by Run. Every ToolCall must be Run exactly once.
type ToolCall struct {
	e     *Engine
	sess  *Session
	req   *jsonrpc.Request
	inv   lifecycle.Invocation
	rc    *lifecycle.RequestContext
	start time.Time
}

// PrepareToolCall decodes a tools/call request and registers it. Transports
// that run calls concurrently call it in arrival order, before reading the
// next message. When the request is rejected the ToolCall is nil and the
// response holds the error to send.
func (e *Engine) PrepareToolCall(ctx context.Context, sess *Session, req *jsonrpc.Request, sink lifecycle.ProgressSink) (*ToolCall, *jsonrpc.Response) {
	start := time.Now()
	ctx = requestContext(ctx, req)

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return nil, e.errorResponse(ctx, req, jsonrpc.ErrorCodeInvalidParams, "invalid params")
	}
	if params.Name == "" {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return nil, e.errorResponse(ctx, req, jsonrpc.ErrorCodeInvalidParams, "invalid params: missing tool name")
	}

	inv := lifecycle.Invocation{
		Name:      params.Name,
		Arguments: params.Arguments,
		RequestID: req.ID.String(),
	}
	if token, ok := params.ProgressToken(); ok && sink != nil {
		inv.ProgressToken = token
		inv.Sink = sink
	}
	ctx = callContext(ctx, inv)

	rc, err := sess.coord.NewContext(inv)
	if err != nil {
		e.log.WarnContext(ctx, "engine.handle_request.rejected", slog.String("err", err.Error()))
		switch {
		case errors.Is(err, lifecycle.ErrDuplicateRequestID):
			return nil, e.errorResponse(ctx, req, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id")
		case errors.Is(err, lifecycle.ErrCoordinatorClosed):
			return nil, e.errorResponse(ctx, req, jsonrpc.ErrorCodeInternalError, "session closed")
		default:
			return nil, e.errorResponse(ctx, req, jsonrpc.ErrorCodeInvalidParams, err.Error())
		}
	}

	return &ToolCall{e: e, sess: sess, req: req, inv: inv, rc: rc, start: start}, nil
}

// Run executes the call. The bool is false when no response must be
// written, which is the case once the call was cancelled.
func (c *ToolCall) Run(ctx context.Context) (*jsonrpc.Response, bool) {
	e := c.e
	ctx = callContext(requestContext(ctx, c.req), c.inv)

	out := c.sess.coord.Execute(ctx, c.inv.Name, c.inv.Arguments, c.rc)

	switch out.State {
	case lifecycle.StateCompleted:
		e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(c.start).Milliseconds()))
		res, err := jsonrpc.NewResultResponse(c.req.ID, out.Result)
		if err != nil {
			e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
			return e.errorResponse(ctx, c.req, jsonrpc.ErrorCodeInternalError, "internal error"), true
		}
		return res, true
	case lifecycle.StateCancelled:
		e.log.InfoContext(ctx, "engine.handle_request.cancelled", slog.Int64("dur_ms", time.Since(c.start).Milliseconds()))
		return nil, false
	}

	if errors.Is(out.Err, lifecycle.ErrUnknownOperation) || errors.Is(out.Err, lifecycle.ErrInvalidArguments) {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", out.Err.Error()), slog.Int64("dur_ms", time.Since(c.start).Milliseconds()))
		return e.errorResponse(ctx, c.req, jsonrpc.ErrorCodeInvalidParams, out.Err.Error()), true
	}

	// Execution failures are reported in-band so the model can react to them.
	e.log.InfoContext(ctx, "engine.handle_request.tool_error", slog.String("err", out.Err.Error()), slog.Int64("dur_ms", time.Since(c.start).Milliseconds()))
	res, err := jsonrpc.NewResultResponse(c.req.ID, &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: out.Err.Error()}},
		IsError: true,
	})
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return e.errorResponse(ctx, c.req, jsonrpc.ErrorCodeInternalError, "internal error"), true
	}
	return res, true
}

func (e *Engine) errorResponse(ctx context.Context, req *jsonrpc.Request, code jsonrpc.ErrorCode, msg string) *jsonrpc.Response {
	e.log.DebugContext(ctx, "engine.handle_request.error_response",
		slog.String("code", code.String()),
		slog.String("message", msg))
	return jsonrpc.NewErrorResponse(req.ID, code, msg, nil)
}

func requestContext(ctx context.Context, req *jsonrpc.Request) context.Context {
	return logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   string(jsonrpc.MessageTypeRequest),
	})
}

func callContext(ctx context.Context, inv lifecycle.Invocation) context.Context {
	return logctx.WithCallData(ctx, &logctx.CallData{
		RequestID:     inv.RequestID,
		Tool:          inv.Name,
		ProgressToken: inv.ProgressToken,
	})
}
