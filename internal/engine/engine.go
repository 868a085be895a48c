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

var (
	ErrInvalidLoggingLevel = errors.New("invalid logging level")
)

// Engine holds the protocol handling shared by every transport. It is built
// once at startup; per-connection state lives in Session.
type Engine struct {
	catalog      lifecycle.Catalog
	info         mcp.ImplementationInfo
	instructions string

	log     *slog.Logger
	level   *slog.LevelVar
	metrics *lifecycle.Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithLevelVar enables logging/setLevel, which adjusts lv.
func WithLevelVar(lv *slog.LevelVar) EngineOption {
	return func(e *Engine) { e.level = lv }
}

// WithMetrics records lifecycle metrics for every session.
func WithMetrics(m *lifecycle.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) EngineOption {
	return func(e *Engine) { e.info = info }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(s string) EngineOption {
	return func(e *Engine) { e.instructions = s }
}

func NewEngine(catalog lifecycle.Catalog, opts ...EngineOption) *Engine {
	e := &Engine{
		catalog: catalog,
		info:    mcp.ImplementationInfo{Name: "airtable-mcp-server", Version: "dev"},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// NewSession creates the state for one connection.
func (e *Engine) NewSession(id string) *Session {
	return &Session{
		id:   id,
		done: make(chan struct{}),
		coord: lifecycle.NewCoordinator(e.catalog,
			lifecycle.WithLogger(e.log),
			lifecycle.WithMetrics(e.metrics),
		),
	}
}

// RestoreSession recreates a session negotiated earlier, possibly by another
// instance.
func (e *Engine) RestoreSession(id, protocolVersion string) *Session {
	s := e.NewSession(id)
	s.protocolVersion = protocolVersion
	s.initialized = true
	return s
}

// HandleRequest answers one request. The bool is false when no response must
// be written, which is the case for cancelled tool calls. sink receives the
// progress notifications of a tools/call and may be nil.
func (e *Engine) HandleRequest(ctx context.Context, sess *Session, req *jsonrpc.Request, sink lifecycle.ProgressSink) (*jsonrpc.Response, bool) {
	if req.Method == string(mcp.ToolsCallMethod) {
		call, res := e.PrepareToolCall(ctx, sess, req, sink)
		if call == nil {
			return res, true
		}
		return call.Run(ctx)
	}
	ctx = requestContext(ctx, req)

	var (
		res *jsonrpc.Response
		err error
	)
	switch req.Method {
	case string(mcp.InitializeMethod):
		res, err = e.handleInitialize(ctx, sess, req)
	case string(mcp.PingMethod):
		res, err = jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	case string(mcp.ToolsListMethod):
		res, err = e.handleToolsList(ctx, sess, req)
	case string(mcp.LoggingSetLevelMethod):
		res, err = e.handleSetLoggingLevel(ctx, sess, req)
	default:
		e.log.InfoContext(ctx, "engine.handle_request.unknown_method")
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil)
	}

	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if res.Error != nil {
		e.log.DebugContext(ctx, "engine.handle_request.error_response",
			slog.String("code", res.Error.Code.String()),
			slog.String("message", res.Error.Message))
	}
	return res, true
}

func (e *Engine) handleInitialize(ctx context.Context, sess *Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	version := params.ProtocolVersion
	if !mcp.IsSupportedProtocolVersion(version) {
		version = mcp.LatestProtocolVersion
	}

	sess.mu.Lock()
	sess.protocolVersion = version
	sess.clientInfo = params.ClientInfo
	sess.mu.Unlock()

	result := &mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      e.info,
		Instructions:    e.instructions,
	}
	result.Capabilities.Tools = &struct {
		ListChanged bool `json:"listChanged"`
	}{}
	if e.level != nil {
		result.Capabilities.Logging = &struct{}{}
	}

	e.log.InfoContext(ctx, "engine.session.initialize",
		slog.String("client", params.ClientInfo.Name),
		slog.String("requested_version", params.ProtocolVersion),
		slog.String("protocol_version", version),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) handleToolsList(ctx context.Context, sess *Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	// The tool set is small and fixed, so it is returned as a single page.
	tools := sess.coord.ListSupportedOperations()
	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("tool_count", len(tools)))
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{Tools: tools})
}

func (e *Engine) handleSetLoggingLevel(ctx context.Context, _ *Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	if e.level == nil {
		e.log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "logging level not supported", nil), nil
	}

	var params mcp.SetLevelRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	lvl, err := SlogLevel(params.Level)
	if err != nil {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	e.level.Set(lvl)
	e.log.InfoContext(ctx, "engine.logging.set_level", slog.String("level", string(params.Level)))
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

// SlogLevel maps a protocol logging level onto slog's coarser scale.
func SlogLevel(level mcp.LoggingLevel) (slog.Level, error) {
	switch level {
	case mcp.LoggingLevelDebug:
		return slog.LevelDebug, nil
	case mcp.LoggingLevelInfo, mcp.LoggingLevelNotice:
		return slog.LevelInfo, nil
	case mcp.LoggingLevelWarning:
		return slog.LevelWarn, nil
	case mcp.LoggingLevelError, mcp.LoggingLevelCritical, mcp.LoggingLevelAlert, mcp.LoggingLevelEmergency:
		return slog.LevelError, nil
	default:
		return 0, ErrInvalidLoggingLevel
	}
}

// HandleNotification processes one client notification. Unknown methods are
// ignored.
func (e *Engine) HandleNotification(ctx context.Context, sess *Session, note *jsonrpc.Request) error {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: note.Method,
		Type:   string(jsonrpc.MessageTypeNotification),
	})

	switch note.Method {
	case string(mcp.InitializedNotificationMethod):
		sess.mu.Lock()
		sess.initialized = true
		sess.mu.Unlock()
		e.log.InfoContext(ctx, "engine.session.initialized")
		return nil

	case string(mcp.CancelledNotificationMethod):
		var params mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", err.Error()))
			return nil
		}
		if params.RequestID.IsNil() {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", "missing requestId"))
			return nil
		}
		sess.Cancel(params.RequestID.String(), params.Reason)
		return nil
	}

	e.log.DebugContext(ctx, "engine.handle_notification.ignored")
	return nil
}
