package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/airtable-mcp-server/broker"
	"github.com/ggoodman/airtable-mcp-server/internal/engine"
	"github.com/ggoodman/airtable-mcp-server/internal/jsonrpc"
	"github.com/ggoodman/airtable-mcp-server/internal/logctx"
	"github.com/ggoodman/airtable-mcp-server/mcp"
	"github.com/ggoodman/airtable-mcp-server/sessions"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a JSON-RPC
// message exchange is possible. We do NOT claim JSON-RPC framing here; this is
// transport-level. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// StreamingHTTPHandler implements the streamable HTTP transport of the Model
// Context Protocol for the tool server.
type StreamingHTTPHandler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	eng      *engine.Engine
	store    sessions.Store
	bus      broker.Bus
	endpoint string
	maxBody  int64
	sweep    time.Duration
	// instance tags control messages so this handler ignores its own.
	instance string

	mu    sync.Mutex
	cache map[string]*engine.Session

	activeSessions prometheus.Gauge
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// WriteMessage frames msg as a single SSE event.
func (l *lockedWriteFlusher) WriteMessage(_ context.Context, msg jsonrpc.Message) error {
	return writeSSEEvent(l, "", msg)
}

// New constructs a StreamingHTTPHandler.
//
// Required:
//   - eng: protocol engine answering every MCP message
//   - store: sessions.Store holding session records (shared across instances)
//   - bus: broker.Bus relaying cancellations to the instance running a call
//
// Call Run alongside serving so the handler receives control messages from
// other instances and drops sessions that expire.
func New(eng *engine.Engine, store sessions.Store, bus broker.Bus, opts ...Option) (*StreamingHTTPHandler, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("broker bus is required")
	}

	cfg := &newConfig{
		logger:       slog.Default(),
		endpoint:     defaultEndpoint,
		sweepEvery:   defaultSweepEvery,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &StreamingHTTPHandler{
		log:      slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		eng:      eng,
		store:    store,
		bus:      bus,
		endpoint: cfg.endpoint,
		maxBody:  cfg.maxBodyBytes,
		sweep:    cfg.sweepEvery,
		cache:    make(map[string]*engine.Session),
		instance: uuid.NewString(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "airtable_mcp",
			Subsystem: "http",
			Name:      "sessions_cached",
			Help:      "Sessions with a live coordinator on this instance.",
		}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", h.endpoint), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", h.endpoint), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", h.endpoint), h.handleDeleteMCP)
	if cfg.registry != nil {
		if err := cfg.registry.Register(h.activeSessions); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.registry, promhttp.HandlerOpts{}))
	}
	h.mux = mux
	return h, nil
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// Run consumes control messages from other instances and periodically drops
// cached sessions whose records are gone. It blocks until ctx is done, then
// cancels every call still running on this instance.
func (h *StreamingHTTPHandler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.bus.Subscribe(gctx, controlTopic, h.handleControl)
	})
	g.Go(func() error {
		t := time.NewTicker(h.sweep)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-t.C:
				h.sweepExpired(gctx)
			}
		}
	})

	err := g.Wait()
	h.closeAll("server shutting down")
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// handlePostMCP handles the POST endpoint, which carries every client
// message and establishes sessions.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on streaming HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   string(msg.Type()),
	})

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.initializeSession(ctx, w, &msg, start)
		return
	}

	sess, err := h.loadSession(ctx, sessID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		ProtocolVersion: sess.ProtocolVersion(),
	})

	if msg.Method == string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}
	clientPV := r.Header.Get(mcpProtocolVersionHeader)
	if clientPV != "" && sess.ProtocolVersion() != "" && clientPV != sess.ProtocolVersion() {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", clientPV))
		return
	}
	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}

	switch msg.Type() {
	case jsonrpc.MessageTypeNotification:
		h.handleNotification(ctx, sess, msg.AsRequest())
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))

	case jsonrpc.MessageTypeResponse:
		// The server never issues requests, so responses have nothing to match.
		w.WriteHeader(http.StatusAccepted)
		h.log.DebugContext(ctx, "response.inbound.ignored")

	case jsonrpc.MessageTypeRequest:
		req := msg.AsRequest()
		if req.Method == string(mcp.ToolsCallMethod) {
			h.streamToolCall(ctx, w, r, sess, req, start)
			return
		}
		res, _ := h.eng.HandleRequest(ctx, sess, req, nil)
		h.writeJSONResponse(ctx, w, res)
		h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
	}
}

func (h *StreamingHTTPHandler) initializeSession(ctx context.Context, w http.ResponseWriter, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.IsNotification() || req.Method != string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusNotFound, "expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	sess := h.eng.NewSession(uuid.NewString())
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID()})

	res, _ := h.eng.HandleRequest(ctx, sess, req, nil)
	if res.Error != nil {
		sess.Close("initialize failed")
		h.writeJSONResponse(ctx, w, res)
		h.log.InfoContext(ctx, "session.initialize.rejected", slog.String("err", res.Error.Message))
		return
	}

	info := sess.ClientInfo()
	rec := sessions.Record{
		ID:              sess.ID(),
		ProtocolVersion: sess.ProtocolVersion(),
		Client:          sessions.ClientInfo{Name: info.Name, Version: info.Version},
		CreatedAt:       time.Now().UTC(),
	}
	if err := h.store.Create(ctx, rec); err != nil {
		sess.Close("initialize failed")
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}
	h.remember(sess)

	w.Header().Set(mcpSessionIDHeader, sess.ID())
	if v := sess.ProtocolVersion(); v != "" {
		w.Header().Set(mcpProtocolVersionHeader, v)
	}
	h.writeJSONResponse(ctx, w, res)
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

func (h *StreamingHTTPHandler) handleNotification(ctx context.Context, sess *engine.Session, note *jsonrpc.Request) {
	if err := h.eng.HandleNotification(ctx, sess, note); err != nil {
		h.log.WarnContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
	}
	if note.Method != string(mcp.CancelledNotificationMethod) {
		return
	}

	// The call may be running on another instance.
	var params mcp.CancelledNotification
	if err := json.Unmarshal(note.Params, &params); err != nil || params.RequestID.IsNil() {
		return
	}
	h.publishControl(ctx, controlMessage{
		Kind:      controlCancel,
		SessionID: sess.ID(),
		RequestID: params.RequestID.String(),
		Reason:    params.Reason,
	})
}

// streamToolCall answers a tools/call over SSE: progress notifications as
// they are reported, then the response. A cancelled call ends the stream with
// no response event.
func (h *StreamingHTTPHandler) streamToolCall(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *engine.Session, req *jsonrpc.Request, start time.Time) {
	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	// The call is registered before the client sees the stream, so a cancel
	// sent as soon as the headers arrive finds it.
	call, rejected := h.eng.PrepareToolCall(ctx, sess, req, engine.NewProgressSink(wf))
	if call == nil {
		h.writeJSONResponse(ctx, w, rejected)
		h.log.InfoContext(ctx, "rpc.inbound.rejected", slog.Duration("dur", time.Since(start)))
		return
	}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	res, ok := call.Run(ctx)
	if !ok {
		h.log.InfoContext(ctx, "rpc.inbound.cancelled", slog.Duration("dur", time.Since(start)))
		return
	}

	b, err := json.Marshal(res)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	if err := writeSSEEvent(wf, "", b); err != nil {
		h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP opens the standalone server-to-client stream. The server never
// initiates requests or unsolicited notifications, so the stream stays idle
// until the client disconnects or the session ends.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing mcp-session-id header")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	sess, err := h.loadSession(ctx, sessID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		ProtocolVersion: sess.ProtocolVersion(),
	})

	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")
	select {
	case <-ctx.Done():
	case <-sess.Done():
	}
	h.log.InfoContext(ctx, "sse.stream.end")
}

// handleDeleteMCP terminates a session on every instance.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.log.WarnContext(ctx, "delete.missing_session_id")
		writeJSONError(w, http.StatusBadRequest, "missing mcp-session-id header")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	if err := h.store.Delete(ctx, sessID); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			h.evict(sessID, "session expired")
			h.log.InfoContext(ctx, "session.delete.miss")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.evict(sessID, "session deleted")
	h.publishControl(ctx, controlMessage{Kind: controlClose, SessionID: sessID})

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

func (h *StreamingHTTPHandler) writeJSONResponse(ctx context.Context, w http.ResponseWriter, res *jsonrpc.Response) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
	}
}

// writeSSEEvent writes a Server-Sent Event carrying payload as its data
// field and flushes it. The frame goes out in one write so concurrent events
// never interleave.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	var buf bytes.Buffer
	if msgID != "" {
		fmt.Fprintf(&buf, "id: %s\n", msgID)
	}
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	if _, err := wf.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	wf.Flush()
	return nil
}
