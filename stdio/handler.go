package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/airtable-mcp-server/internal/engine"
	"github.com/ggoodman/airtable-mcp-server/internal/jsonrpc"
	"github.com/ggoodman/airtable-mcp-server/internal/logctx"
	"github.com/ggoodman/airtable-mcp-server/mcp"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultMaxLine = 8 << 20

// Handler is a single-connection stdio transport that reads JSON-RPC messages
// from an io.Reader and writes responses to an io.Writer. By default, it uses
// os.Stdin and os.Stdout.
//
// The handler is transport-only; it delegates all MCP semantics to the
// engine.
type Handler struct {
	engine  *engine.Engine
	r       io.Reader
	w       io.Writer
	l       *slog.Logger
	maxLine int

	wmu sync.Mutex
}

var _ engine.MessageWriter = (*Handler)(nil)

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(e *engine.Engine, opts ...Option) *Handler {
	h := &Handler{
		engine:  e,
		r:       os.Stdin,
		w:       os.Stdout,
		l:       slog.Default(),
		maxLine: defaultMaxLine,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

type readResult struct {
	line []byte
	err  error
}

// Serve runs the stdio event loop until EOF on the reader or the context is
// canceled. It is safe to call at most once per Handler. Tool calls run in
// their own goroutines; every other message is handled in arrival order.
// On return every in-flight call has been cancelled and has finished.
func (h *Handler) Serve(ctx context.Context) error {
	sess := h.engine.NewSession(uuid.NewString())
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID()})

	lines := make(chan readResult)
	go h.readLoop(ctx, lines)

	var calls errgroup.Group
	shutdown := func(reason string) {
		sess.Close(reason)
		_ = calls.Wait()
	}

	h.l.InfoContext(ctx, "stdio.serve.start")
	for {
		select {
		case <-ctx.Done():
			shutdown("server shutting down")
			h.l.InfoContext(ctx, "stdio.serve.stop", slog.String("reason", "context done"))
			return ctx.Err()
		case rr, ok := <-lines:
			if !ok || errors.Is(rr.err, io.EOF) {
				shutdown("connection closed")
				h.l.InfoContext(ctx, "stdio.serve.stop", slog.String("reason", "eof"))
				return nil
			}
			if rr.err != nil {
				shutdown("connection closed")
				h.l.ErrorContext(ctx, "stdio.read.fail", slog.String("err", rr.err.Error()))
				return fmt.Errorf("stdio: read: %w", rr.err)
			}
			h.dispatch(ctx, sess, rr.line, &calls)
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, out chan<- readResult) {
	defer close(out)
	sc := bufio.NewScanner(h.r)
	sc.Buffer(make([]byte, 0, 64*1024), h.maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		cp := append([]byte(nil), line...)
		select {
		case out <- readResult{line: cp}:
		case <-ctx.Done():
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case out <- readResult{err: err}:
	case <-ctx.Done():
	}
}

func (h *Handler) dispatch(ctx context.Context, sess *engine.Session, line []byte, calls *errgroup.Group) {
	if line[0] == '[' {
		h.writeError(ctx, nil, jsonrpc.ErrorCodeInvalidRequest, "batch requests are not supported")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		h.l.InfoContext(ctx, "stdio.message.invalid", slog.String("err", err.Error()))
		if errors.Is(err, jsonrpc.ErrInvalidVersion) || errors.Is(err, jsonrpc.ErrInvalidShape) {
			h.writeError(ctx, msg.ID, jsonrpc.ErrorCodeInvalidRequest, "invalid request")
		} else {
			h.writeError(ctx, nil, jsonrpc.ErrorCodeParseError, "parse error")
		}
		return
	}

	switch msg.Type() {
	case jsonrpc.MessageTypeRequest:
		req := msg.AsRequest()
		if req.Method == string(mcp.ToolsCallMethod) {
			// Registration happens here, on the read loop, so that a
			// cancellation on the next line finds the request.
			call, res := h.engine.PrepareToolCall(ctx, sess, req, engine.NewProgressSink(h))
			if call == nil {
				h.write(ctx, res)
				return
			}
			calls.Go(func() error {
				if out, ok := call.Run(ctx); ok {
					h.write(ctx, out)
				}
				return nil
			})
			return
		}
		h.handleRequest(ctx, sess, req)
	case jsonrpc.MessageTypeNotification:
		if err := h.engine.HandleNotification(ctx, sess, msg.AsRequest()); err != nil {
			h.l.WarnContext(ctx, "stdio.notification.fail", slog.String("err", err.Error()))
		}
	default:
		// The server never issues requests, so responses have nothing to match.
		h.l.DebugContext(ctx, "stdio.response.ignored")
	}
}

func (h *Handler) handleRequest(ctx context.Context, sess *engine.Session, req *jsonrpc.Request) {
	if res, ok := h.engine.HandleRequest(ctx, sess, req, engine.NewProgressSink(h)); ok {
		h.write(ctx, res)
	}
}

func (h *Handler) write(ctx context.Context, res *jsonrpc.Response) {
	if err := h.writeJSONRPC(res); err != nil {
		h.l.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) writeError(ctx context.Context, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	h.write(ctx, jsonrpc.NewErrorResponse(id, code, msg, nil))
}

// WriteMessage writes one pre-encoded message as a line.
func (h *Handler) WriteMessage(_ context.Context, msg jsonrpc.Message) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if _, err := h.w.Write(append(append([]byte(nil), msg...), '\n')); err != nil {
		return fmt.Errorf("stdio: write: %w", err)
	}
	return nil
}

func (h *Handler) writeJSONRPC(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stdio: marshal: %w", err)
	}
	return h.WriteMessage(context.Background(), b)
}
