package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/airtable-mcp-server/internal/jsonrpc"
	"github.com/ggoodman/airtable-mcp-server/lifecycle"
	"github.com/ggoodman/airtable-mcp-server/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCatalog map[string]lifecycle.Handler

func (c testCatalog) Tools() []mcp.Tool {
	var out []mcp.Tool
	for name := range c {
		out = append(out, mcp.Tool{Name: name, InputSchema: mcp.ToolInputSchema{Type: "object"}})
	}
	return out
}

func (c testCatalog) Lookup(name string) (lifecycle.Handler, bool) {
	h, ok := c[name]
	return h, ok
}

func request(t *testing.T, id any, method string, params any) *jsonrpc.Request {
	t.Helper()
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, ID: jsonrpc.NewRequestID(id)}
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(t, err)
		req.Params = b
	}
	return req
}

func notification(t *testing.T, method string, params any) *jsonrpc.Request {
	t.Helper()
	n, err := jsonrpc.NewNotification(method, params)
	require.NoError(t, err)
	return n
}

type capturedWriter struct {
	mu   sync.Mutex
	msgs []jsonrpc.Message
}

func (w *capturedWriter) WriteMessage(_ context.Context, msg jsonrpc.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msg)
	return nil
}

func TestEngine_Initialize(t *testing.T) {
	lv := new(slog.LevelVar)
	e := NewEngine(testCatalog{}, WithLevelVar(lv), WithServerInfo(mcp.ImplementationInfo{Name: "airtable", Version: "1.2.3"}))
	sess := e.NewSession("s1")

	res, ok := e.HandleRequest(context.Background(), sess, request(t, 1, "initialize", mcp.InitializeRequest{
		ProtocolVersion: "2025-03-26",
		ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "0.1"},
	}), nil)
	require.True(t, ok)
	require.Nil(t, res.Error)

	var got mcp.InitializeResult
	require.NoError(t, json.Unmarshal(res.Result, &got))
	assert.Equal(t, "2025-03-26", got.ProtocolVersion)
	assert.Equal(t, "airtable", got.ServerInfo.Name)
	assert.NotNil(t, got.Capabilities.Tools)
	assert.NotNil(t, got.Capabilities.Logging)
	assert.Equal(t, "2025-03-26", sess.ProtocolVersion())
	assert.Equal(t, "client", sess.ClientInfo().Name)

	require.NoError(t, e.HandleNotification(context.Background(), sess, notification(t, "notifications/initialized", nil)))
	assert.True(t, sess.Initialized())
}

func TestEngine_InitializeUnknownVersionFallsBackToLatest(t *testing.T) {
	e := NewEngine(testCatalog{})
	sess := e.NewSession("s1")
	res, _ := e.HandleRequest(context.Background(), sess, request(t, 1, "initialize", mcp.InitializeRequest{ProtocolVersion: "1999-01-01"}), nil)

	var got mcp.InitializeResult
	require.NoError(t, json.Unmarshal(res.Result, &got))
	assert.Equal(t, mcp.LatestProtocolVersion, got.ProtocolVersion)
	assert.Nil(t, got.Capabilities.Logging)
}

func TestEngine_PingAndUnknownMethod(t *testing.T) {
	e := NewEngine(testCatalog{})
	sess := e.NewSession("s1")

	res, ok := e.HandleRequest(context.Background(), sess, request(t, "a", "ping", nil), nil)
	require.True(t, ok)
	assert.Nil(t, res.Error)
	assert.JSONEq(t, `{}`, string(res.Result))

	res, ok = e.HandleRequest(context.Background(), sess, request(t, "b", "resources/list", nil), nil)
	require.True(t, ok)
	require.NotNil(t, res.Error)
	assert.Equal(t, jsonrpc.ErrorCodeMethodNotFound, res.Error.Code)
}

func TestEngine_ToolsList(t *testing.T) {
	e := NewEngine(testCatalog{"list_bases": nil})
	res, _ := e.HandleRequest(context.Background(), e.NewSession("s"), request(t, 2, "tools/list", nil), nil)

	var got mcp.ListToolsResult
	require.NoError(t, json.Unmarshal(res.Result, &got))
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "list_bases", got.Tools[0].Name)
}

func TestEngine_ToolCallOutcomes(t *testing.T) {
	e := NewEngine(testCatalog{
		"list_bases": func(ctx context.Context, call *lifecycle.Call) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "bases"}}}, nil
		},
		"get_record": func(ctx context.Context, call *lifecycle.Call) (*mcp.CallToolResult, error) {
			return nil, lifecycle.InvalidArgumentsf("missing required argument %q", "recordId")
		},
		"update_records": func(ctx context.Context, call *lifecycle.Call) (*mcp.CallToolResult, error) {
			return nil, errors.New("airtable: 422 INVALID_VALUE_FOR_COLUMN")
		},
	})
	sess := e.NewSession("s")
	ctx := context.Background()

	res, ok := e.HandleRequest(ctx, sess, request(t, 1, "tools/call", map[string]any{"name": "list_bases"}), nil)
	require.True(t, ok)
	var got mcp.CallToolResult
	require.NoError(t, json.Unmarshal(res.Result, &got))
	assert.False(t, got.IsError)
	assert.Equal(t, "bases", got.Content[0].Text)

	res, ok = e.HandleRequest(ctx, sess, request(t, 2, "tools/call", map[string]any{"name": "not_a_real_tool"}), nil)
	require.True(t, ok)
	require.NotNil(t, res.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidParams, res.Error.Code)
	assert.Equal(t, "unknown tool: not_a_real_tool", res.Error.Message)

	res, _ = e.HandleRequest(ctx, sess, request(t, 3, "tools/call", map[string]any{"name": "get_record"}), nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidParams, res.Error.Code)
	assert.Contains(t, res.Error.Message, "recordId")

	res, _ = e.HandleRequest(ctx, sess, request(t, 4, "tools/call", map[string]any{"name": "update_records"}), nil)
	require.Nil(t, res.Error)
	got = mcp.CallToolResult{}
	require.NoError(t, json.Unmarshal(res.Result, &got))
	assert.True(t, got.IsError)
	assert.Contains(t, got.Content[0].Text, "INVALID_VALUE_FOR_COLUMN")

	res, _ = e.HandleRequest(ctx, sess, request(t, 5, "tools/call", map[string]any{"arguments": map[string]any{}}), nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidParams, res.Error.Code)

	assert.Equal(t, 0, sess.Coordinator().InFlight())
}

func TestEngine_CancelledCallHasNoResponse(t *testing.T) {
	started := make(chan struct{})
	e := NewEngine(testCatalog{
		"create_records": func(ctx context.Context, call *lifecycle.Call) (*mcp.CallToolResult, error) {
			close(started)
			<-ctx.Done()
			return nil, context.Cause(ctx)
		},
	})
	sess := e.NewSession("s")

	type result struct {
		res *jsonrpc.Response
		ok  bool
	}
	done := make(chan result, 1)
	go func() {
		res, ok := e.HandleRequest(context.Background(), sess, request(t, "r1", "tools/call", map[string]any{"name": "create_records"}), nil)
		done <- result{res, ok}
	}()

	<-started
	require.NoError(t, e.HandleNotification(context.Background(), sess, notification(t, "notifications/cancelled", map[string]any{
		"requestId": "r1",
		"reason":    "user abort",
	})))

	select {
	case r := <-done:
		assert.False(t, r.ok)
		assert.Nil(t, r.res)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled call did not finish")
	}
}

func TestEngine_DuplicateRequestID(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	e := NewEngine(testCatalog{
		"slow": func(ctx context.Context, call *lifecycle.Call) (*mcp.CallToolResult, error) {
			started <- struct{}{}
			<-release
			return nil, nil
		},
	})
	sess := e.NewSession("s")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.HandleRequest(context.Background(), sess, request(t, 9, "tools/call", map[string]any{"name": "slow"}), nil)
	}()
	<-started

	res, ok := e.HandleRequest(context.Background(), sess, request(t, 9, "tools/call", map[string]any{"name": "slow"}), nil)
	require.True(t, ok)
	require.NotNil(t, res.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidRequest, res.Error.Code)
	assert.Equal(t, "duplicate request id", res.Error.Message)

	close(release)
	<-done
}

func TestEngine_ProgressNotifications(t *testing.T) {
	e := NewEngine(testCatalog{
		"list_records": func(ctx context.Context, call *lifecycle.Call) (*mcp.CallToolResult, error) {
			call.Progress.Report(ctx, lifecycle.Progress{Progress: 10, Message: "a"})
			call.Progress.Report(ctx, lifecycle.Progress{Progress: 20, Total: 40, Message: "b"})
			return nil, nil
		},
	})
	w := &capturedWriter{}
	res, ok := e.HandleRequest(context.Background(), e.NewSession("s"), request(t, 1, "tools/call", map[string]any{
		"name":  "list_records",
		"_meta": map[string]any{"progressToken": "tok"},
	}), NewProgressSink(w))
	require.True(t, ok)
	require.Nil(t, res.Error)

	require.Len(t, w.msgs, 2)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"tok","progress":10,"message":"a"}}`, string(w.msgs[0]))
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"tok","progress":20,"total":40,"message":"b"}}`, string(w.msgs[1]))
}

func TestEngine_SetLevel(t *testing.T) {
	lv := new(slog.LevelVar)
	e := NewEngine(testCatalog{}, WithLevelVar(lv))
	sess := e.NewSession("s")

	res, _ := e.HandleRequest(context.Background(), sess, request(t, 1, "logging/setLevel", map[string]any{"level": "warning"}), nil)
	require.Nil(t, res.Error)
	assert.Equal(t, slog.LevelWarn, lv.Level())

	res, _ = e.HandleRequest(context.Background(), sess, request(t, 2, "logging/setLevel", map[string]any{"level": "loud"}), nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidParams, res.Error.Code)

	plain := NewEngine(testCatalog{})
	res, _ = plain.HandleRequest(context.Background(), plain.NewSession("s"), request(t, 3, "logging/setLevel", map[string]any{"level": "debug"}), nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, jsonrpc.ErrorCodeMethodNotFound, res.Error.Code)
}

func TestEngine_CancelledNotificationForUnknownRequestIsIgnored(t *testing.T) {
	e := NewEngine(testCatalog{})
	sess := e.NewSession("s")
	assert.NoError(t, e.HandleNotification(context.Background(), sess, notification(t, "notifications/cancelled", map[string]any{"requestId": 42})))
	assert.NoError(t, e.HandleNotification(context.Background(), sess, notification(t, "notifications/cancelled", map[string]any{})))
	assert.NoError(t, e.HandleNotification(context.Background(), sess, notification(t, "notifications/roots/list_changed", nil)))
}

func TestEngine_CancelBetweenPrepareAndRun(t *testing.T) {
	var called bool
	e := NewEngine(testCatalog{
		"create_records": func(ctx context.Context, call *lifecycle.Call) (*mcp.CallToolResult, error) {
			called = true
			return nil, nil
		},
	})
	sess := e.NewSession("s")

	call, res := e.PrepareToolCall(context.Background(), sess, request(t, "r1", "tools/call", map[string]any{"name": "create_records"}), nil)
	require.NotNil(t, call)
	require.Nil(t, res)
	assert.Equal(t, 1, sess.Coordinator().InFlight())

	require.NoError(t, e.HandleNotification(context.Background(), sess, notification(t, "notifications/cancelled", map[string]any{"requestId": "r1"})))

	res, ok := call.Run(context.Background())
	assert.False(t, ok)
	assert.Nil(t, res)
	assert.False(t, called)
	assert.Equal(t, 0, sess.Coordinator().InFlight())
}

func TestEngine_PrepareRejectsMissingName(t *testing.T) {
	e := NewEngine(testCatalog{})
	sess := e.NewSession("s")

	call, res := e.PrepareToolCall(context.Background(), sess, request(t, 1, "tools/call", map[string]any{}), nil)
	assert.Nil(t, call)
	require.NotNil(t, res)
	require.NotNil(t, res.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidParams, res.Error.Code)
	assert.Equal(t, 0, sess.Coordinator().InFlight())
}
