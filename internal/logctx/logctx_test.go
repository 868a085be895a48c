package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_AddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).With(slog.String("component", "test"))

	ctx := WithSessionData(context.Background(), &SessionData{SessionID: "s1", ProtocolVersion: "2025-06-18"})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "tools/call", ID: "7", Type: "request"})
	ctx = WithCallData(ctx, &CallData{RequestID: "7", Tool: "list_bases", ProgressToken: "p1"})
	log.InfoContext(ctx, "lifecycle.execute.ok")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "test", rec["component"])
	assert.Equal(t, map[string]any{"id": "s1", "protocol_version": "2025-06-18"}, rec["sess"])
	assert.Equal(t, map[string]any{"method": "tools/call", "id": "7", "type": "request"}, rec["rpc"])
	assert.Equal(t, map[string]any{"request_id": "7", "tool": "list_bases", "progress_token": "p1"}, rec["call"])
}

func TestHandler_NoContextNoGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})
	log.Info("plain")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.NotContains(t, rec, "sess")
	assert.NotContains(t, rec, "call")
}
