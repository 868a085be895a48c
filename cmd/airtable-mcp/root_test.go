package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/airtable-mcp-server/internal/config"
	"github.com/ggoodman/airtable-mcp-server/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestResolveConfigValidatesAfterOverrides(t *testing.T) {
	t.Setenv("AIRTABLE_API_KEY", "pat")
	t.Setenv("MCP_TRANSPORT", "carrier-pigeon")

	_, err := resolveConfig(nil)
	require.Error(t, err)

	cfg, err := resolveConfig(func(cfg *config.Config) { cfg.Transport = config.TransportStdio })
	require.NoError(t, err)
	assert.Equal(t, config.TransportStdio, cfg.Transport)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, lv, err := newLogger(config.Log{Level: "warn", Format: config.LogFormatJSON}, &buf)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lv.Level())

	log.Info("hidden")
	log.Warn("shown", slog.String("k", "v"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "v", rec["k"])

	buf.Reset()
	log, _, err = newLogger(config.Log{Level: "info", Format: config.LogFormatText}, &buf)
	require.NoError(t, err)
	log.Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")

	_, _, err = newLogger(config.Log{Level: "chatty", Format: config.LogFormatText}, &buf)
	assert.Error(t, err)
}

// TestRunStdio wires the whole server against a fake Airtable API and drives
// it over stdio.
func TestRunStdio(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer pat-test", r.Header.Get("Authorization"))
		assert.Equal(t, "/v0/meta/bases", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"bases":[{"id":"app1","name":"Inventory","permissionLevel":"create"}]}`)
	}))
	defer api.Close()

	cfg := &config.Config{
		Airtable:  config.Airtable{APIKey: "pat-test", BaseURL: api.URL, RateLimit: 0, ReadOnly: true},
		Transport: config.TransportStdio,
		HTTP:      config.HTTP{Endpoint: "/mcp", SessionTTL: time.Hour},
		Log:       config.Log{Level: "error", Format: config.LogFormatJSON},
	}
	require.NoError(t, cfg.Validate())

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), cfg, inR, outW, io.Discard)
		_ = outW.Close()
	}()

	lines := bufio.NewScanner(outR)
	send := func(s string) {
		_, err := io.WriteString(inW, s+"\n")
		require.NoError(t, err)
	}
	next := func() map[string]any {
		require.True(t, lines.Scan())
		var m map[string]any
		require.NoError(t, json.Unmarshal(lines.Bytes(), &m))
		return m
	}

	send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"` + mcp.LatestProtocolVersion + `","capabilities":{},"clientInfo":{"name":"t","version":"0"}}}`)
	initRes := next()
	assert.EqualValues(t, 1, initRes["id"])
	result := initRes["result"].(map[string]any)
	assert.Equal(t, version, result["serverInfo"].(map[string]any)["version"])
	assert.NotEmpty(t, result["instructions"])

	send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	send(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	tools := next()["result"].(map[string]any)["tools"].([]any)
	var names []string
	for _, tool := range tools {
		names = append(names, tool.(map[string]any)["name"].(string))
	}
	assert.Contains(t, names, "list_bases")
	assert.NotContains(t, names, "create_records")

	send(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"list_bases","arguments":{}}}`)
	call := next()["result"].(map[string]any)
	text := call["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.True(t, strings.Contains(text, "Inventory"), text)

	require.NoError(t, inW.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after stdin closed")
	}
}
