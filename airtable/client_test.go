package airtable

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_RequiresToken(t *testing.T) {
	_, err := NewClient("")
	require.Error(t, err)

	_, err = NewClient("tok", WithBaseURL("not a url"))
	require.Error(t, err)
}

func TestClient_SendsBearerToken(t *testing.T) {
	var auth, ctype string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		ctype = r.Header.Get("Content-Type")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, err := NewClient("pat123", WithBaseURL(srv.URL), WithRateLimit(0))
	require.NoError(t, err)

	raw, err := c.Do(context.Background(), http.MethodPost, "/v0/app1/tbl1", nil, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.Equal(t, "Bearer pat123", auth)
	assert.Equal(t, "application/json", ctype)
}

func TestClient_APIErrorShapes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantTyp string
		wantMsg string
	}{
		{"object", http.StatusNotFound, `{"error":{"type":"TABLE_NOT_FOUND","message":"Could not find table"}}`, "TABLE_NOT_FOUND", "Could not find table"},
		{"string", http.StatusForbidden, `{"error":"NOT_AUTHORIZED"}`, "NOT_AUTHORIZED", ""},
		{"plain", http.StatusBadGateway, `upstream down`, "", "upstream down"},
		{"empty", http.StatusTooManyRequests, ``, "", "Too Many Requests"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient("tok", WithBaseURL(srv.URL))
			require.NoError(t, err)

			_, err = c.Do(context.Background(), http.MethodGet, "/v0/meta/bases", nil, nil)
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.wantTyp, apiErr.Type)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
		})
	}
}

func TestClient_EscapedPathIsPreserved(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := NewClient("tok", WithBaseURL(srv.URL+"/"))
	require.NoError(t, err)
	_, err = c.Do(context.Background(), http.MethodGet, "/v0/app1/My%20Table%2FArchive", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "/v0/app1/My%20Table%2FArchive", got)
}

func TestClient_CancelledContextReturnsCause(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := NewClient("tok", WithBaseURL(srv.URL))
	require.NoError(t, err)

	cause := errors.New("stop now")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)

	_, err = c.Do(ctx, http.MethodGet, "/v0/meta/bases", nil, nil)
	assert.ErrorIs(t, err, cause)
}
