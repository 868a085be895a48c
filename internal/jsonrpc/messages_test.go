package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnyMessage_Classification(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want MessageType
	}{
		{"request", `{"jsonrpc":"2.0","method":"tools/call","id":1}`, MessageTypeRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":1}}`, MessageTypeNotification},
		{"response", `{"jsonrpc":"2.0","result":{},"id":"a"}`, MessageTypeResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var m AnyMessage
			require.NoError(t, json.Unmarshal([]byte(tc.in), &m))
			assert.Equal(t, tc.want, m.Type())
		})
	}
}

func TestAnyMessage_RejectsInvalid(t *testing.T) {
	var m AnyMessage
	err := json.Unmarshal([]byte(`{"jsonrpc":"1.0","method":"ping","id":1}`), &m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidVersion))

	err = json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1}`), &m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidShape))

	err = json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"ping","result":{},"id":1}`), &m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidShape))
}

func TestRequestID_RoundTrip(t *testing.T) {
	var n RequestID
	require.NoError(t, json.Unmarshal([]byte(`7`), &n))
	assert.Equal(t, int64(7), n.Value())
	assert.Equal(t, "7", n.String())

	var s RequestID
	require.NoError(t, json.Unmarshal([]byte(`"r1"`), &s))
	assert.Equal(t, "r1", s.String())

	b, err := json.Marshal(&s)
	require.NoError(t, err)
	assert.JSONEq(t, `"r1"`, string(b))

	var bad RequestID
	assert.Error(t, json.Unmarshal([]byte(`{}`), &bad))
}

func TestErrorResponse_NullID(t *testing.T) {
	resp := NewErrorResponse(nil, ErrorCodeParseError, "parse error", nil)
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","error":{"code":-32700,"message":"parse error"},"id":null}`, string(b))
}

func TestNewNotification(t *testing.T) {
	n, err := NewNotification("notifications/progress", map[string]any{"progress": 1})
	require.NoError(t, err)
	assert.True(t, n.IsNotification())
	b, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`, string(b))
}
