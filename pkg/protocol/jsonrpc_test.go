// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		raw          string
		request      bool
		notification bool
		response     bool
	}{
		{
			name:    "request with numeric id",
			raw:     `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			request: true,
		},
		{
			name:    "request with string id",
			raw:     `{"jsonrpc":"2.0","id":"abc","method":"tools/list"}`,
			request: true,
		},
		{
			name:         "notification has no id",
			raw:          `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			notification: true,
		},
		{
			name:         "null id counts as notification",
			raw:          `{"jsonrpc":"2.0","id":null,"method":"notifications/cancelled"}`,
			notification: true,
		},
		{
			name:     "success response",
			raw:      `{"jsonrpc":"2.0","id":1,"result":{}}`,
			response: true,
		},
		{
			name:     "error response",
			raw:      `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`,
			response: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, err := ParseMessage([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.request, msg.IsRequest())
			assert.Equal(t, tt.notification, msg.IsNotification())
			assert.Equal(t, tt.response, msg.IsResponse())
		})
	}
}

func TestParseMessage_Invalid(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`{broken`, `{}`, `{"jsonrpc":"2.0","id":7}`} {
		_, err := ParseMessage([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidEnvelope, raw)
	}
}

func TestParseBatch(t *testing.T) {
	t.Parallel()

	t.Run("array", func(t *testing.T) {
		t.Parallel()
		msgs, err := ParseBatch([]byte(` [{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","method":"notifications/initialized"}]`))
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.True(t, msgs[0].IsRequest())
		assert.True(t, msgs[1].IsNotification())
	})

	t.Run("single envelope passes through", func(t *testing.T) {
		t.Parallel()
		msgs, err := ParseBatch([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
		require.NoError(t, err)
		require.Len(t, msgs, 1)
	})

	t.Run("empty batch rejected", func(t *testing.T) {
		t.Parallel()
		_, err := ParseBatch([]byte(`[]`))
		assert.ErrorIs(t, err, ErrInvalidEnvelope)
	})
}

func TestNewError_NormalizesMissingID(t *testing.T) {
	t.Parallel()

	msg := NewError(nil, ErrCodeParseError, "parse error", nil)
	assert.Equal(t, json.RawMessage("null"), msg.ID)

	data, err := msg.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":null`)

	withID := NewError(json.RawMessage("42"), ErrCodeInvalidParams, "bad", map[string]any{"field": "x"})
	assert.Equal(t, json.RawMessage("42"), withID.ID)
	assert.JSONEq(t, `{"field":"x"}`, string(withID.Error.Data))
}

func TestNewRequestAndResponse(t *testing.T) {
	t.Parallel()

	req, err := NewRequest("r-1", MethodToolsCall, map[string]any{"name": "t"})
	require.NoError(t, err)
	assert.True(t, req.IsRequest())
	assert.Equal(t, Version, req.JSONRPC)

	resp, err := NewResponse(req.ID, map[string]any{"ok": true})
	require.NoError(t, err)
	assert.True(t, resp.IsResponse())
	assert.Equal(t, req.ID, resp.ID)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
}
