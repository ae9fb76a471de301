// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDCRProxy_RequiresUpstream(t *testing.T) {
	t.Parallel()

	_, err := NewDCRProxy(DCRProxyConfig{})
	assert.ErrorIs(t, err, ErrMissingUpstream)
}

func TestDCRProxy_ForwardsWithHooks(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "injected", req["software_id"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"client_id": "issued-client"}`))
	}))
	t.Cleanup(upstream.Close)

	proxy, err := NewDCRProxy(DCRProxyConfig{
		UpstreamURL: upstream.URL,
		PreHook: func(body []byte) ([]byte, error) {
			var req map[string]any
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, err
			}
			req["software_id"] = "injected"
			return json.Marshal(req)
		},
		PostHook: func(body []byte) ([]byte, error) {
			return append(body[:len(body)-1], `,"proxied":true}`...), nil
		},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/oauth/register",
		strings.NewReader(`{"client_name":"my-app"}`))
	proxy.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"client_id":"issued-client","proxied":true}`, rec.Body.String())
}

func TestDCRProxy_PreHookRejection(t *testing.T) {
	t.Parallel()

	proxy, err := NewDCRProxy(DCRProxyConfig{
		UpstreamURL: "http://127.0.0.1:1",
		PreHook: func([]byte) ([]byte, error) {
			return nil, errors.New("not allowed")
		},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDCRProxy_UpstreamUnreachable(t *testing.T) {
	t.Parallel()

	proxy, err := NewDCRProxy(DCRProxyConfig{UpstreamURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
