// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/caldera-labs/mcpd/pkg/logger"
)

// ErrMissingUpstream is returned when the DCR proxy has no upstream URL.
// An explicit upstream prevents the registration endpoint from pointing at
// itself through discovery.
var ErrMissingUpstream = errors.New("dynamic client registration requires an explicit upstream URL")

// RegistrationHook can rewrite the registration body on its way to or from
// the upstream authorization server.
type RegistrationHook func(body []byte) ([]byte, error)

// DCRProxyConfig configures the dynamic client registration proxy.
type DCRProxyConfig struct {
	// UpstreamURL is the authorization server's registration endpoint.
	UpstreamURL string

	// PreHook and PostHook optionally transform the request and response
	// bodies.
	PreHook  RegistrationHook
	PostHook RegistrationHook

	HTTPClient *http.Client
}

// DCRProxy forwards client registration requests to the upstream
// authorization server.
type DCRProxy struct {
	cfg        DCRProxyConfig
	httpClient *http.Client
}

// NewDCRProxy validates the configuration and builds the proxy.
func NewDCRProxy(cfg DCRProxyConfig) (*DCRProxy, error) {
	if cfg.UpstreamURL == "" {
		return nil, ErrMissingUpstream
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &DCRProxy{cfg: cfg, httpClient: httpClient}, nil
}

// ServeHTTP forwards the registration body upstream, applying the hooks.
func (p *DCRProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read registration body", http.StatusBadRequest)
		return
	}

	if p.cfg.PreHook != nil {
		body, err = p.cfg.PreHook(body)
		if err != nil {
			logger.Warnf("registration pre-hook rejected request: %v", err)
			http.Error(w, "registration rejected", http.StatusBadRequest)
			return
		}
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, p.cfg.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		logger.Errorf("registration upstream unreachable: %v", err)
		http.Error(w, "registration upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, "failed to read upstream response", http.StatusBadGateway)
		return
	}

	if p.cfg.PostHook != nil {
		respBody, err = p.cfg.PostHook(respBody)
		if err != nil {
			logger.Errorf("registration post-hook failed: %v", err)
			http.Error(w, "registration post-processing failed", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}
