// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"net/http"

	"github.com/caldera-labs/mcpd/pkg/logger"
)

// Well-known paths served by the runtime.
const (
	ProtectedResourcePath = "/.well-known/oauth-protected-resource"
	HealthPath            = "/.well-known/mcp-resource-health"
)

// ProtectedResourceMetadata is the RFC 9728 protected-resource document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

// ProtectedResourceHandler serves the protected-resource metadata document.
func ProtectedResourceHandler(meta ProtectedResourceMetadata) http.HandlerFunc {
	if len(meta.BearerMethodsSupported) == 0 {
		meta.BearerMethodsSupported = []string{"header"}
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(meta); err != nil {
			logger.Errorf("failed to write protected resource metadata: %v", err)
		}
	}
}

// HealthHandler is the liveness probe, always excluded from auth.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
