// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/caldera-labs/mcpd/pkg/logger"
)

// MiddlewareConfig configures the bearer token pre-handler.
type MiddlewareConfig struct {
	// ResourceMetadataURL is advertised in the WWW-Authenticate challenge
	// so clients can discover the authorization server.
	ResourceMetadataURL string

	// ExcludedPaths bypass authentication entirely (well-known endpoints,
	// health probes).
	ExcludedPaths []string
}

// Middleware returns an http middleware that validates the bearer token on
// every request and attaches the resulting auth context. Auth failures are
// HTTP 401 challenges, never JSON-RPC envelopes.
func Middleware(v *Validator, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	excluded := make(map[string]bool, len(cfg.ExcludedPaths))
	for _, p := range cfg.ExcludedPaths {
		excluded[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token, err := extractBearer(r)
			if err != nil {
				challenge(w, cfg.ResourceMetadataURL, "invalid_request", err.Error())
				return
			}

			ac, err := v.ValidateToken(r.Context(), token)
			if err != nil {
				logger.Debugf("token validation failed: %v", err)
				challenge(w, cfg.ResourceMetadataURL, "invalid_token", "token validation failed")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), ac)))
		})
	}
}

func extractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", ErrMissingToken
	}
	return parts[1], nil
}

// challenge writes the RFC 9728 WWW-Authenticate header pointing clients
// at the protected-resource metadata.
func challenge(w http.ResponseWriter, metadataURL, errCode, description string) {
	value := fmt.Sprintf("Bearer error=%q, error_description=%q", errCode, description)
	if metadataURL != "" {
		value += fmt.Sprintf(", resource_metadata=%q", metadataURL)
	}
	w.Header().Set("WWW-Authenticate", value)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
