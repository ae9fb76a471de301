// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

// Package engine dispatches parsed JSON-RPC envelopes to the registered
// feature services: tools, resources, prompts, completion, logging, and
// tasks. Registries are populated before the server accepts traffic and
// read-only afterwards.
package engine

import (
	"net/http"

	"github.com/caldera-labs/mcpd/pkg/auth"
)

// HandlerContext carries per-invocation state into tool, resource, and
// prompt handlers. Request and Writer are nil on the stdio transport.
type HandlerContext struct {
	// SessionID is the bound session, empty when the transport is
	// sessionless.
	SessionID string

	// Auth is the validated caller identity, nil when authorization is
	// disabled.
	Auth *auth.Context

	// Request and Writer expose the underlying HTTP exchange for handlers
	// that need transport details.
	Request *http.Request
	Writer  http.ResponseWriter
}
