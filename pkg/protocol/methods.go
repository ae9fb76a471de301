// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package protocol

// ProtocolVersion is the MCP protocol revision this server advertises.
const ProtocolVersion = "2025-03-26"

// MCP method names.
const (
	MethodInitialize       = "initialize"
	MethodPing             = "ping"
	MethodToolsList        = "tools/list"
	MethodToolsCall        = "tools/call"
	MethodResourcesList    = "resources/list"
	MethodResourcesRead    = "resources/read"
	MethodPromptsList      = "prompts/list"
	MethodPromptsGet       = "prompts/get"
	MethodCompletion       = "completion/complete"
	MethodLoggingSetLevel  = "logging/setLevel"
	MethodTasksGet         = "tasks/get"
	MethodTasksList        = "tasks/list"
	MethodTasksCancel      = "tasks/cancel"
	MethodElicitation      = "elicitation/create"
	MethodSampling         = "sampling/createMessage"
	MethodRootsList        = "roots/list"
	NotificationInitialized    = "notifications/initialized"
	NotificationCancelled      = "notifications/cancelled"
	NotificationMessage        = "notifications/message"
	NotificationTaskStatus     = "notifications/tasks/status"
	NotificationTokenRefreshed = "notifications/token_refreshed"
)

// SessionIDHeader carries the session UUID on both requests and responses.
const SessionIDHeader = "Mcp-Session-Id"

// LastEventIDHeader triggers history replay on SSE reconnect.
const LastEventIDHeader = "Last-Event-ID"
