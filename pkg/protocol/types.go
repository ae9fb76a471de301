// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package protocol

import "encoding/json"

// Implementation identifies a client or server, advertised in initialize.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities declares which method families the server exposes.
// Method families left nil are not advertised; tasks methods additionally
// return a method-not-found error when the tasks family is absent.
type ServerCapabilities struct {
	Tools       *ToolsCapability `json:"tools,omitempty"`
	Resources   *struct{}        `json:"resources,omitempty"`
	Prompts     *struct{}        `json:"prompts,omitempty"`
	Logging     *struct{}        `json:"logging,omitempty"`
	Tasks       *struct{}        `json:"tasks,omitempty"`
	Completions *struct{}        `json:"completions,omitempty"`
}

// ToolsCapability is the tools entry of ServerCapabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeParams are the parameters of the initialize request.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ClientInfo      Implementation  `json:"clientInfo"`
}

// InitializeResult is returned by initialize.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Tool describes a registered tool in tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// TextContent is a text block inside a tool or prompt result.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewTextContent builds a text content block.
func NewTextContent(text string) TextContent {
	return TextContent{Type: "text", Text: text}
}

// ToolResult is the result shape of tools/call.
type ToolResult struct {
	Content []any `json:"content"`
	IsError bool  `json:"isError,omitempty"`
}

// CallToolParams are the parameters of tools/call.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Resource describes a registered resource in resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContents is one entry of a resources/read result.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ReadResourceResult is the result shape of resources/read. IsError marks
// a handler failure surfaced as a success envelope.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
	IsError  bool               `json:"isError,omitempty"`
}

// Prompt describes a registered prompt in prompts/list.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one argument of a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage is one message of a prompts/get result.
type PromptMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// GetPromptResult is the result shape of prompts/get. IsError marks a
// handler failure surfaced as a success envelope.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
	IsError     bool            `json:"isError,omitempty"`
}

// CompleteParams are the parameters of completion/complete.
type CompleteParams struct {
	Ref      CompletionRef      `json:"ref"`
	Argument CompletionArgument `json:"argument"`
}

// CompletionRef identifies the prompt or resource being completed.
type CompletionRef struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// CompletionArgument is the argument under completion.
type CompletionArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CompleteResult is the result shape of completion/complete. Values are
// capped at 100 entries; Total reports the uncapped count.
type CompleteResult struct {
	Completion Completion `json:"completion"`
}

// Completion carries the completion values.
type Completion struct {
	Values  []string `json:"values"`
	Total   int      `json:"total"`
	HasMore bool     `json:"hasMore"`
}

// TaskInfo is the wire shape of a task in tasks/* results. TTL and
// PollInterval are milliseconds.
type TaskInfo struct {
	TaskID        string          `json:"taskId"`
	Status        string          `json:"status"`
	StatusMessage string          `json:"statusMessage,omitempty"`
	CreatedAt     string          `json:"createdAt"`
	TTL           int64           `json:"ttl"`
	PollInterval  int64           `json:"pollInterval"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// ElicitParams are the parameters of a server-initiated elicitation/create
// request: the client should present a form described by the schema.
type ElicitParams struct {
	Message         string          `json:"message"`
	RequestedSchema json.RawMessage `json:"requestedSchema,omitempty"`
}

// SamplingMessage is one conversation message in a sampling request.
type SamplingMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// CreateMessageParams are the parameters of a server-initiated
// sampling/createMessage request.
type CreateMessageParams struct {
	Messages     []SamplingMessage `json:"messages"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	MaxTokens    int               `json:"maxTokens,omitempty"`
	Temperature  *float64          `json:"temperature,omitempty"`
}

// LogMessageParams are the parameters of notifications/message.
type LogMessageParams struct {
	Level  string `json:"level"`
	Logger string `json:"logger,omitempty"`
	Data   any    `json:"data"`
}

// ListToolsResult is the result shape of tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// ListResourcesResult is the result shape of resources/list.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// ListPromptsResult is the result shape of prompts/list.
type ListPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
}

// ListTasksResult is the result shape of tasks/list.
type ListTasksResult struct {
	Tasks []TaskInfo `json:"tasks"`
}
