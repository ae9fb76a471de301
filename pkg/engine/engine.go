// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/caldera-labs/mcpd/pkg/logger"
	"github.com/caldera-labs/mcpd/pkg/protocol"
	"github.com/caldera-labs/mcpd/pkg/tasks"
)

// MaxCompletionValues caps completion/complete responses.
const MaxCompletionValues = 100

// Config carries the identity and capability surface advertised by
// initialize.
type Config struct {
	ServerInfo   protocol.Implementation
	Capabilities protocol.ServerCapabilities
	Instructions string
}

// Engine dispatches JSON-RPC envelopes to the feature services.
type Engine struct {
	cfg      Config
	registry *Registry
	logs     *LogService
	tasks    *tasks.Service
}

// New wires an engine. The tasks service may be nil when the tasks
// capability is not declared.
func New(cfg Config, registry *Registry, logs *LogService, taskSvc *tasks.Service) *Engine {
	return &Engine{cfg: cfg, registry: registry, logs: logs, tasks: taskSvc}
}

// Registry exposes the engine's registries for host registration.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Logs exposes the log filter service.
func (e *Engine) Logs() *LogService {
	return e.logs
}

// Outcome is the engine's verdict on one envelope. Response is nil for
// notifications. When Stream is set, the transport delivers each yielded
// item as its own envelope reusing RequestID.
type Outcome struct {
	Response  *protocol.Message
	Stream    Stream
	RequestID json.RawMessage
}

// rpcError carries a JSON-RPC error through the dispatch internals.
type rpcError struct {
	code    int
	message string
	data    any
}

func (e *rpcError) Error() string { return e.message }

func errMethodNotFound(method string) *rpcError {
	return &rpcError{code: protocol.ErrCodeMethodNotFound, message: fmt.Sprintf("method not found: %s", method)}
}

func errInvalidParams(message string, data any) *rpcError {
	return &rpcError{code: protocol.ErrCodeInvalidParams, message: message, data: data}
}

func errInternal(message string) *rpcError {
	return &rpcError{code: protocol.ErrCodeInternalError, message: message}
}

// Handle dispatches one parsed envelope. Notifications and responses yield
// a nil Outcome.
func (e *Engine) Handle(ctx context.Context, hc *HandlerContext, msg *protocol.Message) *Outcome {
	if msg.IsNotification() {
		e.handleNotification(msg)
		return nil
	}
	if !msg.IsRequest() {
		logger.Warnf("ignoring non-request envelope (method=%q)", msg.Method)
		return nil
	}

	result, stream, err := e.dispatch(ctx, hc, msg)
	if err != nil {
		var rpcErr *rpcError
		if !errors.As(err, &rpcErr) {
			rpcErr = errInternal(err.Error())
		}
		return &Outcome{Response: protocol.NewError(msg.ID, rpcErr.code, rpcErr.message, rpcErr.data)}
	}
	if stream != nil {
		return &Outcome{Stream: stream, RequestID: msg.ID}
	}

	resp, err := protocol.NewResponse(msg.ID, result)
	if err != nil {
		logger.Errorf("failed to encode result for %s: %v", msg.Method, err)
		return &Outcome{Response: protocol.NewError(msg.ID, protocol.ErrCodeInternalError, "failed to encode result", nil)}
	}
	return &Outcome{Response: resp}
}

func (e *Engine) dispatch(ctx context.Context, hc *HandlerContext, msg *protocol.Message) (any, Stream, error) {
	switch msg.Method {
	case protocol.MethodInitialize:
		res, err := e.handleInitialize(msg.Params)
		return res, nil, err
	case protocol.MethodPing:
		return struct{}{}, nil, nil
	case protocol.MethodToolsList:
		return protocol.ListToolsResult{Tools: e.registry.listTools()}, nil, nil
	case protocol.MethodToolsCall:
		return e.handleToolCall(ctx, hc, msg.Params)
	case protocol.MethodResourcesList:
		return protocol.ListResourcesResult{Resources: e.registry.listResources()}, nil, nil
	case protocol.MethodResourcesRead:
		res, err := e.handleResourceRead(ctx, hc, msg.Params)
		return res, nil, err
	case protocol.MethodPromptsList:
		return protocol.ListPromptsResult{Prompts: e.registry.listPrompts()}, nil, nil
	case protocol.MethodPromptsGet:
		res, err := e.handlePromptGet(ctx, hc, msg.Params)
		return res, nil, err
	case protocol.MethodCompletion:
		res, err := e.handleComplete(ctx, msg.Params)
		return res, nil, err
	case protocol.MethodLoggingSetLevel:
		res, err := e.handleSetLevel(msg.Params)
		return res, nil, err
	case protocol.MethodTasksGet, protocol.MethodTasksList, protocol.MethodTasksCancel:
		res, err := e.handleTasks(ctx, hc, msg.Method, msg.Params)
		return res, nil, err
	default:
		return nil, nil, errMethodNotFound(msg.Method)
	}
}

func (e *Engine) handleNotification(msg *protocol.Message) {
	switch msg.Method {
	case protocol.NotificationInitialized:
		logger.Infof("client initialized")
	case protocol.NotificationCancelled:
		logger.Infof("client cancelled a request: %s", string(msg.Params))
	default:
		logger.Warnf("ignoring unsupported notification: %s", msg.Method)
	}
}

func (e *Engine) handleInitialize(params json.RawMessage) (any, error) {
	var p protocol.InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, errInvalidParams("invalid initialize params", nil)
		}
	}
	if p.ProtocolVersion != "" && p.ProtocolVersion != protocol.ProtocolVersion {
		logger.Warnf("client requested protocol version %s, serving %s", p.ProtocolVersion, protocol.ProtocolVersion)
	}

	return protocol.InitializeResult{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    e.cfg.Capabilities,
		ServerInfo:      e.cfg.ServerInfo,
		Instructions:    e.cfg.Instructions,
	}, nil
}

func (e *Engine) handleToolCall(ctx context.Context, hc *HandlerContext, params json.RawMessage) (any, Stream, error) {
	var p protocol.CallToolParams
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, nil, errInvalidParams("tools/call requires a tool name", nil)
	}

	entry, ok := e.registry.tool(p.Name)
	if !ok {
		return nil, nil, errInvalidParams(fmt.Sprintf("unknown tool: %s", p.Name), nil)
	}

	if entry.schema != nil {
		if err := validateAgainst(entry.schema, p.Arguments); err != nil {
			return nil, nil, err
		}
	}

	if entry.handler == nil {
		return toolError(fmt.Errorf("tool %s has no handler", p.Name)), nil, nil
	}

	res, err := invokeTool(ctx, hc, entry.handler, p.Arguments)
	if err != nil {
		return toolError(err), nil, nil
	}
	if res.IsStream() {
		return nil, res.Stream, nil
	}
	return toToolResult(res.Value), nil, nil
}

// invokeTool shields the engine from handler panics; a panic is a handler
// error, not a server crash.
func invokeTool(ctx context.Context, hc *HandlerContext, h ToolHandler, args map[string]any) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("tool handler panicked: %v", r)
			res, err = nil, fmt.Errorf("handler panicked: %v", r)
		}
	}()
	res, err = h(ctx, hc, args)
	if err == nil && res == nil {
		res = Single(protocol.ToolResult{Content: []any{}})
	}
	return res, err
}

func validateAgainst(schema *gojsonschema.Schema, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return errInternal(fmt.Sprintf("schema validation failed: %v", err))
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return errInvalidParams("arguments do not match the tool's input schema", map[string]any{"errors": details})
	}
	return nil
}

// toolError converts a handler failure into the isError success shape.
func toolError(err error) protocol.ToolResult {
	return protocol.ToolResult{
		Content: []any{protocol.NewTextContent("Error: " + err.Error())},
		IsError: true,
	}
}

// toToolResult normalises whatever the handler returned into the tools/call
// result shape.
func toToolResult(v any) any {
	switch r := v.(type) {
	case protocol.ToolResult:
		return r
	case *protocol.ToolResult:
		return *r
	case protocol.TextContent:
		return protocol.ToolResult{Content: []any{r}}
	case string:
		return protocol.ToolResult{Content: []any{protocol.NewTextContent(r)}}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return toolError(fmt.Errorf("unserialisable tool result: %v", err))
		}
		return protocol.ToolResult{Content: []any{protocol.NewTextContent(string(data))}}
	}
}

type readResourceParams struct {
	URI string `json:"uri"`
}

func (e *Engine) handleResourceRead(ctx context.Context, hc *HandlerContext, params json.RawMessage) (any, error) {
	var p readResourceParams
	if err := json.Unmarshal(params, &p); err != nil || p.URI == "" {
		return nil, errInvalidParams("resources/read requires a uri", nil)
	}

	entry, ok := e.registry.resource(p.URI)
	if !ok {
		return nil, errInvalidParams(fmt.Sprintf("unknown resource: %s", p.URI), nil)
	}
	if entry.handler == nil {
		return protocol.ReadResourceResult{
			Contents: []protocol.ResourceContents{{URI: p.URI, Text: "Error: resource has no handler"}},
			IsError:  true,
		}, nil
	}

	contents, err := entry.handler(ctx, hc, p.URI)
	if err != nil {
		return protocol.ReadResourceResult{
			Contents: []protocol.ResourceContents{{URI: p.URI, Text: "Error: " + err.Error()}},
			IsError:  true,
		}, nil
	}
	return protocol.ReadResourceResult{Contents: contents}, nil
}

type getPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

func (e *Engine) handlePromptGet(ctx context.Context, hc *HandlerContext, params json.RawMessage) (any, error) {
	var p getPromptParams
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, errInvalidParams("prompts/get requires a prompt name", nil)
	}

	entry, ok := e.registry.prompt(p.Name)
	if !ok {
		return nil, errInvalidParams(fmt.Sprintf("unknown prompt: %s", p.Name), nil)
	}

	for _, arg := range entry.def.Arguments {
		if arg.Required {
			if _, ok := p.Arguments[arg.Name]; !ok {
				return nil, errInvalidParams(fmt.Sprintf("missing required argument: %s", arg.Name), nil)
			}
		}
	}

	if entry.handler == nil {
		return promptError(fmt.Errorf("prompt %s has no handler", p.Name)), nil
	}

	result, err := entry.handler(ctx, hc, p.Arguments)
	if err != nil {
		return promptError(err), nil
	}
	return result, nil
}

func promptError(err error) *protocol.GetPromptResult {
	return &protocol.GetPromptResult{
		Messages: []protocol.PromptMessage{
			{Role: "assistant", Content: protocol.NewTextContent("Error: " + err.Error())},
		},
		IsError: true,
	}
}

func (e *Engine) handleComplete(ctx context.Context, params json.RawMessage) (any, error) {
	var p protocol.CompleteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errInvalidParams("invalid completion/complete params", nil)
	}

	var provider CompletionProvider
	var ok bool
	switch p.Ref.Type {
	case "ref/prompt":
		provider, ok = e.registry.promptCompletion(p.Ref.Name)
	case "ref/resource":
		provider, ok = e.registry.resourceCompletion(p.Ref.URI)
	default:
		return nil, errInvalidParams(fmt.Sprintf("unknown completion ref type: %s", p.Ref.Type), nil)
	}
	if !ok {
		return protocol.CompleteResult{Completion: protocol.Completion{Values: []string{}}}, nil
	}

	values, err := provider(ctx, p.Argument.Name, p.Argument.Value)
	if err != nil {
		return nil, errInternal(fmt.Sprintf("completion provider failed: %v", err))
	}

	total := len(values)
	if total > MaxCompletionValues {
		values = values[:MaxCompletionValues]
	}
	return protocol.CompleteResult{
		Completion: protocol.Completion{
			Values:  values,
			Total:   total,
			HasMore: total > MaxCompletionValues,
		},
	}, nil
}

type setLevelParams struct {
	Level string `json:"level"`
}

func (e *Engine) handleSetLevel(params json.RawMessage) (any, error) {
	var p setLevelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errInvalidParams("invalid logging/setLevel params", nil)
	}
	if err := e.logs.SetLevel(LogLevel(p.Level)); err != nil {
		return nil, errInvalidParams(err.Error(), nil)
	}
	return struct{}{}, nil
}

type taskParams struct {
	TaskID string `json:"taskId"`
}

func (e *Engine) handleTasks(ctx context.Context, hc *HandlerContext, method string, params json.RawMessage) (any, error) {
	if e.cfg.Capabilities.Tasks == nil || e.tasks == nil {
		return nil, errMethodNotFound(method)
	}

	if method == protocol.MethodTasksList {
		list, err := e.tasks.List(ctx, hc.Auth)
		if err != nil {
			return nil, errInternal(err.Error())
		}
		infos := make([]protocol.TaskInfo, 0, len(list))
		for _, t := range list {
			infos = append(infos, taskInfo(t))
		}
		return protocol.ListTasksResult{Tasks: infos}, nil
	}

	var p taskParams
	if err := json.Unmarshal(params, &p); err != nil || p.TaskID == "" {
		return nil, errInvalidParams("a taskId is required", nil)
	}

	switch method {
	case protocol.MethodTasksGet:
		t, err := e.tasks.Get(ctx, p.TaskID, hc.Auth)
		if err != nil {
			return nil, taskError(err)
		}
		return taskInfo(t), nil
	case protocol.MethodTasksCancel:
		t, err := e.tasks.Cancel(ctx, p.TaskID, hc.Auth)
		if err != nil {
			return nil, taskError(err)
		}
		return taskInfo(t), nil
	default:
		return nil, errMethodNotFound(method)
	}
}

// taskError maps service errors to wire errors. Missing and forbidden are
// deliberately the same message.
func taskError(err error) error {
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		return errInvalidParams("Task not found", nil)
	case errors.Is(err, tasks.ErrTaskTerminal):
		return errInvalidParams("task is already in a terminal state", nil)
	default:
		return errInternal(err.Error())
	}
}

func taskInfo(t *tasks.Task) protocol.TaskInfo {
	return protocol.TaskInfo{
		TaskID:        t.ID,
		Status:        string(t.Status),
		StatusMessage: t.StatusMessage,
		CreatedAt:     t.CreatedAt.Format(time.RFC3339),
		TTL:           t.TTL.Milliseconds(),
		PollInterval:  t.PollInterval.Milliseconds(),
		Result:        t.Result,
	}
}
