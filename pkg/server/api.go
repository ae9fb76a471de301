// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/caldera-labs/mcpd/pkg/auth"
	"github.com/caldera-labs/mcpd/pkg/broker"
	"github.com/caldera-labs/mcpd/pkg/engine"
	"github.com/caldera-labs/mcpd/pkg/logger"
	"github.com/caldera-labs/mcpd/pkg/protocol"
	"github.com/caldera-labs/mcpd/pkg/tasks"
)

// ErrTasksDisabled is returned by the task passthroughs when the tasks
// capability is not declared.
var ErrTasksDisabled = errors.New("tasks capability is not enabled")

// AddTool registers a tool. Must be called before Serve.
func (s *Server) AddTool(def protocol.Tool, handler engine.ToolHandler) error {
	return s.registry.AddTool(def, handler)
}

// AddResource registers a resource. Must be called before Serve.
func (s *Server) AddResource(def protocol.Resource, handler engine.ResourceHandler) error {
	return s.registry.AddResource(def, handler)
}

// AddPrompt registers a prompt. Must be called before Serve.
func (s *Server) AddPrompt(def protocol.Prompt, handler engine.PromptHandler) error {
	return s.registry.AddPrompt(def, handler)
}

// RegisterPromptCompletion binds a completion provider to a prompt name.
func (s *Server) RegisterPromptCompletion(name string, p engine.CompletionProvider) error {
	return s.registry.RegisterPromptCompletion(name, p)
}

// RegisterResourceCompletion binds a completion provider to a resource URI
// pattern.
func (s *Server) RegisterResourceCompletion(uriPattern string, p engine.CompletionProvider) error {
	return s.registry.RegisterResourceCompletion(uriPattern, p)
}

// SetLogLevel sets the minimum severity for notifications/message delivery.
func (s *Server) SetLogLevel(level engine.LogLevel) error {
	return s.logs.SetLevel(level)
}

// GetLogLevel returns the current minimum severity.
func (s *Server) GetLogLevel() engine.LogLevel {
	return s.logs.Level()
}

// Log emits a notifications/message to every session, subject to the
// client-set level filter. loggerName is optional.
func (s *Server) Log(ctx context.Context, level engine.LogLevel, data any, loggerName string) error {
	if !s.logs.Allows(level) {
		return nil
	}
	note, err := protocol.NewNotification(protocol.NotificationMessage, protocol.LogMessageParams{
		Level:  string(level),
		Logger: loggerName,
		Data:   data,
	})
	if err != nil {
		return err
	}
	return s.broadcast(ctx, note)
}

// BroadcastNotification publishes a notification to every session across
// all instances.
func (s *Server) BroadcastNotification(ctx context.Context, note *protocol.Message) error {
	return s.broadcast(ctx, note)
}

func (s *Server) broadcast(ctx context.Context, note *protocol.Message) error {
	payload, err := note.Encode()
	if err != nil {
		return err
	}
	return s.broker.Publish(ctx, broker.BroadcastTopic, payload)
}

// SendToSession publishes a message to the session's topic. The returned
// boolean reports whether this process holds open streams for the session;
// instances elsewhere may still deliver it.
func (s *Server) SendToSession(ctx context.Context, sessionID string, msg *protocol.Message) bool {
	payload, err := msg.Encode()
	if err != nil {
		logger.Errorf("failed to encode message for session %s: %v", sessionID, err)
		return false
	}
	if err := s.broker.Publish(ctx, broker.SessionTopic(sessionID), payload); err != nil {
		logger.Errorf("failed to publish to session %s: %v", sessionID, err)
		return false
	}
	return s.transport.HasLocalStreams(sessionID)
}

// Elicit sends an elicitation/create request asking the session's client to
// present a form. requestID may be empty; a UUID is minted.
func (s *Server) Elicit(ctx context.Context, sessionID, message string, schema json.RawMessage, requestID string) bool {
	return s.request(ctx, sessionID, requestID, protocol.MethodElicitation, protocol.ElicitParams{
		Message:         message,
		RequestedSchema: schema,
	})
}

// RequestSampling sends a sampling/createMessage request asking the
// session's client to run a model generation.
func (s *Server) RequestSampling(ctx context.Context, sessionID string, params protocol.CreateMessageParams) bool {
	return s.request(ctx, sessionID, "", protocol.MethodSampling, params)
}

// RequestRoots sends a roots/list request to the session's client.
func (s *Server) RequestRoots(ctx context.Context, sessionID string) bool {
	return s.request(ctx, sessionID, "", protocol.MethodRootsList, nil)
}

// request publishes a server-initiated request on the session topic. The
// boolean has SendToSession semantics.
func (s *Server) request(ctx context.Context, sessionID, requestID, method string, params any) bool {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req, err := protocol.NewRequest(requestID, method, params)
	if err != nil {
		logger.Errorf("failed to build %s request: %v", method, err)
		return false
	}
	return s.SendToSession(ctx, sessionID, req)
}

// CreateTask starts a long-running task bound to the given auth context.
func (s *Server) CreateTask(ctx context.Context, ttl time.Duration, ac *auth.Context) (*tasks.Task, error) {
	if s.taskSvc == nil {
		return nil, ErrTasksDisabled
	}
	return s.taskSvc.Create(ctx, ttl, ac)
}

// UpdateTask transitions a task's status and optionally attaches a result.
func (s *Server) UpdateTask(ctx context.Context, id string, status tasks.Status, result json.RawMessage, statusMessage string) (*tasks.Task, error) {
	if s.taskSvc == nil {
		return nil, ErrTasksDisabled
	}
	return s.taskSvc.Update(ctx, id, status, result, statusMessage)
}

// WaitForTaskResult blocks until the task reaches a terminal state.
func (s *Server) WaitForTaskResult(ctx context.Context, id string, ac *auth.Context) (*tasks.Task, error) {
	if s.taskSvc == nil {
		return nil, ErrTasksDisabled
	}
	return s.taskSvc.WaitForResult(ctx, id, ac)
}
