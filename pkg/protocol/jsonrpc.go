// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the JSON-RPC 2.0 envelope and the MCP method set.
//
// The envelope is deliberately permissive on decode: classification into
// request, response, or notification happens after parsing, and the engine
// decides how to handle each shape.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the JSON-RPC protocol version carried in every envelope.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ErrInvalidEnvelope is returned when a message is structurally not a
// JSON-RPC 2.0 envelope.
var ErrInvalidEnvelope = errors.New("invalid JSON-RPC envelope")

// Message is a JSON-RPC 2.0 envelope. A message is a request (ID and Method
// set), a notification (Method set, no ID), or a response (ID set plus
// Result or Error).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail is the error member of a JSON-RPC response.
type ErrorDetail struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so engine internals can return
// protocol errors through ordinary error plumbing.
func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsRequest reports whether the message is a request (expects a response).
func (m *Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// IsNotification reports whether the message is a notification.
func (m *Message) IsNotification() bool {
	return m.Method != "" && (len(m.ID) == 0 || bytes.Equal(m.ID, []byte("null")))
}

// IsResponse reports whether the message is a response to an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && len(m.ID) > 0 && (m.Result != nil || m.Error != nil)
}

// NewRequest builds a request envelope. The id must marshal to a JSON
// string or number.
func NewRequest(id any, method string, params any) (*Message, error) {
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request id: %w", err)
	}
	var rawParams json.RawMessage
	if params != nil {
		rawParams, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request params: %w", err)
		}
	}
	return &Message{JSONRPC: Version, ID: rawID, Method: method, Params: rawParams}, nil
}

// NewNotification builds a notification envelope (no id).
func NewNotification(method string, params any) (*Message, error) {
	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal notification params: %w", err)
		}
	}
	return &Message{JSONRPC: Version, Method: method, Params: rawParams}, nil
}

// NewResponse builds a success response reusing the request's raw id.
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	rawResult, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: normalizeID(id), Result: rawResult}, nil
}

// NewError builds an error response. A nil id yields the literal null id
// mandated for unparseable requests.
func NewError(id json.RawMessage, code int, message string, data any) *Message {
	detail := &ErrorDetail{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			detail.Data = raw
		}
	}
	return &Message{JSONRPC: Version, ID: normalizeID(id), Error: detail}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// ParseMessage decodes a single JSON-RPC envelope.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	if msg.Method == "" && msg.Result == nil && msg.Error == nil {
		return nil, fmt.Errorf("%w: no method, result or error", ErrInvalidEnvelope)
	}
	return &msg, nil
}

// ParseBatch decodes either a single envelope or a top-level array of
// envelopes. Batches are only accepted on the stdio transport.
func ParseBatch(data []byte) ([]*Message, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var msgs []*Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
		}
		if len(msgs) == 0 {
			return nil, fmt.Errorf("%w: empty batch", ErrInvalidEnvelope)
		}
		return msgs, nil
	}
	msg, err := ParseMessage(data)
	if err != nil {
		return nil, err
	}
	return []*Message{msg}, nil
}

// Encode serialises the message to its wire form.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}
