// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

// Package tasks implements the long-running task service: UUID-identified
// operations with a working/completed/failed/cancelled lifecycle, TTL-based
// retention, and status change notifications over the broker.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/caldera-labs/mcpd/pkg/auth"
)

// Status is the externally visible lifecycle state of a task.
type Status string

// Task statuses. Working is the only non-terminal status.
const (
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusWorking, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Errors returned by the task service. ErrTaskNotFound is deliberately also
// returned on authorization mismatch so callers cannot probe for the
// existence of other principals' tasks.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskTerminal = errors.New("task is already in a terminal state")
	ErrTaskTimeout  = errors.New("task did not complete within its TTL")
	ErrInvalidState = errors.New("invalid task status")
)

// MaxPollInterval caps the advertised client poll interval.
const MaxPollInterval = 5 * time.Second

// Task is one long-running operation.
type Task struct {
	ID            string          `json:"id"`
	Status        Status          `json:"status"`
	StatusMessage string          `json:"statusMessage,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	TTL           time.Duration   `json:"ttl"`
	PollInterval  time.Duration   `json:"pollInterval"`
	Result        json.RawMessage `json:"result,omitempty"`

	// Auth, when set, restricts access to callers whose auth context
	// carries a matching user or client ID.
	Auth *auth.Context `json:"auth,omitempty"`
}

// Expired reports whether the task is past its retention window.
func (t *Task) Expired(now time.Time) bool {
	return now.After(t.CreatedAt.Add(t.TTL))
}

// accessibleBy reports whether the caller may see this task. Tasks without
// a bound auth context are visible to everyone.
func (t *Task) accessibleBy(ac *auth.Context) bool {
	if t.Auth == nil {
		return true
	}
	if ac == nil {
		return false
	}
	if t.Auth.UserID != "" && t.Auth.UserID == ac.UserID {
		return true
	}
	if t.Auth.ClientID != "" && t.Auth.ClientID == ac.ClientID {
		return true
	}
	return false
}

// Store is the task persistence contract.
type Store interface {
	// Put inserts or replaces a task.
	Put(ctx context.Context, t *Task) error

	// Get returns a task by ID, or ErrTaskNotFound.
	Get(ctx context.Context, id string) (*Task, error)

	// Delete removes a task.
	Delete(ctx context.Context, id string) error

	// List returns all live tasks.
	List(ctx context.Context) ([]*Task, error)

	// Cleanup removes tasks past their retention window.
	Cleanup(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
