// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/caldera-labs/mcpd/pkg/auth"
	"github.com/caldera-labs/mcpd/pkg/broker"
	"github.com/caldera-labs/mcpd/pkg/logger"
)

// resultPollInterval is the internal polling cadence of WaitForResult. The
// store may be remote, so waiting is poll-based rather than event-based.
const resultPollInterval = 100 * time.Millisecond

// statusNotification is the payload published on the task's status topic.
type statusNotification struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  statusParamsShape `json:"params"`
}

type statusParamsShape struct {
	TaskID        string `json:"taskId"`
	Status        Status `json:"status"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

// Service implements the task lifecycle on top of a Store, publishing every
// status change to the task's broker topic.
type Service struct {
	store  Store
	broker broker.Broker
}

// NewService wires a task service.
func NewService(store Store, b broker.Broker) *Service {
	return &Service{store: store, broker: b}
}

// Create starts a new task in the working state. When an auth context is
// given, the task is only visible to callers with a matching user or
// client ID.
func (s *Service) Create(ctx context.Context, ttl time.Duration, ac *auth.Context) (*Task, error) {
	poll := ttl / 10
	if poll > MaxPollInterval {
		poll = MaxPollInterval
	}

	t := &Task{
		ID:           uuid.NewString(),
		Status:       StatusWorking,
		CreatedAt:    time.Now().UTC(),
		TTL:          ttl,
		PollInterval: poll,
		Auth:         ac,
	}
	if err := s.store.Put(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns the task if the caller may see it. Missing, expired, and
// forbidden tasks are indistinguishable.
func (s *Service) Get(ctx context.Context, id string, ac *auth.Context) (*Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Expired(time.Now()) || !t.accessibleBy(ac) {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// List returns the live tasks visible to the caller.
func (s *Service) List(ctx context.Context, ac *auth.Context) ([]*Task, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]*Task, 0, len(all))
	for _, t := range all {
		if !t.Expired(now) && t.accessibleBy(ac) {
			out = append(out, t)
		}
	}
	return out, nil
}

// WaitForResult blocks until the task reaches a terminal state and returns
// it. It gives up when the task's TTL elapses or ctx is cancelled.
func (s *Service) WaitForResult(ctx context.Context, id string, ac *auth.Context) (*Task, error) {
	t, err := s.Get(ctx, id, ac)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return t, nil
	}

	deadline := t.CreatedAt.Add(t.TTL)
	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return nil, ErrTaskTimeout
			}
			t, err := s.Get(ctx, id, ac)
			if err != nil {
				return nil, err
			}
			if t.Status.IsTerminal() {
				return t, nil
			}
		}
	}
}

// Cancel transitions a working task to cancelled.
func (s *Service) Cancel(ctx context.Context, id string, ac *auth.Context) (*Task, error) {
	t, err := s.Get(ctx, id, ac)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, ErrTaskTerminal
	}

	t.Status = StatusCancelled
	t.StatusMessage = "Cancelled by user"
	if err := s.store.Put(ctx, t); err != nil {
		return nil, err
	}
	s.publishStatus(ctx, t)
	return t, nil
}

// Update is called by the host that owns the computation. Terminal tasks
// reject further transitions.
func (s *Service) Update(ctx context.Context, id string, status Status, result json.RawMessage, statusMessage string) (*Task, error) {
	if !status.Valid() {
		return nil, ErrInvalidState
	}

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, ErrTaskTerminal
	}

	t.Status = status
	t.StatusMessage = statusMessage
	if result != nil {
		t.Result = result
	}
	if err := s.store.Put(ctx, t); err != nil {
		return nil, err
	}
	s.publishStatus(ctx, t)
	return t, nil
}

// Cleanup removes tasks past their retention window.
func (s *Service) Cleanup(ctx context.Context) error {
	return s.store.Cleanup(ctx)
}

func (s *Service) publishStatus(ctx context.Context, t *Task) {
	payload, err := json.Marshal(statusNotification{
		JSONRPC: "2.0",
		Method:  "notifications/tasks/status",
		Params: statusParamsShape{
			TaskID:        t.ID,
			Status:        t.Status,
			StatusMessage: t.StatusMessage,
		},
	})
	if err != nil {
		logger.Errorf("failed to marshal task status notification: %v", err)
		return
	}
	if err := s.broker.Publish(ctx, broker.TaskTopic(t.ID), payload); err != nil {
		logger.Errorf("failed to publish status for task %s: %v", t.ID, err)
	}
}
