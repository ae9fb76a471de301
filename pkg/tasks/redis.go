// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists tasks as JSON values keyed by task ID. Each key
// carries the task's own TTL so Redis expiry doubles as retention cleanup.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore wraps a Redis client. The prefix namespaces task keys the
// same way the session store namespaces its keys.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(id string) string {
	return s.keyPrefix + "task:" + id
}

// Put inserts or replaces a task. The key TTL is the remaining retention
// window, so expired tasks vanish without a sweep.
func (s *RedisStore) Put(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	remaining := time.Until(t.CreatedAt.Add(t.TTL))
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	if err := s.client.Set(ctx, s.key(t.ID), data, remaining).Err(); err != nil {
		return fmt.Errorf("failed to store task: %w", err)
	}
	return nil
}

// Get returns a task by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &t, nil
}

// Delete removes a task.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// List scans for all live tasks.
func (s *RedisStore) List(ctx context.Context) ([]*Task, error) {
	var out []*Task

	iter := s.client.Scan(ctx, 0, s.keyPrefix+"task:*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan tasks: %w", err)
	}
	return out, nil
}

// Cleanup is a no-op; key TTLs handle retention.
func (s *RedisStore) Cleanup(_ context.Context) error {
	return nil
}

// Close is a no-op; the underlying client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

var _ Store = (*RedisStore)(nil)
