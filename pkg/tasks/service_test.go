// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldera-labs/mcpd/pkg/auth"
	"github.com/caldera-labs/mcpd/pkg/broker"
)

func newTestService(t *testing.T) (*Service, *broker.MemoryBroker) {
	t.Helper()
	b := broker.NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })
	return NewService(NewMemoryStore(), b), b
}

func TestService_CreateDefaults(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, time.Minute, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, StatusWorking, task.Status)
	assert.Equal(t, 5*time.Second, task.PollInterval)

	// A short TTL yields ttl/10.
	task, err = svc.Create(ctx, 10*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Second, task.PollInterval)
}

func TestService_GetUnknownTask(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)

	_, err := svc.Get(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestService_AuthBoundTaskIsInvisibleToOthers(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	owner := &auth.Context{UserID: "alice", ClientID: "app-1"}
	task, err := svc.Create(ctx, time.Minute, owner)
	require.NoError(t, err)

	// Owner sees it, by user ID or by client ID.
	_, err = svc.Get(ctx, task.ID, &auth.Context{UserID: "alice"})
	assert.NoError(t, err)
	_, err = svc.Get(ctx, task.ID, &auth.Context{ClientID: "app-1"})
	assert.NoError(t, err)

	// Everyone else gets not-found, never forbidden.
	_, err = svc.Get(ctx, task.ID, &auth.Context{UserID: "bob", ClientID: "app-2"})
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = svc.Get(ctx, task.ID, nil)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestService_UpdateAndTerminality(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, time.Minute, nil)
	require.NoError(t, err)

	updated, err := svc.Update(ctx, task.ID, StatusCompleted, json.RawMessage(`{"data":"r"}`), "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, updated.Status)
	assert.JSONEq(t, `{"data":"r"}`, string(updated.Result))

	// Terminal statuses are final.
	_, err = svc.Update(ctx, task.ID, StatusFailed, nil, "")
	assert.ErrorIs(t, err, ErrTaskTerminal)
	_, err = svc.Cancel(ctx, task.ID, nil)
	assert.ErrorIs(t, err, ErrTaskTerminal)
}

func TestService_UpdateRejectsUnknownStatus(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, time.Minute, nil)
	require.NoError(t, err)

	_, err = svc.Update(ctx, task.ID, Status("paused"), nil, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestService_Cancel(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, time.Minute, nil)
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, task.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, "Cancelled by user", cancelled.StatusMessage)
}

func TestService_UpdatePublishesStatusNotification(t *testing.T) {
	t.Parallel()
	svc, b := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, time.Minute, nil)
	require.NoError(t, err)

	got := make(chan []byte, 1)
	sub, err := b.Subscribe(ctx, broker.TaskTopic(task.ID), func(_ string, p []byte) { got <- p })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = svc.Update(ctx, task.ID, StatusCompleted, nil, "done")
	require.NoError(t, err)

	select {
	case payload := <-got:
		var n statusNotification
		require.NoError(t, json.Unmarshal(payload, &n))
		assert.Equal(t, "notifications/tasks/status", n.Method)
		assert.Equal(t, task.ID, n.Params.TaskID)
		assert.Equal(t, StatusCompleted, n.Params.Status)
		assert.Equal(t, "done", n.Params.StatusMessage)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status notification")
	}
}

func TestService_WaitForResult(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, time.Minute, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_, _ = svc.Update(ctx, task.ID, StatusCompleted, json.RawMessage(`{"ok":true}`), "")
	}()

	done, err := svc.WaitForResult(ctx, task.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))
}

func TestService_WaitForResultTimesOut(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, 200*time.Millisecond, nil)
	require.NoError(t, err)

	_, err = svc.WaitForResult(ctx, task.ID, nil)
	assert.ErrorIs(t, err, ErrTaskTimeout)
}

func TestService_WaitForResultHonoursContext(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)

	task, err := svc.Create(context.Background(), time.Minute, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err = svc.WaitForResult(ctx, task.ID, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryStore_CleanupRemovesExpired(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	ctx := context.Background()

	fresh := &Task{ID: "fresh", Status: StatusWorking, CreatedAt: time.Now(), TTL: time.Hour}
	stale := &Task{ID: "stale", Status: StatusWorking, CreatedAt: time.Now().Add(-2 * time.Hour), TTL: time.Hour}
	require.NoError(t, store.Put(ctx, fresh))
	require.NoError(t, store.Put(ctx, stale))

	require.NoError(t, store.Cleanup(ctx))

	_, err := store.Get(ctx, "fresh")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "stale")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRedisStore_RoundTripAndExpiry(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client, "test:")
	ctx := context.Background()

	task := &Task{
		ID:           "t-1",
		Status:       StatusWorking,
		CreatedAt:    time.Now().UTC(),
		TTL:          time.Minute,
		PollInterval: 5 * time.Second,
	}
	require.NoError(t, store.Put(ctx, task))

	got, err := store.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, got.Status)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	mr.FastForward(2 * time.Minute)
	_, err = store.Get(ctx, "t-1")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
