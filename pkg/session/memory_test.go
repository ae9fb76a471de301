// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldera-labs/mcpd/pkg/auth"
)

func newTestMemoryStore(t *testing.T, opts ...MemoryStoreOption) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	store := newTestMemoryStore(t)
	ctx := context.Background()

	sess := NewSession("sess-1")
	require.NoError(t, store.Create(ctx, sess))

	got, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.ID)
	assert.Equal(t, int64(0), got.EventCounter)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	t.Parallel()
	store := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, NewSession("dup")))
	err := store.Create(ctx, NewSession("dup"))
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	t.Parallel()
	store := newTestMemoryStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStore_AutoEventIDsStrictlyIncrease(t *testing.T) {
	t.Parallel()
	store := newTestMemoryStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewSession("s")))

	var prev int64
	for i := 0; i < 10; i++ {
		id, err := store.AddMessageAutoID(ctx, "s", json.RawMessage(`{}`))
		require.NoError(t, err)
		n, err := strconv.ParseInt(id, 10, 64)
		require.NoError(t, err)
		assert.Greater(t, n, prev)
		prev = n
	}

	sess, err := store.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(10), sess.EventCounter)
	assert.Equal(t, "10", sess.LastEventID)
}

func TestMemoryStore_AutoEventIDsConcurrent(t *testing.T) {
	t.Parallel()
	store := newTestMemoryStore(t, WithMaxHistory(1000))
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewSession("s")))

	const writers = 20
	const perWriter = 25

	var mu sync.Mutex
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				id, err := store.AddMessageAutoID(ctx, "s", json.RawMessage(`{}`))
				assert.NoError(t, err)
				mu.Lock()
				assert.False(t, seen[id], "event ID %s assigned twice", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, writers*perWriter)

	sess, err := store.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), sess.EventCounter)
}

func TestMemoryStore_HistoryTrimIsExact(t *testing.T) {
	t.Parallel()
	store := newTestMemoryStore(t, WithMaxHistory(5))
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewSession("s")))

	for i := 0; i < 12; i++ {
		_, err := store.AddMessageAutoID(ctx, "s", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}

	entries, err := store.MessagesFrom(ctx, "s", "")
	require.NoError(t, err)
	require.Len(t, entries, 5)
	// The five newest survive: IDs 8..12.
	assert.Equal(t, "8", entries[0].EventID)
	assert.Equal(t, "12", entries[4].EventID)
}

func TestMemoryStore_MessagesFromIsExclusive(t *testing.T) {
	t.Parallel()
	store := newTestMemoryStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewSession("s")))

	for i := 0; i < 5; i++ {
		_, err := store.AddMessageAutoID(ctx, "s", json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	entries, err := store.MessagesFrom(ctx, "s", "3")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "4", entries[0].EventID)
	assert.Equal(t, "5", entries[1].EventID)

	// Replaying from the newest ID yields nothing.
	entries, err = store.MessagesFrom(ctx, "s", "5")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Ascending order holds for a full replay.
	entries, err = store.MessagesFrom(ctx, "s", "")
	require.NoError(t, err)
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.EventID
	}
	assert.True(t, sort.SliceIsSorted(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i])
		b, _ := strconv.Atoi(ids[j])
		return a < b
	}))
}

func TestMemoryStore_MessagesFromBadEventID(t *testing.T) {
	t.Parallel()
	store := newTestMemoryStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewSession("s")))

	_, err := store.MessagesFrom(ctx, "s", "not-a-number")
	assert.Error(t, err)
}

func TestMemoryStore_TokenHashMapsToOneSession(t *testing.T) {
	t.Parallel()
	store := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, NewSession("a")))
	require.NoError(t, store.Create(ctx, NewSession("b")))

	hash := auth.HashToken("tok-1")
	require.NoError(t, store.SetAuthContext(ctx, "a", &auth.Context{UserID: "u", TokenHash: hash}))

	got, err := store.SessionByTokenHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)

	// Rebinding the same hash to another session moves it.
	require.NoError(t, store.AddTokenMapping(ctx, hash, "b"))
	got, err = store.SessionByTokenHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)
}

func TestMemoryStore_SetAuthContextSwapsTokenMapping(t *testing.T) {
	t.Parallel()
	store := newTestMemoryStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewSession("s")))

	oldHash := auth.HashToken("old-token")
	newHash := auth.HashToken("new-token")

	require.NoError(t, store.SetAuthContext(ctx, "s", &auth.Context{UserID: "u", TokenHash: oldHash}))
	require.NoError(t, store.SetAuthContext(ctx, "s", &auth.Context{UserID: "u", TokenHash: newHash}))

	_, err := store.SessionByTokenHash(ctx, oldHash)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	got, err := store.SessionByTokenHash(ctx, newHash)
	require.NoError(t, err)
	assert.Equal(t, "s", got.ID)
}

func TestMemoryStore_DeleteRemovesTokenMapping(t *testing.T) {
	t.Parallel()
	store := newTestMemoryStore(t)
	ctx := context.Background()

	sess := NewSession("s")
	sess.Auth = &auth.Context{UserID: "u", TokenHash: auth.HashToken("tok")}
	require.NoError(t, store.Create(ctx, sess))

	require.NoError(t, store.Delete(ctx, "s"))

	_, err := store.Get(ctx, "s")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.SessionByTokenHash(ctx, sess.Auth.TokenHash)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStore_CleanupExpiresIdleSessions(t *testing.T) {
	t.Parallel()
	store := newTestMemoryStore(t, WithTTL(50*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, NewSession("idle")))
	require.NoError(t, store.Create(ctx, NewSession("busy")))

	time.Sleep(80 * time.Millisecond)
	require.NoError(t, store.Touch(ctx, "busy"))
	require.NoError(t, store.Cleanup(ctx))

	_, err := store.Get(ctx, "idle")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Get(ctx, "busy")
	assert.NoError(t, err)
}

func TestMemoryStore_SetRefreshInfo(t *testing.T) {
	t.Parallel()
	store := newTestMemoryStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewSession("s")))

	info := &RefreshInfo{RefreshToken: "rt", ClientID: "client", AuthServerURL: "https://as.example.com"}
	require.NoError(t, store.SetRefreshInfo(ctx, "s", info))

	sess, err := store.Get(ctx, "s")
	require.NoError(t, err)
	require.NotNil(t, sess.Refresh)
	assert.Equal(t, "rt", sess.Refresh.RefreshToken)
	assert.Equal(t, "client", sess.Refresh.ClientID)
}

func TestMemoryStore_List(t *testing.T) {
	t.Parallel()
	store := newTestMemoryStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(ctx, NewSession(fmt.Sprintf("s-%d", i))))
	}

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 3)
}

func TestMemoryStore_AddMessageToMissingSession(t *testing.T) {
	t.Parallel()
	store := newTestMemoryStore(t)

	err := store.AddMessage(context.Background(), "missing", "1", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = store.AddMessageAutoID(context.Background(), "missing", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
