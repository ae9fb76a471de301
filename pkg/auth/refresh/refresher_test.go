// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package refresh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldera-labs/mcpd/pkg/auth"
	"github.com/caldera-labs/mcpd/pkg/broker"
	"github.com/caldera-labs/mcpd/pkg/lock"
	"github.com/caldera-labs/mcpd/pkg/session"
)

func newFixture(t *testing.T) (*Refresher, session.Store, *broker.MemoryBroker) {
	t.Helper()

	store := session.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	b := broker.NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })

	locker := lock.NewLocalLocker()
	t.Cleanup(func() { _ = locker.Close() })

	r := New(store, locker, b, Config{MaxAttempts: 2})
	return r, store, b
}

// seedSession creates a session with an expiring token and refresh state.
func seedSession(t *testing.T, store session.Store, id, tokenURL string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, session.NewSession(id)))
	require.NoError(t, store.SetAuthContext(ctx, id, &auth.Context{
		UserID:    "user-1",
		ClientID:  "app",
		TokenHash: auth.HashToken("old-token"),
		ExpiresAt: time.Now().Add(time.Minute),
	}))
	require.NoError(t, store.SetRefreshInfo(ctx, id, &session.RefreshInfo{
		RefreshToken:  "refresh-1",
		ClientID:      "app",
		AuthServerURL: tokenURL,
	}))
}

func TestRefresher_RefreshesExpiringSession(t *testing.T) {
	t.Parallel()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))
		assert.Equal(t, "app", r.Form.Get("client_id"))
		_, _ = w.Write([]byte(`{"access_token":"new-token","refresh_token":"refresh-2","expires_in":3600}`))
	}))
	t.Cleanup(tokenSrv.Close)

	r, store, b := newFixture(t)
	ctx := context.Background()
	seedSession(t, store, "s1", tokenSrv.URL)

	notified := make(chan []byte, 1)
	sub, err := b.Subscribe(ctx, broker.SessionTopic("s1"), func(_ string, p []byte) { notified <- p })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	r.RunCycle(ctx)

	// The new token hash resolves to the session, the old one is unbound.
	sess, err := store.SessionByTokenHash(ctx, auth.HashToken("new-token"))
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
	_, err = store.SessionByTokenHash(ctx, auth.HashToken("old-token"))
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	require.NotNil(t, sess.Refresh)
	assert.Equal(t, "refresh-2", sess.Refresh.RefreshToken)
	assert.Equal(t, 0, sess.Refresh.Attempts)

	select {
	case payload := <-notified:
		assert.Contains(t, string(payload), "notifications/token_refreshed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for token_refreshed notification")
	}
}

func TestRefresher_SkipsSessionsOutsideBuffer(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"access_token":"x","expires_in":3600}`))
	}))
	t.Cleanup(tokenSrv.Close)

	r, store, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, session.NewSession("fresh")))
	require.NoError(t, store.SetAuthContext(ctx, "fresh", &auth.Context{
		UserID:    "u",
		TokenHash: auth.HashToken("t"),
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}))
	require.NoError(t, store.SetRefreshInfo(ctx, "fresh", &session.RefreshInfo{
		RefreshToken:  "rt",
		AuthServerURL: tokenSrv.URL,
	}))

	r.RunCycle(ctx)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRefresher_FailureCountingAndDisable(t *testing.T) {
	t.Parallel()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad grant", http.StatusBadRequest)
	}))
	t.Cleanup(tokenSrv.Close)

	r, store, _ := newFixture(t)
	ctx := context.Background()
	seedSession(t, store, "s1", tokenSrv.URL)

	r.RunCycle(ctx)
	sess, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Refresh.Attempts)
	assert.False(t, sess.Refresh.Disabled)

	// MaxAttempts is 2 in the fixture; the second failure disables.
	r.RunCycle(ctx)
	sess, err = store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Refresh.Attempts)
	assert.True(t, sess.Refresh.Disabled)

	// Disabled sessions are skipped entirely.
	r.RunCycle(ctx)
	sess, err = store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Refresh.Attempts)
}

func TestRefresher_LockContentionSkips(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"access_token":"x","expires_in":3600}`))
	}))
	t.Cleanup(tokenSrv.Close)

	store := session.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	b := broker.NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })
	locker := lock.NewLocalLocker()
	t.Cleanup(func() { _ = locker.Close() })

	r := New(store, locker, b, Config{})
	ctx := context.Background()
	seedSession(t, store, "s1", tokenSrv.URL)

	// Simulate another instance holding the session's refresh lock.
	_, acquired, err := locker.TryAcquire(ctx, "refresh:s1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	r.RunCycle(ctx)
	assert.Equal(t, int32(0), calls.Load())
}
