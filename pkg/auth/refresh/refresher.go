// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

// Package refresh runs the background token refresh loop: sessions whose
// access token is about to expire get a new token from the authorization
// server, coordinated across instances by the distributed lock so each
// session is refreshed exactly once per cycle.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/caldera-labs/mcpd/pkg/auth"
	"github.com/caldera-labs/mcpd/pkg/broker"
	"github.com/caldera-labs/mcpd/pkg/lock"
	"github.com/caldera-labs/mcpd/pkg/logger"
	"github.com/caldera-labs/mcpd/pkg/protocol"
	"github.com/caldera-labs/mcpd/pkg/session"
)

// Defaults for the refresh loop.
const (
	DefaultInterval     = time.Minute
	DefaultExpiryBuffer = 5 * time.Minute
	DefaultMaxAttempts  = 5
)

// Config tunes the refresher.
type Config struct {
	// Interval between refresh cycles.
	Interval time.Duration

	// ExpiryBuffer selects sessions whose token expires within this
	// window.
	ExpiryBuffer time.Duration

	// LockTTL bounds how long a crashed instance can hold a session's
	// refresh lock.
	LockTTL time.Duration

	// MaxAttempts disables automatic refresh for a session after this
	// many consecutive failures.
	MaxAttempts int

	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.ExpiryBuffer == 0 {
		c.ExpiryBuffer = DefaultExpiryBuffer
	}
	if c.LockTTL == 0 {
		c.LockTTL = lock.DefaultLockTTL
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
}

// Refresher is the background refresh service. One per process; the
// distributed lock elects the instance that refreshes each session.
type Refresher struct {
	cfg    Config
	store  session.Store
	locker lock.Locker
	broker broker.Broker

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a refresher. Call Start to begin the loop.
func New(store session.Store, locker lock.Locker, b broker.Broker, cfg Config) *Refresher {
	cfg.applyDefaults()
	return &Refresher{
		cfg:    cfg,
		store:  store,
		locker: locker,
		broker: b,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the refresh loop.
func (r *Refresher) Start() {
	go func() {
		defer close(r.doneCh)

		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.RunCycle(context.Background())
			}
		}
	}()
}

// Stop halts the loop and waits for the current cycle to finish.
func (r *Refresher) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// RunCycle scans all sessions once and refreshes the eligible ones.
func (r *Refresher) RunCycle(ctx context.Context) {
	sessions, err := r.store.List(ctx)
	if err != nil {
		logger.Errorf("token refresh: failed to list sessions: %v", err)
		return
	}

	cutoff := time.Now().Add(r.cfg.ExpiryBuffer)
	for _, sess := range sessions {
		if !eligible(sess, cutoff) {
			continue
		}
		r.refreshSession(ctx, sess)
	}
}

func eligible(sess *session.Session, cutoff time.Time) bool {
	if sess.Auth == nil || sess.Refresh == nil {
		return false
	}
	if sess.Refresh.Disabled || sess.Refresh.RefreshToken == "" {
		return false
	}
	return !sess.Auth.ExpiresAt.IsZero() && sess.Auth.ExpiresAt.Before(cutoff)
}

func (r *Refresher) refreshSession(ctx context.Context, sess *session.Session) {
	held, acquired, err := r.locker.TryAcquire(ctx, "refresh:"+sess.ID, r.cfg.LockTTL)
	if err != nil {
		logger.Errorf("token refresh: lock error for session %s: %v", sess.ID, err)
		return
	}
	if !acquired {
		// Another instance is refreshing this session.
		return
	}
	defer func() {
		if err := held.Release(ctx); err != nil {
			logger.Debugf("token refresh: lock release for session %s: %v", sess.ID, err)
		}
	}()

	tok, err := r.requestToken(ctx, sess.Refresh)
	if err != nil {
		r.recordFailure(ctx, sess, err)
		return
	}

	newCtx := &auth.Context{
		UserID:       sess.Auth.UserID,
		ClientID:     sess.Auth.ClientID,
		Scopes:       sess.Auth.Scopes,
		Audience:     sess.Auth.Audience,
		Issuer:       sess.Auth.Issuer,
		TokenType:    "Bearer",
		TokenHash:    auth.HashToken(tok.AccessToken),
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
		IssuedAt:     time.Now(),
		RefreshToken: tok.RefreshToken,
	}
	if tok.Scope != "" {
		newCtx.Scopes = strings.Fields(tok.Scope)
	}

	if err := r.store.SetAuthContext(ctx, sess.ID, newCtx); err != nil {
		logger.Errorf("token refresh: failed to store new context for session %s: %v", sess.ID, err)
		return
	}

	info := *sess.Refresh
	info.LastRefresh = time.Now().UTC()
	info.Attempts = 0
	if tok.RefreshToken != "" {
		info.RefreshToken = tok.RefreshToken
	}
	if err := r.store.SetRefreshInfo(ctx, sess.ID, &info); err != nil {
		logger.Errorf("token refresh: failed to store refresh info for session %s: %v", sess.ID, err)
	}

	r.notifyRefreshed(ctx, sess.ID, newCtx.ExpiresAt)
	logger.Infof("refreshed token for session %s", sess.ID)
}

func (r *Refresher) recordFailure(ctx context.Context, sess *session.Session, cause error) {
	info := *sess.Refresh
	info.Attempts++
	if info.Attempts >= r.cfg.MaxAttempts {
		info.Disabled = true
		logger.Warnf("token refresh disabled for session %s after %d attempts: %v", sess.ID, info.Attempts, cause)
	} else {
		logger.Warnf("token refresh failed for session %s (attempt %d): %v", sess.ID, info.Attempts, cause)
	}
	if err := r.store.SetRefreshInfo(ctx, sess.ID, &info); err != nil {
		logger.Errorf("token refresh: failed to record failure for session %s: %v", sess.ID, err)
	}
}

// tokenResponse is the OAuth token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

// requestToken posts the refresh_token grant, retrying transient failures
// with exponential backoff.
func (r *Refresher) requestToken(ctx context.Context, info *session.RefreshInfo) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {info.RefreshToken},
		"client_id":     {info.ClientID},
	}
	if len(info.Scopes) > 0 {
		form.Set("scope", strings.Join(info.Scopes, " "))
	}

	operation := func() (*tokenResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, info.AuthServerURL,
			strings.NewReader(form.Encode()))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := r.cfg.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			// 4xx means the grant itself is bad; retrying will not help.
			return nil, backoff.Permanent(fmt.Errorf("token endpoint returned %d", resp.StatusCode))
		}

		var tok tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to decode token response: %w", err))
		}
		if tok.AccessToken == "" {
			return nil, backoff.Permanent(fmt.Errorf("token response has no access_token"))
		}
		return &tok, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
}

func (r *Refresher) notifyRefreshed(ctx context.Context, sessionID string, expiresAt time.Time) {
	note, err := protocol.NewNotification(protocol.NotificationTokenRefreshed, map[string]any{
		"sessionId": sessionID,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		logger.Errorf("token refresh: failed to build notification: %v", err)
		return
	}
	payload, err := note.Encode()
	if err != nil {
		logger.Errorf("token refresh: failed to encode notification: %v", err)
		return
	}
	if err := r.broker.Publish(ctx, broker.SessionTopic(sessionID), payload); err != nil {
		logger.Errorf("token refresh: failed to publish notification for session %s: %v", sessionID, err)
	}
}
