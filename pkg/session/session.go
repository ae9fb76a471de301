// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

// Package session provides the session store used for event-id continuity,
// bounded message history, and token-to-session binding. Two backends
// satisfy the same contract: an in-memory store for single-instance
// deployments and a Redis store for horizontal scaling.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/caldera-labs/mcpd/pkg/auth"
)

// Defaults for session retention.
const (
	// DefaultTTL is the inactivity window after which a session expires.
	DefaultTTL = time.Hour

	// DefaultMaxHistory caps the per-session message history. The cap is
	// exact: the oldest entry is dropped the moment the cap is exceeded.
	DefaultMaxHistory = 100
)

// Common errors returned by Store implementations.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
)

// RefreshInfo tracks the state of background token refresh for a session.
type RefreshInfo struct {
	RefreshToken  string    `json:"refreshToken"`
	ClientID      string    `json:"clientId"`
	AuthServerURL string    `json:"authServerUrl"`
	Scopes        []string  `json:"scopes,omitempty"`
	LastRefresh   time.Time `json:"lastRefresh,omitempty"`

	// Attempts counts consecutive refresh failures. Once it reaches the
	// refresher's limit the session is skipped until reauthorized.
	Attempts int  `json:"attempts"`
	Disabled bool `json:"disabled"`
}

// AuthFlow holds the transient state of an in-progress authorization
// sub-session (PKCE).
type AuthFlow struct {
	PKCEVerifier string `json:"pkceVerifier,omitempty"`
	RedirectURI  string `json:"redirectUri,omitempty"`
}

// Session is the metadata of one logical conversation. The EventCounter is
// the source of truth for SSE event IDs: it increases strictly across every
// message ever delivered to the session.
type Session struct {
	ID           string        `json:"id"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActivity time.Time     `json:"lastActivity"`
	EventCounter int64         `json:"eventCounter"`
	LastEventID  string        `json:"lastEventId,omitempty"`
	Auth         *auth.Context `json:"auth,omitempty"`
	Refresh      *RefreshInfo  `json:"refresh,omitempty"`
	Flow         *AuthFlow     `json:"flow,omitempty"`
}

// NewSession builds session metadata with fresh timestamps.
func NewSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{ID: id, CreatedAt: now, LastActivity: now}
}

// HistoryEntry is one replayable (eventId, message) pair of a session's
// history, ordered by ascending numeric event ID.
type HistoryEntry struct {
	EventID string          `json:"eventId"`
	Message json.RawMessage `json:"message"`
}

// Store is the session store contract. Implementations must serialise
// concurrent updates to the same session internally; AddMessageAutoID in
// particular must be atomic with respect to concurrent callers.
type Store interface {
	// Create persists a new session and arms its inactivity TTL.
	Create(ctx context.Context, s *Session) error

	// Get returns the session metadata, or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// Delete removes the session, its history, and its token mapping.
	Delete(ctx context.Context, id string) error

	// Touch updates the session's last-activity time and resets the TTL.
	Touch(ctx context.Context, id string) error

	// AddMessage appends an entry with a caller-supplied event ID.
	AddMessage(ctx context.Context, id, eventID string, msg json.RawMessage) error

	// AddMessageAutoID atomically increments the session's event counter,
	// appends the message under the new ID, and returns that ID.
	AddMessageAutoID(ctx context.Context, id string, msg json.RawMessage) (string, error)

	// MessagesFrom returns entries with event IDs strictly greater than
	// fromEventID, in ascending order. An empty fromEventID returns the
	// whole history.
	MessagesFrom(ctx context.Context, id, fromEventID string) ([]HistoryEntry, error)

	// SetAuthContext replaces the session's auth context. Any previous
	// token mapping is removed and the new hash bound in the same step.
	SetAuthContext(ctx context.Context, id string, ac *auth.Context) error

	// SetRefreshInfo replaces the session's token refresh state.
	SetRefreshInfo(ctx context.Context, id string, info *RefreshInfo) error

	// SessionByTokenHash resolves a token hash to its session.
	SessionByTokenHash(ctx context.Context, hash string) (*Session, error)

	// AddTokenMapping binds a token hash to a session.
	AddTokenMapping(ctx context.Context, hash, id string) error

	// RemoveTokenMapping unbinds a token hash.
	RemoveTokenMapping(ctx context.Context, hash string) error

	// List returns all live sessions. Used by the token refresher.
	List(ctx context.Context) ([]*Session, error)

	// Cleanup removes expired sessions and orphaned history.
	Cleanup(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
