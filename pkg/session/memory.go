// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/caldera-labs/mcpd/pkg/auth"
)

// memoryRecord is one session plus its history. The history is a linked
// list so trimming the oldest entry on overflow is O(1).
type memoryRecord struct {
	session *Session
	history *list.List // of HistoryEntry
}

// MemoryStore implements Store with in-process maps. It is safe for
// concurrent use and runs a background sweep for expired sessions.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryRecord
	tokens   map[string]string // token hash -> session ID

	ttl        time.Duration
	maxHistory int

	stopCh chan struct{}
	doneCh chan struct{}
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithTTL overrides the session inactivity TTL.
func WithTTL(ttl time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.ttl = ttl }
}

// WithMaxHistory overrides the per-session history cap.
func WithMaxHistory(n int) MemoryStoreOption {
	return func(s *MemoryStore) { s.maxHistory = n }
}

// NewMemoryStore creates a memory store and starts its cleanup worker.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		sessions:   make(map[string]*memoryRecord),
		tokens:     make(map[string]string),
		ttl:        DefaultTTL,
		maxHistory: DefaultMaxHistory,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Cleanup(context.Background())
		}
	}
}

// Create persists a new session.
func (s *MemoryStore) Create(_ context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("cannot store session with empty ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, sess.ID)
	}

	cp := *sess
	s.sessions[sess.ID] = &memoryRecord{session: &cp, history: list.New()}
	if cp.Auth != nil && cp.Auth.TokenHash != "" {
		s.tokens[cp.Auth.TokenHash] = cp.ID
	}
	return nil
}

// Get returns a copy of the session metadata.
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *rec.session
	return &cp, nil
}

// Delete removes the session, its history, and its token mapping.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(id)
	return nil
}

func (s *MemoryStore) deleteLocked(id string) {
	rec, ok := s.sessions[id]
	if !ok {
		return
	}
	if rec.session.Auth != nil && rec.session.Auth.TokenHash != "" {
		delete(s.tokens, rec.session.Auth.TokenHash)
	}
	delete(s.sessions, id)
}

// Touch updates last-activity, resetting the inactivity TTL.
func (s *MemoryStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	rec.session.LastActivity = time.Now().UTC()
	return nil
}

// AddMessage appends an entry with a caller-supplied event ID.
func (s *MemoryStore) AddMessage(_ context.Context, id, eventID string, msg json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.appendLocked(rec, eventID, msg)
	return nil
}

// AddMessageAutoID increments the event counter and appends atomically.
func (s *MemoryStore) AddMessageAutoID(_ context.Context, id string, msg json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return "", ErrSessionNotFound
	}

	rec.session.EventCounter++
	eventID := strconv.FormatInt(rec.session.EventCounter, 10)
	s.appendLocked(rec, eventID, msg)
	return eventID, nil
}

// appendLocked appends one entry and trims to the exact history cap.
func (s *MemoryStore) appendLocked(rec *memoryRecord, eventID string, msg json.RawMessage) {
	rec.history.PushBack(HistoryEntry{EventID: eventID, Message: msg})
	for rec.history.Len() > s.maxHistory {
		rec.history.Remove(rec.history.Front())
	}
	rec.session.LastEventID = eventID
	rec.session.LastActivity = time.Now().UTC()
}

// MessagesFrom returns entries strictly greater than fromEventID.
func (s *MemoryStore) MessagesFrom(_ context.Context, id, fromEventID string) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}

	from := int64(0)
	if fromEventID != "" {
		parsed, err := strconv.ParseInt(fromEventID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid event ID %q: %w", fromEventID, err)
		}
		from = parsed
	}

	var entries []HistoryEntry
	for e := rec.history.Front(); e != nil; e = e.Next() {
		entry := e.Value.(HistoryEntry)
		n, err := strconv.ParseInt(entry.EventID, 10, 64)
		if err != nil {
			continue
		}
		if n > from {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// SetAuthContext swaps the auth context, remapping the token hash in the
// same critical section so at most one session owns a hash at any instant.
func (s *MemoryStore) SetAuthContext(_ context.Context, id string, ac *auth.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}

	if rec.session.Auth != nil && rec.session.Auth.TokenHash != "" {
		delete(s.tokens, rec.session.Auth.TokenHash)
	}
	rec.session.Auth = ac
	rec.session.LastActivity = time.Now().UTC()
	if ac != nil && ac.TokenHash != "" {
		s.tokens[ac.TokenHash] = id
	}
	return nil
}

// SetRefreshInfo replaces the session's refresh state.
func (s *MemoryStore) SetRefreshInfo(_ context.Context, id string, info *RefreshInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	rec.session.Refresh = info
	return nil
}

// SessionByTokenHash resolves a token hash to its session.
func (s *MemoryStore) SessionByTokenHash(_ context.Context, hash string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokens[hash]
	if !ok {
		return nil, ErrSessionNotFound
	}
	rec, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *rec.session
	return &cp, nil
}

// AddTokenMapping binds a token hash to a session.
func (s *MemoryStore) AddTokenMapping(_ context.Context, hash, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	s.tokens[hash] = id
	return nil
}

// RemoveTokenMapping unbinds a token hash.
func (s *MemoryStore) RemoveTokenMapping(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, hash)
	return nil
}

// List returns copies of all live sessions.
func (s *MemoryStore) List(_ context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*Session, 0, len(s.sessions))
	for _, rec := range s.sessions {
		cp := *rec.session
		sessions = append(sessions, &cp)
	}
	return sessions, nil
}

// Cleanup removes sessions whose last activity is outside the TTL, along
// with their token mappings.
func (s *MemoryStore) Cleanup(_ context.Context) error {
	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range s.sessions {
		if rec.session.LastActivity.Before(cutoff) {
			s.deleteLocked(id)
		}
	}

	// Drop token mappings pointing at sessions that no longer exist.
	for hash, id := range s.tokens {
		if _, ok := s.sessions[id]; !ok {
			delete(s.tokens, hash)
		}
	}
	return nil
}

// Close stops the cleanup worker and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCh)
	<-s.doneCh
	return nil
}

var _ Store = (*MemoryStore)(nil)
