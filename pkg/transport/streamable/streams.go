// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package streamable

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/caldera-labs/mcpd/pkg/broker"
	"github.com/caldera-labs/mcpd/pkg/logger"
)

// errStreamDead marks a stream whose client went away; the manager prunes
// it on the next write.
var errStreamDead = errors.New("stream is dead")

// sseStream is one open event-stream connection. Writes are serialised so
// concurrent publishers cannot interleave frames.
type sseStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	dead    bool
}

func newSSEStream(w http.ResponseWriter) (*sseStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	return &sseStream{w: w, flusher: flusher}, nil
}

// writeEvent writes one framed event: "id: {digits}\ndata: {JSON}\n\n".
func (s *sseStream) writeEvent(eventID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead {
		return errStreamDead
	}
	if _, err := fmt.Fprintf(s.w, "id: %s\ndata: %s\n\n", eventID, payload); err != nil {
		s.dead = true
		return errStreamDead
	}
	s.flusher.Flush()
	return nil
}

// writeComment writes an SSE comment line (used for heartbeats).
func (s *sseStream) writeComment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead {
		return errStreamDead
	}
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		s.dead = true
		return errStreamDead
	}
	s.flusher.Flush()
	return nil
}

// sessionStreams is the per-session stream set plus the session topic
// subscription held while at least one stream is open.
type sessionStreams struct {
	streams map[*sseStream]struct{}
	sub     broker.Subscription
}

// streamManager tracks which sessions have open streams in this process
// and owns their per-session topic subscriptions.
type streamManager struct {
	mu       sync.Mutex
	sessions map[string]*sessionStreams
}

func newStreamManager() *streamManager {
	return &streamManager{sessions: make(map[string]*sessionStreams)}
}

// add registers a stream. subscribe is invoked outside any prior stream
// state when this is the session's first stream; its subscription is
// released when the last stream detaches.
func (m *streamManager) add(sessionID string, s *sseStream, subscribe func() (broker.Subscription, error)) error {
	m.mu.Lock()
	ss, ok := m.sessions[sessionID]
	if ok {
		ss.streams[s] = struct{}{}
		m.mu.Unlock()
		return nil
	}
	ss = &sessionStreams{streams: map[*sseStream]struct{}{s: {}}}
	m.sessions[sessionID] = ss
	m.mu.Unlock()

	sub, err := subscribe()
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	ss.sub = sub
	m.mu.Unlock()
	return nil
}

// remove detaches a stream, unsubscribing the session topic when it was
// the last one.
func (m *streamManager) remove(sessionID string, s *sseStream) {
	m.mu.Lock()
	ss, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(ss.streams, s)
	var sub broker.Subscription
	if len(ss.streams) == 0 {
		sub = ss.sub
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// has reports whether the session has at least one live local stream.
func (m *streamManager) has(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss, ok := m.sessions[sessionID]
	return ok && len(ss.streams) > 0
}

// write delivers one event to every stream of a session, pruning the ones
// that fail.
func (m *streamManager) write(sessionID, eventID string, payload []byte) {
	m.mu.Lock()
	ss, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	streams := make([]*sseStream, 0, len(ss.streams))
	for s := range ss.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	for _, s := range streams {
		if err := s.writeEvent(eventID, payload); err != nil {
			logger.Debugf("pruning dead stream for session %s", sessionID)
			m.remove(sessionID, s)
		}
	}
}

// sessionIDs returns the sessions with live local streams.
func (m *streamManager) sessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// detachAll drops every stream and returns the subscriptions that need
// releasing. Used on shutdown.
func (m *streamManager) detachAll() []broker.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := make([]broker.Subscription, 0, len(m.sessions))
	for _, ss := range m.sessions {
		if ss.sub != nil {
			subs = append(subs, ss.sub)
		}
	}
	m.sessions = make(map[string]*sessionStreams)
	return subs
}
