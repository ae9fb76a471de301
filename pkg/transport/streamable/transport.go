// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

// Package streamable implements the HTTP transport: JSON-RPC over POST
// with optional promotion to Server-Sent Events, long-lived GET streams
// with event-ID replay, and broker-fed fan-out to the streams this
// process hosts.
package streamable

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/caldera-labs/mcpd/pkg/auth"
	"github.com/caldera-labs/mcpd/pkg/broker"
	"github.com/caldera-labs/mcpd/pkg/engine"
	"github.com/caldera-labs/mcpd/pkg/logger"
	"github.com/caldera-labs/mcpd/pkg/protocol"
	"github.com/caldera-labs/mcpd/pkg/session"
)

// HeartbeatInterval is the cadence of SSE comment heartbeats on GET
// streams.
const HeartbeatInterval = 30 * time.Second

const contentTypeSSE = "text/event-stream"

// Config tunes the HTTP transport.
type Config struct {
	// EnableSSE gates the GET endpoint and POST stream promotion.
	EnableSSE bool

	// HeartbeatInterval overrides the default heartbeat cadence, mainly
	// for tests.
	HeartbeatInterval time.Duration
}

// Transport serves the /mcp endpoint pair on top of the engine, session
// store, and broker.
type Transport struct {
	cfg    Config
	engine *engine.Engine
	store  session.Store
	broker broker.Broker

	streams      *streamManager
	broadcastSub broker.Subscription
}

// New wires the transport. Call Start before serving to attach the
// broadcast subscription.
func New(cfg Config, eng *engine.Engine, store session.Store, b broker.Broker) *Transport {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = HeartbeatInterval
	}
	return &Transport{
		cfg:     cfg,
		engine:  eng,
		store:   store,
		broker:  b,
		streams: newStreamManager(),
	}
}

// Start subscribes to the broadcast topic so notifications published on
// any instance reach this process's streams.
func (t *Transport) Start(ctx context.Context) error {
	sub, err := t.broker.Subscribe(ctx, broker.BroadcastTopic, t.onBroadcast)
	if err != nil {
		return err
	}
	t.broadcastSub = sub
	return nil
}

// Routes mounts the transport's endpoints on a chi router.
func (t *Transport) Routes(r chi.Router) {
	r.Post("/mcp", t.handlePost)
	r.Get("/mcp", t.handleGet)
}

// HasLocalStreams reports whether this process holds open streams for the
// session. SendToSession's boolean is defined as local reachability.
func (t *Transport) HasLocalStreams(sessionID string) bool {
	return t.streams.has(sessionID)
}

// Close destroys all streams and releases every topic subscription in
// parallel.
func (t *Transport) Close() error {
	subs := t.streams.detachAll()
	if t.broadcastSub != nil {
		subs = append(subs, t.broadcastSub)
	}

	g := new(errgroup.Group)
	for _, sub := range subs {
		g.Go(func() error {
			sub.Unsubscribe()
			return nil
		})
	}
	return g.Wait()
}

// onSessionMessage handles broker deliveries for one session: persist with
// a fresh event ID, then write to the local streams.
func (t *Transport) onSessionMessage(sessionID string) broker.Handler {
	return func(_ string, payload []byte) {
		t.deliver(context.Background(), sessionID, payload)
	}
}

// onBroadcast fans a broadcast notification out to every locally hosted
// session.
func (t *Transport) onBroadcast(_ string, payload []byte) {
	ctx := context.Background()
	for _, sessionID := range t.streams.sessionIDs() {
		t.deliver(ctx, sessionID, payload)
	}
}

// deliver persists one outbound message to the session history and writes
// it to the session's local streams.
func (t *Transport) deliver(ctx context.Context, sessionID string, payload []byte) {
	eventID, err := t.store.AddMessageAutoID(ctx, sessionID, payload)
	if err != nil {
		logger.Errorf("failed to persist message for session %s: %v", sessionID, err)
		return
	}
	t.streams.write(sessionID, eventID, payload)
}

func wantsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), contentTypeSSE)
}

// ensureSession resolves or mints the request's session and binds the
// caller's token to it. The session ID is always echoed in the response
// header so clients learn minted IDs.
func (t *Transport) ensureSession(w http.ResponseWriter, r *http.Request) (string, error) {
	ctx := r.Context()

	id := r.Header.Get(protocol.SessionIDHeader)
	if id == "" {
		id = r.URL.Query().Get("sessionId")
	}
	if id == "" {
		id = uuid.NewString()
	}

	sess, err := t.store.Get(ctx, id)
	if errors.Is(err, session.ErrSessionNotFound) {
		sess = session.NewSession(id)
		if err := t.store.Create(ctx, sess); err != nil && !errors.Is(err, session.ErrSessionExists) {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else if err := t.store.Touch(ctx, id); err != nil {
		logger.Debugf("failed to touch session %s: %v", id, err)
	}

	if ac, ok := auth.FromContext(ctx); ok && ac != nil {
		if sess.Auth == nil || sess.Auth.TokenHash != ac.TokenHash {
			if err := t.store.SetAuthContext(ctx, id, ac); err != nil {
				logger.Errorf("failed to bind token to session %s: %v", id, err)
			}
		}
	}

	w.Header().Set(protocol.SessionIDHeader, id)
	return id, nil
}

func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError,
			protocol.NewError(nil, protocol.ErrCodeParseError, "failed to read request body", nil))
		return
	}

	msg, err := protocol.ParseMessage(body)
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError,
			protocol.NewError(nil, protocol.ErrCodeParseError, "parse error", nil))
		return
	}

	sessionID, err := t.ensureSession(w, r)
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError,
			protocol.NewError(msg.ID, protocol.ErrCodeInternalError, "session store unavailable", nil))
		return
	}

	ac, _ := auth.FromContext(r.Context())
	hc := &engine.HandlerContext{SessionID: sessionID, Auth: ac, Request: r, Writer: w}

	outcome := t.engine.Handle(r.Context(), hc, msg)
	if outcome == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if outcome.Stream != nil {
		if t.cfg.EnableSSE && wantsSSE(r) {
			t.streamResponse(w, r, sessionID, outcome)
			return
		}
		// The client cannot consume events; collapse the stream to its
		// final value.
		final, err := engine.Drain(r.Context(), outcome.Stream)
		if err != nil {
			writeEnvelope(w, http.StatusOK,
				protocol.NewError(outcome.RequestID, protocol.ErrCodeInternalError, err.Error(), nil))
			return
		}
		resp, err := protocol.NewResponse(outcome.RequestID, final)
		if err != nil {
			writeEnvelope(w, http.StatusOK,
				protocol.NewError(outcome.RequestID, protocol.ErrCodeInternalError, "failed to encode result", nil))
			return
		}
		writeEnvelope(w, http.StatusOK, resp)
		return
	}

	// Non-sequence results stay plain JSON even when the client accepts
	// event streams.
	writeEnvelope(w, http.StatusOK, outcome.Response)
}

// streamResponse emits each yielded item as its own event, all reusing the
// originating request's id, with event IDs allocated through the store.
func (t *Transport) streamResponse(w http.ResponseWriter, r *http.Request, sessionID string, outcome *engine.Outcome) {
	stream, ok := t.startSSE(w)
	if !ok {
		return
	}

	emit := func(env *protocol.Message) bool {
		payload, err := env.Encode()
		if err != nil {
			logger.Errorf("failed to encode stream item: %v", err)
			return false
		}
		eventID, err := t.store.AddMessageAutoID(r.Context(), sessionID, payload)
		if err != nil {
			logger.Errorf("failed to persist stream item for session %s: %v", sessionID, err)
			return false
		}
		return stream.writeEvent(eventID, payload) == nil
	}

	for {
		item, done, err := outcome.Stream.Next(r.Context())
		if err != nil {
			emit(protocol.NewError(outcome.RequestID, protocol.ErrCodeInternalError, err.Error(), nil))
			return
		}
		if done {
			return
		}
		env, err := protocol.NewResponse(outcome.RequestID, item)
		if err != nil {
			emit(protocol.NewError(outcome.RequestID, protocol.ErrCodeInternalError, "failed to encode stream item", nil))
			return
		}
		if !emit(env) {
			return
		}
	}
}

func (t *Transport) handleGet(w http.ResponseWriter, r *http.Request) {
	if !t.cfg.EnableSSE || !wantsSSE(r) {
		http.Error(w, "SSE not enabled", http.StatusMethodNotAllowed)
		return
	}

	sessionID, err := t.ensureSession(w, r)
	if err != nil {
		http.Error(w, "session store unavailable", http.StatusInternalServerError)
		return
	}

	stream, ok := t.startSSE(w)
	if !ok {
		return
	}

	// Replay history strictly after the client's last seen event before
	// the stream goes live.
	if lastEventID := r.Header.Get(protocol.LastEventIDHeader); lastEventID != "" {
		entries, err := t.store.MessagesFrom(r.Context(), sessionID, lastEventID)
		if err != nil {
			logger.Warnf("replay failed for session %s: %v", sessionID, err)
		}
		for _, entry := range entries {
			if err := stream.writeEvent(entry.EventID, entry.Message); err != nil {
				return
			}
		}
	}

	err = t.streams.add(sessionID, stream, func() (broker.Subscription, error) {
		return t.broker.Subscribe(r.Context(), broker.SessionTopic(sessionID), t.onSessionMessage(sessionID))
	})
	if err != nil {
		logger.Errorf("failed to subscribe session %s: %v", sessionID, err)
		return
	}
	defer t.streams.remove(sessionID, stream)

	heartbeat := time.NewTicker(t.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := stream.writeComment("heartbeat"); err != nil {
				return
			}
		}
	}
}

// startSSE switches the response into event-stream mode.
func (t *Transport) startSSE(w http.ResponseWriter) (*sseStream, bool) {
	stream, err := newSSEStream(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", contentTypeSSE)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	stream.flusher.Flush()
	return stream, true
}

func writeEnvelope(w http.ResponseWriter, status int, msg *protocol.Message) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		logger.Errorf("failed to write response envelope: %v", err)
	}
}
