// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

// Package broker provides topic-based publish/subscribe used to fan
// messages out to connected SSE streams, including streams held by other
// server instances when the Redis backend is configured.
package broker

import (
	"context"
	"errors"
)

// ErrBrokerClosed is returned by Subscribe after the broker is closed.
var ErrBrokerClosed = errors.New("broker is closed")

// Well-known topics. Session and task topics are built with the helper
// functions below.
const (
	// BroadcastTopic carries notifications destined for every connected
	// session on every instance.
	BroadcastTopic = "mcp/broadcast/notification"

	sessionTopicPrefix = "mcp/session/"
	sessionTopicSuffix = "/message"

	taskTopicPrefix = "mcp/task/"
	taskTopicSuffix = "/status"
)

// SessionTopic returns the direct-message topic for a session.
func SessionTopic(sessionID string) string {
	return sessionTopicPrefix + sessionID + sessionTopicSuffix
}

// TaskTopic returns the status topic for a task.
func TaskTopic(taskID string) string {
	return taskTopicPrefix + taskID + taskTopicSuffix
}

// Handler receives messages published to a subscribed topic. Handlers must
// not block; long work belongs in the handler's own goroutine.
type Handler func(topic string, payload []byte)

// Subscription is a live topic subscription. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Broker is the pub/sub contract. The memory backend delivers within the
// process; the Redis backend fans out across instances.
type Broker interface {
	// Publish delivers payload to every current subscriber of topic.
	// Publishing to a topic with no subscribers is not an error.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic. Multiple subscriptions to
	// the same topic each receive every message.
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)

	// Close tears down all subscriptions.
	Close() error
}
