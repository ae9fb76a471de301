// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/caldera-labs/mcpd/pkg/logger"
)

// RedisBroker fans messages out across server instances over Redis pub/sub.
// Each subscribed topic gets one Redis subscription shared by all local
// handlers; a receive goroutine per topic dispatches to them.
type RedisBroker struct {
	client    redis.UniversalClient
	keyPrefix string

	mu     sync.Mutex
	topics map[string]*redisTopic
	nextID int64
	closed bool
}

type redisTopic struct {
	pubsub   *redis.PubSub
	handlers map[int64]Handler
	done     chan struct{}
}

// NewRedisBroker wraps a Redis client for cross-instance pub/sub. The
// prefix namespaces channels the same way the session store namespaces
// keys; pass "" for the default.
func NewRedisBroker(client redis.UniversalClient, keyPrefix string) *RedisBroker {
	return &RedisBroker{
		client:    client,
		keyPrefix: keyPrefix,
		topics:    make(map[string]*redisTopic),
	}
}

func (b *RedisBroker) channel(topic string) string {
	return b.keyPrefix + topic
}

// Publish sends payload to the topic's Redis channel.
func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, b.channel(topic), payload).Err()
}

// Subscribe adds a local handler for the topic, opening the Redis
// subscription on first use.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}

	rt, ok := b.topics[topic]
	if !ok {
		pubsub := b.client.Subscribe(ctx, b.channel(topic))
		// Receive confirms the subscription is established before we
		// report success to the caller.
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return nil, err
		}
		rt = &redisTopic{
			pubsub:   pubsub,
			handlers: make(map[int64]Handler),
			done:     make(chan struct{}),
		}
		b.topics[topic] = rt
		go b.receiveLoop(topic, rt)
	}

	b.nextID++
	id := b.nextID
	rt.handlers[id] = h

	return &redisSubscription{broker: b, topic: topic, id: id}, nil
}

func (b *RedisBroker) receiveLoop(topic string, rt *redisTopic) {
	defer close(rt.done)

	ch := rt.pubsub.Channel()
	for msg := range ch {
		b.mu.Lock()
		handlers := make([]Handler, 0, len(rt.handlers))
		for _, h := range rt.handlers {
			handlers = append(handlers, h)
		}
		b.mu.Unlock()

		for _, h := range handlers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Errorf("broker handler panicked on topic %s: %v", topic, r)
					}
				}()
				h(topic, []byte(msg.Payload))
			}()
		}
	}
}

// Close closes every topic subscription. The underlying client is owned by
// the caller and stays open.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	topics := b.topics
	b.topics = make(map[string]*redisTopic)
	b.closed = true
	b.mu.Unlock()

	for _, rt := range topics {
		_ = rt.pubsub.Close()
		<-rt.done
	}
	return nil
}

type redisSubscription struct {
	broker *RedisBroker
	topic  string
	id     int64
	once   sync.Once
}

func (s *redisSubscription) Unsubscribe() {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		rt, ok := b.topics[s.topic]
		if !ok {
			b.mu.Unlock()
			return
		}
		delete(rt.handlers, s.id)
		last := len(rt.handlers) == 0
		if last {
			delete(b.topics, s.topic)
		}
		b.mu.Unlock()

		if last {
			_ = rt.pubsub.Close()
			<-rt.done
		}
	})
}

var _ Broker = (*RedisBroker)(nil)
