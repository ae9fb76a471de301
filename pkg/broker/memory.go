// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"sync"

	"github.com/caldera-labs/mcpd/pkg/logger"
)

// MemoryBroker delivers messages to in-process subscribers. Delivery is
// asynchronous so a slow handler never blocks the publisher.
type MemoryBroker struct {
	mu     sync.RWMutex
	topics map[string]map[int64]Handler
	nextID int64
	closed bool
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string]map[int64]Handler)}
}

// Publish delivers payload to every subscriber of topic.
func (b *MemoryBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.topics[topic]))
	for _, h := range b.topics[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("broker handler panicked on topic %s: %v", topic, r)
				}
			}()
			h(topic, payload)
		}(h)
	}
	return nil
}

// Subscribe registers a handler for a topic.
func (b *MemoryBroker) Subscribe(_ context.Context, topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}

	b.nextID++
	id := b.nextID
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[int64]Handler)
	}
	b.topics[topic][id] = h

	return &memorySubscription{broker: b, topic: topic, id: id}, nil
}

// Close drops all subscriptions.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = make(map[string]map[int64]Handler)
	b.closed = true
	return nil
}

type memorySubscription struct {
	broker *MemoryBroker
	topic  string
	id     int64
	once   sync.Once
}

func (s *memorySubscription) Unsubscribe() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		defer s.broker.mu.Unlock()
		if handlers, ok := s.broker.topics[s.topic]; ok {
			delete(handlers, s.id)
			if len(handlers) == 0 {
				delete(s.broker.topics, s.topic)
			}
		}
	})
}

var _ Broker = (*MemoryBroker)(nil)
