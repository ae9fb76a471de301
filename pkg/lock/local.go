// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalLocker implements Locker with an in-process map. Expired entries are
// reclaimed lazily on the next acquisition attempt.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	owner    string
	deadline time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localEntry)}
}

// TryAcquire takes the lock if free or expired.
func (l *LocalLocker) TryAcquire(_ context.Context, name string, ttl time.Duration) (Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if entry, ok := l.locks[name]; ok && entry.deadline.After(now) {
		return nil, false, nil
	}

	owner := uuid.NewString()
	l.locks[name] = &localEntry{owner: owner, deadline: now.Add(ttl)}
	return &localLock{locker: l, name: name, owner: owner}, true, nil
}

// IsLocked reports whether an unexpired entry exists for the name.
func (l *LocalLocker) IsLocked(_ context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.locks[name]
	return ok && entry.deadline.After(time.Now()), nil
}

// Close drops all held locks.
func (l *LocalLocker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locks = make(map[string]*localEntry)
	return nil
}

type localLock struct {
	locker *LocalLocker
	name   string
	owner  string
}

func (lk *localLock) Release(_ context.Context) error {
	l := lk.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.locks[lk.name]
	if !ok || entry.owner != lk.owner || !entry.deadline.After(time.Now()) {
		return ErrNotHeld
	}
	delete(l.locks, lk.name)
	return nil
}

func (lk *localLock) Extend(_ context.Context, ttl time.Duration) error {
	l := lk.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.locks[lk.name]
	if !ok || entry.owner != lk.owner || !entry.deadline.After(time.Now()) {
		return ErrNotHeld
	}
	entry.deadline = time.Now().Add(ttl)
	return nil
}

var _ Locker = (*LocalLocker)(nil)
