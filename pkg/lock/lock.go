// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

// Package lock provides the advisory lock used to elect one instance for
// per-session token refresh. The local backend covers single-instance
// deployments; the Redis backend coordinates across instances.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned by Release and Extend when the caller does not
// hold the lock, either because it expired or another owner took it.
var ErrNotHeld = errors.New("lock not held")

// DefaultLockTTL bounds how long a crashed holder can block other
// instances.
const DefaultLockTTL = 30 * time.Second

// Locker is the advisory lock contract. Locks are owner-checked: only the
// acquiring Lock value can release or extend its hold.
type Locker interface {
	// TryAcquire attempts to take the named lock for ttl. It does not
	// block; acquired reports whether the caller now holds the lock.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (l Lock, acquired bool, err error)

	// IsLocked reports whether the named lock is currently held by any
	// owner.
	IsLocked(ctx context.Context, name string) (bool, error)

	// Close releases the locker's resources.
	Close() error
}

// Lock is a held lock.
type Lock interface {
	// Release frees the lock if still held by this owner.
	Release(ctx context.Context) error

	// Extend pushes the expiry ttl into the future if still held.
	Extend(ctx context.Context, ttl time.Duration) error
}
