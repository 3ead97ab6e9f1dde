// Package coord centralizes the cross-process locking discipline: the
// per-account connection lock, named advisory locks, once-per-window gates,
// event de-duplication and time-windowed counters.
package coord

import (
	"context"
	"errors"
	"time"
)

// ErrNotObtained is returned when a lock is held by someone else.
var ErrNotObtained = errors.New("coord: not obtained")

// Lock is a held advisory lock.
type Lock interface {
	// Refresh extends the lock's TTL. It returns ErrNotObtained if the lock
	// was lost in the meantime.
	Refresh(ctx context.Context, ttl time.Duration) error
	// Release gives the lock up. Releasing a lost lock is not an error.
	Release(ctx context.Context) error
}

// Coordinator is the account coordination surface shared by every process
// in a deployment.
type Coordinator interface {
	// AcquireConnectLock claims the single live-connection slot for an
	// account. Returns ErrNotObtained if another connection holds it.
	AcquireConnectLock(ctx context.Context, accountID string, ttl time.Duration) (Lock, error)

	// TryLock claims a named lock without waiting.
	TryLock(ctx context.Context, name string, ttl time.Duration) (Lock, error)

	// OncePerWindow returns true for the first caller within window and
	// false for every other caller until the window expires.
	OncePerWindow(ctx context.Context, key string, window time.Duration) (bool, error)

	// Dedup returns true if this process is the first to observe eventID
	// within ttl.
	Dedup(ctx context.Context, eventID string, ttl time.Duration) (bool, error)

	// IncrWindow increments a counter that resets window after its first
	// increment and returns the new value.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Key prefixes shared by both implementations.
const (
	connectPrefix = "connect:"
	lockPrefix    = "lock:"
	oncePrefix    = "once:"
	dedupPrefix   = "dedup:"
	counterPrefix = "count:"
)
