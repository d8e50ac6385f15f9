// Package lock provides the named exclusive lock used to singleflight token
// refreshes across processes sharing a session.
package lock

import (
	"context"
	"errors"
)

// ErrLockBusy is returned by AcquireExclusive when another holder owns the
// key.  Callers are expected to retry with a bounded wait and degrade when
// the lock never frees.
var ErrLockBusy = errors.New("lock already held")

// Locker is a named exclusive lock.
type Locker interface {
	// AcquireExclusive takes the lock for key, or returns ErrLockBusy.
	AcquireExclusive(ctx context.Context, key string) error

	// Release frees the lock for key.  Releasing a key you do not hold is
	// a no-op.
	Release(ctx context.Context, key string) error
}
