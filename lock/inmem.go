package lock

import (
	"context"
	"fmt"
	"sync"
)

// Inmem is a Locker for single-process deployments and tests.
type Inmem struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// ensure that Inmem implements the Locker interface
var _ Locker = (*Inmem)(nil)

// NewInmem creates an in-memory Locker.
func NewInmem() *Inmem {
	return &Inmem{
		held: map[string]struct{}{},
	}
}

// AcquireExclusive implements Locker.
func (l *Inmem) AcquireExclusive(_ context.Context, key string) error {
	const op = "lock.(Inmem).AcquireExclusive"
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return fmt.Errorf("%s: %s: %w", op, key, ErrLockBusy)
	}
	l.held[key] = struct{}{}
	return nil
}

// Release implements Locker.
func (l *Inmem) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}
