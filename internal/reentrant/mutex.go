// Package reentrant provides a mutex that a single call chain can acquire
// more than once without deadlocking itself.
//
// Go has no goroutine identity, so ownership travels in a context.Context:
// Acquire returns a derived context that marks the hold, and nested calls
// that receive that context re-enter for free. A holding context must not be
// shared with other goroutines while the hold is live.
package reentrant

import (
	"context"

	"go.uber.org/atomic"
)

// Mutex is a context-scoped reentrant lock. Create one with New.
type Mutex struct {
	ch chan struct{}
}

type holdKey struct{ m *Mutex }

type hold struct {
	released atomic.Bool
}

// New returns an unlocked Mutex.
func New() *Mutex {
	return &Mutex{ch: make(chan struct{}, 1)}
}

// Acquire blocks until m is held and returns a context carrying the hold
// plus a release func. If ctx already holds m, Acquire returns ctx unchanged
// and a no-op release. release is idempotent.
func (m *Mutex) Acquire(ctx context.Context) (context.Context, func()) {
	if m.Held(ctx) {
		return ctx, func() {}
	}
	m.ch <- struct{}{}
	h := &hold{}
	return context.WithValue(ctx, holdKey{m}, h), func() {
		if h.released.CompareAndSwap(false, true) {
			<-m.ch
		}
	}
}

// TryAcquire is like Acquire but gives up when ctx is done first.
func (m *Mutex) TryAcquire(ctx context.Context) (context.Context, func(), error) {
	if m.Held(ctx) {
		return ctx, func() {}, nil
	}
	select {
	case m.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx, func() {}, ctx.Err()
	}
	h := &hold{}
	return context.WithValue(ctx, holdKey{m}, h), func() {
		if h.released.CompareAndSwap(false, true) {
			<-m.ch
		}
	}, nil
}

// Held reports whether ctx carries a live hold on m.
func (m *Mutex) Held(ctx context.Context) bool {
	h, ok := ctx.Value(holdKey{m}).(*hold)
	return ok && !h.released.Load()
}
