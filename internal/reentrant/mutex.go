// Package reentrant implements a context-scoped reentrant mutex.
//
// Go has no goroutine-local storage, so "reentrant" here means: the holder
// identity travels on the context passed to Lock, not on the calling
// goroutine. A nested call that received the same context (e.g. a pool's
// public Subscribe method calling into its own callback handler, which in
// turn calls back into Subscribe) recognizes it already holds the lock
// and proceeds without blocking. This is the documented fix for the
// connection-pool deadlock pattern in DESIGN NOTES: a non-reentrant lock
// held across a call that reacquires it deadlocks; a reentrant lock does
// not.
package reentrant

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type ctxKey struct{ id uint64 }

// Mutex is a reentrant, exclusive lock with a timeout on acquisition. It
// is implemented as a 1-buffered channel (a binary semaphore) rather than
// sync.Mutex so that a timed-out acquisition attempt never leaves a
// goroutine blocked trying to lock on our behalf.
type Mutex struct {
	ch chan struct{}
	id uint64
}

var nextID struct {
	mu sync.Mutex
	n  uint64
}

func newID() uint64 {
	nextID.mu.Lock()
	defer nextID.mu.Unlock()
	nextID.n++
	return nextID.n
}

// New creates a reentrant mutex with its own identity key.
func New() *Mutex {
	ch := make(chan struct{}, 1)
	ch <- struct{}{}
	return &Mutex{ch: ch, id: newID()}
}

// Lock acquires the mutex, or recognizes that ctx already marks it held
// and returns immediately. It returns a context to pass to any nested
// calls and an unlock function that must be called exactly once — it is a
// no-op if this call was a reentrant no-op acquisition.
func (m *Mutex) Lock(ctx context.Context, timeout time.Duration) (context.Context, func(), error) {
	key := ctxKey{id: m.id}
	if ctx.Value(key) != nil {
		// Reentrant: the caller's ancestor already holds this lock.
		return ctx, func() {}, nil
	}

	select {
	case <-m.ch:
		return context.WithValue(ctx, key, true), func() {
			m.ch <- struct{}{}
		}, nil
	case <-time.After(timeout):
		return nil, nil, fmt.Errorf("reentrant: lock acquisition timed out after %s", timeout)
	}
}
