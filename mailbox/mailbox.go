// Package mailbox implements the one-slot, single-producer/
// single-consumer remote mailbox used for cross-worker task delivery
// and dummy tasks (ityr::ito::oneslot_mailbox in the original runtime).
package mailbox

import (
	"context"
	"sync"

	"github.com/grailbio/base/sync/ctxsync"
)

// OneSlot holds at most one entry of type T at a time. A worker that
// tries to Put into an occupied mailbox blocks (subject to ctx) until
// the consumer Pops the current entry — per spec.md §7, this is the
// "mailbox slot is full" transient condition, resolved here by blocking
// the producer rather than having it spin the scheduler loop itself,
// since Go's goroutines make blocking cheap and composable with ctx
// cancellation.
type OneSlot[T any] struct {
	mu       sync.Mutex
	cond     *ctxsync.Cond
	occupied bool
	entry    T
}

// New returns an empty OneSlot mailbox.
func New[T any]() *OneSlot[T] {
	m := &OneSlot[T]{}
	m.cond = ctxsync.NewCond(&m.mu)
	return m
}

// Put publishes entry, blocking until the slot is free or ctx is done.
func (m *OneSlot[T]) Put(ctx context.Context, entry T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.occupied {
		if err := m.cond.Wait(ctx); err != nil {
			return err
		}
	}
	m.entry = entry
	m.occupied = true
	m.cond.Broadcast()
	return nil
}

// Pop atomically claims the current entry, if any.
func (m *OneSlot[T]) Pop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if !m.occupied {
		return zero, false
	}
	e := m.entry
	m.entry = zero
	m.occupied = false
	m.cond.Broadcast()
	return e, true
}

// Arrived non-destructively reports whether an entry is waiting.
func (m *OneSlot[T]) Arrived() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.occupied
}
