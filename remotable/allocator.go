// Package remotable implements the fixed-size, globally addressable
// arena the scheduler uses for thread states, evacuated continuations,
// and off-stack task closures (ityr::common::remotable_resource in the
// original runtime). Every allocation carries a Ptr that any rank can
// dereference through the transport's one-sided Get/Put/FetchAdd/CAS,
// and a liveness flag any rank can test via IsRemotelyFreed to join on
// dummy tasks without a round trip through the owner's scheduler loop.
package remotable

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/range3/itoyori/transport"
)

// ErrExhausted is returned by Allocate when the arena has no free space
// of the requested size left. It is a fatal configuration error per
// spec.md §7: callers should size their allocator options generously or
// abort.
var ErrExhausted = errors.New("remotable: allocator arena exhausted")

const headerSize = 8 // one int64 liveness flag per allocation

// Ptr is an opaque, globally addressable pointer into one rank's arena.
// It is a plain value (not a real virtual address) and is safe to copy,
// serialize, and ship to other ranks.
type Ptr struct {
	Rank   int
	Offset int
	Size   int // payload size, excluding the liveness header
}

func (p Ptr) String() string {
	return fmt.Sprintf("remotable.Ptr{rank=%d off=%d size=%d}", p.Rank, p.Offset, p.Size)
}

// IsZero reports whether p is the zero Ptr (used the way the original
// runtime uses a null evacuation_ptr to mean "not evacuated").
func (p Ptr) IsZero() bool { return p == Ptr{} }

// Allocator is one rank's arena. It must be registered with a unique
// transport.Window name before use.
type Allocator struct {
	t    transport.Transport
	win  transport.Window
	size int

	mu      sync.Mutex
	nextOff int
	free    []run // free payload-capacity runs available for reuse
}

type run struct {
	offset int
	size   int
}

// New creates an Allocator of the given total size (in payload bytes,
// not counting per-allocation headers) backed by a freshly registered
// transport window.
func New(t transport.Transport, win transport.Window, size int) (*Allocator, error) {
	if size <= 0 {
		return nil, fmt.Errorf("remotable: allocator size must be positive, got %d", size)
	}
	// Overprovision the window generously for headers; a real arena
	// would size this exactly, but callers only reason about payload
	// bytes, matching the spec's allocator options (§6).
	winSize := size * 2
	if err := t.RegisterWindow(win, winSize); err != nil {
		return nil, err
	}
	return &Allocator{t: t, win: win, size: winSize}, nil
}

// Allocate reserves size payload bytes and returns a Ptr addressing
// them, owned by the local rank.
func (a *Allocator) Allocate(size int) (Ptr, error) {
	if size <= 0 {
		return Ptr{}, fmt.Errorf("remotable: allocate size must be positive, got %d", size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	total := size + headerSize
	for i, r := range a.free {
		if r.size >= total {
			off := r.offset
			if r.size > total {
				a.free[i] = run{offset: off + total, size: r.size - total}
			} else {
				a.free = append(a.free[:i], a.free[i+1:]...)
			}
			return a.finishAllocate(off, size)
		}
	}
	if a.nextOff+total > a.size {
		return Ptr{}, ErrExhausted
	}
	off := a.nextOff
	a.nextOff += total
	return a.finishAllocate(off, size)
}

func (a *Allocator) finishAllocate(offset, size int) (Ptr, error) {
	ctx := context.Background()
	if err := a.t.PutInt64(ctx, a.t.MyRank(), a.win, offset, 1); err != nil {
		return Ptr{}, err
	}
	return Ptr{Rank: a.t.MyRank(), Offset: offset + headerSize, Size: size}, nil
}

// Deallocate marks ptr's liveness flag cleared via a one-sided put (safe
// to call from any rank, matching the spec's "freed by whichever worker
// is last to observe completion" ownership rule) and, if this rank owns
// the allocation, returns its space to the local free list.
func (a *Allocator) Deallocate(ctx context.Context, ptr Ptr) error {
	headerOff := ptr.Offset - headerSize
	if err := a.t.PutInt64(ctx, ptr.Rank, a.win, headerOff, 0); err != nil {
		return err
	}
	if ptr.Rank == a.t.MyRank() {
		a.mu.Lock()
		a.free = append(a.free, run{offset: headerOff, size: ptr.Size + headerSize})
		a.mu.Unlock()
	}
	return nil
}

// IsRemotelyFreed reports whether ptr's liveness flag has been cleared
// by any rank, used to busy-wait for a dummy task's completion per
// spec.md §4.8 "on_task_die".
func (a *Allocator) IsRemotelyFreed(ctx context.Context, ptr Ptr) (bool, error) {
	v, err := a.t.GetInt64(ctx, ptr.Rank, a.win, ptr.Offset-headerSize)
	if err != nil {
		return false, err
	}
	return v == 0, nil
}

// RemoteGet copies ptr's payload bytes into dst, which must have length
// ptr.Size (or less, for a partial read).
func (a *Allocator) RemoteGet(ctx context.Context, ptr Ptr, dst []byte) error {
	return a.t.Get(ctx, ptr.Rank, a.win, ptr.Offset, dst)
}

// RemotePut copies src into ptr's payload bytes.
func (a *Allocator) RemotePut(ctx context.Context, ptr Ptr, src []byte) error {
	return a.t.Put(ctx, ptr.Rank, a.win, ptr.Offset, src)
}

// FetchAddInt64 atomically adds delta to the int64 stored at ptr.Offset
// and returns its pre-update value.
func (a *Allocator) FetchAddInt64(ctx context.Context, ptr Ptr, delta int64) (int64, error) {
	return a.t.FetchAddInt64(ctx, ptr.Rank, a.win, ptr.Offset, delta)
}

// CASInt64 atomically compares-and-swaps the int64 stored at ptr.Offset.
func (a *Allocator) CASInt64(ctx context.Context, ptr Ptr, old, new int64) (int64, error) {
	return a.t.CASInt64(ctx, ptr.Rank, a.win, ptr.Offset, old, new)
}

// GetInt64 atomically reads the int64 stored at ptr.Offset.
func (a *Allocator) GetInt64(ctx context.Context, ptr Ptr) (int64, error) {
	return a.t.GetInt64(ctx, ptr.Rank, a.win, ptr.Offset)
}

// PutInt64 atomically writes the int64 stored at ptr.Offset.
func (a *Allocator) PutInt64(ctx context.Context, ptr Ptr, value int64) error {
	return a.t.PutInt64(ctx, ptr.Rank, a.win, ptr.Offset, value)
}
