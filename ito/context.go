// Package ito implements the almost-deterministic work-stealing (ADWS)
// scheduler: the call-stack/context engine, thread-local scheduling
// state, and the Scheduler itself (ityr::ito in the original runtime).
//
// The original's context engine saves and restores raw machine stacks
// (ucontext-style save_context_with_call/resume/jump_to_stack). Go gives
// every goroutine its own growable stack and a scheduler that already
// knows how to park and resume one cheaply, so here a suspended thread
// IS a goroutine blocked receiving on a channel: parking a continuation
// is simply not returning from that receive, and resuming it is closing
// (or sending on) the channel. This is the single biggest structural
// translation in the whole module — see SPEC_FULL.md's Context Engine
// section and DESIGN.md for the full rationale.
package ito

import (
	"context"
	"sync"
)

// Frame is the Go stand-in for the original's context_frame: a
// suspended continuation that can be resumed exactly once. It wraps a
// goroutine parked on resumeCh.
type Frame struct {
	resumeCh chan struct{}
	doneCh   chan struct{}

	mu            sync.Mutex
	parked        chan struct{}
	parentCleared bool
}

// newFrame allocates an unresumed, unstarted Frame.
func newFrame() *Frame {
	return &Frame{
		resumeCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SaveContextWithCall is the Go analog of save_context_with_call: it
// runs fn on a freshly spawned goroutine that represents fn's "stack",
// blocks the caller until fn returns, Park is called on the Frame that
// suspendFn receives, or ctx is done, and then returns.
//
// suspendFn receives the new Frame after fn's goroutine has been
// started (fn itself is not handed the Frame), mirroring the original
// suspend(on_suspend) call that captures the context_frame*.
func SaveContextWithCall(ctx context.Context, suspendFn func(cf *Frame), fn func()) {
	cf := newFrame()
	go func() {
		defer close(cf.doneCh)
		fn()
	}()
	suspendFn(cf)
	cf.awaitParkOrDone(ctx)
}

// awaitParkOrDone blocks until the goroutine either calls Park on cf or
// finishes outright without ever suspending.
func (cf *Frame) awaitParkOrDone(ctx context.Context) {
	select {
	case <-cf.parkedCh():
	case <-cf.doneCh:
	case <-ctx.Done():
	}
}

func (cf *Frame) parkedCh() <-chan struct{} {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.parked == nil {
		cf.parked = make(chan struct{})
	}
	return cf.parked
}

// Resume wakes the goroutine blocked in a prior Park call on cf. It is
// the analog of resume(context_frame*): exactly one Resume per Park.
func (cf *Frame) Resume() {
	close(cf.resumeCh)
}

// Park suspends the calling goroutine until Resume is called on cf. It
// plays the role of the low-level stack switch back to the scheduler:
// the calling goroutine's own Go stack is preserved by the runtime for
// free while it blocks on resumeCh.
func (cf *Frame) Park(ctx context.Context) error {
	cf.mu.Lock()
	if cf.parked == nil {
		cf.parked = make(chan struct{})
	}
	parked := cf.parked
	cf.mu.Unlock()

	close(parked)
	select {
	case <-cf.resumeCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearParentFrame marks cf as the root of its own call chain: a frame
// resumed this way (a stolen or migrated continuation, rather than one
// suspended and resumed on the same goroutine) has no caller of its own
// to eventually return to, the Go analog of the original's
// clear_parent_frame(cf) clearing context_frame::parent_frame.
func (cf *Frame) ClearParentFrame() {
	cf.mu.Lock()
	cf.parentCleared = true
	cf.mu.Unlock()
}

// CallOnStack is the Go analog of call_on_stack: it dispatches fn to run
// using a freshly spawned goroutine as its "stack" instead of the
// caller's own, without waiting for fn to finish, mirroring how the
// scheduler loop hands stolen and migrated work to a goroutine of its
// own rather than running it in place.
func CallOnStack(fn func()) {
	go fn()
}

// JumpToStack is CallOnStack's variant for resuming a continuation that
// was evacuated (ito/scheduler.go's taskEntry.evac): the original
// switches the stack pointer past addr before running fn so the
// resumed frame's bytes don't collide with whatever is already on the
// target stack; here, clearing cf's parent frame first plays the same
// role of detaching the resumed work from any caller before it starts.
func JumpToStack(cf *Frame, fn func()) {
	cf.ClearParentFrame()
	go fn()
}
