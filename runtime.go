package itoyori

import (
	"context"
	"errors"
	"fmt"

	"github.com/range3/itoyori/ito"
	"github.com/range3/itoyori/ori"
	"github.com/range3/itoyori/ori/home"
	"github.com/range3/itoyori/transport"
)

// Runtime is the per-process handle returned by Init: one Scheduler
// driving the ADWS task-parallel execution model, and one home/checkout
// manager for the global address space the container package builds on.
// The task instructions single this out as the one legitimate process
// global in this module (see DESIGN.md's runtime.go entry); every other
// package takes its collaborators as explicit constructor arguments.
type Runtime struct {
	t     transport.Transport
	sched *ito.Scheduler
	home  *home.Manager
	spmd  bool
}

// Init builds a Runtime around comm, matching the original's
// ityr::ito::init() / ityr::ori::init() pair. isSPMD records whether
// the caller entered through the SPMD region (every rank executing the
// same top-level code, as opposed to a one-sided worker-pool region);
// IsSPMD reports it back for callers deciding whether CollExec is safe
// to call.
func Init(ctx context.Context, comm transport.Transport, isSPMD bool, opts ...ito.Option) (*Runtime, error) {
	sched, err := ito.New(comm, ito.DefaultOptions(opts...))
	if err != nil {
		return nil, fmt.Errorf("itoyori: initializing scheduler: %w", err)
	}
	oriOpts := ori.DefaultOptions()
	backing := home.NewMemBacking(oriOpts.BlockSize)
	mgr, err := home.New(backing, oriOpts.BlockSize, oriOpts.EntryLimit)
	if err != nil {
		return nil, fmt.Errorf("itoyori: initializing home manager: %w", err)
	}
	return &Runtime{t: comm, sched: sched, home: mgr, spmd: isSPMD}, nil
}

// InitCluster builds one Runtime per transport in a NewLocalCluster-style
// in-process deployment, wiring every Scheduler to the same cross-worker
// mailbox registry so Fork can route tasks between ranks.
func InitCluster(ts []transport.Transport, isSPMD bool, opts ...ito.Option) ([]*Runtime, error) {
	scheds, err := ito.NewLocalCluster(ts, ito.DefaultOptions(opts...))
	if err != nil {
		return nil, fmt.Errorf("itoyori: initializing scheduler cluster: %w", err)
	}
	oriOpts := ori.DefaultOptions()
	rts := make([]*Runtime, len(ts))
	for i, t := range ts {
		backing := home.NewMemBacking(oriOpts.BlockSize)
		mgr, err := home.New(backing, oriOpts.BlockSize, oriOpts.EntryLimit)
		if err != nil {
			return nil, fmt.Errorf("itoyori: initializing home manager for rank %d: %w", t.MyRank(), err)
		}
		rts[i] = &Runtime{t: t, sched: scheds[i], home: mgr, spmd: isSPMD}
	}
	return rts, nil
}

// Fini releases the runtime's resources. The original's ityr::fini()
// tears down MPI windows and thread pools; our windows and goroutines
// are already scoped to RootExec calls and garbage-collected values, so
// Fini's only remaining job is to make the lifecycle symmetric and give
// callers a place to hang future teardown logic.
func (r *Runtime) Fini() {}

// IsSPMD reports whether this Runtime was created for the SPMD region
// (every rank running the same top-level code), as opposed to a
// one-sided worker-pool region where only a subset of ranks actively
// drive computation while the rest service incoming forked tasks.
func (r *Runtime) IsSPMD() bool { return r.spmd }

// Transport returns the underlying transport, for callers building
// container.GlobalVector instances (which need it directly for
// cross-rank reduction) or other transport-level collaborators.
func (r *Runtime) Transport() transport.Transport { return r.t }

// Scheduler returns the underlying ADWS scheduler, for callers that
// need the generic Fork/Join/CollExec free functions (which take
// *ito.Scheduler directly since Go methods can't be generic).
func (r *Runtime) Scheduler() *ito.Scheduler { return r.sched }

// Home returns the underlying home/checkout manager.
func (r *Runtime) Home() *home.Manager { return r.home }

// RootExec runs fn as the root logical thread of a new computation,
// forwarding to ito.RootExec.
func RootExec[T any](ctx context.Context, r *Runtime, fn func(context.Context) T) T {
	return ito.RootExec(ctx, r.sched, nil, fn)
}

// ErrNotSPMD is the value CollExec panics with when called on a Runtime that
// wasn't created for the SPMD region, the programming error spec.md §7
// classifies as caught by debug-mode assertions rather than a
// recoverable condition ("Detected via debug-mode assertions; release
// builds may skip checks"). ito.DebugChecks gates whether the check
// runs at all.
var ErrNotSPMD = errors.New("itoyori: CollExec called outside SPMD region")

// CollExec runs fn collectively across every rank spanned by the
// calling thread's current distribution range, forwarding to
// ito.CollExec. Callers should only invoke this from the SPMD region
// (see IsSPMD); with ito.DebugChecks on (the default) calling it
// outside SPMD panics with ErrNotSPMD instead of silently racing every
// rank's barrier against whatever each one happens to be doing.
func CollExec[T any](ctx context.Context, r *Runtime, fn func(context.Context) T) T {
	if ito.DebugChecks && !r.spmd {
		panic(ErrNotSPMD)
	}
	return ito.CollExec(ctx, r.sched, fn)
}

// Checkout increments id's refcount on r's home manager under mode and
// blocks until its backing data is available (mode == home.ModeNoAccess
// returns immediately without mapping anything), matching the
// original's ityr::ori::checkout-by-reference entry point.
func (r *Runtime) Checkout(ctx context.Context, id home.BlockID, mode home.Mode) error {
	if err := r.home.Checkout(id, mode); err != nil {
		return err
	}
	return r.home.CheckoutComplete(ctx)
}

// Checkin decrements id's refcount on r's home manager under mode.
func (r *Runtime) Checkin(id home.BlockID, mode home.Mode) error {
	return r.home.Checkin(id, mode)
}
