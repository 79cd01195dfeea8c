package ito

import (
	"context"
	"sync"

	"github.com/range3/itoyori/disttree"
	"github.com/range3/itoyori/drange"
	"github.com/range3/itoyori/flipper"
)

// ThreadLocal is the Go stand-in for the original's
// thread_local_storage: per-logical-thread scheduling state. The
// original stores this behind a raw TLS pointer (tls_) set up on
// alloca'd stack memory every time a thread starts running; Go has no
// per-goroutine user storage, so this is threaded explicitly through
// context.Context instead — an idiomatic substitution the task
// instructions call out by name ("context.Context on blocking
// operations where the teacher does that").
type ThreadLocal struct {
	mu sync.Mutex

	DRange        drange.Range
	DTreeNodeRef  disttree.NodeRef
	TGVersion     flipper.Flipper
	Undistributed bool
	DAGProf       DAGProfile

	// Scheduler is the Scheduler actually executing this logical thread
	// right now. It starts out as whatever Scheduler RootExec was called
	// with, but a thread handed to another rank via the cross-worker
	// mailbox, or resumed there after a steal, runs under that rank's
	// own Scheduler instead — so every operation that used to take a
	// *Scheduler purely as an explicit Go parameter (Fork, TaskGroupBegin,
	// TaskGroupEnd, Poll, CollExec) re-resolves it from here first, the
	// same way the original recovers its scheduler from tls_ rather than
	// from a value baked into the closure that forked it.
	Scheduler *Scheduler

	// UsePrimaryWSQ reports whether a Fork originating from this thread
	// should land in the owner's primary (LIFO, depth-first) queue
	// rather than its migration (FIFO, shallowest-first) queue. It is
	// inherited by forked children, except that crossing a rank
	// boundary always forces it back to false for the child: only
	// locally-pushed continuations are eligible for primary-queue
	// depth-first execution, per spec.md §4.8 step 3 vs step 4.
	UsePrimaryWSQ bool
}

// MergeChildProfile folds a completed child's DAG profile into this
// thread's running profile under lock, since multiple forked children
// may finish concurrently from different goroutines.
func (tl *ThreadLocal) MergeChildProfile(child DAGProfile) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.DAGProf.MergeParallel(child)
}

type tlsKey struct{}

func withThreadLocal(ctx context.Context, tl *ThreadLocal) context.Context {
	return context.WithValue(ctx, tlsKey{}, tl)
}

// threadLocalFrom retrieves the ThreadLocal embedded in ctx. It panics
// if ctx wasn't derived from a Scheduler.RootExec call, matching the
// original's assumption that tls_ is always non-null once a thread is
// running (ITYR_CHECK(tls_)).
func threadLocalFrom(ctx context.Context) *ThreadLocal {
	tl, ok := ctx.Value(tlsKey{}).(*ThreadLocal)
	if !ok {
		panic("ito: context has no ThreadLocal; must be derived from Scheduler.RootExec")
	}
	return tl
}

// TaskGroupData is returned by TaskGroupBegin and consumed by
// TaskGroupEnd, matching the original's task_group_data.
type TaskGroupData struct {
	drange        drange.Range
	ownsDTreeNode bool
	dagProf       DAGProfile

	// parentNodeRef is the distribution-tree node tl.DTreeNodeRef
	// pointed at before TaskGroupBegin advanced it, and tgVersion is
	// the tl.TGVersion in effect at that point. TaskGroupEnd restores
	// both, per spec.md §4.8's task_group_end description.
	parentNodeRef disttree.NodeRef
	tgVersion     flipper.Flipper
}
