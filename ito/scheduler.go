package ito

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/log"

	"github.com/range3/itoyori/disttree"
	"github.com/range3/itoyori/drange"
	"github.com/range3/itoyori/flipper"
	"github.com/range3/itoyori/mailbox"
	"github.com/range3/itoyori/remotable"
	"github.com/range3/itoyori/transport"
	"github.com/range3/itoyori/wsqueue"
)

// ErrQueueOverflow is the fatal condition spec.md §7 names for this
// component: a work-stealing queue lane already holds
// Options.ADWSWSQueueCapacity entries at the depth Fork tried to push
// onto. It is not recoverable — callers should size
// ADWSWSQueueCapacity/ADWSMaxDepth generously, the same guidance
// remotable.ErrExhausted and home.ErrMappingExhausted give for their
// own fixed-capacity arenas.
var ErrQueueOverflow = errors.New("ito: work-stealing queue capacity exceeded")

// DebugChecks gates assertions spec.md §7 classifies as programmer
// errors rather than recoverable conditions: "Detected via debug-mode
// assertions; release builds may skip checks," mirroring the
// original's ITYR_CHECK macros. Scheduler has no SPMD concept of its
// own (that lives on itoyori.Runtime, which panics with its own
// ErrNotSPMD when this is set); it defaults to on so that any
// ito-package check added later inherits the same off switch.
var DebugChecks = true

// taskEntry is what the work-stealing queues actually hold: not the task
// itself (Go closures aren't the uni-address-relocatable bytes the
// original queues), but a claim ticket a thief can use to race the owner
// for the right to run it, tagged with the task-group version its depth
// was pushed under so a steal can be rejected once that group has ended
// (spec.md §8 "Version safety"). See SPEC_FULL.md's Context Engine
// section: the "work-first pop-and-check" problem is resolved here via
// this ticket's pointer identity rather than the original's address
// comparison against possibly-relocated stack bytes.
type taskEntry struct {
	id        int64
	claimed   int32 // atomic
	depth     int
	tgVersion flipper.Flipper
	run       func(execSched *Scheduler)

	// evac is set by evacuatePending once this entry's continuation has
	// been copied off the owner's logical stack into the remotable
	// arena, so a thief resuming it knows to come back through
	// JumpToStack rather than CallOnStack (see resumeStolen). The zero
	// Ptr means "never evacuated."
	evac remotable.Ptr
}

// queueDepth clamps a distribution-tree depth to a valid wsqueue lane
// index: the root thread's DTreeNodeRef.Depth is -1 (no dist-tree node
// owned yet), which is a valid NodeRef sentinel but not a valid queue
// index, so entries pushed before any TaskGroupBegin land in lane 0.
func queueDepth(d int) int {
	if d < 0 {
		return 0
	}
	return d
}

// claim marks the entry as taken (by the owner's pop-and-check or a
// thief's steal, whichever gets there first) and reports whether this
// caller won the race.
func (e *taskEntry) claim() bool {
	return atomic.CompareAndSwapInt32(&e.claimed, 0, 1)
}

// ThreadHandler is the handle Fork returns and Join consumes, standing
// in for the original's thread_handler<T>.
type ThreadHandler[T any] struct {
	resultCh chan T
}

// remoteHandoff is what crosses the in-process cross-worker mailbox
// when Fork routes a child to another rank's Scheduler: a thunk that
// already closes over everything the remote side needs (arguments,
// result channel, thread-local state) except the one thing it cannot
// close over lexically — which Scheduler ends up running it. The
// consuming rank's SchedLoop/Poll passes its own *Scheduler in, so
// every Fork/TaskGroupBegin inside the resumed subtree operates on the
// executing rank's queues and dist-tree, not the forking rank's (see
// effectiveScheduler). This is the concrete form of the "tagged,
// gob-encodable ito.Task" the spec's closure-identity discussion
// describes; since transport.Local keeps every rank's goroutines in one
// OS process, passing the closure directly instead of a real wire
// encoding is a deliberate, documented scope narrowing (see DESIGN.md):
// a networked transport would need an explicit task registry and
// gob-encoded argument payloads instead.
type remoteHandoff func(execSched *Scheduler)

// Scheduler implements the ADWS scheduling algorithm of spec.md §4.8,
// a structural port of ityr::ito::scheduler_adws in adws.hpp.
type Scheduler struct {
	opts Options
	t    transport.Transport
	dt   *disttree.Tree

	primaryWSQ   *wsqueue.Queue[*taskEntry]
	migrationWSQ *wsqueue.Queue[*taskEntry]

	threadStateAlloc     *remotable.Allocator
	suspendedThreadAlloc *remotable.Allocator

	crossWorker *crossWorkerRegistry

	seq   int64 // atomic FrameID / dtree-bottom-ref generator
	rngMu sync.Mutex
	rng   *rand.Rand

	counters *ProcessCounters

	loopWG sync.WaitGroup
}

// crossWorkerRegistry is the shared, in-process table of per-rank
// cross-worker mailboxes and live Scheduler handles a cluster of
// Schedulers built by NewLocalCluster hands out, so Fork on one rank
// can deliver a task descriptor to another rank's SchedLoop, and
// trySteal can inspect another rank's actual work-stealing queues. A
// networked transport would need a wire-level steal request/response
// here instead of a direct Go pointer; see DESIGN.md for why this
// in-process simulation stands in for that, the same scope narrowing
// already used for the cross-worker mailbox.
type crossWorkerRegistry struct {
	boxes  []*mailbox.OneSlot[remoteHandoff]
	scheds []*Scheduler
}

func newCrossWorkerRegistry(n int) *crossWorkerRegistry {
	r := &crossWorkerRegistry{
		boxes:  make([]*mailbox.OneSlot[remoteHandoff], n),
		scheds: make([]*Scheduler, n),
	}
	for i := range r.boxes {
		r.boxes[i] = mailbox.New[remoteHandoff]()
	}
	return r
}

// scheduler returns rank's Scheduler, or nil if it hasn't registered
// yet (e.g. mid-construction).
func (r *crossWorkerRegistry) scheduler(rank int) *Scheduler {
	if rank < 0 || rank >= len(r.scheds) {
		return nil
	}
	return r.scheds[rank]
}

// New creates a single-rank Scheduler. Use NewLocalCluster to build a
// set of Schedulers that can Fork tasks to one another.
func New(t transport.Transport, opts Options) (*Scheduler, error) {
	return newWithRegistry(t, opts, newCrossWorkerRegistry(t.NRanks()))
}

func newWithRegistry(t transport.Transport, opts Options, reg *crossWorkerRegistry) (*Scheduler, error) {
	dt, err := disttree.New(t, "ito-sched", opts.ADWSMaxDepth)
	if err != nil {
		return nil, err
	}
	threadStateAlloc, err := remotable.New(t, transport.Window("ito-threadstate"), opts.ThreadStateAllocatorSize)
	if err != nil {
		return nil, err
	}
	suspendedAlloc, err := remotable.New(t, transport.Window("ito-suspended"), opts.SuspendedThreadAllocatorSize)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		opts:                 opts,
		t:                    t,
		dt:                   dt,
		primaryWSQ:           wsqueue.New[*taskEntry](opts.ADWSWSQueueCapacity, opts.ADWSMaxDepth),
		migrationWSQ:         wsqueue.New[*taskEntry](opts.ADWSWSQueueCapacity, opts.ADWSMaxDepth),
		threadStateAlloc:     threadStateAlloc,
		suspendedThreadAlloc: suspendedAlloc,
		crossWorker:          reg,
		rng:                  rand.New(rand.NewSource(int64(t.MyRank()) + 1)),
		counters:             NewProcessCounters(),
	}
	reg.scheds[t.MyRank()] = s
	return s, nil
}

// NewLocalCluster builds one Scheduler per transport, wired into a
// shared cross-worker mailbox registry so Fork can route tasks between
// them within the same process — the in-process analog of the
// original's MPI-backed multi-rank deployment.
func NewLocalCluster(ts []transport.Transport, opts Options) ([]*Scheduler, error) {
	reg := newCrossWorkerRegistry(len(ts))
	scheds := make([]*Scheduler, len(ts))
	for i, t := range ts {
		s, err := newWithRegistry(t, opts, reg)
		if err != nil {
			return nil, err
		}
		scheds[i] = s
	}
	return scheds, nil
}

func (s *Scheduler) nextID() int64 { return atomic.AddInt64(&s.seq, 1) }

// effectiveScheduler resolves the Scheduler actually running ctx's
// logical thread right now, falling back to s (the caller's lexically
// captured Scheduler) if ctx carries no ThreadLocal yet or that
// ThreadLocal hasn't recorded one. Every entry point that used to treat
// its explicit *Scheduler parameter as authoritative — Fork,
// TaskGroupBegin, TaskGroupEnd, Poll, CollExec — calls this first, so a
// logical thread that was handed to another rank via the cross-worker
// mailbox keeps operating on that rank's own queues and dist-tree
// instead of the forking rank's, even though the user's closure only
// ever lexically captured the original s.
func effectiveScheduler(ctx context.Context, s *Scheduler) *Scheduler {
	tl, ok := ctx.Value(tlsKey{}).(*ThreadLocal)
	if !ok || tl == nil {
		return s
	}
	tl.mu.Lock()
	es := tl.Scheduler
	tl.mu.Unlock()
	if es != nil {
		return es
	}
	return s
}

// SchedLoopCallback is invoked once per scheduler-loop iteration,
// matching the original's root_exec(cb, fn, args...) callback
// parameter; it lets callers hook in progress/logging without the
// scheduler depending on their concerns.
type SchedLoopCallback func()

// RootExec runs fn as a fresh logical thread with its own distribution
// range spanning every rank, driving a background scheduler loop that
// services incoming cross-worker tasks and collective broadcasts for
// the duration of the call.
func RootExec[T any](ctx context.Context, s *Scheduler, cb SchedLoopCallback, fn func(context.Context) T) T {
	// Mirror thread_state_allocator_.allocate(sizeof(thread_state<T>)):
	// the root thread's retval and liveness live in the remotable arena
	// for the duration of the call, so other ranks could in principle
	// observe completion via IsRemotelyFreed the same way a dummy task
	// joins on a thread it doesn't own. Our fn return value still flows
	// back through the ordinary Go call stack; the allocation here
	// exists to exercise and document that join contract, not to carry
	// the value.
	statePtr, err := s.threadStateAlloc.Allocate(8)
	if err != nil {
		log.Error.Printf("ito: thread state allocation failed, continuing without a liveness token: %v", err)
	} else {
		defer func() {
			if derr := s.threadStateAlloc.Deallocate(ctx, statePtr); derr != nil {
				log.Error.Printf("ito: thread state deallocation failed: %v", derr)
			}
		}()
	}

	tl := &ThreadLocal{
		DRange:        drange.Full(s.t.NRanks()),
		DTreeNodeRef:  disttree.NodeRef{OwnerRank: s.t.MyRank(), Depth: -1},
		Undistributed: true,
		UsePrimaryWSQ: true,
		Scheduler:     s,
	}
	tl.DAGProf.Start()
	tl.DAGProf.IncrementThreadCount()
	tl.DAGProf.IncrementStrandCount()

	rctx := withThreadLocal(ctx, tl)

	s.loopWG.Add(1)
	loopDone := make(chan struct{})
	go func() {
		defer s.loopWG.Done()
		s.SchedLoop(rctx, cb, loopDone)
	}()

	ret := fn(rctx)

	tl.DAGProf.Stop()
	close(loopDone)
	s.loopWG.Wait()

	s.counters.Record(workerID(s.t.MyRank()), tl.DAGProf)
	return ret
}

func workerID(rank int) string { return "rank-" + strconv.Itoa(rank) }

// TaskGroupBegin marks the start of a task group: a sequence of Fork
// calls whose children's ranges are all drawn from the thread's current
// distribution range. If that range is cross-worker, a new distribution
// tree node is appended to record it for directed stealing.
func (s *Scheduler) TaskGroupBegin(ctx context.Context) TaskGroupData {
	s = effectiveScheduler(ctx, s)
	tl := threadLocalFrom(ctx)

	tl.mu.Lock()
	tgd := TaskGroupData{
		drange:        tl.DRange,
		dagProf:       tl.DAGProf,
		parentNodeRef: tl.DTreeNodeRef,
		tgVersion:     tl.TGVersion,
	}
	tl.mu.Unlock()

	if tl.DRange.IsCrossWorker() && tl.DTreeNodeRef.Depth+1 < s.opts.ADWSMaxDepth {
		newDepth := tl.DTreeNodeRef.Depth + 1
		flipped := tl.TGVersion.Flip(newDepth)
		nr, err := s.dt.Append(ctx, tl.DTreeNodeRef, tl.DRange, flipped)
		if err != nil {
			log.Error.Printf("ito: dist tree append failed, continuing without directed stealing: %v", err)
		} else {
			tl.mu.Lock()
			tl.DTreeNodeRef = nr
			tl.TGVersion = flipped
			tl.mu.Unlock()
			tgd.ownsDTreeNode = true
		}
		tl.mu.Lock()
		tl.Undistributed = true
		tl.mu.Unlock()
	}

	tl.mu.Lock()
	tl.DAGProf.Clear()
	tl.DAGProf.Start()
	tl.DAGProf.IncrementStrandCount()
	tl.mu.Unlock()

	return tgd
}

// SuspendCallback is invoked around points where TaskGroupEnd or Poll
// may block, matching the original's pre/post suspend hooks.
type SuspendCallback func()

// TaskGroupEnd closes a task group: restores the thread's distribution
// range and, if the group owned a distribution-tree node, clears its
// dominant flag (so a thief looking for new work doesn't keep steering
// into it), resets dtree_node_ref to that node's parent, and flips
// tg_version back at the owned depth — a self-inverse round trip, so a
// task_group_begin/end pair with no intervening forks leaves
// tg_version unchanged net of two flips (spec.md §8).
func (s *Scheduler) TaskGroupEnd(ctx context.Context, tgd TaskGroupData, pre, post SuspendCallback) {
	s = effectiveScheduler(ctx, s)
	tl := threadLocalFrom(ctx)

	tl.mu.Lock()
	tl.DRange = tgd.drange
	nr := tl.DTreeNodeRef
	owns := tgd.ownsDTreeNode
	undistributed := tl.Undistributed
	tl.mu.Unlock()

	if owns {
		if pre != nil {
			pre()
		}
		s.evacuatePending(queueDepth(nr.Depth) + 1)
		if err := s.dt.SetDominant(ctx, nr, false); err != nil {
			log.Error.Printf("ito: clearing dominant flag failed: %v", err)
		}
		if undistributed {
			s.waitForDummyTasks(ctx, tgd.drange)
		}
		if post != nil {
			post()
		}
	}

	tl.mu.Lock()
	tl.DTreeNodeRef = tgd.parentNodeRef
	tl.TGVersion = tgd.tgVersion
	tl.DAGProf.MergeSerial(tgd.dagProf)
	tl.DAGProf.Start()
	tl.DAGProf.IncrementStrandCount()
	tl.mu.Unlock()
}

// evacuatePending tags every not-yet-evacuated entry at depths
// [0, maxDepthExclusive) in both work-stealing queues with a
// suspendedThreadAlloc token, the Go analog of the original's
// continuation-evacuation step: on_suspend copies an about-to-be-stolen
// continuation's on-stack bytes into the remotable arena before
// yielding, so a thief resuming it later doesn't race the owner's own
// stack growth. Our entries never hold raw stack bytes, only a claim
// ticket and a closure, so there's nothing to copy — but resumeStolen
// still uses the evac tag to decide whether to resume a stolen entry
// via JumpToStack (evacuated) or plain CallOnStack (never suspended),
// matching the original's fork: on_suspend only runs for a continuation
// that's actually about to be stolen away from its owner's own stack.
func (s *Scheduler) evacuatePending(maxDepthExclusive int) {
	if maxDepthExclusive > s.primaryWSQ.NQueues() {
		maxDepthExclusive = s.primaryWSQ.NQueues()
	}
	for _, q := range []*wsqueue.Queue[*taskEntry]{s.primaryWSQ, s.migrationWSQ} {
		for d := 0; d < maxDepthExclusive; d++ {
			q.ForEachEntry(d, func(e **taskEntry) {
				te := *e
				if te == nil || !te.evac.IsZero() {
					return
				}
				ptr, err := s.suspendedThreadAlloc.Allocate(8)
				if err != nil {
					log.Error.Printf("ito: evacuating continuation at depth %d failed: %v", d, err)
					return
				}
				te.evac = ptr
			})
		}
	}
}

// waitForDummyTasks implements spec.md §4.8's on_task_die rule: a
// cross-worker thread that dies without ever having distributed a
// child to every rank in its range sends a dummy task to every other
// rank in that range, then busy-waits for is_remotely_freed on its own
// liveness token — which the last dummy task to run frees — so that
// rank's dist-tree chain observes this thread's completion even though
// it was never directly forked into.
func (s *Scheduler) waitForDummyTasks(ctx context.Context, r drange.Range) {
	lo, hi := r.BeginRank(), r.EndRank()
	if hi > s.t.NRanks() {
		hi = s.t.NRanks()
	}
	if hi <= lo {
		return
	}
	ptr, err := s.threadStateAlloc.Allocate(8)
	if err != nil {
		log.Error.Printf("ito: dummy-task liveness token allocation failed: %v", err)
		return
	}
	// pending counts the dummies not yet run plus the sender's own
	// reference, so the token is freed once, by whoever releases last.
	pending := int32(1)
	release := func() {
		if atomic.AddInt32(&pending, -1) == 0 {
			if derr := s.threadStateAlloc.Deallocate(ctx, ptr); derr != nil {
				log.Error.Printf("ito: dummy-task liveness deallocation failed: %v", derr)
			}
		}
	}
	for rk := lo; rk < hi; rk++ {
		if rk == s.t.MyRank() {
			continue
		}
		box := s.crossWorker.boxes[rk]
		if box == nil {
			continue
		}
		atomic.AddInt32(&pending, 1)
		if err := box.Put(ctx, remoteHandoff(func(*Scheduler) { release() })); err != nil {
			log.Error.Printf("ito: dummy-task handoff to rank %d failed: %v", rk, err)
			release()
			continue
		}
	}
	release()
	SaveContextWithCall(ctx, func(*Frame) {}, func() {
		for {
			freed, err := s.threadStateAlloc.IsRemotelyFreed(ctx, ptr)
			if err != nil || freed {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
		}
	})
}

// Fork spawns fn as a new logical thread over the wNew-weighted share of
// the calling thread's current distribution range (the calling thread
// keeps the wRest-weighted remainder), per spec.md §4.8's fork
// description. A cross-worker range narrower than ADWSMinDRangeSize is
// first snapped to its end worker boundary. A same-rank child's own
// entry is pushed onto a work-stealing queue and then claimed at once
// by the calling goroutine, which runs the child inline. The
// continuation (everything the calling goroutine does after Fork
// returns) is never put on a queue, so a thief cannot take it; a thief
// only gets the child entry if it claims it before the owner does, and
// the owner then returns without waiting for it. Only work that cannot
// run on this goroutine at all —
// a cross-worker child, or one owned outright by another rank — is
// handed off asynchronously, via the cross-worker mailbox or
// migration_wsq.pass respectively.
func Fork[T any](ctx context.Context, s *Scheduler, wRest, wNew float64, fn func(context.Context) T) *ThreadHandler[T] {
	s = effectiveScheduler(ctx, s)
	tl := threadLocalFrom(ctx)

	tl.mu.Lock()
	if tl.DRange.IsCrossWorker() && tl.DRange.IsSufficientlySmall(s.opts.ADWSMinDRangeSize) {
		tl.DRange = tl.DRange.MoveToEndBoundary()
	}
	rest, newRange := tl.DRange.Divide(wRest, wNew)
	tl.DRange = rest
	parentUsePrimary := tl.UsePrimaryWSQ
	childTL := &ThreadLocal{
		DRange:        newRange,
		DTreeNodeRef:  tl.DTreeNodeRef,
		TGVersion:     tl.TGVersion,
		Undistributed: tl.Undistributed,
		UsePrimaryWSQ: true,
	}
	depth := queueDepth(tl.DTreeNodeRef.Depth)
	tgVersion := tl.TGVersion
	tl.mu.Unlock()

	childCtx := withThreadLocal(ctx, childTL)
	th := &ThreadHandler[T]{resultCh: make(chan T, 1)}
	entry := &taskEntry{id: s.nextID(), depth: depth, tgVersion: tgVersion}
	entry.run = func(execSched *Scheduler) {
		// Best-effort bookkeeping: every call site that can race another
		// claimant (the inline fast path below, stealFrom, and
		// popOwnMigration) has already resolved that race via its own
		// entry.claim() before invoking run; a mailbox-delivered entry
		// has no other claimant at all. Either way this call is never
		// what decides whether run's body executes — it only keeps
		// entry.claimed consistent for any later inspection.
		entry.claim()
		childTL.Scheduler = execSched
		childTL.DAGProf.Start()
		childTL.DAGProf.IncrementThreadCount()
		childTL.DAGProf.IncrementStrandCount()
		ret := fn(childCtx)
		childTL.DAGProf.Stop()
		tl.MergeChildProfile(childTL.DAGProf)
		th.resultCh <- ret
	}

	ownerRank := newRange.Owner()

	if !s.opts.ADWSEnableSteal || ownerRank == s.t.MyRank() {
		queue := s.primaryWSQ
		if !parentUsePrimary {
			// Descendant of a task that is itself only a migration-queue
			// guest on this rank: its own local pushes stay off the
			// primary queue too (spec.md §4.8 scheduler-loop step 4).
			childTL.UsePrimaryWSQ = false
			queue = s.migrationWSQ
		}
		if !queue.Push(entry, depth) {
			log.Error.Printf("ito: work-stealing queue overflow at depth %d", depth)
			panic(ErrQueueOverflow)
		}

		// Work-first: run the child inline, then pop-and-check. If a
		// thief claimed the entry first, it's already running elsewhere
		// and we skip straight to returning; otherwise we run it
		// ourselves and try to clean our own entry back out of the
		// queue afterward — if a thief has since pushed something new at
		// this depth, Pop would return that instead of ours, so we only
		// remove it if it's still there.
		if entry.claim() {
			entry.run(s)
			if popped, ok := queue.Pop(depth); ok && popped != entry {
				if !queue.Push(popped, depth) {
					log.Error.Printf("ito: work-stealing queue overflow restoring entry at depth %d", depth)
				}
			}
		}
		return th
	}

	if newRange.IsCrossWorker() {
		childTL.UsePrimaryWSQ = false
		if err := s.crossWorker.boxes[ownerRank].Put(ctx, remoteHandoff(entry.run)); err != nil {
			log.Error.Printf("ito: cross-worker handoff to rank %d failed, running locally: %v", ownerRank, err)
			entry.run(s)
		} else {
			tl.mu.Lock()
			tl.Undistributed = false
			tl.mu.Unlock()
		}
		return th
	}

	// newRange is owned outright by another rank but is not itself
	// cross-worker: hand it to that rank's migration queue directly,
	// per spec.md §4.8 ("otherwise migration_wsq.pass"). It only ever
	// runs via that rank's popOwnMigration or another rank's trySteal,
	// so it executes with UsePrimaryWSQ=false.
	childTL.UsePrimaryWSQ = false
	target := s.crossWorker.scheduler(ownerRank)
	if target != nil && target.migrationWSQ.Pass(entry, depth) {
		tl.mu.Lock()
		tl.Undistributed = false
		tl.mu.Unlock()
		return th
	}
	if err := s.crossWorker.boxes[ownerRank].Put(ctx, remoteHandoff(entry.run)); err != nil {
		log.Error.Printf("ito: migration handoff to rank %d failed, running locally: %v", ownerRank, err)
		entry.run(s)
	} else {
		tl.mu.Lock()
		tl.Undistributed = false
		tl.mu.Unlock()
	}
	return th
}

// Join blocks until th's thread completes and returns its result,
// suspending the calling goroutine via a Frame (Park/Resume) rather
// than selecting on the result channel directly — the Go analog of the
// original join()'s resume-race protocol, where the joiner suspends its
// own context and a watcher resumes it once the child's thread_state
// reports completion.
func Join[T any](ctx context.Context, th *ThreadHandler[T]) T {
	var zero T
	cf := newFrame()
	var result T
	var gotResult bool
	go func() {
		select {
		case v := <-th.resultCh:
			result = v
			gotResult = true
		case <-ctx.Done():
		}
		cf.Resume()
	}()
	if err := cf.Park(ctx); err != nil {
		return zero
	}
	if gotResult {
		return result
	}
	return zero
}

// Poll gives the scheduler a chance to service one pending cross-worker
// task inline on the calling goroutine without waiting for the
// background SchedLoop, matching the original's cooperative poll()
// calls sprinkled through long-running serial code.
func (s *Scheduler) Poll(ctx context.Context, pre, post SuspendCallback) {
	s = effectiveScheduler(ctx, s)
	handoff, ok := s.crossWorker.boxes[s.t.MyRank()].Pop()
	if !ok {
		return
	}
	if pre != nil {
		pre()
	}
	tl := threadLocalFrom(ctx)
	tl.mu.Lock()
	depth := queueDepth(tl.DTreeNodeRef.Depth) + 1
	tl.mu.Unlock()
	s.evacuatePending(depth)
	handoff(s)
	if post != nil {
		post()
	}
}

// CollExec runs fn collectively between two transport barriers. Every
// rank spanned by the calling thread's distribution range calls
// CollExec with the same SPMD fn, so — unlike the original's
// execute_coll_task, which broadcasts one root's task descriptor to
// participants that never constructed it themselves — no task payload
// needs to cross ranks here; the barriers alone give fn's body the
// synchronization guarantee a collective operation requires. See
// DESIGN.md's scope-narrowing decision 4 for this two-barrier form.
func CollExec[T any](ctx context.Context, s *Scheduler, fn func(context.Context) T) T {
	s = effectiveScheduler(ctx, s)
	if err := s.t.Barrier(ctx); err != nil {
		log.Error.Printf("ito: pre-CollExec barrier failed: %v", err)
	}
	ret := fn(ctx)
	if err := s.t.Barrier(ctx); err != nil {
		log.Error.Printf("ito: post-CollExec barrier failed: %v", err)
	}
	return ret
}

// SchedLoop is the scheduler's background dispatcher: it drains
// incoming cross-worker task handoffs, participates in work stealing
// across the distribution tree's dominant nodes, and (if configured)
// nudges the transport to make unsolicited progress, until done is
// closed. RootExec runs one SchedLoop per logical thread tree for the
// lifetime of that root call, matching should_exit_sched_loop's
// "until a specific condition holds" contract.
func (s *Scheduler) SchedLoop(ctx context.Context, cb SchedLoopCallback, done <-chan struct{}) {
	idleBackoff := time.Millisecond
	const maxIdleBackoff = 10 * time.Millisecond

	for {
		select {
		case <-done:
			return
		default:
		}

		if cb != nil {
			cb()
		}

		didWork := false
		if handoff, ok := s.crossWorker.boxes[s.t.MyRank()].Pop(); ok {
			CallOnStack(func() { handoff(s) })
			didWork = true
		}

		if s.popOwnMigration(ctx) {
			didWork = true
		}

		if s.opts.ADWSEnableSteal && s.trySteal(ctx) {
			didWork = true
		}

		if s.opts.SchedLoopMakeTransportProgress {
			if _, ok := s.t.TryRecv(""); ok {
				didWork = true
			}
		}

		if didWork {
			idleBackoff = time.Millisecond
			continue
		}

		select {
		case <-done:
			return
		case <-time.After(idleBackoff):
		}
		if idleBackoff < maxIdleBackoff {
			idleBackoff *= 2
		}
	}
}

// popOwnMigration drains one entry from this rank's own migration
// queue, shallowest depth first, matching spec.md §4.8 scheduler-loop
// step 4 — entries land here via another rank's Fork calling
// migrationWSQ.Pass on a same-rank-owned, non-cross-worker child range.
func (s *Scheduler) popOwnMigration(ctx context.Context) bool {
	found := false
	s.migrationWSQ.ForEachNonEmptyQueue(0, s.migrationWSQ.NQueues(), true, func(depth int) bool {
		if !s.migrationWSQ.TryLock(depth) {
			return false
		}
		e, ok := s.migrationWSQ.StealNoLock(depth)
		s.migrationWSQ.Unlock(depth)
		if !ok || !e.claim() {
			return false
		}
		s.resumeStolen(e)
		found = true
		return true
	})
	return found
}

// resumeStolen dispatches an already-claimed entry to run, choosing
// JumpToStack over plain CallOnStack when the entry was evacuated
// first (see evacuatePending): that mirrors the original only
// switching stacks explicitly for a continuation that was actually
// suspended off its owner's stack, as opposed to one a thief claims
// before the owner ever got around to running it inline.
func (s *Scheduler) resumeStolen(e *taskEntry) {
	if !e.evac.IsZero() {
		cf := newFrame()
		JumpToStack(cf, func() { e.run(s) })
		return
	}
	CallOnStack(func() { e.run(s) })
}

// trySteal implements spec.md §4.8 scheduler-loop step 5: find the
// shallowest dominant distribution-tree node above our own bottom-ref,
// derive its owning rank range, and try up to ADWSMaxDTreeReuse random
// ranks in that range — first their migration queue, then their primary
// queue — at any depth at or below the dominant node's, accepting only
// entries whose tg_version still matches the dominant node's (spec.md
// §8 "Version safety"; a retired task group's entries fail Match and
// are returned to their queue via AbortSteal instead of being claimed).
func (s *Scheduler) trySteal(ctx context.Context) bool {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()

	tl := threadLocalFrom(ctx)
	tl.mu.Lock()
	bottom := tl.DTreeNodeRef
	tl.mu.Unlock()

	dom, err := s.dt.GetTopmostDominant(ctx, bottom, s.rng)
	if err != nil || dom == nil {
		return false
	}

	beginRank, endRank := dom.Range.BeginRank(), dom.Range.EndRank()
	if dom.Range.IsAtEndBoundary() {
		endRank--
	}
	if endRank < beginRank {
		endRank = beginRank
	}
	domDepth := dom.Depth()

	reuse := s.opts.ADWSMaxDTreeReuse
	if reuse <= 0 {
		reuse = 1
	}
	for i := 0; i < reuse; i++ {
		target := randomRankInRange(s.rng, beginRank, endRank)
		if target == s.t.MyRank() {
			continue
		}
		sched := s.crossWorker.scheduler(target)
		if sched == nil {
			continue
		}
		if e, ok := stealFrom(sched.migrationWSQ, domDepth, dom.TGVersion); ok {
			s.afterSteal(ctx, dom, e)
			return true
		}
		if e, ok := stealFrom(sched.primaryWSQ, domDepth, dom.TGVersion); ok {
			s.afterSteal(ctx, dom, e)
			return true
		}
	}
	return false
}

// afterSteal copies the stolen entry's dist-tree ancestor chain
// (disttree.Tree.CopyParents) into this rank's own slots before
// resuming it, so this rank's local directed-stealing state reflects
// the work it is now actually running, per spec.md §4.8's directed
// stealing description.
func (s *Scheduler) afterSteal(ctx context.Context, dom *disttree.Node, e *taskEntry) {
	if err := s.dt.CopyParents(ctx, dom.Ref()); err != nil {
		log.Error.Printf("ito: copying dist-tree ancestors after steal failed: %v", err)
	}
	s.resumeStolen(e)
}

// stealFrom scans q's lanes in [minDepth, q.NQueues()) shallowest first,
// stealing the first entry whose tg_version matches domTG at that
// depth. A version mismatch aborts the steal (the entry goes back to
// its queue via AbortSteal) and the scan continues.
func stealFrom(q *wsqueue.Queue[*taskEntry], minDepth int, domTG flipper.Flipper) (*taskEntry, bool) {
	var stolen *taskEntry
	q.ForEachNonEmptyQueue(minDepth, q.NQueues(), true, func(depth int) bool {
		if !q.TryLock(depth) {
			return false
		}
		e, ok := q.StealNoLock(depth)
		if !ok {
			q.Unlock(depth)
			return false
		}
		if !e.tgVersion.Match(domTG, depth) {
			q.AbortSteal(depth, e)
			q.Unlock(depth)
			return false
		}
		q.Unlock(depth)
		if !e.claim() {
			return false
		}
		stolen = e
		return true
	})
	return stolen, stolen != nil
}

// randomRankInRange picks a uniformly random rank in [lo, hi].
func randomRankInRange(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.Intn(hi-lo+1)
}
