package ito

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/range3/itoyori/internal/stats"
)

// DAGProfile accumulates the work/span sample a single thread
// contributes to the computation DAG (ityr::ito::dag_profiler in the
// original runtime): total work time, critical-path span time, and
// thread/strand counts, combined across fork/join via MergeParallel and
// across sequential task groups via MergeSerial.
type DAGProfile struct {
	Work         time.Duration
	Span         time.Duration
	ThreadCount  int64
	StrandCount  int64

	running bool
	startAt time.Time
}

// Start begins timing a new strand of work.
func (p *DAGProfile) Start() {
	p.running = true
	p.startAt = time.Now()
}

// Stop ends the current strand, folding its duration into both Work and
// Span (a single strand contributes equally to both, until merged with
// a sibling).
func (p *DAGProfile) Stop() {
	if !p.running {
		return
	}
	d := time.Since(p.startAt)
	p.Work += d
	p.Span += d
	p.running = false
}

// Clear resets the profile to empty, keeping the counters.
func (p *DAGProfile) Clear() {
	p.Work = 0
	p.Span = 0
}

// IncrementThreadCount records the creation of a new logical thread
// (root_exec or Fork).
func (p *DAGProfile) IncrementThreadCount() { p.ThreadCount++ }

// IncrementStrandCount records the creation of a new strand within the
// current thread (every task-group begin).
func (p *DAGProfile) IncrementStrandCount() { p.StrandCount++ }

// MergeParallel combines a sibling profile that ran concurrently with
// p: work sums (both ran), span takes the max (the critical path only
// passes through the longer-running sibling).
func (p *DAGProfile) MergeParallel(other DAGProfile) {
	p.Work += other.Work
	if other.Span > p.Span {
		p.Span = other.Span
	}
	p.ThreadCount += other.ThreadCount
	p.StrandCount += other.StrandCount
}

// MergeSerial combines a profile that ran strictly before p on the same
// thread: both work and span accumulate.
func (p *DAGProfile) MergeSerial(other DAGProfile) {
	p.Work += other.Work
	p.Span += other.Span
	p.ThreadCount += other.ThreadCount
	p.StrandCount += other.StrandCount
}

// Parallelism is work/span, the DAG's ideal speedup with unbounded
// workers.
func (p DAGProfile) Parallelism() float64 {
	if p.Span == 0 {
		return 0
	}
	return float64(p.Work) / float64(p.Span)
}

// ProcessCounters accumulates the lock-free, per-worker counters that
// feed a cluster-wide DAG profiling report: completed root_exec thread
// counts and cumulative work nanoseconds, indexed by worker id the same
// way internal/stats.Map indexes bigslice's task counters.
type ProcessCounters struct {
	RootExecs stats.Int
	WorkNanos *stats.Map
}

// NewProcessCounters returns a zeroed ProcessCounters.
func NewProcessCounters() *ProcessCounters {
	return &ProcessCounters{WorkNanos: stats.NewMap()}
}

// Record folds a completed root_exec's final profile into the process
// counters, keyed by the worker id of the root thread.
func (c *ProcessCounters) Record(workerID string, p DAGProfile) {
	c.RootExecs.Add(1)
	c.WorkNanos.Int(workerID).Add(p.Work.Nanoseconds())
}

// MeanParallelism summarizes parallelism across a batch of completed
// profiles, giving an end-of-run speedup figure.
func MeanParallelism(profiles []DAGProfile) float64 {
	if len(profiles) == 0 {
		return 0
	}
	ratios := make([]float64, len(profiles))
	for i, p := range profiles {
		ratios[i] = p.Parallelism()
	}
	return stat.Mean(ratios, nil)
}
