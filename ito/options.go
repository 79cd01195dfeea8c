package ito

import (
	"os"
	"strconv"

	"github.com/grailbio/base/log"
)

// Options configures a Scheduler, matching spec.md §6's configuration
// table. Every field is overridable by an ITYR_* environment variable,
// following bigslice's env-var-driven configuration idiom (formerly
// sliceconfig, inlined here since the spec's scheduler has its own knob
// set rather than bigslice's execution-backend knobs).
type Options struct {
	// GoroutinePoolHint stands in for the original's StackSize (a literal
	// per-thread VM stack byte count): Go goroutines have no fixed stack
	// to size. It is parsed and stored, but the Scheduler does not read
	// it; no goroutine pool is sized from it. See DESIGN.md.
	GoroutinePoolHint int

	// ThreadStateAllocatorSize and SuspendedThreadAllocatorSize size the
	// remotable arenas backing thread_state<T> and evacuated
	// continuations, respectively.
	ThreadStateAllocatorSize     int
	SuspendedThreadAllocatorSize int

	// ADWSMaxDepth bounds the distribution tree's depth.
	ADWSMaxDepth int
	// ADWSWSQueueCapacity bounds each per-depth work-stealing deque lane.
	ADWSWSQueueCapacity int
	// ADWSMinDRangeSize is the distribution-range width below which
	// Fork snaps to a worker boundary instead of subdividing further.
	ADWSMinDRangeSize float64
	// ADWSMaxDTreeReuse is how many random steal targets the scheduler
	// loop tries for each dominant node it looks up in the distribution
	// tree.
	ADWSMaxDTreeReuse int
	// ADWSEnableSteal turns work stealing off entirely, for debugging
	// load-imbalance scenarios against a known-serial baseline.
	ADWSEnableSteal bool
	// SchedLoopMakeTransportProgress lets the scheduler loop poll the
	// transport for unsolicited progress (e.g. incoming Recv) on every
	// iteration; when it is false the loop never polls the transport.
	SchedLoopMakeTransportProgress bool
}

// Option mutates an Options value during construction.
type Option func(*Options)

func WithGoroutinePoolHint(n int) Option { return func(o *Options) { o.GoroutinePoolHint = n } }
func WithThreadStateAllocatorSize(n int) Option {
	return func(o *Options) { o.ThreadStateAllocatorSize = n }
}
func WithSuspendedThreadAllocatorSize(n int) Option {
	return func(o *Options) { o.SuspendedThreadAllocatorSize = n }
}
func WithADWSMaxDepth(n int) Option         { return func(o *Options) { o.ADWSMaxDepth = n } }
func WithADWSWSQueueCapacity(n int) Option  { return func(o *Options) { o.ADWSWSQueueCapacity = n } }
func WithADWSMinDRangeSize(f float64) Option {
	return func(o *Options) { o.ADWSMinDRangeSize = f }
}
func WithADWSMaxDTreeReuse(n int) Option { return func(o *Options) { o.ADWSMaxDTreeReuse = n } }
func WithADWSEnableSteal(b bool) Option  { return func(o *Options) { o.ADWSEnableSteal = b } }
func WithSchedLoopMakeTransportProgress(b bool) Option {
	return func(o *Options) { o.SchedLoopMakeTransportProgress = b }
}

// DefaultOptions returns the baseline scheduler configuration, each
// field overridable by its ITYR_* environment variable and then by any
// passed-in Option, in that order.
func DefaultOptions(opts ...Option) Options {
	o := Options{
		GoroutinePoolHint:              envInt("ITYR_GOROUTINE_POOL_HINT", 256),
		ThreadStateAllocatorSize:       envInt("ITYR_THREAD_STATE_ALLOCATOR_SIZE", 16384),
		SuspendedThreadAllocatorSize:   envInt("ITYR_SUSPENDED_THREAD_ALLOCATOR_SIZE", 16384),
		ADWSMaxDepth:                   envInt("ITYR_ADWS_MAX_DEPTH", 48),
		ADWSWSQueueCapacity:            envInt("ITYR_ADWS_WSQUEUE_CAPACITY", 1024),
		ADWSMinDRangeSize:              envFloat("ITYR_ADWS_MIN_DRANGE_SIZE", 0.01),
		ADWSMaxDTreeReuse:              envInt("ITYR_ADWS_MAX_DTREE_REUSE", 1),
		ADWSEnableSteal:                envBool("ITYR_ADWS_ENABLE_STEAL", true),
		SchedLoopMakeTransportProgress: envBool("ITYR_SCHED_LOOP_MAKE_TRANSPORT_PROGRESS", true),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func envInt(name string, def int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		log.Error.Printf("ito: ignoring invalid %s=%q: %v", name, s, err)
		return def
	}
	return v
}

func envFloat(name string, def float64) float64 {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		log.Error.Printf("ito: ignoring invalid %s=%q: %v", name, s, err)
		return def
	}
	return v
}

func envBool(name string, def bool) bool {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		log.Error.Printf("ito: ignoring invalid %s=%q: %v", name, s, err)
		return def
	}
	return v
}
