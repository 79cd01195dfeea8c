// Package drange implements the distribution-range algebra: the
// half-open real interval that tells the ADWS scheduler which subset of
// workers a task logically owns. See ityr::ito::dist_range in the
// original runtime (adws.hpp).
package drange

// degenerateSplitEps backs the same split's-landed-on-the-boundary fixup
// as the original dist_range::divide.
const degenerateSplitEps = 0.00001

// Range is a half-open interval [Begin, End) over the real-valued rank
// axis [0, N). Ranges are values: the scheduler copies them freely as
// they flow with tasks.
type Range struct {
	Begin float64
	End   float64
}

// Full returns the root range [0, nRanks), owned collectively by every
// worker.
func Full(nRanks int) Range {
	return Range{Begin: 0, End: float64(nRanks)}
}

// BeginRank is floor(Begin).
func (r Range) BeginRank() int { return int(r.Begin) }

// EndRank is floor(End).
func (r Range) EndRank() int { return int(r.End) }

// Owner is the rank that owns this range: floor(Begin).
func (r Range) Owner() int { return r.BeginRank() }

// IsCrossWorker reports whether the range spans more than one rank.
func (r Range) IsCrossWorker() bool {
	return r.BeginRank() != r.EndRank()
}

// IsAtEndBoundary reports whether End lands exactly on a rank boundary.
func (r Range) IsAtEndBoundary() bool {
	return float64(r.EndRank()) == r.End
}

// MoveToEndBoundary snaps End down to the enclosing rank boundary. Used
// to avoid too-fine-grained task migration when a cross-worker range has
// shrunk to a sliver that still straddles a worker boundary.
func (r Range) MoveToEndBoundary() Range {
	r.End = float64(r.EndRank())
	return r
}

// MakeNonCrossWorker collapses the range to [Begin, Begin), keeping the
// same owner but marking it as no longer cross-worker. Used once a
// cross-worker task has finished distributing all of its children, so
// that re-entrant on_task_die-style bookkeeping only runs once.
func (r Range) MakeNonCrossWorker() Range {
	r.End = r.Begin
	return r
}

// IsSufficientlySmall reports whether the range's width is below epsMin,
// the configured threshold past which forking should snap to a worker
// boundary first rather than subdividing further.
func (r Range) IsSufficientlySmall(epsMin float64) bool {
	return r.End-r.Begin < epsMin
}

// Divide splits r into (rest, new) proportionally to weights (wRest,
// wNew): rest keeps the low sub-interval, new gets the high one. If the
// split point lands exactly on End, it is nudged back by a tiny epsilon
// so the new sub-range still resolves to an existing owner rank — a task
// with range [p, p) where p equals the worker count would otherwise be
// assigned to a worker that does not exist.
func (r Range) Divide(wRest, wNew float64) (rest, newRange Range) {
	at := r.Begin + (r.End-r.Begin)*wRest/(wRest+wNew)
	if at == r.End {
		at -= degenerateSplitEps
		if at < r.Begin {
			at = r.Begin
		}
	}
	return Range{Begin: r.Begin, End: at}, Range{Begin: at, End: r.End}
}

// Contains reports whether sub is fully contained in r, used to check
// the child range-containment invariant in tests and debug assertions.
func (r Range) Contains(sub Range) bool {
	return r.Begin <= sub.Begin && sub.End <= r.End
}
