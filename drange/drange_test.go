package drange

import (
	"math/rand"
	"testing"

	fuzz "github.com/google/gofuzz"
)

func TestFull(t *testing.T) {
	r := Full(4)
	if r.Begin != 0 || r.End != 4 {
		t.Fatalf("got [%v, %v), want [0, 4)", r.Begin, r.End)
	}
	if r.Owner() != 0 {
		t.Fatalf("owner = %d, want 0", r.Owner())
	}
	if !r.IsCrossWorker() {
		t.Fatal("full range over 4 ranks should be cross-worker")
	}
}

func TestDivideBasic(t *testing.T) {
	r := Range{Begin: 0, End: 4}
	rest, nw := r.Divide(1, 1)
	if rest.Begin != 0 || rest.End != 2 {
		t.Fatalf("rest = %+v, want [0,2)", rest)
	}
	if nw.Begin != 2 || nw.End != 4 {
		t.Fatalf("new = %+v, want [2,4)", nw)
	}
}

func TestDivideDegenerateBoundary(t *testing.T) {
	// A range of width exactly 1 split with all weight on the "rest"
	// side lands exactly on End; the epsilon backoff must keep the new
	// sub-range's owner equal to the original owner instead of rolling
	// over to a nonexistent worker.
	r := Range{Begin: 3, End: 4}
	rest, nw := r.Divide(1, 0)
	if nw.Owner() != 3 {
		t.Fatalf("degenerate split owner = %d, want 3", nw.Owner())
	}
	if rest.End < rest.Begin {
		t.Fatalf("rest range inverted: %+v", rest)
	}
}

func TestMoveToEndBoundary(t *testing.T) {
	r := Range{Begin: 1.2, End: 3.7}
	r2 := r.MoveToEndBoundary()
	if r2.End != 3 {
		t.Fatalf("End = %v, want 3", r2.End)
	}
	if r2.Begin != r.Begin {
		t.Fatalf("Begin changed: %v -> %v", r.Begin, r2.Begin)
	}
}

func TestMakeNonCrossWorker(t *testing.T) {
	r := Range{Begin: 1.2, End: 3.7}
	r2 := r.MakeNonCrossWorker()
	if r2.IsCrossWorker() {
		t.Fatal("range should no longer be cross-worker")
	}
	if r2.Begin != r2.End || r2.Begin != r.Begin {
		t.Fatalf("got %+v, want collapsed to Begin", r2)
	}
}

func TestIsAtEndBoundary(t *testing.T) {
	if !(Range{Begin: 0, End: 2}).IsAtEndBoundary() {
		t.Fatal("2.0 should be a boundary")
	}
	if (Range{Begin: 0, End: 2.5}).IsAtEndBoundary() {
		t.Fatal("2.5 should not be a boundary")
	}
}

// TestDivideContainment fuzzes (begin, end, weights) tuples and checks
// the range-containment invariant from spec.md §8: a child's range is
// always contained within its parent's.
func TestDivideContainment(t *testing.T) {
	f := fuzz.NewWithSeed(42)
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		var nRanks uint8
		f.Fuzz(&nRanks)
		n := int(nRanks)%16 + 1
		begin := rnd.Float64() * float64(n)
		end := begin + rnd.Float64()*float64(n-int(begin))
		if end < begin {
			begin, end = end, begin
		}
		parent := Range{Begin: begin, End: end}

		wRest := rnd.Float64()*10 + 0.001
		wNew := rnd.Float64()*10 + 0.001

		rest, nw := parent.Divide(wRest, wNew)
		if !parent.Contains(rest) {
			t.Fatalf("rest %+v not contained in parent %+v", rest, parent)
		}
		if !parent.Contains(nw) {
			t.Fatalf("new %+v not contained in parent %+v", nw, parent)
		}
		// the union of the two children covers the parent exactly
		if rest.Begin != parent.Begin || nw.End != parent.End || rest.End != nw.Begin {
			t.Fatalf("children do not partition parent: rest=%+v new=%+v parent=%+v", rest, nw, parent)
		}
	}
}
