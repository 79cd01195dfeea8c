// Package container provides the illustrative generic-container surface
// the ADWS scheduler and the home/checkout manager are built to serve:
// a global vector whose elements live behind checkout/checkin, in the
// manner of ityr::global_vector (original_source's global_vector.hpp).
// Only the operations spec.md §8's end-to-end scenarios exercise are
// implemented — general iterator adaptors and transform_reduce are
// explicitly out of scope (see SPEC_FULL.md).
package container

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"unsafe"

	"github.com/range3/itoyori/ito"
	"github.com/range3/itoyori/ori/home"
	"github.com/range3/itoyori/transport"
)

// GlobalVectorOptions mirrors ityr::global_vector_options. Only
// Collective is load-bearing in this port; ParallelConstruct and
// ParallelDestruct (present in the original to parallelize element
// construction) have no analog here since Go zero-values every
// allocation for free.
type GlobalVectorOptions struct {
	// Collective distributes elements round-robin-by-range across every
	// rank in the cluster, and must be constructed/resized identically
	// (collectively) on every rank. A non-collective vector is entirely
	// local to the rank that created it.
	Collective bool
	// BlockElems sets how many elements share one home.Manager block.
	// Defaults to 256 if zero.
	BlockElems int
}

// elemBacking is the home.Backing for a vector's blocks: Load returns a
// zeroed block and Store keeps nothing, so element data lives only in
// the manager's mapped entries. Elements are reinterpreted as raw bytes
// only within this process, so T must be a
// fixed-size, pointer-free type (numeric types and flat structs), the
// same "trivially relocatable" constraint the original's RDMA-backed
// storage places on its template parameter.
type elemBacking[T any] struct {
	blockElems int
	zero       T
}

func (b *elemBacking[T]) elemSize() int { return int(unsafe.Sizeof(b.zero)) }

func (b *elemBacking[T]) Load(ctx context.Context, id home.BlockID) ([]byte, error) {
	return make([]byte, b.blockElems*b.elemSize()), nil
}

func (b *elemBacking[T]) Store(ctx context.Context, id home.BlockID, data []byte) error {
	return nil
}

// GlobalVector is the Go stand-in for ityr::global_vector<T>: a
// contiguous logical sequence whose storage is only reachable through
// checkout/checkin, backed by an ori/home.Manager instance per rank.
type GlobalVector[T any] struct {
	opts       GlobalVectorOptions
	s          *ito.Scheduler
	t          transport.Transport
	mgr        *home.Manager
	blockElems int
	elemSize   int
	n          int // logical length (same on every rank for a collective vector)
}

// NewGlobalVector allocates a vector of n zero-valued elements. For a
// collective vector every rank must call this with the same n.
func NewGlobalVector[T any](s *ito.Scheduler, t transport.Transport, opts GlobalVectorOptions, n int) (*GlobalVector[T], error) {
	if opts.BlockElems <= 0 {
		opts.BlockElems = 256
	}
	backing := &elemBacking[T]{blockElems: opts.BlockElems}
	blockSize := opts.BlockElems * backing.elemSize()
	mgr, err := home.New(backing, blockSize, maxBlocks(n, opts.BlockElems)+1)
	if err != nil {
		return nil, err
	}
	return &GlobalVector[T]{
		opts:       opts,
		s:          s,
		t:          t,
		mgr:        mgr,
		blockElems: opts.BlockElems,
		elemSize:   backing.elemSize(),
		n:          n,
	}, nil
}

func maxBlocks(n, blockElems int) int {
	if n == 0 {
		return 1
	}
	return (n + blockElems - 1) / blockElems
}

// Len reports the vector's current logical length.
func (v *GlobalVector[T]) Len() int { return v.n }

// blockRange returns the half-open [lo, hi) element range home block id
// covers, clipped to the vector's current length.
func (v *GlobalVector[T]) blockRange(id home.BlockID) (lo, hi int) {
	lo = int(id) * v.blockElems
	hi = lo + v.blockElems
	if hi > v.n {
		hi = v.n
	}
	return lo, hi
}

// OwnedRange reports the half-open [lo, hi) slice of logical indices
// this rank's home.Manager actually stores. A non-collective vector is
// entirely local, so it owns the whole [0, n). A collective vector
// partitions [0, n) evenly by rank — the distribution policy
// global_vector.hpp defers to a pluggable ori::global_memory_policy;
// this port fixes it to one contiguous range per rank, the simplest
// member of that family.
func (v *GlobalVector[T]) OwnedRange() (lo, hi int) {
	if !v.opts.Collective {
		return 0, v.n
	}
	nRanks := v.t.NRanks()
	epr := v.n / nRanks
	lo = v.t.MyRank() * epr
	if v.t.MyRank() == nRanks-1 {
		hi = v.n
	} else {
		hi = lo + epr
	}
	return lo, hi
}

func (v *GlobalVector[T]) owns(i int) bool {
	lo, hi := v.OwnedRange()
	return i >= lo && i < hi
}

// withBlock checks block id out, waits for it to map, hands fn the
// decoded element slice (length v.blockElems, though only indices below
// the block's local element count are logically valid), flushes any
// mutation fn made, and checks the block back in.
func (v *GlobalVector[T]) withBlock(ctx context.Context, id home.BlockID, fn func(elems []T)) error {
	if err := v.mgr.Checkout(id, home.ModeReadWrite); err != nil {
		return err
	}
	defer func() {
		_ = v.mgr.Checkin(id, home.ModeReadWrite)
	}()
	if err := v.mgr.CheckoutComplete(ctx); err != nil {
		return err
	}
	raw, err := v.mgr.Data(id)
	if err != nil {
		return err
	}
	elems := unsafe.Slice((*T)(unsafe.Pointer(&raw[0])), v.blockElems)
	fn(elems)
	return v.mgr.Flush(ctx, id)
}

// Fill overwrites every element this rank owns with value, using one
// block checkout per owned block.
func (v *GlobalVector[T]) Fill(ctx context.Context, value T) error {
	ownedLo, ownedHi := v.OwnedRange()
	for b := ownedLo / v.blockElems; b*v.blockElems < ownedHi; b++ {
		id := home.BlockID(b)
		lo, hi := v.blockRange(id)
		if hi > ownedHi {
			hi = ownedHi
		}
		if lo < ownedLo {
			lo = ownedLo
		}
		blo, _ := v.blockRange(id)
		if err := v.withBlock(ctx, id, func(elems []T) {
			for i := lo; i < hi; i++ {
				elems[i-blo] = value
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

// Set writes value at logical index i. For a collective vector, i
// outside this rank's OwnedRange is silently ignored: writing a remote
// rank's partition would require an explicit one-sided Put the way
// disttree and remotable use transport.Put, which this illustrative
// container does not implement (see DESIGN.md).
func (v *GlobalVector[T]) Set(ctx context.Context, i int, value T) error {
	if i < 0 || i >= v.n {
		return fmt.Errorf("container: index %d out of range [0,%d)", i, v.n)
	}
	if !v.owns(i) {
		return nil
	}
	id := home.BlockID(i / v.blockElems)
	off := i % v.blockElems
	return v.withBlock(ctx, id, func(elems []T) { elems[off] = value })
}

// Get reads the value at logical index i. It is an error to Get an
// index outside this rank's OwnedRange on a collective vector.
func (v *GlobalVector[T]) Get(ctx context.Context, i int) (T, error) {
	var zero T
	if i < 0 || i >= v.n {
		return zero, fmt.Errorf("container: index %d out of range [0,%d)", i, v.n)
	}
	if !v.owns(i) {
		lo, hi := v.OwnedRange()
		return zero, fmt.Errorf("container: index %d is outside this rank's local partition [%d,%d); cross-rank reads are not implemented", i, lo, hi)
	}
	id := home.BlockID(i / v.blockElems)
	off := i % v.blockElems
	var got T
	err := v.withBlock(ctx, id, func(elems []T) { got = elems[off] })
	return got, err
}

// Resize grows or shrinks the vector to n elements. Growing fills new
// slots with the zero value of T; shrinking truncates without zeroing
// the now-unreachable tail (matching the original's no-op destructor
// path for trivially destructible element types).
func (v *GlobalVector[T]) Resize(ctx context.Context, n int) error {
	var zero T
	return v.ResizeFill(ctx, n, zero)
}

// ResizeFill is Resize, with fillValue written into every newly exposed
// slot instead of the zero value — matches spec.md §8 scenario 4's
// "resize filling new slots with 3" case exactly.
func (v *GlobalVector[T]) ResizeFill(ctx context.Context, n int, fillValue T) error {
	old := v.n
	newBlocks := maxBlocks(n, v.blockElems)
	if err := v.mgr.GrowEntryLimit(newBlocks + 1); err != nil {
		return err
	}
	v.n = n
	if n <= old {
		return nil
	}
	for i := old; i < n; i++ {
		if err := v.Set(ctx, i, fillValue); err != nil {
			return err
		}
	}
	return nil
}

// PushBackLocal appends value to a non-collective vector's local tail,
// matching scenario 5's "each rank locally appends" pattern. It is an
// error to call PushBackLocal on a collective vector.
func (v *GlobalVector[T]) PushBackLocal(ctx context.Context, value T) error {
	if v.opts.Collective {
		return fmt.Errorf("container: PushBackLocal is not permitted on a collective global vector")
	}
	return v.ResizeFill(ctx, v.n+1, value)
}

// ParallelReduce folds every element in [0, n) through op, seeded with
// init, using a fork/join tree over block-sized leaves — the one
// reduction primitive spec.md §8 scenarios 3-6 require. For a
// collective vector, each rank reduces only the blocks overlapping its
// OwnedRange and the partial sums are combined across ranks via a
// gather to rank 0 and a broadcast of the final value, with T
// gob-encoded for the transport messages.
func (v *GlobalVector[T]) ParallelReduce(ctx context.Context, init T, op func(a, b T) T) (T, error) {
	local, err := v.parallelReduceLocal(ctx, init, op)
	if err != nil {
		var zero T
		return zero, err
	}
	if !v.opts.Collective || v.t.NRanks() == 1 {
		return local, nil
	}
	return v.reduceAcrossRanks(ctx, local, op)
}

// parallelReduceLocal reduces only the blocks overlapping this rank's
// OwnedRange, so a non-collective vector reduces its whole contents and
// a collective vector reduces only its local partition.
func (v *GlobalVector[T]) parallelReduceLocal(ctx context.Context, init T, op func(a, b T) T) (T, error) {
	ownedLo, ownedHi := v.OwnedRange()
	if ownedLo >= ownedHi {
		return init, nil
	}
	firstBlock := ownedLo / v.blockElems
	lastBlock := (ownedHi - 1) / v.blockElems
	nblocks := lastBlock - firstBlock + 1

	type result struct {
		val T
		err error
	}
	reduceRange := func(ctx context.Context, lo, hi int) result {
		acc := init
		for b := lo; b < hi; b++ {
			id := home.BlockID(b)
			elo, ehi := v.blockRange(id)
			if elo < ownedLo {
				elo = ownedLo
			}
			if ehi > ownedHi {
				ehi = ownedHi
			}
			blo, _ := v.blockRange(id)
			err := v.withBlock(ctx, id, func(elems []T) {
				for i := elo; i < ehi; i++ {
					acc = op(acc, elems[i-blo])
				}
			})
			if err != nil {
				return result{err: err}
			}
		}
		return result{val: acc}
	}

	const leafBlocks = 4
	if nblocks <= leafBlocks {
		r := reduceRange(ctx, firstBlock, lastBlock+1)
		return r.val, r.err
	}

	mid := firstBlock + nblocks/2
	h := ito.Fork(ctx, v.s, 1, 1, func(ctx context.Context) result {
		return reduceRange(ctx, firstBlock, mid)
	})
	right := reduceRange(ctx, mid, lastBlock+1)
	left := ito.Join(ctx, h)
	if left.err != nil {
		return init, left.err
	}
	if right.err != nil {
		return init, right.err
	}
	return op(left.val, right.val), nil
}

func (v *GlobalVector[T]) reduceAcrossRanks(ctx context.Context, local T, op func(a, b T) T) (T, error) {
	const tag = "container.globalvector.reduce"
	myRank := v.t.MyRank()
	nRanks := v.t.NRanks()

	if myRank != 0 {
		buf, err := encodeGob(local)
		if err != nil {
			return local, err
		}
		if err := v.t.Send(ctx, 0, tag, buf); err != nil {
			return local, err
		}
		payload, err := v.t.Recv(ctx, tag+".result")
		if err != nil {
			return local, err
		}
		var final T
		if err := decodeGob(payload, &final); err != nil {
			return local, err
		}
		return final, nil
	}

	acc := local
	for r := 1; r < nRanks; r++ {
		payload, err := v.t.Recv(ctx, tag)
		if err != nil {
			return acc, err
		}
		var partial T
		if err := decodeGob(payload, &partial); err != nil {
			return acc, err
		}
		acc = op(acc, partial)
	}
	buf, err := encodeGob(acc)
	if err != nil {
		return acc, err
	}
	for r := 1; r < nRanks; r++ {
		if err := v.t.Send(ctx, r, tag+".result", buf); err != nil {
			return acc, err
		}
	}
	return acc, nil
}

func encodeGob[T any](v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("container: encoding reduce payload: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeGob[T any](data []byte, out *T) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return fmt.Errorf("container: decoding reduce payload: %w", err)
	}
	return nil
}
