// Package disttree implements the distribution tree: a replicated,
// append-only per-depth structure recording the distribution range of
// each enclosing cross-worker task group, used to drive directed work
// stealing. See ityr::ito::dist_tree in the original runtime.
//
// Each rank's slots live in a transport window so that any other rank
// can read (and, for the dominant flag, atomically CAS) them with the
// same one-sided primitives the original uses for MPI RMA.
package disttree

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"

	"github.com/range3/itoyori/drange"
	"github.com/range3/itoyori/flipper"
	"github.com/range3/itoyori/transport"
)

const recordSize = 4 + 4 + 8 + 8 + 8 + 8 // parent ownerRank(int32) + parent depth(int32) + begin + end + tgVersion + version

// NodeRef identifies a node by the rank that owns it and its depth.
type NodeRef struct {
	OwnerRank int
	Depth     int
}

// Valid reports whether nr refers to an actual node: any non-negative
// Depth is valid, and a negative Depth (the root's parent) is not.
func (nr NodeRef) Valid() bool { return nr.Depth >= 0 }

// Node is one distribution-tree record.
type Node struct {
	OwnerRank int
	Parent    NodeRef
	Range     drange.Range
	TGVersion flipper.Flipper
	Version   int64
}

// Ref names this node by owner rank and depth.
func (n Node) Ref() NodeRef { return NodeRef{OwnerRank: n.OwnerRank, Depth: n.Depth()} }

// Depth is one past the parent's depth, matching the original's
// node::depth() helper.
func (n Node) Depth() int { return n.Parent.Depth + 1 }

// Tree is one rank's view of the distribution tree.
type Tree struct {
	t        transport.Transport
	nodeWin  transport.Window
	flagWin  transport.Window
	maxDepth int
	versions []int64
}

// New creates a Tree of the given max depth, registering the transport
// windows it needs. winPrefix must be unique per Scheduler instance so
// multiple schedulers in the same process (as in in-process tests with
// several ranks) don't collide.
func New(t transport.Transport, winPrefix string, maxDepth int) (*Tree, error) {
	if maxDepth <= 0 {
		return nil, fmt.Errorf("disttree: maxDepth must be positive, got %d", maxDepth)
	}
	nodeWin := transport.Window(winPrefix + "-dtree-nodes")
	flagWin := transport.Window(winPrefix + "-dtree-flags")
	if err := t.RegisterWindow(nodeWin, maxDepth*recordSize); err != nil {
		return nil, err
	}
	if err := t.RegisterWindow(flagWin, maxDepth*8); err != nil {
		return nil, err
	}
	versions := make([]int64, maxDepth)
	for d := range versions {
		versions[d] = int64(t.MyRank() + 1)
	}
	return &Tree{t: t, nodeWin: nodeWin, flagWin: flagWin, maxDepth: maxDepth, versions: versions}, nil
}

func encodeNode(n Node) []byte {
	b := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(int32(n.Parent.OwnerRank)))
	binary.LittleEndian.PutUint32(b[4:8], uint32(int32(n.Parent.Depth)))
	binary.LittleEndian.PutUint64(b[8:16], math.Float64bits(n.Range.Begin))
	binary.LittleEndian.PutUint64(b[16:24], math.Float64bits(n.Range.End))
	binary.LittleEndian.PutUint64(b[24:32], n.TGVersion.Value())
	binary.LittleEndian.PutUint64(b[32:40], uint64(n.Version))
	return b
}

func decodeNode(depth int, ownerRank int, b []byte) Node {
	parentOwner := int(int32(binary.LittleEndian.Uint32(b[0:4])))
	parentDepth := int(int32(binary.LittleEndian.Uint32(b[4:8])))
	begin := math.Float64frombits(binary.LittleEndian.Uint64(b[8:16]))
	end := math.Float64frombits(binary.LittleEndian.Uint64(b[16:24]))
	var f flipper.Flipper
	for i := 0; i < 64; i++ {
		if binary.LittleEndian.Uint64(b[24:32])&(1<<uint(i)) != 0 {
			f = f.Flip(i)
		}
	}
	version := int64(binary.LittleEndian.Uint64(b[32:40]))
	// ownerRank here is the rank slot we physically read from, which is
	// only the node's true owner for GetLocalNode and Append's own
	// write-back; a node read as part of someone else's replicated
	// ancestor chain (CopyParents, GetTopmostDominant) is not owned by
	// the rank we read it from, so those callers set Node.OwnerRank
	// themselves once they've determined it.
	return Node{
		OwnerRank: ownerRank,
		Parent:    NodeRef{OwnerRank: parentOwner, Depth: parentDepth},
		Range:     drange.Range{Begin: begin, End: end},
		TGVersion: f,
		Version:   version,
	}
}

// Append writes a fresh node at parent.Depth+1 in the local rank's
// slots and returns a NodeRef naming it.
func (t *Tree) Append(ctx context.Context, parent NodeRef, r drange.Range, tg flipper.Flipper) (NodeRef, error) {
	depth := parent.Depth + 1
	if depth >= t.maxDepth {
		return NodeRef{}, fmt.Errorf("disttree: depth %d exceeds max depth %d", depth, t.maxDepth)
	}
	nRanks := int64(t.t.NRanks())
	if t.versions[depth] >= math.MaxInt64-nRanks {
		t.versions[depth] = int64(t.t.MyRank() + 1)
	}
	t.versions[depth] += nRanks

	n := Node{Parent: parent, Range: r, TGVersion: tg, Version: t.versions[depth]}
	if err := t.t.Put(ctx, t.t.MyRank(), t.nodeWin, depth*recordSize, encodeNode(n)); err != nil {
		return NodeRef{}, err
	}
	return NodeRef{OwnerRank: t.t.MyRank(), Depth: depth}, nil
}

// GetLocalNode reads back a node this rank owns.
func (t *Tree) GetLocalNode(ctx context.Context, nr NodeRef) (Node, error) {
	if nr.OwnerRank != t.t.MyRank() {
		return Node{}, fmt.Errorf("disttree: GetLocalNode called for remote owner %d", nr.OwnerRank)
	}
	return t.readNode(ctx, t.t.MyRank(), nr.Depth)
}

func (t *Tree) readNode(ctx context.Context, rank, depth int) (Node, error) {
	buf := make([]byte, recordSize)
	if err := t.t.Get(ctx, rank, t.nodeWin, depth*recordSize, buf); err != nil {
		return Node{}, err
	}
	return decodeNode(depth, rank, buf), nil
}

// SetDominant stores ±version as the dominant flag for nr, both locally
// and (if nr is owned by another rank — as happens for a stolen task
// that inherited its ancestors via CopyParents) via a one-sided put to
// the owner.
func (t *Tree) SetDominant(ctx context.Context, nr NodeRef, dominant bool) error {
	n, err := t.readNode(ctx, nr.OwnerRank, nr.Depth)
	if err != nil {
		return err
	}
	value := n.Version
	if !dominant {
		value = -value
	}
	if err := t.t.PutInt64(ctx, t.t.MyRank(), t.flagWin, nr.Depth*8, value); err != nil {
		return err
	}
	if nr.OwnerRank != t.t.MyRank() {
		if err := t.t.PutInt64(ctx, nr.OwnerRank, t.flagWin, nr.Depth*8, value); err != nil {
			return err
		}
	}
	return nil
}

// GetTopmostDominant walks the ancestor chain of bottom from depth 0
// downward and returns the shallowest node currently flagged dominant,
// decentralizing the propagation of dominance so no single owner rank
// becomes a hotspot: each worker asks a random rank within the node's
// range rather than always asking the owner.
func (t *Tree) GetTopmostDominant(ctx context.Context, bottom NodeRef, rng *rand.Rand) (*Node, error) {
	if !bottom.Valid() {
		return nil, nil
	}
	myRank := t.t.MyRank()

	for d := 0; d <= bottom.Depth; d++ {
		var ownerRank int
		if d == bottom.Depth {
			ownerRank = bottom.OwnerRank
		} else {
			next, err := t.readNode(ctx, myRank, d+1)
			if err != nil {
				return nil, err
			}
			ownerRank = next.Parent.OwnerRank
		}

		n, err := t.readNode(ctx, myRank, d)
		if err != nil {
			return nil, err
		}

		flag, err := t.t.GetInt64(ctx, myRank, t.flagWin, d*8)
		if err != nil {
			return nil, err
		}

		if ownerRank != myRank && flag != -n.Version {
			target := randomRank(rng, n.Range.BeginRank(), n.Range.EndRank()-1)
			if target != ownerRank && flag == n.Version {
				dominantVal, err := t.t.CASInt64(ctx, target, t.flagWin, d*8, 0, n.Version)
				if err != nil {
					return nil, err
				}
				if dominantVal == -n.Version {
					if err := t.t.PutInt64(ctx, myRank, t.flagWin, d*8, dominantVal); err != nil {
						return nil, err
					}
					flag = dominantVal
				}
			} else {
				dominantVal, err := t.t.GetInt64(ctx, target, t.flagWin, d*8)
				if err != nil {
					return nil, err
				}
				if dominantVal == n.Version || dominantVal == -n.Version {
					if err := t.t.PutInt64(ctx, myRank, t.flagWin, d*8, dominantVal); err != nil {
						return nil, err
					}
					flag = dominantVal
				}
			}
		}

		if flag == n.Version {
			result := n
			result.OwnerRank = ownerRank
			return &result, nil
		}
	}
	return nil, nil
}

// CopyParents bulk-fetches nr.OwnerRank's ancestor chain [0, nr.Depth]
// into this rank's own slots, and zeroes this rank's local dominant
// flags for that range (since, after the copy, the owner's flags are
// the authoritative ones).
func (t *Tree) CopyParents(ctx context.Context, nr NodeRef) error {
	for d := 0; d <= nr.Depth; d++ {
		if err := t.t.PutInt64(ctx, t.t.MyRank(), t.flagWin, d*8, 0); err != nil {
			return err
		}
	}
	buf := make([]byte, (nr.Depth+1)*recordSize)
	if err := t.t.Get(ctx, nr.OwnerRank, t.nodeWin, 0, buf); err != nil {
		return err
	}
	return t.t.Put(ctx, t.t.MyRank(), t.nodeWin, 0, buf)
}

func randomRank(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.Intn(hi-lo+1)
}
