package disttree

import (
	"context"
	"math/rand"
	"testing"

	"github.com/range3/itoyori/drange"
	"github.com/range3/itoyori/flipper"
	"github.com/range3/itoyori/transport"
)

func TestAppendAndGetLocalNode(t *testing.T) {
	ts := transport.NewLocalCluster(1)
	tree, err := New(ts[0], "t1", 8)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	root := NodeRef{OwnerRank: 0, Depth: -1}
	r := drange.Full(4)
	nr, err := tree.Append(ctx, root, r, flipper.Flipper{})
	if err != nil {
		t.Fatal(err)
	}
	if nr.OwnerRank != 0 || nr.Depth != 0 {
		t.Fatalf("unexpected NodeRef %+v", nr)
	}

	n, err := tree.GetLocalNode(ctx, nr)
	if err != nil {
		t.Fatal(err)
	}
	if n.Range != r {
		t.Fatalf("range mismatch: got %+v want %+v", n.Range, r)
	}
	if n.Parent != root {
		t.Fatalf("parent mismatch: got %+v want %+v", n.Parent, root)
	}
}

func TestSetDominantAndGetTopmostDominant(t *testing.T) {
	ts := transport.NewLocalCluster(1)
	tree, err := New(ts[0], "t2", 8)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	root := NodeRef{OwnerRank: 0, Depth: -1}
	nr, err := tree.Append(ctx, root, drange.Full(1), flipper.Flipper{})
	if err != nil {
		t.Fatal(err)
	}

	top, err := tree.GetTopmostDominant(ctx, nr, rng)
	if err != nil {
		t.Fatal(err)
	}
	if top != nil {
		t.Fatalf("expected no dominant node before SetDominant, got %+v", top)
	}

	if err := tree.SetDominant(ctx, nr, true); err != nil {
		t.Fatal(err)
	}
	top, err = tree.GetTopmostDominant(ctx, nr, rng)
	if err != nil {
		t.Fatal(err)
	}
	if top == nil {
		t.Fatal("expected a dominant node after SetDominant(true)")
	}

	if err := tree.SetDominant(ctx, nr, false); err != nil {
		t.Fatal(err)
	}
	top, err = tree.GetTopmostDominant(ctx, nr, rng)
	if err != nil {
		t.Fatal(err)
	}
	if top != nil {
		t.Fatal("expected no dominant node after SetDominant(false)")
	}
}

func TestCopyParentsReplicatesAncestorChain(t *testing.T) {
	ts := transport.NewLocalCluster(2)
	owner, err := New(ts[0], "t3", 8)
	if err != nil {
		t.Fatal(err)
	}
	thief, err := New(ts[1], "t3", 8)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	root := NodeRef{OwnerRank: 0, Depth: -1}
	r0 := drange.Full(2)
	nr0, err := owner.Append(ctx, root, r0, flipper.Flipper{})
	if err != nil {
		t.Fatal(err)
	}
	rest, sub := r0.Divide(1, 1)
	_ = rest
	nr1, err := owner.Append(ctx, nr0, sub, flipper.Flipper{}.Flip(0))
	if err != nil {
		t.Fatal(err)
	}

	if err := thief.CopyParents(ctx, nr1); err != nil {
		t.Fatal(err)
	}

	got0, err := thief.readNode(ctx, thief.t.MyRank(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if got0.Range != r0 {
		t.Fatalf("depth 0 range mismatch after CopyParents: got %+v want %+v", got0.Range, r0)
	}
	got1, err := thief.readNode(ctx, thief.t.MyRank(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if got1.Range != sub {
		t.Fatalf("depth 1 range mismatch after CopyParents: got %+v want %+v", got1.Range, sub)
	}
}

func TestMaxDepthExceeded(t *testing.T) {
	ts := transport.NewLocalCluster(1)
	tree, err := New(ts[0], "t4", 1)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	root := NodeRef{OwnerRank: 0, Depth: -1}
	nr, err := tree.Append(ctx, root, drange.Full(1), flipper.Flipper{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tree.Append(ctx, nr, drange.Full(1), flipper.Flipper{}); err == nil {
		t.Fatal("expected error when exceeding max depth")
	}
}
