package remotable

import (
	"context"
	"testing"

	"github.com/range3/itoyori/transport"
)

func TestAllocateDeallocate(t *testing.T) {
	ts := transport.NewLocalCluster(1)
	a, err := New(ts[0], "test-arena", 256)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ptr, err := a.Allocate(16)
	if err != nil {
		t.Fatal(err)
	}
	if ptr.Rank != 0 || ptr.Size != 16 {
		t.Fatalf("unexpected ptr %+v", ptr)
	}

	freed, err := a.IsRemotelyFreed(ctx, ptr)
	if err != nil {
		t.Fatal(err)
	}
	if freed {
		t.Fatal("fresh allocation should not be freed")
	}

	if err := a.PutInt64(ctx, ptr, 99); err != nil {
		t.Fatal(err)
	}
	v, err := a.GetInt64(ctx, ptr)
	if err != nil {
		t.Fatal(err)
	}
	if v != 99 {
		t.Fatalf("GetInt64 = %d, want 99", v)
	}

	if err := a.Deallocate(ctx, ptr); err != nil {
		t.Fatal(err)
	}
	freed, err = a.IsRemotelyFreed(ctx, ptr)
	if err != nil {
		t.Fatal(err)
	}
	if !freed {
		t.Fatal("allocation should be freed after Deallocate")
	}
}

func TestAllocateReusesFreedSpace(t *testing.T) {
	ts := transport.NewLocalCluster(1)
	a, err := New(ts[0], "reuse-arena", 64)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	p1, err := a.Allocate(32)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Deallocate(ctx, p1); err != nil {
		t.Fatal(err)
	}
	p2, err := a.Allocate(32)
	if err != nil {
		t.Fatal(err)
	}
	if p2.Offset != p1.Offset {
		t.Fatalf("expected freed space to be reused: p1=%+v p2=%+v", p1, p2)
	}
}

func TestAllocateExhausted(t *testing.T) {
	ts := transport.NewLocalCluster(1)
	a, err := New(ts[0], "small-arena", 16)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(16); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(16); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestRemoteGetPutAcrossRanks(t *testing.T) {
	ts := transport.NewLocalCluster(2)
	a0, err := New(ts[0], "cross-arena", 64)
	if err != nil {
		t.Fatal(err)
	}
	// rank 1 needs a window with the same name registered to address
	// rank 0's arena through the shared transport hub.
	if err := ts[1].RegisterWindow("cross-arena", 128); err != nil {
		t.Fatal(err)
	}
	a1 := &Allocator{t: ts[1], win: a0.win, size: a0.size, nextOff: a0.nextOff, free: a0.free}

	ctx := context.Background()
	ptr, err := a0.Allocate(8)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := a1.RemotePut(ctx, ptr, payload); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 8)
	if err := a0.RemoteGet(ctx, ptr, got); err != nil {
		t.Fatal(err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d: got %d, want %d", i, got[i], payload[i])
		}
	}
}
