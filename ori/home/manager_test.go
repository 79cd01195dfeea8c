package home

import (
	"context"
	"testing"
)

func TestCheckoutCheckinRoundTrip(t *testing.T) {
	backing := NewMemBacking(64)
	m, err := New(backing, 64, 16)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := m.Checkout(5, ModeReadWrite); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Data(5); err == nil {
		t.Fatal("expected Data to fail before CheckoutComplete")
	}
	if err := m.CheckoutComplete(ctx); err != nil {
		t.Fatal(err)
	}
	data, err := m.Data(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 64 {
		t.Fatalf("unexpected data length %d", len(data))
	}
	if m.RefCount(5) != 1 {
		t.Fatalf("RefCount = %d, want 1", m.RefCount(5))
	}
	if err := m.Checkin(5, ModeReadWrite); err != nil {
		t.Fatal(err)
	}
	if m.RefCount(5) != 0 {
		t.Fatalf("RefCount = %d, want 0", m.RefCount(5))
	}
}

func TestNoAccessCheckoutIsNoop(t *testing.T) {
	backing := NewMemBacking(64)
	m, err := New(backing, 64, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Checkout(9, ModeNoAccess); err != nil {
		t.Fatal(err)
	}
	if m.RefCount(9) != 0 {
		t.Fatalf("RefCount = %d, want 0 after a no_access checkout", m.RefCount(9))
	}
	if err := m.Checkin(9, ModeNoAccess); err != nil {
		t.Fatal(err)
	}
}

func TestCheckoutOutsideAllocation(t *testing.T) {
	backing := NewMemBacking(64)
	m, err := New(backing, 64, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Checkout(-1, ModeRead); err != ErrOutsideAllocation {
		t.Fatalf("expected ErrOutsideAllocation, got %v", err)
	}
}

func TestAtMostOneMappingInvariant(t *testing.T) {
	backing := NewMemBacking(32)
	m, err := New(backing, 32, 16)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := m.Checkout(1, ModeReadWrite); err != nil {
		t.Fatal(err)
	}
	if err := m.Checkout(1, ModeReadWrite); err != nil {
		t.Fatal(err)
	}
	if err := m.CheckoutComplete(ctx); err != nil {
		t.Fatal(err)
	}
	if m.RefCount(1) != 2 {
		t.Fatalf("RefCount = %d, want 2", m.RefCount(1))
	}
	if err := m.EnsureEvicted(1); err != ErrNotEvictable {
		t.Fatalf("expected ErrNotEvictable with outstanding checkouts, got %v", err)
	}
	if err := m.Checkin(1, ModeReadWrite); err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureEvicted(1); err != ErrNotEvictable {
		t.Fatalf("expected ErrNotEvictable with one outstanding checkout, got %v", err)
	}
	if err := m.Checkin(1, ModeReadWrite); err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureEvicted(1); err != nil {
		t.Fatalf("expected eviction to succeed once refcount reaches zero, got %v", err)
	}
	if _, err := m.Data(1); err == nil {
		t.Fatal("expected Data to fail after eviction")
	}
}

func TestEntryLimitExceeded(t *testing.T) {
	backing := NewMemBacking(8)
	m, err := New(backing, 8, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Checkout(1, ModeReadWrite); err != nil {
		t.Fatal(err)
	}
	if err := m.Checkout(2, ModeReadWrite); err != nil {
		t.Fatal(err)
	}
	if err := m.Checkout(3, ModeReadWrite); err != ErrMappingExhausted {
		t.Fatalf("expected ErrMappingExhausted, got %v", err)
	}
}

func TestFlushWritesThroughToBacking(t *testing.T) {
	backing := NewMemBacking(4)
	m, err := New(backing, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := m.Checkout(7, ModeReadWrite); err != nil {
		t.Fatal(err)
	}
	if err := m.CheckoutComplete(ctx); err != nil {
		t.Fatal(err)
	}
	data, err := m.Data(7)
	if err != nil {
		t.Fatal(err)
	}
	copy(data, []byte{1, 2, 3, 4})
	if err := m.Flush(ctx, 7); err != nil {
		t.Fatal(err)
	}
	raw, err := backing.Load(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []byte{1, 2, 3, 4} {
		if raw[i] != want {
			t.Fatalf("byte %d: got %d want %d", i, raw[i], want)
		}
	}
}

func TestBlockIDForOffset(t *testing.T) {
	if got := BlockIDForOffset(130, 64); got != 2 {
		t.Fatalf("BlockIDForOffset(130, 64) = %d, want 2", got)
	}
}
