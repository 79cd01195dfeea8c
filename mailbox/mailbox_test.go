package mailbox

import (
	"context"
	"testing"
	"time"
)

func TestPutPop(t *testing.T) {
	m := New[int]()
	if m.Arrived() {
		t.Fatal("new mailbox should not have arrived")
	}
	if err := m.Put(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	if !m.Arrived() {
		t.Fatal("mailbox should report arrived after Put")
	}
	v, ok := m.Pop()
	if !ok || v != 42 {
		t.Fatalf("Pop = %v, %v; want 42, true", v, ok)
	}
	if m.Arrived() {
		t.Fatal("mailbox should be empty after Pop")
	}
	if _, ok := m.Pop(); ok {
		t.Fatal("Pop on empty mailbox should return false")
	}
}

func TestPutBlocksWhileOccupied(t *testing.T) {
	m := New[int]()
	if err := m.Put(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Put(context.Background(), 2)
	}()

	select {
	case <-done:
		t.Fatal("second Put should block until the slot is freed")
	case <-time.After(20 * time.Millisecond):
	}

	if _, ok := m.Pop(); !ok {
		t.Fatal("Pop should free the slot")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("second Put should have unblocked after Pop")
	}

	v, ok := m.Pop()
	if !ok || v != 2 {
		t.Fatalf("Pop = %v, %v; want 2, true", v, ok)
	}
}

func TestPutCancellation(t *testing.T) {
	m := New[int]()
	_ = m.Put(context.Background(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.Put(ctx, 2); err == nil {
		t.Fatal("Put should fail once context is done while slot is occupied")
	}
}
