package wsqueue

import "testing"

func TestOwnerLIFO(t *testing.T) {
	q := New[int](4, 2)
	q.Push(1, 0)
	q.Push(2, 0)
	q.Push(3, 0)
	if v, ok := q.Pop(0); !ok || v != 3 {
		t.Fatalf("Pop = %v, %v; want 3, true", v, ok)
	}
	if v, ok := q.Pop(0); !ok || v != 2 {
		t.Fatalf("Pop = %v, %v; want 2, true", v, ok)
	}
}

func TestThiefFIFO(t *testing.T) {
	q := New[int](4, 2)
	q.Push(1, 0)
	q.Push(2, 0)
	q.Push(3, 0)

	if !q.TryLock(0) {
		t.Fatal("TryLock failed")
	}
	v, ok := q.StealNoLock(0)
	q.Unlock(0)
	if !ok || v != 1 {
		t.Fatalf("StealNoLock = %v, %v; want 1, true (FIFO end)", v, ok)
	}
}

func TestAbortStealRestoresFIFOOrder(t *testing.T) {
	q := New[int](4, 1)
	q.Push(10, 0)
	q.Push(20, 0)

	q.TryLock(0)
	v, _ := q.StealNoLock(0)
	q.AbortSteal(0, v)
	q.Unlock(0)

	q.TryLock(0)
	v2, _ := q.StealNoLock(0)
	q.Unlock(0)
	if v2 != v {
		t.Fatalf("after abort, next steal got %d, want %d", v2, v)
	}
}

func TestCapacityOverflow(t *testing.T) {
	q := New[int](2, 1)
	if !q.Push(1, 0) || !q.Push(2, 0) {
		t.Fatal("first two pushes should succeed")
	}
	if q.Push(3, 0) {
		t.Fatal("push past capacity should fail")
	}
}

func TestForEachNonEmptyQueueOrder(t *testing.T) {
	q := New[int](4, 4)
	q.Push(1, 1)
	q.Push(2, 3)

	var visitedDesc []int
	q.ForEachNonEmptyQueue(0, 4, false, func(d int) bool {
		visitedDesc = append(visitedDesc, d)
		return false
	})
	if len(visitedDesc) != 2 || visitedDesc[0] != 3 || visitedDesc[1] != 1 {
		t.Fatalf("descending visit order = %v, want [3 1]", visitedDesc)
	}

	var visitedAsc []int
	q.ForEachNonEmptyQueue(0, 4, true, func(d int) bool {
		visitedAsc = append(visitedAsc, d)
		return false
	})
	if len(visitedAsc) != 2 || visitedAsc[0] != 1 || visitedAsc[1] != 3 {
		t.Fatalf("ascending visit order = %v, want [1 3]", visitedAsc)
	}
}

func TestPass(t *testing.T) {
	q := New[string](2, 1)
	if !q.Pass("task", 0) {
		t.Fatal("Pass should succeed under capacity")
	}
	if v, ok := q.Pop(0); !ok || v != "task" {
		t.Fatalf("Pop after Pass = %v, %v", v, ok)
	}
}
