package scheduler

import (
	"errors"
	"fmt"
	"testing"
)

func TestPriorityQueue_DispatchOrder(t *testing.T) {
	q := NewPriorityQueue(0)
	mustPush(t, q, "n1", PriorityNormal)
	mustPush(t, q, "bg", PriorityBackground)
	mustPush(t, q, "crit", PriorityCritical)
	mustPush(t, q, "n2", PriorityNormal)
	mustPush(t, q, "hi", PriorityHigh)
	mustPush(t, q, "lo", PriorityLow)

	want := []string{"crit", "hi", "n1", "n2", "lo", "bg"}
	got := q.IDs()
	if len(got) != len(want) {
		t.Fatalf("expected %d ids, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestPriorityQueue_InsertionOrderWithinTier(t *testing.T) {
	q := NewPriorityQueue(0)
	for i := 0; i < 5; i++ {
		mustPush(t, q, fmt.Sprintf("task-%d", i), PriorityNormal)
	}

	got := q.IDs()
	for i := 0; i < 5; i++ {
		want := fmt.Sprintf("task-%d", i)
		if got[i] != want {
			t.Errorf("position %d: expected %q, got %q", i, want, got[i])
		}
	}
}

func TestPriorityQueue_Capacity(t *testing.T) {
	q := NewPriorityQueue(2)
	mustPush(t, q, "a", PriorityNormal)
	mustPush(t, q, "b", PriorityNormal)

	err := q.Push("c", PriorityCritical)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if err := q.PushFront("c", PriorityCritical); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("PushFront should respect capacity too, got %v", err)
	}

	// Capacity frees up when a task leaves the queue.
	q.Remove("a")
	if err := q.Push("c", PriorityCritical); err != nil {
		t.Fatalf("push after remove should succeed, got %v", err)
	}
}

func TestPriorityQueue_PushFront(t *testing.T) {
	q := NewPriorityQueue(0)
	mustPush(t, q, "first", PriorityNormal)
	mustPush(t, q, "second", PriorityNormal)

	if err := q.PushFront("requeued", PriorityNormal); err != nil {
		t.Fatalf("PushFront failed: %v", err)
	}

	got := q.IDs()
	if got[0] != "requeued" {
		t.Errorf("requeued task should lead its tier, got %v", got)
	}

	// A higher tier still outranks a front-requeued lower tier.
	mustPush(t, q, "urgent", PriorityCritical)
	if got := q.IDs(); got[0] != "urgent" {
		t.Errorf("critical should outrank requeued normal, got %v", got)
	}
}

func TestPriorityQueue_Remove(t *testing.T) {
	q := NewPriorityQueue(0)
	mustPush(t, q, "a", PriorityHigh)
	mustPush(t, q, "b", PriorityHigh)

	if !q.Remove("a") {
		t.Error("removing a queued task should succeed")
	}
	if q.Remove("a") {
		t.Error("removing twice should fail")
	}
	if q.Contains("a") {
		t.Error("removed task should not be contained")
	}
	if q.Len() != 1 {
		t.Errorf("expected length 1, got %d", q.Len())
	}
	if got := q.IDs(); len(got) != 1 || got[0] != "b" {
		t.Errorf("expected [b], got %v", got)
	}
}

func TestPriorityQueue_DuplicatePushIsNoop(t *testing.T) {
	q := NewPriorityQueue(0)
	mustPush(t, q, "a", PriorityNormal)
	if err := q.Push("a", PriorityCritical); err != nil {
		t.Fatalf("duplicate push should be a no-op, got %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("expected length 1 after duplicate push, got %d", q.Len())
	}
	// The original tier wins; the duplicate must not promote the task.
	if got := q.IDs(); got[0] != "a" {
		t.Errorf("unexpected ids: %v", got)
	}
}

func TestPriorityQueue_UnknownPriorityLandsNormal(t *testing.T) {
	q := NewPriorityQueue(0)
	mustPush(t, q, "weird", Priority("urgent-ish"))
	mustPush(t, q, "low", PriorityLow)
	mustPush(t, q, "crit", PriorityCritical)

	got := q.IDs()
	want := []string{"crit", "weird", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func mustPush(t *testing.T, q *PriorityQueue, id string, p Priority) {
	t.Helper()
	if err := q.Push(id, p); err != nil {
		t.Fatalf("push %q: %v", id, err)
	}
}
