package schedq

import (
	"testing"

	"github.com/orizon-lang/quicmux/internal/quicengine/connstate"
)

func newTestNode() *connstate.Node {
	return connstate.NewNode(nil)
}

func TestATTQOrdersByTime(t *testing.T) {
	q := NewATTQ()

	a, b, c := newTestNode(), newTestNode(), newTestNode()
	q.Insert(a, 30)
	q.Insert(b, 10)
	q.Insert(c, 20)

	due := q.PopDueBefore(30)
	if len(due) != 3 {
		t.Fatalf("expected 3 due entries, got %d", len(due))
	}

	if due[0] != b || due[1] != c || due[2] != a {
		t.Fatal("PopDueBefore did not return entries in non-decreasing time order")
	}

	if q.Len() != 0 {
		t.Fatalf("queue should be empty, len=%d", q.Len())
	}
}

func TestATTQPopDueBeforeStopsAtDeadline(t *testing.T) {
	q := NewATTQ()

	early, late := newTestNode(), newTestNode()
	q.Insert(early, 5)
	q.Insert(late, 100)

	due := q.PopDueBefore(10)
	if len(due) != 1 || due[0] != early {
		t.Fatalf("expected only the early entry, got %v", due)
	}

	if q.Len() != 1 {
		t.Fatalf("late entry should remain, len=%d", q.Len())
	}

	tm, ok := q.PeekTime()
	if !ok || tm != 100 {
		t.Fatalf("PeekTime = (%d, %v), want (100, true)", tm, ok)
	}
}

func TestATTQRemoveAndContains(t *testing.T) {
	q := NewATTQ()

	n := newTestNode()
	q.Insert(n, 50)

	if !q.Contains(n) {
		t.Fatal("expected Contains true after Insert")
	}

	q.Remove(n)

	if q.Contains(n) {
		t.Fatal("expected Contains false after Remove")
	}

	if q.Len() != 0 {
		t.Fatalf("len = %d, want 0", q.Len())
	}
}

func TestATTQReschedule(t *testing.T) {
	q := NewATTQ()

	n := newTestNode()
	q.Insert(n, 50)
	q.Reschedule(n, 5)

	due := q.PopDueBefore(5)
	if len(due) != 1 || due[0] != n {
		t.Fatal("rescheduled entry did not pop at its new time")
	}
}

func TestATTQCountWithin(t *testing.T) {
	q := NewATTQ()

	q.Insert(newTestNode(), 10)
	q.Insert(newTestNode(), 20)
	q.Insert(newTestNode(), 30)

	if got := q.CountWithin(0, 25); got != 2 {
		t.Fatalf("CountWithin(0,25) = %d, want 2", got)
	}

	if got := q.CountWithin(15, 5); got != 1 {
		t.Fatalf("CountWithin(15,5) = %d, want 1", got)
	}
}

func TestSplitHeapsReserveGrowthPolicy(t *testing.T) {
	s := NewSplitHeaps()

	s.Reserve(5)
	if s.Capacity() != minSplitCapacity {
		t.Fatalf("capacity = %d, want floor %d", s.Capacity(), minSplitCapacity)
	}

	s.Reserve(5)
	if s.Capacity() != minSplitCapacity {
		t.Fatal("Reserve below current capacity should not grow")
	}

	s.Reserve(9)
	if want := minSplitCapacity * 4; s.Capacity() != want {
		t.Fatalf("capacity = %d, want %d", s.Capacity(), want)
	}
}

func TestSplitHeapsTickableOrdersByLastTicked(t *testing.T) {
	s := NewSplitHeaps()
	s.Reserve(3)

	a, b, c := newTestNode(), newTestNode(), newTestNode()
	a.LastTicked, b.LastTicked, c.LastTicked = 30, 10, 20

	s.TickablePush(a)
	s.TickablePush(b)
	s.TickablePush(c)

	first, ok := s.TickablePopMin()
	if !ok || first != b {
		t.Fatal("expected the oldest-ticked node (b) first")
	}

	second, _ := s.TickablePopMin()
	if second != c {
		t.Fatal("expected c second")
	}

	third, _ := s.TickablePopMin()
	if third != a {
		t.Fatal("expected a last")
	}

	if _, ok := s.TickablePopMin(); ok {
		t.Fatal("heap should be empty")
	}
}

func TestSplitHeapsTickableRemove(t *testing.T) {
	s := NewSplitHeaps()
	s.Reserve(3)

	a, b, c := newTestNode(), newTestNode(), newTestNode()
	a.LastTicked, b.LastTicked, c.LastTicked = 1, 2, 3

	s.TickablePush(a)
	s.TickablePush(b)
	s.TickablePush(c)

	s.TickableRemove(b)

	if s.TickableContains(b) {
		t.Fatal("b should no longer be in the tickable heap")
	}

	if s.TickableLen() != 2 {
		t.Fatalf("len = %d, want 2", s.TickableLen())
	}

	first, _ := s.TickablePopMin()
	second, _ := s.TickablePopMin()

	if first != a || second != c {
		t.Fatal("remaining order should be a then c")
	}
}

func TestSplitHeapsTickableRemoveNotInHeapIsNoop(t *testing.T) {
	s := NewSplitHeaps()
	s.Reserve(1)

	n := newTestNode()
	s.TickableRemove(n) // not in heap; must not panic
}

func TestSplitHeapsOutgoingOrdersByLastSent(t *testing.T) {
	s := NewSplitHeaps()
	s.Reserve(2)

	a, b := newTestNode(), newTestNode()
	a.LastSent, b.LastSent = 100, 50

	s.OutgoingPush(a)
	s.OutgoingPush(b)

	first, ok := s.OutgoingPopMin()
	if !ok || first != b {
		t.Fatal("expected b (earlier LastSent) first")
	}
}

func TestSplitHeapsOutgoingFix(t *testing.T) {
	s := NewSplitHeaps()
	s.Reserve(2)

	a, b := newTestNode(), newTestNode()
	a.LastSent, b.LastSent = 10, 20

	s.OutgoingPush(a)
	s.OutgoingPush(b)

	a.LastSent = 30
	s.OutgoingFix(a)

	first, _ := s.OutgoingPopMin()
	if first != b {
		t.Fatal("after fixing a's key upward, b should pop first")
	}
}
