package schedq

import (
	"container/heap"

	"github.com/orizon-lang/quicmux/internal/quicengine/connstate"
)

const minSplitCapacity = 8

// SplitHeaps holds the Tickable Heap and the Outgoing Heap. The source
// engine backs both with one allocation, split in half, so that growing
// one necessarily grows the other and neither heap can outrun the
// other's capacity. A Go rewrite does not need the raw shared buffer (see
// DESIGN.md), but the growth policy itself -- "when n_conns would exceed
// capacity, grow both to max(8, 4x current)" -- is preserved here via a
// shared capacity counter, so the two heaps still grow in lockstep and
// the policy's anti-growth-storm intent survives the translation.
type SplitHeaps struct {
	capacity int
	tickable tickableHeap
	outgoing outgoingHeap
}

// NewSplitHeaps returns an empty pair of heaps with capacity 0; the first
// Reserve call establishes the initial floor of minSplitCapacity.
func NewSplitHeaps() *SplitHeaps {
	return &SplitHeaps{}
}

// Reserve ensures both heaps can hold at least nConns connections without
// another growth event, growing both to max(8, 4x current capacity) if
// nConns exceeds the current shared capacity.
func (s *SplitHeaps) Reserve(nConns int) {
	if nConns <= s.capacity {
		return
	}

	newCap := s.capacity * 4
	if newCap < minSplitCapacity {
		newCap = minSplitCapacity
	}

	for newCap < nConns {
		newCap *= 4
	}

	grown := make(tickableHeap, len(s.tickable), newCap)
	copy(grown, s.tickable)
	s.tickable = grown

	grownOut := make(outgoingHeap, len(s.outgoing), newCap)
	copy(grownOut, s.outgoing)
	s.outgoing = grownOut

	s.capacity = newCap
}

// Capacity reports the current shared backing capacity of both heaps.
func (s *SplitHeaps) Capacity() int { return s.capacity }

// --- Tickable Heap ---

// TickableLen reports the number of connections awaiting a tick.
func (s *SplitHeaps) TickableLen() int { return len(s.tickable) }

// TickableContains reports whether n is currently in the tickable heap.
func (s *SplitHeaps) TickableContains(n *connstate.Node) bool { return n.TickableIdx >= 0 }

// TickablePush inserts n, keyed by its current LastTicked (older first).
// The caller must not insert an already-tickable connection (spec: a
// connection already flagged TICKABLE must never be inserted again);
// TickableContains lets the caller guard this before setting refs.Tickable.
func (s *SplitHeaps) TickablePush(n *connstate.Node) {
	heap.Push(&s.tickable, n)
}

// TickablePopMin removes and returns the connection with the smallest
// LastTicked, i.e. the oldest-ticked connection.
func (s *SplitHeaps) TickablePopMin() (*connstate.Node, bool) {
	if len(s.tickable) == 0 {
		return nil, false
	}

	return heap.Pop(&s.tickable).(*connstate.Node), true
}

// TickableRemove removes n from the tickable heap at its current index,
// used when a connection is destroyed or goes bad before its tick runs.
func (s *SplitHeaps) TickableRemove(n *connstate.Node) {
	if n.TickableIdx < 0 {
		return
	}

	heap.Remove(&s.tickable, n.TickableIdx)
}

type tickableHeap []*connstate.Node

func (h tickableHeap) Len() int          { return len(h) }
func (h tickableHeap) Less(i, j int) bool { return h[i].LastTicked < h[j].LastTicked }
func (h tickableHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].TickableIdx = i
	h[j].TickableIdx = j
}

func (h *tickableHeap) Push(x any) {
	n := x.(*connstate.Node)
	n.TickableIdx = len(*h)
	*h = append(*h, n)
}

func (h *tickableHeap) Pop() any {
	old := *h
	l := len(old)
	n := old[l-1]
	old[l-1] = nil
	n.TickableIdx = -1
	*h = old[:l-1]

	return n
}

// --- Outgoing Heap ---

// OutgoingLen reports the number of connections with pending packets.
func (s *SplitHeaps) OutgoingLen() int { return len(s.outgoing) }

// OutgoingContains reports whether n is currently in the outgoing heap.
func (s *SplitHeaps) OutgoingContains(n *connstate.Node) bool { return n.OutgoingIdx >= 0 }

// OutgoingPush inserts n, keyed by its current LastSent (older first).
func (s *SplitHeaps) OutgoingPush(n *connstate.Node) {
	heap.Push(&s.outgoing, n)
}

// OutgoingPopMin removes and returns the connection with the smallest
// LastSent.
func (s *SplitHeaps) OutgoingPopMin() (*connstate.Node, bool) {
	if len(s.outgoing) == 0 {
		return nil, false
	}

	return heap.Pop(&s.outgoing).(*connstate.Node), true
}

// OutgoingFix re-establishes heap order for n after its LastSent changed
// in place while n is still in the heap.
func (s *SplitHeaps) OutgoingFix(n *connstate.Node) {
	heap.Fix(&s.outgoing, n.OutgoingIdx)
}

type outgoingHeap []*connstate.Node

func (h outgoingHeap) Len() int          { return len(h) }
func (h outgoingHeap) Less(i, j int) bool { return h[i].LastSent < h[j].LastSent }
func (h outgoingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].OutgoingIdx = i
	h[j].OutgoingIdx = j
}

func (h *outgoingHeap) Push(x any) {
	n := x.(*connstate.Node)
	n.OutgoingIdx = len(*h)
	*h = append(*h, n)
}

func (h *outgoingHeap) Pop() any {
	old := *h
	l := len(old)
	n := old[l-1]
	old[l-1] = nil
	n.OutgoingIdx = -1
	*h = old[:l-1]

	return n
}
