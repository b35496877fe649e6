// Package schedq implements the engine's three priority queues: the
// Advisory Tick-Time Queue (ATTQ), the Tickable Heap, and the Outgoing
// Heap. All three are min-heaps built on container/heap; the Tickable
// and Outgoing heaps additionally share a coordinated growth policy
// (see SplitHeaps) mirroring the source engine's single split
// allocation, without the raw pointer arithmetic a systems language
// needs for that trick.
package schedq

import (
	"container/heap"

	"github.com/orizon-lang/quicmux/internal/quicengine/conniface"
	"github.com/orizon-lang/quicmux/internal/quicengine/connstate"
)

// ATTQ is a min-heap of connections ordered by their scheduled tick
// time. At most one entry exists per connection at any time.
type ATTQ struct {
	h attqHeap
}

// NewATTQ returns an empty ATTQ.
func NewATTQ() *ATTQ { return &ATTQ{} }

// Len reports the number of pending entries.
func (q *ATTQ) Len() int { return q.h.Len() }

// Insert adds n to the queue at the given time. The caller must ensure n
// has no existing entry (schedq.ATTQ.Contains reports this) and must set
// refs.Attq on n itself; ATTQ only maintains heap position.
func (q *ATTQ) Insert(n *connstate.Node, at conniface.Micros) {
	n.AttqTime = at
	heap.Push(&q.h, n)
}

// Remove removes n's entry. The caller clears refs.Attq.
func (q *ATTQ) Remove(n *connstate.Node) {
	heap.Remove(&q.h, n.AttqIdx)
}

// Contains reports whether n currently has a pending ATTQ entry.
func (q *ATTQ) Contains(n *connstate.Node) bool { return n.AttqIdx >= 0 }

// Reschedule moves n's existing entry to a new time.
func (q *ATTQ) Reschedule(n *connstate.Node, at conniface.Micros) {
	q.Remove(n)
	n.AttqTime = at
	heap.Push(&q.h, n)
}

// PopDueBefore pops and returns every entry whose scheduled time is <=
// now, in non-decreasing time order, clearing their ATTQ heap index (the
// caller is responsible for clearing refs.Attq on each).
func (q *ATTQ) PopDueBefore(now conniface.Micros) []*connstate.Node {
	var due []*connstate.Node

	for q.h.Len() > 0 && q.h[0].AttqTime <= now {
		n := heap.Pop(&q.h).(*connstate.Node)
		due = append(due, n)
	}

	return due
}

// PeekTime returns the scheduled time of the earliest entry, and false
// if the queue is empty.
func (q *ATTQ) PeekTime() (conniface.Micros, bool) {
	if q.h.Len() == 0 {
		return 0, false
	}

	return q.h[0].AttqTime, true
}

// CountWithin counts entries due within [now, now+fromNow], by a linear
// scan: the heap only orders by root, so an exact count below the full
// heap size requires either a scan or an auxiliary sorted index, and the
// contract (engine.CountAttq) never promises better than O(n).
func (q *ATTQ) CountWithin(now, fromNow conniface.Micros) int {
	deadline := now + fromNow
	count := 0

	for _, n := range q.h {
		if n.AttqTime >= now && n.AttqTime <= deadline {
			count++
		}
	}

	return count
}

type attqHeap []*connstate.Node

func (h attqHeap) Len() int            { return len(h) }
func (h attqHeap) Less(i, j int) bool   { return h[i].AttqTime < h[j].AttqTime }
func (h attqHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].AttqIdx = i
	h[j].AttqIdx = j
}

func (h *attqHeap) Push(x any) {
	n := x.(*connstate.Node)
	n.AttqIdx = len(*h)
	*h = append(*h, n)
}

func (h *attqHeap) Pop() any {
	old := *h
	l := len(old)
	n := old[l-1]
	old[l-1] = nil
	n.AttqIdx = -1
	*h = old[:l-1]

	return n
}
