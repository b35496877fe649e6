// Package connstate holds the engine's private bookkeeping for each live
// connection: its reference mask, CID publication state, and the heap
// indices the scheduling queues need for O(log n) removal. The wrapped
// conniface.Connection itself stays opaque.
package connstate

import (
	"container/list"
	"net/netip"

	"github.com/orizon-lang/quicmux/internal/quicengine/conniface"
	"github.com/orizon-lang/quicmux/internal/quicengine/refs"
)

// CIDEntry pairs a published connection ID with whether it is currently
// live in the registry.
type CIDEntry struct {
	CID       conniface.CID
	Published bool
}

// notInHeap is the sentinel index value for "not currently in this heap".
const notInHeap = -1

// Node is the engine's per-connection record. Exactly one Node exists per
// live connection for the lifetime of that connection.
type Node struct {
	Conn conniface.Connection

	Mask refs.Mask

	CIDs         []CIDEntry
	HashedByAddr bool // true if this node is keyed by address, not CID
	LocalPort    [2]byte

	Local netip.AddrPort
	Peer  netip.AddrPort

	LastTicked conniface.Micros
	LastSent   conniface.Micros

	AttqTime conniface.Micros // scheduled ATTQ time; meaningful only if Mask.Has(Attq)

	// NeverTickable is latched during destruction to reject recursive
	// inserts triggered by user callbacks invoked while tearing down.
	NeverTickable bool

	// Heap indices, maintained exclusively by container/heap.Interface
	// implementations in package schedq via their Swap methods.
	TickableIdx int
	OutgoingIdx int
	AttqIdx     int

	// IterElem backs the egress iterator's active/inactive round-robin
	// lists (see package egress): whichever of the two container/list
	// lists currently holds this node keeps its *list.Element here so it
	// can be moved or removed in O(1). Only meaningful during a single
	// egress call. IterInActive distinguishes which of the two lists
	// IterElem belongs to (nil means removed from both).
	IterElem     *list.Element
	IterInActive bool
}

// NewNode constructs a fresh bookkeeping record for conn, with no queue
// membership yet (flags are acquired by whichever package first inserts
// the node into a queue).
func NewNode(conn conniface.Connection) *Node {
	return &Node{
		Conn:        conn,
		TickableIdx: notInHeap,
		OutgoingIdx: notInHeap,
		AttqIdx:     notInHeap,
	}
}

// Incref asserts flag was absent and sets it.
func (n *Node) Incref(flag refs.Flag) { refs.Incref(&n.Mask, flag) }

// Decref asserts flag was present, clears it, and reports whether the
// mask is now empty (the connection has no more references).
func (n *Node) Decref(flag refs.Flag) (empty bool) { return refs.Decref(&n.Mask, flag) }

