// Package egress implements the Egress Batcher: it drains the Outgoing
// Heap, encrypts packets as needed, builds datagram batches, invokes the
// caller's sink, adjusts the adaptive batch size, and handles partial
// sends. Grounded on the packet-batching shape of
// golang.org/x/net/internal/quic's sendDatagram/packetConn.Write path and
// on the round-robin fd-list bookkeeping in gaio's watcher (container/list
// active/pending split), adapted to the engine's single-threaded model.
package egress

import (
	"container/list"

	"github.com/orizon-lang/quicmux/internal/quicengine/conniface"
	"github.com/orizon-lang/quicmux/internal/quicengine/connstate"
	"github.com/orizon-lang/quicmux/internal/quicengine/quicstats"
	"github.com/orizon-lang/quicmux/internal/quicengine/refs"
	"github.com/orizon-lang/quicmux/internal/quicengine/schedq"
)

const (
	MinBatchSize = 4
	MaxBatchSize = 1024
)

// Hooks lets the batcher reach back into engine-level state it does not
// own: the can-send failsafe, the last-sent tiebreaker counter, and the
// close-on-BADCRYPT sequence (registry removal + transient set bookkeeping
// are all engine-owned).
type Hooks interface {
	// OnFlushResult is invoked once per flush with the send outcome.
	OnFlushResult(now conniface.Micros, nSent, nRequested int)
	// OnBadCrypt closes the connection: set CLOSING, remove from the
	// registry, de-tick if TICKED. The connection is NOT destroyed here
	// (that happens when the transient closing set is drained).
	OnBadCrypt(n *connstate.Node)
}

// Batcher runs the egress algorithm over a SplitHeaps' Outgoing Heap.
type Batcher struct {
	Heaps    *schedq.SplitHeaps
	Sink     conniface.DatagramSink
	Alloc    conniface.PacketAllocator
	Hooks    Hooks
	Counters *quicstats.Counters
	Logger   quicstats.Logger

	// Clock reads the current time for deadline rechecks after a flush
	// (a blocking sink can run the clock past the deadline mid-round).
	// If nil, the deadline is only checked against the now passed to Run.
	Clock func() conniface.Micros

	// RequireEncryption mirrors whether the engine's negotiated settings
	// demand every outgoing packet be encrypted before leaving; false
	// only in plaintext test/demo configurations.
	RequireEncryption bool

	// BatchSize is the adaptive batch size, bounds [MinBatchSize,
	// MaxBatchSize], owned by the engine and shared with this batcher.
	BatchSize *int
}

// Result summarizes one Run call, enough for the process loop to decide
// whether to keep calling SendUnsent and for tests to assert on.
type Result struct {
	Shrink          bool
	DeadlineHit     bool
	BatchesFlushed  int
	DatagramsQueued int
}

// Run drains the Outgoing Heap once.
func (b *Batcher) Run(now, deadline conniface.Micros) Result {
	active := list.New()
	inactive := list.New()

	for {
		n, ok := b.Heaps.OutgoingPopMin()
		if !ok {
			break
		}

		n.IterElem = active.PushBack(n)
		n.IterInActive = true
	}

	batch := make([]conniface.OutPacket, 0, *b.BatchSize)

	var res Result

	completeBatches := 0

	stop := false

	for !stop {
		front := active.Front()
		if front == nil {
			break
		}

		n := front.Value.(*connstate.Node)

		pkt, has := n.Conn.NextPacketToSend()
		if !has {
			active.Remove(front)
			n.IterElem = inactive.PushBack(n)
			n.IterInActive = false

			continue
		}

		if pkt.Encrypted && packetFamilyStale(pkt, n) {
			b.Alloc.Return(nil, pkt.PeerCtx, pkt.Buf, n.Conn.PeerAddressFamily() == conniface.AddressFamilyIPv6)
			pkt.Buf = nil
			pkt.Encrypted = false
		}

		if !pkt.Encrypted && b.RequireEncryption {
			encPkt, outcome := n.Conn.EncryptPacket(pkt)

			switch outcome {
			case conniface.EncryptOK:
				pkt = encPkt
			case conniface.EncryptNoMem:
				n.Conn.PacketNotSent(pkt)

				if len(batch) > 0 {
					if b.flush(batch, now, &res, active, inactive) {
						res.Shrink = true
					}
					batch = batch[:0]
				}

				stop = true

				continue
			case conniface.EncryptBadCrypt:
				n.Conn.PacketNotSent(pkt)
				b.Counters.ConnectionsBadCrypt.Add(1)
				active.Remove(front)
				n.IterElem = nil
				b.Hooks.OnBadCrypt(n)

				continue
			}
		}

		pkt.Conn = n.Conn
		pkt.Handle = n
		batch = append(batch, pkt)
		res.DatagramsQueued++

		if len(batch) >= *b.BatchSize {
			shortWrite := b.flush(batch, now, &res, active, inactive)
			batch = batch[:0]
			active.MoveToBack(front)

			if shortWrite {
				res.Shrink = true
				stop = true
			} else {
				completeBatches++
			}

			if b.clockNow(now) >= deadline {
				res.DeadlineHit = true
				stop = true
			}
		}
	}

	if len(batch) > 0 {
		// Whether we stopped because of NOMEM, a deadline trip, or simply
		// ran out of active connections, a partial batch is still worth
		// sending: "stop" means stop batching *new* packets, not abandon
		// what is already queued.
		if b.flush(batch, now, &res, active, inactive) {
			res.Shrink = true
		}
	}

	b.adjustBatchSize(completeBatches, res.DeadlineHit, res.Shrink)
	b.reheap(active, inactive)

	return res
}

// flush is send_batch: stamps send times, invokes the sink, and resolves
// every packet's fate. Returns true if the sink wrote fewer than asked.
// active/inactive are the round's iteration lists: a packet that comes
// back unsent for a connection already moved to inactive (drained by a
// later NextPacketToSend call earlier in this same round) must be moved
// back into active, or it loses HAS_OUTGOING in reheap despite having a
// packet still waiting to go out.
func (b *Batcher) flush(batch []conniface.OutPacket, now conniface.Micros, res *Result, active, inactive *list.List) bool {
	for i := range batch {
		batch[i].SentTime = now
	}

	nSent := b.Sink.Send(batch, len(batch))
	if nSent < 0 {
		b.Logger.Logf("sink returned error (n=%d), treating as 0 sent", nSent)

		nSent = 0
	}

	b.Hooks.OnFlushResult(now, nSent, len(batch))
	res.BatchesFlushed++
	b.Counters.BatchesFlushed.Add(1)
	b.Counters.DatagramsSent.Add(uint64(nSent))

	for i := 0; i < nSent; i++ {
		p := batch[i]
		p.Conn.PacketSent(p)

		n := connOf(p)
		if n != nil {
			n.LastSent = now + conniface.Micros(i)
		}

		if p.Encrypted {
			isV6 := p.Conn.PeerAddressFamily() == conniface.AddressFamilyIPv6
			b.Alloc.Release(nil, p.PeerCtx, p.Buf, isV6)
		}
	}

	for i := len(batch) - 1; i >= nSent; i-- {
		p := batch[i]
		p.Conn.PacketNotSent(p)

		n := connOf(p)
		if n != nil && !n.IterInActive {
			b.Counters.BackpressureEvents.Add(1)

			// n was drained and moved to inactive earlier in this same
			// round; it now has an unsent packet again and must be
			// reactivated so reheap puts it back on the Outgoing Heap
			// instead of decref'ing HAS_OUTGOING out from under it.
			// Evanescent connections are the declared exception: they
			// bypass round-robin reactivation entirely.
			if !n.Conn.IsEvanescent() {
				if n.IterElem != nil {
					inactive.Remove(n.IterElem)
				}

				n.IterElem = active.PushBack(n)
				n.IterInActive = true
			}
		}
	}

	if nSent < len(batch) {
		b.Counters.DatagramsShortWrite.Add(1)

		return true
	}

	return false
}

// clockNow reads b.Clock, or returns fallback when no Clock is set.
func (b *Batcher) clockNow(fallback conniface.Micros) conniface.Micros {
	if b.Clock != nil {
		return b.Clock()
	}

	return fallback
}

// connOf recovers the connstate.Node a packet belongs to. The engine
// stores *connstate.Node as the packet's opaque Handle field precisely so
// the egress batcher can get back to per-node bookkeeping (LastSent,
// iteration membership) without widening conniface.Connection.
func connOf(p conniface.OutPacket) *connstate.Node {
	n, _ := p.Handle.(*connstate.Node)

	return n
}

func packetFamilyStale(p conniface.OutPacket, n *connstate.Node) bool {
	wantV6 := n.Conn.PeerAddressFamily() == conniface.AddressFamilyIPv6
	haveV6 := p.Peer.Addr().Is6() && !p.Peer.Addr().Is4In6()

	return wantV6 != haveV6
}

// adjustBatchSize applies the batcher's adaptive sizing: shrink
// (right-shift, floor MinBatchSize) whenever a flush did not drain fully;
// otherwise grow (left-shift, ceiling MaxBatchSize) once at least two
// complete batches went out within the deadline.
func (b *Batcher) adjustBatchSize(completeBatches int, deadlineHit, shrink bool) {
	size := *b.BatchSize

	switch {
	case shrink:
		size >>= 1
		if size < MinBatchSize {
			size = MinBatchSize
		}
	case completeBatches >= 2 && !deadlineHit:
		size <<= 1
		if size > MaxBatchSize {
			size = MaxBatchSize
		}
	}

	*b.BatchSize = size
}

// reheap reinserts every connection touched this round into the real
// Outgoing Heap keyed by its (possibly updated) LastSent; connections
// drained to "inactive" (NextPacketToSend returned false) instead have
// HAS_OUTGOING cleared, which may destroy them. Connections still sitting
// in "active" when the round stopped early (deadline, NOMEM, shrink) are
// known to have more to send and go straight back on the heap.
func (b *Batcher) reheap(active, inactive *list.List) {
	for e := active.Front(); e != nil; e = e.Next() {
		n := e.Value.(*connstate.Node)
		n.IterElem = nil
		n.IterInActive = false

		if !n.Mask.Has(refs.HasOutgoing) {
			continue // already closed out from under us (e.g. BADCRYPT)
		}

		b.Heaps.OutgoingPush(n)
	}

	for e := inactive.Front(); e != nil; e = e.Next() {
		n := e.Value.(*connstate.Node)
		n.IterElem = nil
		n.IterInActive = false

		if !n.Mask.Has(refs.HasOutgoing) {
			continue
		}

		n.Decref(refs.HasOutgoing)
	}
}
