// Package quicengine implements the connection multiplexing and
// packet-dispatch core of a QUIC transport engine: it owns every live
// connection in a single address space, routes incoming datagrams to
// them, schedules their ticks in time and priority order, and batches
// their outgoing packets onto a caller-supplied datagram sink.
//
// The engine is not safe for concurrent use; callers serialize their own
// calls into it.
package quicengine

import (
	"container/list"
	"fmt"

	orizonerrors "github.com/orizon-lang/quicmux/internal/errors"
	"github.com/orizon-lang/quicmux/internal/quicengine/conniface"
	"github.com/orizon-lang/quicmux/internal/quicengine/connstate"
	"github.com/orizon-lang/quicmux/internal/quicengine/egress"
	"github.com/orizon-lang/quicmux/internal/quicengine/ingress"
	"github.com/orizon-lang/quicmux/internal/quicengine/quicstats"
	"github.com/orizon-lang/quicmux/internal/quicengine/refs"
	"github.com/orizon-lang/quicmux/internal/quicengine/registry"
	"github.com/orizon-lang/quicmux/internal/quicengine/schedq"
)

const (
	initialBatchSize      = 32
	resumeSendingDelay    = 1_000_000 // microseconds
	statelessResetTokenSz = 16
)

// Engine is process-wide state owning every live connection in one
// address space.
type Engine struct {
	settings Settings

	reg         *registry.Registry
	attq        *schedq.ATTQ
	heaps       *schedq.SplitHeaps
	resetTokens map[[statelessResetTokenSz]byte]*connstate.Node

	sink   conniface.DatagramSink
	alloc  conniface.PacketAllocator
	parser ParserSet
	clock  Clock

	counters *quicstats.Counters
	logger   quicstats.Logger

	batchSize int

	canSend         bool
	resumeSendingAt conniface.Micros

	processing bool
	nConns     int

	closing *list.List // transient per-round closing set (*connstate.Node)
	ticked  *list.List // transient per-round ticked set (*connstate.Node)
}

// ParserSet is the pluggable per-version header parser collection: IETF,
// legacy Q044, legacy gQUIC, plus a generic sniffing parser used outside
// address-keyed mode.
type ParserSet struct {
	ByVersion map[conniface.Version]conniface.HeaderParser
	Generic   conniface.HeaderParser
}

func (p ParserSet) SelectParser(n *connstate.Node, _ byte) (conniface.HeaderParser, bool) {
	v := n.Conn.NegotiatedVersion()
	if parser, ok := p.ByVersion[v]; ok {
		return parser, true
	}

	return p.Generic, p.Generic != nil
}

func (p ParserSet) GenericParser() conniface.HeaderParser { return p.Generic }

// Options bundles everything NewEngine needs beyond Settings: the
// datagram sink and packet allocator are external collaborators; Clock
// defaults to a RealClock when nil.
type Options struct {
	Sink    conniface.DatagramSink
	Alloc   conniface.PacketAllocator
	Parsers ParserSet
	Clock   Clock
	Logger  quicstats.Logger
}

// NewEngine validates settings and constructs an Engine, or returns a
// ConfigurationError.
func NewEngine(settings Settings, opts Options) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	if opts.Sink == nil {
		return nil, orizonerrors.NewStandardError(orizonerrors.CategoryValidation,
			"MISSING_SINK", "a DatagramSink is required", nil)
	}

	if opts.Clock == nil {
		opts.Clock = NewRealClock()
	}

	if opts.Logger == nil {
		opts.Logger = &quicstats.StderrLogger{}
	}

	e := &Engine{
		settings:    settings,
		reg:         registry.New(settings.HashByAddress()),
		attq:        schedq.NewATTQ(),
		heaps:       schedq.NewSplitHeaps(),
		resetTokens: make(map[[statelessResetTokenSz]byte]*connstate.Node),
		sink:        opts.Sink,
		alloc:       opts.Alloc,
		parser:      opts.Parsers,
		clock:       opts.Clock,
		counters:    &quicstats.Counters{},
		logger:      opts.Logger,
		batchSize:   initialBatchSize,
		canSend:     true,
		closing:     list.New(),
		ticked:      list.New(),
	}

	return e, nil
}

// Counters exposes the engine's statistics for an external aggregator;
// statistics aggregation itself lives outside the core.
func (e *Engine) Counters() *quicstats.Counters { return e.counters }

// --- construction / teardown of connections ---

// Connect creates a new client connection. newConn constructs the
// caller's Connection implementation given the CIDs the engine assigns
// it.
func (e *Engine) Connect(localPort [2]byte, cids []conniface.CID, newConn func([]conniface.CID) conniface.Connection) (*connstate.Node, error) {
	e.enter()
	defer e.leave()

	conn := newConn(cids)
	n := connstate.NewNode(conn)

	for _, c := range cids {
		n.CIDs = append(n.CIDs, connstate.CIDEntry{CID: c})
	}

	n.LocalPort = localPort

	e.heaps.Reserve(e.nConns + 1)

	if err := e.reg.InsertAllCIDs(n); err != nil {
		return nil, err
	}

	n.Incref(refs.Hashed)
	e.nConns++

	return n, nil
}

// AddCID publishes an additional CID for an already-registered,
// CID-keyed connection.
func (e *Engine) AddCID(n *connstate.Node, idx int) error {
	return e.reg.InsertCID(n, idx)
}

// RetireCID unpublishes a single CID entry.
func (e *Engine) RetireCID(n *connstate.Node, idx int) {
	e.reg.RetireCID(n, idx)
}

// RegisterResetToken records the stateless-reset token a connection
// negotiated, so an unroutable datagram ending in that token can be
// matched back to it.
func (e *Engine) RegisterResetToken(n *connstate.Node, token [statelessResetTokenSz]byte) {
	e.resetTokens[token] = n
}

func (e *Engine) LookupToken(token [statelessResetTokenSz]byte) (*connstate.Node, bool) {
	n, ok := e.resetTokens[token]

	return n, ok
}

func (e *Engine) unregisterResetTokens(n *connstate.Node) {
	for tok, cand := range e.resetTokens {
		if cand == n {
			delete(e.resetTokens, tok)
		}
	}
}

// destroyNode runs the destruction sequence: mark never-tickable (blocks
// recursive inserts from callbacks invoked during teardown), decrement
// n_conns, invoke Destroy.
func (e *Engine) destroyNode(n *connstate.Node) {
	n.NeverTickable = true
	e.nConns--
	e.unregisterResetTokens(n)
	n.Conn.Destroy()
}

// decref wraps connstate.Node.Decref, destroying the node when its mask
// empties.
func (e *Engine) decref(n *connstate.Node, flag refs.Flag) {
	if n.Decref(flag) {
		e.destroyNode(n)
	}
}

// --- re-entrancy guard ---

func (e *Engine) enter() {
	assert(!e.processing, "re-entrant call into engine while processing=true")
	e.processing = true
}

func (e *Engine) leave() {
	e.processing = false
}

// --- egress.Hooks / ingress.Hooks implementations ---

func (e *Engine) OnFlushResult(now conniface.Micros, nSent, nRequested int) {
	if nSent < nRequested {
		e.canSend = false
		e.resumeSendingAt = now + resumeSendingDelay
		e.counters.BackpressureEvents.Add(1)
	}
}

func (e *Engine) OnBadCrypt(n *connstate.Node) {
	e.reg.RemoveAllCIDs(n)

	if n.Mask.Has(refs.Hashed) {
		e.decref(n, refs.Hashed)
	}

	if n.Mask.Has(refs.Attq) {
		e.attq.Remove(n)
		e.decref(n, refs.Attq)
	}

	if n.Mask.Has(refs.Tickable) {
		if e.heaps.TickableContains(n) {
			// Cannot remove mid-tick-iteration cheaply without an index;
			// the process loop's tick drain already popped tickable
			// connections before egress runs, so this path only applies
			// when BADCRYPT happens from a direct SendUnsentPackets call.
			e.removeFromTickableHeap(n)
		}

		e.decref(n, refs.Tickable)
	}

	if n.Mask.Has(refs.Ticked) {
		e.ticked.Remove(nodeElem(e.ticked, n))
		e.decref(n, refs.Ticked)
	}

	if !n.Mask.Has(refs.Closing) {
		n.Incref(refs.Closing)
		e.closing.PushBack(n)
	}

	// The batcher has already taken n off its iteration lists, so reheap
	// never reaches it; drop HAS_OUTGOING here so draining the closing set
	// destroys it.
	if n.Mask.Has(refs.HasOutgoing) {
		e.decref(n, refs.HasOutgoing)
	}

	e.counters.ConnectionsClosed.Add(1)
}

func (e *Engine) MakeTickable(n *connstate.Node) {
	if n.NeverTickable {
		return
	}

	if e.heaps.TickableContains(n) {
		return
	}

	n.Incref(refs.Tickable)
	e.heaps.Reserve(e.nConns)
	e.heaps.TickablePush(n)

	// ATTQ insertion is skipped when the connection is already TICKABLE;
	// conversely, becoming tickable while an ATTQ entry is pending leaves
	// the entry until the tick consumes it naturally (removed explicitly
	// in the process loop's tick step).
}

func nodeElem(l *list.List, n *connstate.Node) *list.Element {
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(*connstate.Node) == n {
			return e
		}
	}

	return nil
}

func (e *Engine) removeFromTickableHeap(n *connstate.Node) {
	// container/heap removal requires the node's current index, which
	// TickableContains confirms is valid; pop-and-discard down to it
	// would disturb heap order, so instead we rely on schedq exposing
	// index-based removal through the same primitive ATTQ.Remove uses.
	e.heaps.TickableRemove(n)
}

// --- wiring accessors used by the egress/ingress packages ---

func (e *Engine) newBatcher() *egress.Batcher {
	return &egress.Batcher{
		Heaps:             e.heaps,
		Sink:              e.sink,
		Alloc:             e.alloc,
		Hooks:             e,
		Counters:          e.counters,
		Logger:            e.logger,
		Clock:             func() conniface.Micros { return e.clock.NowMicros() },
		RequireEncryption: e.settings.RequireEncryption,
		BatchSize:         &e.batchSize,
	}
}

func (e *Engine) newDispatcher() *ingress.Dispatcher {
	return &ingress.Dispatcher{
		Registry:         e.reg,
		Parsers:          e.parser,
		ResetTable:       e,
		Hooks:            e,
		Counters:         e.counters,
		Logger:           e.logger,
		HonorPublicReset: e.settings.HonorPRST,
		SCIDLen:          e.settings.SCIDLen,
	}
}

// String aids debugging/tests: a compact summary of live queue sizes.
func (e *Engine) String() string {
	return fmt.Sprintf("Engine{conns=%d tickable=%d outgoing=%d attq=%d batch=%d canSend=%v}",
		e.nConns, e.heaps.TickableLen(), e.heaps.OutgoingLen(), e.attq.Len(), e.batchSize, e.canSend)
}

// PacketIn hands an inbound datagram to the Ingress Dispatcher. Returns 0
// if at least one coalesced packet reached a connection, 1 if none did,
// or -1 with a ProtocolParseError on a parse failure.
func (e *Engine) PacketIn(dg ingress.Datagram) (int, error) {
	e.enter()
	defer e.leave()

	n, err := e.newDispatcher().PacketIn(dg)
	if err != nil {
		return n, orizonerrors.ProtocolParseError(err.Error(), map[string]interface{}{
			"local": dg.Local.String(),
			"peer":  dg.Peer.String(),
		})
	}

	return n, nil
}

// ProcessConns runs one round of the Process Loop.
func (e *Engine) ProcessConns(now conniface.Micros) {
	e.enter()
	defer e.leave()

	e.popDueATTQ(now)

	if !e.canSend && now > e.resumeSendingAt {
		e.canSend = true
	}

	deadline := now + conniface.Micros(e.settings.ProcTimeThreshMicros)

	e.tickRound(now)

	if e.canSend && e.heaps.OutgoingLen() > 0 {
		e.newBatcher().Run(now, deadline)
	}

	e.drainClosing()
	e.drainTicked()
}

// popDueATTQ implements step 2: pop every ATTQ entry due by now and make
// it tickable if it is not already.
func (e *Engine) popDueATTQ(now conniface.Micros) {
	for _, n := range e.attq.PopDueBefore(now) {
		e.decref(n, refs.Attq)

		if !n.Mask.Has(refs.Tickable) {
			e.MakeTickable(n)
		}
	}
}

// tickRound implements step 5: tick every connection in the tickable
// heap in oldest-ticked-first order, stamping last_ticked with the `+i`
// tiebreaker, and routing each by its returned indicator set.
func (e *Engine) tickRound(now conniface.Micros) {
	i := conniface.Micros(0)

	for {
		n, ok := e.heaps.TickablePopMin()
		if !ok {
			break
		}

		e.decref(n, refs.Tickable)

		if n.Mask.Has(refs.Attq) {
			e.attq.Remove(n)
			e.decref(n, refs.Attq)
		}

		result := n.Conn.Tick(now + i)
		n.LastTicked = now + i
		i++

		switch {
		case result.Indicators.Has(conniface.IndicatorSend):
			if !n.Mask.Has(refs.HasOutgoing) {
				n.Incref(refs.HasOutgoing)
				e.heaps.OutgoingPush(n)
			}
		case result.Indicators.Has(conniface.IndicatorClose):
			e.reg.RemoveAllCIDs(n)

			if n.Mask.Has(refs.Hashed) {
				e.decref(n, refs.Hashed)
			}

			n.Incref(refs.Closing)
			e.closing.PushBack(n)
		default:
			n.Incref(refs.Ticked)
			e.ticked.PushBack(n)
		}
	}
}

// drainClosing implements step 7: decref CLOSING on every transient
// closing-set entry, destroying each connection.
func (e *Engine) drainClosing() {
	for el := e.closing.Front(); el != nil; {
		next := el.Next()
		n := el.Value.(*connstate.Node)
		e.closing.Remove(el)
		e.decref(n, refs.Closing)
		el = next
	}
}

// drainTicked implements step 8: decref TICKED on every transient
// ticked-set entry; re-enqueue tickable connections that still want a
// tick, otherwise schedule their next_tick_time into the ATTQ.
func (e *Engine) drainTicked() {
	for el := e.ticked.Front(); el != nil; {
		next := el.Next()
		n := el.Value.(*connstate.Node)
		e.ticked.Remove(el)
		e.decref(n, refs.Ticked)

		if n.NeverTickable {
			el = next
			continue
		}

		if n.Conn.IsTickable() {
			e.MakeTickable(n)
			el = next

			continue
		}

		tickAt := n.Conn.NextTickTime()
		assert(tickAt != 0, "connection reported not tickable but next_tick_time()==0")

		n.Incref(refs.Attq)
		e.attq.Insert(n, tickAt)

		el = next
	}
}

// SendUnsentPackets runs the Egress Batcher outside the normal
// ProcessConns round, e.g. after the caller observes new outgoing data
// without a tick having fired.
func (e *Engine) SendUnsentPackets(now conniface.Micros) egress.Result {
	e.enter()
	defer e.leave()

	deadline := now + conniface.Micros(e.settings.ProcTimeThreshMicros)

	if !e.canSend || e.heaps.OutgoingLen() == 0 {
		return egress.Result{}
	}

	return e.newBatcher().Run(now, deadline)
}

// HasUnsentPackets reports whether the Outgoing Heap is non-empty.
func (e *Engine) HasUnsentPackets() bool { return e.heaps.OutgoingLen() > 0 }

// EarliestAdvTick reports the microsecond delta to the next action the
// caller should schedule a wakeup for.
func (e *Engine) EarliestAdvTick(now conniface.Micros) (conniface.Micros, bool) {
	if e.heaps.TickableLen() > 0 {
		return 0, true
	}

	if e.heaps.OutgoingLen() > 0 && e.canSend {
		return 0, true
	}

	attqTime, hasATTQ := e.attq.PeekTime()

	switch {
	case hasATTQ && !e.canSend:
		if e.resumeSendingAt < attqTime {
			return max0(e.resumeSendingAt-now), true
		}

		return max0(attqTime-now), true
	case hasATTQ:
		return max0(attqTime - now), true
	case !e.canSend:
		return max0(e.resumeSendingAt-now), true
	default:
		return 0, false
	}
}

func max0(d conniface.Micros) conniface.Micros {
	if d < 0 {
		return 0
	}

	return d
}

// CountAttq reports the number of ATTQ entries due within
// [now, now+fromNow]. O(n) in the ATTQ's size (see
// schedq.ATTQ.CountWithin).
func (e *Engine) CountAttq(now, fromNow conniface.Micros) int {
	return e.attq.CountWithin(now, fromNow)
}

// QuicVersions reports the engine's configured offered-version set.
func (e *Engine) QuicVersions() VersionSet { return e.settings.Versions }

// Reconfigure swaps the subset of Settings that is safe to change
// without touching live connection state: proc_time_thresh,
// pace_packets, and ecn. scid_len, versions, and the flow-control
// watermarks are rejected, since the Registry's key scheme and
// already-negotiated connections would become inconsistent.
func (e *Engine) Reconfigure(next Settings) error {
	e.enter()
	defer e.leave()

	if err := next.Validate(); err != nil {
		return err
	}

	if next.SCIDLen != e.settings.SCIDLen {
		return configError("RECONFIGURE_SCID_LEN", "scid_len cannot change after construction", "old", e.settings.SCIDLen, "new", next.SCIDLen)
	}

	if next.Versions.String() != e.settings.Versions.String() {
		return configError("RECONFIGURE_VERSIONS", "versions cannot change after construction")
	}

	if next.CFCW != e.settings.CFCW || next.SFCW != e.settings.SFCW {
		return configError("RECONFIGURE_WATERMARKS", "cfcw/sfcw cannot change after construction")
	}

	e.settings.ProcTimeThreshMicros = next.ProcTimeThreshMicros
	e.settings.PacePackets = next.PacePackets
	e.settings.ECN = next.ECN

	return nil
}

// Destroy tears down every remaining connection, including ones sitting
// idle in the registry with no queue membership at all. It does not
// take the enter()/leave() re-entrancy guard, since it is only ever
// called once, at shutdown, with no other engine call in flight.
func (e *Engine) Destroy() {
	for e.heaps.TickableLen() > 0 {
		n, _ := e.heaps.TickablePopMin()
		e.decref(n, refs.Tickable)
	}

	for e.heaps.OutgoingLen() > 0 {
		n, _ := e.heaps.OutgoingPopMin()
		e.decref(n, refs.HasOutgoing)
	}

	const maxMicros = conniface.Micros(1<<62 - 1)
	for _, n := range e.attq.PopDueBefore(maxMicros) {
		e.decref(n, refs.Attq)
	}

	e.drainClosing()
	e.drainTicked()

	// Every queue above only reaches connections with current queue
	// membership; a connection that is simply idle (published, neither
	// tickable nor sending) is still live and must still be destroyed.
	for _, n := range e.reg.All() {
		e.reg.RemoveAllCIDs(n)

		if n.Mask.Has(refs.Hashed) {
			e.decref(n, refs.Hashed)
		}
	}
}
