// Package ingress implements the Ingress Dispatcher: selecting a header
// parser, splitting a datagram into its (possibly several) coalesced QUIC
// packets, finding each packet's owning connection, and handing it off.
// Grounded on the dstConnIDForDatagram / handleDatagram /
// handleUnknownDestinationDatagram flow in the retrieval pack's
// golang.org/x/net/internal/quic Endpoint, adapted to a pull model (the
// engine has no listening goroutine of its own; the caller pushes
// datagrams in via Engine.PacketIn).
package ingress

import (
	"errors"
	"net/netip"

	"github.com/orizon-lang/quicmux/internal/quicengine/conniface"
	"github.com/orizon-lang/quicmux/internal/quicengine/connstate"
	"github.com/orizon-lang/quicmux/internal/quicengine/quicstats"
	"github.com/orizon-lang/quicmux/internal/quicengine/refs"
	"github.com/orizon-lang/quicmux/internal/quicengine/registry"
)

// ErrInvalid is returned by PacketIn when a packet's header failed to
// parse, surfaced to the engine as a ProtocolParseError.
var ErrInvalid = errors.New("ingress: malformed packet header")

const statelessResetTokenLen = 16
const minStatelessResetSize = 1 + statelessResetTokenLen + 1

// Hooks lets the dispatcher reach into engine-owned bookkeeping it does
// not itself hold: making a connection tickable. Creating new connections
// is deliberately NOT part of ingress -- "no connection found" is a drop
// outside of stateless reset lookup; server-side accept-on-Initial is a
// protocol-layer concern the core's Connection Interface collaborators
// own, not the dispatcher.
type Hooks interface {
	MakeTickable(n *connstate.Node)
}

// ParserSelector picks the HeaderParser for a datagram: by the owning
// connection's negotiated version in address-keyed mode, or a generic
// version-sniffing parser otherwise.
type ParserSelector interface {
	SelectParser(n *connstate.Node, firstByte byte) (conniface.HeaderParser, bool)
	GenericParser() conniface.HeaderParser
}

// StatelessResetTable looks up a connection by a 16-byte trailing reset
// token when no CID/address match is found.
type StatelessResetTable interface {
	LookupToken(token [statelessResetTokenLen]byte) (*connstate.Node, bool)
}

// Dispatcher implements PacketIn/process_packet_in.
type Dispatcher struct {
	Registry   *registry.Registry
	Parsers    ParserSelector
	ResetTable StatelessResetTable
	Hooks      Hooks
	Counters   *quicstats.Counters
	Logger     quicstats.Logger

	HonorPublicReset bool

	// SCIDLen is the engine's configured source CID length. A short-header
	// (1-RTT) packet's destination CID is not self-describing on the wire,
	// so CID-keyed lookup of a short-header packet needs this to know how
	// many bytes to take.
	SCIDLen int
}

// Datagram is one inbound UDP payload, possibly carrying several
// coalesced QUIC packets.
type Datagram struct {
	Buf     []byte
	Local   netip.AddrPort
	Peer    netip.AddrPort
	PeerCtx any
	ECN     conniface.ECN
	Now     conniface.Micros
}

// PacketIn parses every coalesced packet in dg.Buf and hands each to its
// owning connection. It returns 0 if at least one packet reached a
// connection, 1 if packets were handled but reached no connection, or -1
// (with err set) on a parse failure.
func (d *Dispatcher) PacketIn(dg Datagram) (int, error) {
	buf := dg.Buf
	delivered := 0

	var owner *connstate.Node
	if d.Registry.HashByAddr {
		owner, _ = d.Registry.Lookup(localPort(dg.Local), "")
	}

	for len(buf) > 0 {
		parser, ok := d.selectParser(owner, buf[0])
		if !ok {
			// A malformed header anywhere in the datagram surfaces -1,
			// even if an earlier coalesced packet in the same buffer was
			// already delivered to a connection.
			d.Counters.ParseErrors.Add(1)

			return -1, ErrInvalid
		}

		consumed, ok := parser.ParsePacketInFinish(buf)
		if !ok || consumed <= 0 || consumed > len(buf) {
			d.Counters.ParseErrors.Add(1)

			return -1, ErrInvalid
		}

		pkt := conniface.InPacket{
			Buf:          buf[:consumed],
			ReceivedTime: dg.Now,
			ECN:          dg.ECN,
			Local:        dg.Local,
			Peer:         dg.Peer,
			PeerCtx:      dg.PeerCtx,
		}

		if d.processPacketIn(pkt) {
			delivered++
		}

		buf = buf[consumed:]
	}

	if delivered > 0 {
		return 0, nil
	}

	return 1, nil
}

func (d *Dispatcher) selectParser(owner *connstate.Node, firstByte byte) (conniface.HeaderParser, bool) {
	if d.Registry.HashByAddr {
		if owner == nil {
			return nil, false
		}

		return d.Parsers.SelectParser(owner, firstByte)
	}

	return d.Parsers.GenericParser(), true
}

// processPacketIn looks up, tick-arms, and delivers a single parsed packet.
func (d *Dispatcher) processPacketIn(pkt conniface.InPacket) bool {
	if isLegacyPublicReset(pkt.Buf) && !d.HonorPublicReset {
		d.Counters.PacketsInDropped.Add(1)

		return false
	}

	n, found := d.lookup(pkt)
	if !found {
		if isShortHeaderShape(pkt.Buf) && len(pkt.Buf) >= minStatelessResetSize {
			var token [statelessResetTokenLen]byte
			copy(token[:], pkt.Buf[len(pkt.Buf)-statelessResetTokenLen:])

			if owner, ok := d.ResetTable.LookupToken(token); ok {
				owner.Conn.StatelessReset()
				d.Counters.StatelessResets.Add(1)

				if !owner.Mask.Has(refs.Tickable) {
					d.Hooks.MakeTickable(owner)
				}
			}
		}

		d.Counters.PacketsInDropped.Add(1)

		return false
	}

	if !n.Mask.Has(refs.Tickable) {
		d.Hooks.MakeTickable(n)
	}

	n.Local = pkt.Local
	n.Peer = pkt.Peer

	n.Conn.PacketIn(pkt)
	d.Counters.PacketsInDelivered.Add(1)

	return true
}

func (d *Dispatcher) lookup(pkt conniface.InPacket) (*connstate.Node, bool) {
	cid, _ := sniffDstCID(pkt.Buf, d.SCIDLen)

	return d.Registry.Lookup(localPort(pkt.Local), cid)
}

func localPort(addr netip.AddrPort) [2]byte {
	p := addr.Port()

	return [2]byte{byte(p >> 8), byte(p)}
}

// sniffDstCID extracts the destination CID from a generic long- or
// short-header packet without fully parsing it, purely for registry
// lookup purposes; the real header parse happens in ParsePacketInFinish.
// scidLen is the engine's configured source CID length, needed to carve
// the destination CID out of a short-header packet (see below).
func sniffDstCID(buf []byte, scidLen int) (conniface.CID, bool) {
	if len(buf) < 1 {
		return "", false
	}

	if isLongHeaderShape(buf) {
		if len(buf) < 6 {
			return "", false
		}

		dcidLen := int(buf[5])
		if len(buf) < 6+dcidLen {
			return "", false
		}

		return conniface.CID(buf[6 : 6+dcidLen]), true
	}

	// Short header (RFC 9000 17.3.1): the destination CID immediately
	// follows the 1-byte header and is not self-describing on the wire --
	// a receiver must already know its own configured CID length.
	if scidLen <= 0 || len(buf) < 1+scidLen {
		return "", false
	}

	return conniface.CID(buf[1 : 1+scidLen]), true
}

func isLongHeaderShape(buf []byte) bool {
	return len(buf) > 0 && buf[0]&0x80 != 0
}

// isShortHeaderShape reports whether the first byte's top two bits are
// 01, the IETF short-header form.
func isShortHeaderShape(buf []byte) bool {
	return len(buf) > 0 && buf[0]&0xc0 == 0x40
}

func isLegacyPublicReset(buf []byte) bool {
	return false // no legacy gQUIC public-reset detection wired in this build
}
