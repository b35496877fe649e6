// Package conniface defines the contracts the engine core consumes from
// its collaborators: per-connection state machines, the datagram sink,
// the packet-buffer allocator, and the header parser. The core never
// implements these itself; it only calls through them.
package conniface

import (
	"net/netip"
)

// Micros is a monotonic microsecond counter. It is not wall-clock time:
// callers stamp it from a single clock source and the engine uses it only
// for ordering and deadline comparisons.
type Micros int64

// Version identifies a QUIC wire version.
type Version uint32

// AddressFamily distinguishes IPv4 from IPv6 peers, needed by the egress
// path to detect a peer address family change on a packet that was
// already encrypted (spec: re-encryption on family change).
type AddressFamily uint8

const (
	AddressFamilyIPv4 AddressFamily = iota
	AddressFamilyIPv6
)

// CID is an opaque, variable-length connection identifier (4-18 bytes, or
// zero-length in legacy address-keyed mode).
type CID string

// ECN is the 2-bit ECN codepoint carried by a datagram.
type ECN uint8

const (
	ECNNotECT ECN = iota
	ECNECT1
	ECNECT0
	ECNCE
)

// Indicator is the bitset a Tick returns: what the engine should do with
// the connection this round.
type Indicator uint8

const (
	// IndicatorSend means the connection has packets ready; push it onto
	// the outgoing heap.
	IndicatorSend Indicator = 1 << iota
	// IndicatorClose means the connection is closing; divert it to the
	// transient closing set and remove it from the registry.
	IndicatorClose
)

func (i Indicator) Has(flag Indicator) bool { return i&flag != 0 }

// TickResult is returned by Connection.Tick.
type TickResult struct {
	Indicators Indicator
}

// EncryptOutcome is the result of Connection.EncryptPacket.
type EncryptOutcome uint8

const (
	EncryptOK EncryptOutcome = iota
	EncryptNoMem
	EncryptBadCrypt
)

// OutPacket is a packet ready to leave the engine: a buffer, its
// destination, and enough bookkeeping for the egress batcher to hand it
// back to the owning connection once its fate (sent or not) is known.
type OutPacket struct {
	Buf       []byte
	ECN       ECN
	PeerCtx   any
	Local     netip.AddrPort
	Peer      netip.AddrPort
	Conn      Connection
	Handle    any // opaque, round-trips through PacketSent/PacketNotSent
	Encrypted bool
	SentTime  Micros
}

// InPacket is a single parsed packet carved out of an inbound datagram,
// before being handed to the owning connection. It is a non-owning view
// over the original buffer until the connection retains it.
type InPacket struct {
	Buf          []byte
	ReceivedTime Micros
	ECN          ECN
	Local        netip.AddrPort
	Peer         netip.AddrPort
	PeerCtx      any
}

// Connection is the uniform interface the core drives every connection
// through. Implementations own the handshake, streams, ACK logic,
// congestion control, and encryption; the core only sequences calls.
type Connection interface {
	// Tick advances the connection's internal state machine and reports
	// what the engine should do next.
	Tick(now Micros) TickResult

	// NextPacketToSend returns the next packet ready to leave, if any.
	NextPacketToSend() (OutPacket, bool)
	// PacketSent is called once a packet has actually left via the sink.
	PacketSent(p OutPacket)
	// PacketNotSent returns a packet the engine could not place in a
	// batch (NOMEM unwind, short sink write) back to the connection.
	PacketNotSent(p OutPacket)

	// PacketIn delivers an inbound packet to the connection.
	PacketIn(p InPacket)

	// IsTickable reports whether the connection still wants to be ticked
	// in the next process loop iteration.
	IsTickable() bool
	// NextTickTime reports the microsecond time the connection next
	// wants to be ticked, or 0 if it has none (and is not tickable).
	NextTickTime() Micros

	// StatelessReset is invoked when a stateless reset token addressed
	// to this connection is recognized on an unroutable datagram.
	StatelessReset()

	// Destroy releases any resources held by the connection. Called
	// exactly once, when the connection's last reference is dropped.
	Destroy()

	// EncryptPacket encrypts an outgoing packet in place (or by
	// allocating a new buffer), returning the updated packet and outcome.
	EncryptPacket(p OutPacket) (OutPacket, EncryptOutcome)

	// PrimaryCID returns the connection's primary (first-published) CID.
	PrimaryCID() CID
	// PeerAddressFamily reports the address family of the peer currently
	// on file for this connection.
	PeerAddressFamily() AddressFamily
	// NegotiatedVersion reports the QUIC version this connection settled
	// on (0 before negotiation completes).
	NegotiatedVersion() Version

	// IsEvanescent reports whether this is a short-lived, mid-handshake
	// connection that the egress round-robin should not reactivate the
	// way it would a normal connection (see GLOSSARY).
	IsEvanescent() bool
}

// DatagramSink is supplied by the caller at engine construction. Send
// hands the sink a batch of up to n datagrams; it must return the number
// actually sent. Negative is treated as an error (zero sent); less than n
// is backpressure; n is a full drain.
type DatagramSink interface {
	Send(batch []OutPacket, n int) int
}

// PacketAllocator manages the lifetime of encrypted packet buffers.
type PacketAllocator interface {
	Alloc(ctx any, peerCtx any, size int, isIPv6 bool) []byte
	Release(ctx any, peerCtx any, buf []byte, isIPv6 bool)
	// Return is used when re-encryption forces release of a buffer that
	// was never sent (as opposed to one that was sent and is now done).
	Return(ctx any, peerCtx any, buf []byte, isIPv6 bool)
}

// HeaderParser parses a single packet header out of the front of a
// datagram buffer, returning the number of bytes that packet occupies.
// ok is false on a malformed header.
type HeaderParser interface {
	ParsePacketInFinish(buf []byte) (consumed int, ok bool)
}
