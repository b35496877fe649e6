package main

import (
	"net/netip"
	"sync"

	"github.com/orizon-lang/quicmux/internal/quicengine/conniface"
)

// echoConn is the demo's conniface.Connection: no handshake, no
// congestion control, no real encryption. It echoes every inbound
// payload back to the peer it most recently heard from, exercising the
// engine's scheduling and batching without pulling in a real QUIC stack
// (that integration lives in netio.HTTP3DemoServer instead).
type echoConn struct {
	mu sync.Mutex

	cid     conniface.CID
	family  conniface.AddressFamily
	peer    netip.AddrPort
	pending [][]byte
	closed  bool
	version conniface.Version
}

func newEchoConn(cid conniface.CID, version conniface.Version) *echoConn {
	return &echoConn{cid: cid, version: version}
}

func (c *echoConn) Tick(now conniface.Micros) conniface.TickResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) > 0 {
		return conniface.TickResult{Indicators: conniface.IndicatorSend}
	}

	return conniface.TickResult{}
}

func (c *echoConn) NextPacketToSend() (conniface.OutPacket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return conniface.OutPacket{}, false
	}

	buf := c.pending[0]
	c.pending = c.pending[1:]

	return conniface.OutPacket{
		Buf:       buf,
		Peer:      c.peer,
		Conn:      c,
		Encrypted: true,
	}, true
}

func (c *echoConn) PacketSent(conniface.OutPacket)    {}
func (c *echoConn) PacketNotSent(p conniface.OutPacket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = append([][]byte{p.Buf}, c.pending...)
}

func (c *echoConn) PacketIn(p conniface.InPacket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.peer = p.Peer

	payload := stripFrame(p.Buf)
	echoed := frameDatagram(payload)
	c.pending = append(c.pending, echoed)
}

// stripFrame reverses frameDatagram, returning the payload after the
// demo's synthetic long-header-shaped prefix.
func stripFrame(buf []byte) []byte {
	if len(buf) < 6 {
		return nil
	}

	cidLen := int(buf[5])
	if len(buf) < 6+cidLen {
		return nil
	}

	payload := buf[6+cidLen:]
	out := make([]byte, len(payload))
	copy(out, payload)

	return out
}

func (c *echoConn) IsTickable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending) > 0
}

func (c *echoConn) NextTickTime() conniface.Micros { return 0 }

func (c *echoConn) StatelessReset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
}

func (c *echoConn) Destroy() {}

func (c *echoConn) EncryptPacket(p conniface.OutPacket) (conniface.OutPacket, conniface.EncryptOutcome) {
	p.Encrypted = true

	return p, conniface.EncryptOK
}

func (c *echoConn) PrimaryCID() conniface.CID { return c.cid }

func (c *echoConn) PeerAddressFamily() conniface.AddressFamily {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peer.Addr().Is6() && !c.peer.Addr().Is4In6() {
		return conniface.AddressFamilyIPv6
	}

	return conniface.AddressFamilyIPv4
}

func (c *echoConn) NegotiatedVersion() conniface.Version { return c.version }

func (c *echoConn) IsEvanescent() bool { return false }
