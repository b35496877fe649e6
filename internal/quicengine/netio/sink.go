// Package netio adapts a real UDP socket into the conniface.DatagramSink
// and inbound-datagram source the engine core consumes, plus a packet
// buffer allocator. The portable path is a simple net.UDPConn wrapper;
// the Linux batched path (mmsg_linux.go / mmsg_addr_linux.go) follows
// the same GOOS-suffixed file-split convention as the rest of this
// module's platform-specific code.
package netio

import (
	"net"
	"net/netip"
	"sync"

	"github.com/orizon-lang/quicmux/internal/quicengine/conniface"
)

// PacketConnSink is the portable conniface.DatagramSink: one
// WriteToUDPAddrPort syscall per packet. Works on every GOOS; the Linux
// build additionally offers MmsgSink for batched I/O.
type PacketConnSink struct {
	conn *net.UDPConn
}

// NewPacketConnSink wraps an already-bound *net.UDPConn.
func NewPacketConnSink(conn *net.UDPConn) *PacketConnSink {
	return &PacketConnSink{conn: conn}
}

// ListenPacketConnSink binds addr ("udp", "host:port") and returns a sink
// reading/writing through it.
func ListenPacketConnSink(addr string) (*PacketConnSink, error) {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", a)
	if err != nil {
		return nil, err
	}

	return NewPacketConnSink(conn), nil
}

// Send implements conniface.DatagramSink: it writes batch[:n] one at a
// time, stopping at the first write error and reporting how many
// succeeded (a short write signals backpressure to the caller).
func (s *PacketConnSink) Send(batch []conniface.OutPacket, n int) int {
	sent := 0

	for i := 0; i < n && i < len(batch); i++ {
		p := batch[i]

		_, err := s.conn.WriteToUDPAddrPort(p.Buf, p.Peer)
		if err != nil {
			break
		}

		sent++
	}

	return sent
}

func (s *PacketConnSink) Close() error { return s.conn.Close() }

func (s *PacketConnSink) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// ReadDatagram blocks for the next inbound UDP payload, filling buf.
// Returns the number of bytes read and the peer's address.
func (s *PacketConnSink) ReadDatagram(buf []byte) (int, netip.AddrPort, error) {
	n, peer, err := s.conn.ReadFromUDPAddrPort(buf)

	return n, peer, err
}

// BufferPool is a conniface.PacketAllocator backed by two sync.Pools
// (v4/v6-sized buffers), for pool-based reuse instead of per-packet
// garbage.
type BufferPool struct {
	v4 sync.Pool
	v6 sync.Pool
}

const (
	v4BufSize = 1350
	v6BufSize = 1500
)

// NewBufferPool returns a ready-to-use pool.
func NewBufferPool() *BufferPool {
	p := &BufferPool{}
	p.v4.New = func() any { return make([]byte, v4BufSize) }
	p.v6.New = func() any { return make([]byte, v6BufSize) }

	return p
}

func (p *BufferPool) pool(isIPv6 bool) *sync.Pool {
	if isIPv6 {
		return &p.v6
	}

	return &p.v4
}

func (p *BufferPool) Alloc(_ any, _ any, size int, isIPv6 bool) []byte {
	buf := p.pool(isIPv6).Get().([]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}

	return buf[:size]
}

func (p *BufferPool) Release(_ any, _ any, buf []byte, isIPv6 bool) {
	if buf == nil {
		return
	}

	p.pool(isIPv6).Put(buf[:cap(buf)]) //nolint:staticcheck // reuse full capacity
}

func (p *BufferPool) Return(ctx any, peerCtx any, buf []byte, isIPv6 bool) {
	p.Release(ctx, peerCtx, buf, isIPv6)
}
