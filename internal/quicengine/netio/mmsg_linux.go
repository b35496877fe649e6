//go:build linux

package netio

import (
	"net"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/quicmux/internal/quicengine/conniface"
)

// MmsgSink is the Linux-only batched realization of conniface.DatagramSink,
// using unix.Sendmmsg to hand the kernel the whole batch in one syscall --
// the natural fit for the Egress Batcher's "batch of datagrams" contract.
// Falls back to nothing: construction fails on non-Linux (file is
// build-tagged out), callers use PacketConnSink instead.
type MmsgSink struct {
	fd int
}

// NewMmsgSink wraps the raw file descriptor of an already-bound UDP
// socket (obtained via conn.SyscallConn()).
func NewMmsgSink(conn *net.UDPConn) (*MmsgSink, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var fd int

	ctrlErr := raw.Control(func(d uintptr) { fd = int(d) })
	if ctrlErr != nil {
		return nil, ctrlErr
	}

	return &MmsgSink{fd: fd}, nil
}

// Send implements conniface.DatagramSink via one Sendmmsg call for up to
// n packets; a partial kernel send is reported back as backpressure,
// exactly as the portable PacketConnSink reports a partial per-packet
// loop.
func (s *MmsgSink) Send(batch []conniface.OutPacket, n int) int {
	if n > len(batch) {
		n = len(batch)
	}

	if n == 0 {
		return 0
	}

	msgs := make([]unix.Mmsghdr, n)
	iovs := make([]unix.Iovec, n)
	addrs := make([]unix.RawSockaddrInet6, n)

	for i := 0; i < n; i++ {
		p := batch[i]
		iovs[i].Base = &p.Buf[0]
		iovs[i].SetLen(len(p.Buf))

		sa := sockaddrFromAddrPort(p.Peer)
		addrs[i] = sa

		msgs[i].Hdr.Iov = &iovs[i]
		msgs[i].Hdr.Iovlen = 1
		msgs[i].Hdr.Name = (*byte)(ptrTo(&addrs[i]))
		msgs[i].Hdr.Namelen = uint32(unix.SizeofSockaddrInet6)
	}

	sent, err := unix.Sendmmsg(s.fd, msgs, 0)
	if err != nil && sent == 0 {
		return 0
	}

	return sent
}

// ReadBatch fills bufs[i] with the i'th datagram received in one
// Recvmmsg call, returning the number of datagrams read and each one's
// peer address.
func (s *MmsgSink) ReadBatch(bufs [][]byte) (int, []netip.AddrPort, error) {
	n := len(bufs)
	msgs := make([]unix.Mmsghdr, n)
	iovs := make([]unix.Iovec, n)
	addrs := make([]unix.RawSockaddrInet6, n)

	for i := 0; i < n; i++ {
		iovs[i].Base = &bufs[i][0]
		iovs[i].SetLen(len(bufs[i]))
		msgs[i].Hdr.Iov = &iovs[i]
		msgs[i].Hdr.Iovlen = 1
		msgs[i].Hdr.Name = (*byte)(ptrTo(&addrs[i]))
		msgs[i].Hdr.Namelen = uint32(unix.SizeofSockaddrInet6)
	}

	got, err := unix.Recvmmsg(s.fd, msgs, 0, nil)
	if err != nil {
		return 0, nil, err
	}

	peers := make([]netip.AddrPort, got)

	for i := 0; i < got; i++ {
		peers[i] = addrPortFromSockaddr(addrs[i])
	}

	return got, peers, nil
}
