//go:build linux

package netio

import (
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

func ptrTo(sa *unix.RawSockaddrInet6) unsafe.Pointer { return unsafe.Pointer(sa) }

// sockaddrFromAddrPort fills a RawSockaddrInet6 that also covers IPv4
// (via the v4-in-v6 mapping) so one struct shape serves both families in
// the Mmsghdr batch.
func sockaddrFromAddrPort(ap netip.AddrPort) unix.RawSockaddrInet6 {
	var sa unix.RawSockaddrInet6

	sa.Family = unix.AF_INET6
	sa.Port = htons(ap.Port())

	addr16 := ap.Addr().As16()
	sa.Addr = addr16

	return sa
}

func addrPortFromSockaddr(sa unix.RawSockaddrInet6) netip.AddrPort {
	addr := netip.AddrFrom16(sa.Addr).Unmap()

	return netip.AddrPortFrom(addr, ntohs(sa.Port))
}

func htons(p uint16) uint16 { return (p << 8) | (p >> 8) }
func ntohs(p uint16) uint16 { return (p << 8) | (p >> 8) }
