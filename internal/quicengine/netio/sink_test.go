package netio

import (
	"net/netip"
	"testing"

	"github.com/orizon-lang/quicmux/internal/quicengine/conniface"
)

func TestPacketConnSinkSendReceiveRoundTrip(t *testing.T) {
	server, err := ListenPacketConnSink("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacketConnSink(server): %v", err)
	}
	defer server.Close()

	client, err := ListenPacketConnSink("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacketConnSink(client): %v", err)
	}
	defer client.Close()

	dst := mustAddrPort(t, server.LocalAddr().String())

	batch := []conniface.OutPacket{{Buf: []byte("hello"), Peer: dst}}

	n := client.Send(batch, 1)
	if n != 1 {
		t.Fatalf("Send returned %d, want 1", n)
	}

	buf := make([]byte, 64)

	got, _, err := server.ReadDatagram(buf)
	if err != nil {
		t.Fatalf("ReadDatagram: %v", err)
	}

	if string(buf[:got]) != "hello" {
		t.Fatalf("got %q, want %q", buf[:got], "hello")
	}
}

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()

	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("ParseAddrPort(%q): %v", s, err)
	}

	return ap
}

func TestBufferPoolAllocReturnsRequestedSize(t *testing.T) {
	p := NewBufferPool()

	v4 := p.Alloc(nil, nil, 100, false)
	if len(v4) != 100 {
		t.Fatalf("v4 len = %d, want 100", len(v4))
	}

	v6 := p.Alloc(nil, nil, 200, true)
	if len(v6) != 200 {
		t.Fatalf("v6 len = %d, want 200", len(v6))
	}

	p.Release(nil, nil, v4, false)
	p.Release(nil, nil, v6, true)
}

func TestBufferPoolAllocOversizeRequest(t *testing.T) {
	p := NewBufferPool()

	buf := p.Alloc(nil, nil, v4BufSize*2, false)
	if len(buf) != v4BufSize*2 {
		t.Fatalf("len = %d, want %d", len(buf), v4BufSize*2)
	}
}

func TestBufferPoolReleaseNilIsNoop(t *testing.T) {
	p := NewBufferPool()
	p.Release(nil, nil, nil, false) // must not panic
}
