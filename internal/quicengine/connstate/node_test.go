package connstate

import (
	"testing"

	"github.com/orizon-lang/quicmux/internal/quicengine/conniface"
	"github.com/orizon-lang/quicmux/internal/quicengine/refs"
)

// fakeConn is the minimal conniface.Connection needed to construct a Node;
// behavior is exercised in the engine's own tests, not here.
type fakeConn struct{}

func (fakeConn) Tick(conniface.Micros) conniface.TickResult { return conniface.TickResult{} }
func (fakeConn) NextPacketToSend() (conniface.OutPacket, bool) {
	return conniface.OutPacket{}, false
}
func (fakeConn) PacketSent(conniface.OutPacket)                {}
func (fakeConn) PacketNotSent(conniface.OutPacket)              {}
func (fakeConn) PacketIn(conniface.InPacket)                    {}
func (fakeConn) IsTickable() bool                               { return false }
func (fakeConn) NextTickTime() conniface.Micros                 { return 0 }
func (fakeConn) StatelessReset()                                {}
func (fakeConn) Destroy()                                       {}
func (fakeConn) EncryptPacket(p conniface.OutPacket) (conniface.OutPacket, conniface.EncryptOutcome) {
	return p, conniface.EncryptOK
}
func (fakeConn) PrimaryCID() conniface.CID                       { return "c" }
func (fakeConn) PeerAddressFamily() conniface.AddressFamily      { return conniface.AddressFamilyIPv4 }
func (fakeConn) NegotiatedVersion() conniface.Version            { return 1 }
func (fakeConn) IsEvanescent() bool                              { return false }

func TestNewNodeHeapIndicesStartEmpty(t *testing.T) {
	n := NewNode(fakeConn{})

	if n.TickableIdx != notInHeap || n.OutgoingIdx != notInHeap || n.AttqIdx != notInHeap {
		t.Fatalf("new node should not be in any heap, got tickable=%d outgoing=%d attq=%d",
			n.TickableIdx, n.OutgoingIdx, n.AttqIdx)
	}

	if !n.Mask.Empty() {
		t.Fatal("new node should have an empty mask")
	}
}

func TestNodeIncrefDecref(t *testing.T) {
	n := NewNode(fakeConn{})

	n.Incref(refs.Hashed)
	n.Incref(refs.Tickable)

	if n.Decref(refs.Hashed) {
		t.Fatal("mask should not be empty, Tickable still held")
	}

	if !n.Decref(refs.Tickable) {
		t.Fatal("mask should be empty after dropping last flag")
	}
}
