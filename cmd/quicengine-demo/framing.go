package main

// The demo does not speak real QUIC wire format; it needs only enough of
// a long-header shape for ingress.sniffDstCID to recover a destination
// CID so Engine.PacketIn can route a datagram to the right connstate.Node.
// Frame layout: [0]=0x80 (long-header bit), [1:5]=reserved,
// [5]=len(CID), [6:6+len]=CID, rest=payload. The demo uses one fixed CID
// (demoCID) and therefore supports one active peer connection at a time;
// a real server would assign a fresh CID per connection during its own
// handshake instead.
var demoCID = []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

func frameDatagram(payload []byte) []byte {
	out := make([]byte, 6+len(demoCID)+len(payload))
	out[0] = 0x80
	out[5] = byte(len(demoCID))
	copy(out[6:], demoCID)
	copy(out[6+len(demoCID):], payload)

	return out
}
