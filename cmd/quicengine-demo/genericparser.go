package main

// genericParser treats an entire inbound datagram as a single packet, no
// coalescing, no real QUIC header parsing -- sufficient for the echo
// demo, where the wire format is whatever the two demo endpoints agree
// on rather than real QUIC framing.
type genericParser struct{}

func (genericParser) ParsePacketInFinish(buf []byte) (int, bool) {
	if len(buf) == 0 {
		return 0, false
	}

	return len(buf), true
}
