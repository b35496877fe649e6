package quicengine

import (
	"net/netip"
	"testing"

	orizonerrors "github.com/orizon-lang/quicmux/internal/errors"
	"github.com/orizon-lang/quicmux/internal/quicengine/conniface"
	"github.com/orizon-lang/quicmux/internal/quicengine/ingress"
	"github.com/orizon-lang/quicmux/internal/quicengine/quicstats"
	"github.com/orizon-lang/quicmux/internal/quicengine/refs"
	"github.com/orizon-lang/quicmux/internal/quicengine/registry"
)

func baseSettings() Settings {
	vs, _ := ParseVersionConstraint(">=1.0.0,<2.0.0")

	return Settings{
		Versions:             vs,
		SCIDLen:              8,
		CFCW:                 1 << 20,
		SFCW:                 1 << 18,
		IdleTimeoutSeconds:   30,
		ProcTimeThreshMicros: 5000,
		RequireEncryption:    false,
	}
}

type recordingSink struct {
	calls [][]conniface.OutPacket
}

func (s *recordingSink) Send(batch []conniface.OutPacket, n int) int {
	cp := append([]conniface.OutPacket(nil), batch[:n]...)
	s.calls = append(s.calls, cp)

	return n
}

type nopAlloc struct{}

func (nopAlloc) Alloc(any, any, int, bool) []byte { return nil }
func (nopAlloc) Release(any, any, []byte, bool)   {}
func (nopAlloc) Return(any, any, []byte, bool)    {}

type genericParser struct{}

func (genericParser) ParsePacketInFinish(buf []byte) (int, bool) {
	if len(buf) == 0 {
		return 0, false
	}

	return len(buf), true
}

// testConn is a scriptable conniface.Connection for driving the Process
// Loop: its Tick/IsTickable/NextTickTime behavior is set by the test.
type testConn struct {
	cid        conniface.CID
	pending    [][]byte
	indicators conniface.Indicator
	tickable   bool
	nextTick   conniface.Micros
	destroyed  bool
}

func (c *testConn) Tick(conniface.Micros) conniface.TickResult {
	return conniface.TickResult{Indicators: c.indicators}
}

func (c *testConn) NextPacketToSend() (conniface.OutPacket, bool) {
	if len(c.pending) == 0 {
		return conniface.OutPacket{}, false
	}

	buf := c.pending[0]
	c.pending = c.pending[1:]

	return conniface.OutPacket{Buf: buf, Encrypted: true}, true
}

func (c *testConn) PacketSent(conniface.OutPacket) {}
func (c *testConn) PacketNotSent(p conniface.OutPacket) {
	c.pending = append([][]byte{p.Buf}, c.pending...)
}
func (c *testConn) PacketIn(conniface.InPacket) {}
func (c *testConn) IsTickable() bool            { return c.tickable }
func (c *testConn) NextTickTime() conniface.Micros { return c.nextTick }
func (c *testConn) StatelessReset()             {}
func (c *testConn) Destroy()                    { c.destroyed = true }
func (c *testConn) EncryptPacket(p conniface.OutPacket) (conniface.OutPacket, conniface.EncryptOutcome) {
	p.Encrypted = true

	return p, conniface.EncryptOK
}
func (c *testConn) PrimaryCID() conniface.CID                  { return c.cid }
func (c *testConn) PeerAddressFamily() conniface.AddressFamily { return conniface.AddressFamilyIPv4 }
func (c *testConn) NegotiatedVersion() conniface.Version       { return 1 }
func (c *testConn) IsEvanescent() bool                         { return false }

func newTestEngine(t *testing.T, settings Settings) (*Engine, *recordingSink) {
	t.Helper()

	sink := &recordingSink{}

	eng, err := NewEngine(settings, Options{
		Sink:    sink,
		Alloc:   nopAlloc{},
		Parsers: ParserSet{Generic: genericParser{}},
		Clock:   NewManualClock(0),
		Logger:  quicstats.NopLogger{},
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	return eng, sink
}

func TestNewEngineRejectsInvalidSettings(t *testing.T) {
	s := baseSettings()
	s.ProcTimeThreshMicros = 0

	if _, err := NewEngine(s, Options{Sink: &recordingSink{}}); err == nil {
		t.Fatal("expected NewEngine to reject an invalid ProcTimeThreshMicros")
	}
}

func TestNewEngineRequiresSink(t *testing.T) {
	if _, err := NewEngine(baseSettings(), Options{}); err == nil {
		t.Fatal("expected NewEngine to require a DatagramSink")
	}
}

func TestConnectPublishesCIDsAndCountsConnection(t *testing.T) {
	eng, _ := newTestEngine(t, baseSettings())

	conn := &testConn{cid: "c1"}

	n, err := eng.Connect([2]byte{0, 1}, []conniface.CID{"c1"}, func([]conniface.CID) conniface.Connection { return conn })
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if eng.nConns != 1 {
		t.Fatalf("nConns = %d, want 1", eng.nConns)
	}

	if !n.Mask.Has(refs.Hashed) {
		t.Fatal("expected the new node to carry the Hashed flag")
	}
}

func TestConnectDuplicateCIDReturnsError(t *testing.T) {
	eng, _ := newTestEngine(t, baseSettings())

	first := &testConn{cid: "dup"}
	if _, err := eng.Connect([2]byte{0, 1}, []conniface.CID{"dup"}, func([]conniface.CID) conniface.Connection { return first }); err != nil {
		t.Fatalf("first Connect: %v", err)
	}

	second := &testConn{cid: "dup"}
	if _, err := eng.Connect([2]byte{0, 2}, []conniface.CID{"dup"}, func([]conniface.CID) conniface.Connection { return second }); err != registry.ErrDuplicateCID {
		t.Fatalf("expected ErrDuplicateCID, got %v", err)
	}

	if eng.nConns != 1 {
		t.Fatalf("nConns = %d, want 1 (rejected connect must not be counted)", eng.nConns)
	}
}

func TestProcessConnsTicksAndSendsAPacket(t *testing.T) {
	eng, sink := newTestEngine(t, baseSettings())

	conn := &testConn{
		cid:        "sender",
		pending:    [][]byte{[]byte("payload")},
		indicators: conniface.IndicatorSend,
	}

	n, err := eng.Connect([2]byte{0, 1}, []conniface.CID{"sender"}, func([]conniface.CID) conniface.Connection { return conn })
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	eng.MakeTickable(n)
	eng.ProcessConns(1000)

	if len(sink.calls) != 1 || len(sink.calls[0]) != 1 {
		t.Fatalf("expected exactly one flushed batch of one packet, got %v", sink.calls)
	}

	if string(sink.calls[0][0].Buf) != "payload" {
		t.Fatalf("got payload %q", sink.calls[0][0].Buf)
	}

	if eng.counters.DatagramsSent.Load() != 1 {
		t.Fatalf("DatagramsSent = %d, want 1", eng.counters.DatagramsSent.Load())
	}
}

func TestProcessConnsReschedulesIntoATTQWhenNotImmediatelyTickable(t *testing.T) {
	eng, _ := newTestEngine(t, baseSettings())

	conn := &testConn{cid: "waiter", tickable: false, nextTick: 5000}

	n, err := eng.Connect([2]byte{0, 1}, []conniface.CID{"waiter"}, func([]conniface.CID) conniface.Connection { return conn })
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	eng.MakeTickable(n)
	eng.ProcessConns(1000)

	if n.Mask.Has(refs.Tickable) {
		t.Fatal("connection should have left the tickable heap after its tick")
	}

	if !n.Mask.Has(refs.Attq) {
		t.Fatal("a non-tickable connection with a future next_tick_time must be rescheduled into the ATTQ")
	}

	if n.AttqTime != 5000 {
		t.Fatalf("AttqTime = %d, want 5000", n.AttqTime)
	}
}

func TestProcessConnsAssertsNonZeroNextTickTime(t *testing.T) {
	eng, _ := newTestEngine(t, baseSettings())

	conn := &testConn{cid: "broken", tickable: false, nextTick: 0}

	n, err := eng.Connect([2]byte{0, 1}, []conniface.CID{"broken"}, func([]conniface.CID) conniface.Connection { return conn })
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	eng.MakeTickable(n)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a contract-violation panic when IsTickable()==false and NextTickTime()==0")
		}
	}()

	eng.ProcessConns(1000)
}

func TestReentrantCallPanics(t *testing.T) {
	eng, _ := newTestEngine(t, baseSettings())

	eng.processing = true

	defer func() {
		eng.processing = false

		if recover() == nil {
			t.Fatal("expected a panic on re-entrant call while processing")
		}
	}()

	eng.ProcessConns(0)
}

func TestReconfigureAcceptsSafeFieldsRejectsUnsafe(t *testing.T) {
	eng, _ := newTestEngine(t, baseSettings())

	next := baseSettings()
	next.ProcTimeThreshMicros = 9999
	next.PacePackets = true
	next.ECN = true

	if err := eng.Reconfigure(next); err != nil {
		t.Fatalf("Reconfigure of safe fields: %v", err)
	}

	if eng.settings.ProcTimeThreshMicros != 9999 || !eng.settings.PacePackets || !eng.settings.ECN {
		t.Fatal("Reconfigure did not apply the safe field changes")
	}

	badSCID := baseSettings()
	badSCID.SCIDLen = 6
	if err := eng.Reconfigure(badSCID); err == nil {
		t.Fatal("expected Reconfigure to reject a scid_len change")
	}

	badCFCW := baseSettings()
	badCFCW.CFCW = eng.settings.CFCW * 2
	if err := eng.Reconfigure(badCFCW); err == nil {
		t.Fatal("expected Reconfigure to reject a cfcw change")
	}

	badVersions, _ := ParseVersionConstraint(">=2.0.0,<3.0.0")
	withBadVersions := baseSettings()
	withBadVersions.Versions = badVersions
	if err := eng.Reconfigure(withBadVersions); err == nil {
		t.Fatal("expected Reconfigure to reject a versions change")
	}
}

func TestEarliestAdvTickReflectsBackpressure(t *testing.T) {
	eng, _ := newTestEngine(t, baseSettings())

	eng.OnFlushResult(1000, 1, 2) // short write: 1 sent of 2 requested

	if eng.canSend {
		t.Fatal("expected canSend to flip false after a short write")
	}

	d, ok := eng.EarliestAdvTick(1000)
	if !ok {
		t.Fatal("expected EarliestAdvTick to report a wakeup while backpressured")
	}

	if want := eng.resumeSendingAt - 1000; d != want {
		t.Fatalf("EarliestAdvTick = %d, want %d", d, want)
	}
}

func TestEarliestAdvTickNoWorkReportsFalse(t *testing.T) {
	eng, _ := newTestEngine(t, baseSettings())

	if _, ok := eng.EarliestAdvTick(0); ok {
		t.Fatal("a freshly constructed engine with no connections should report no pending wakeup")
	}
}

func TestCountAttqCountsWithinWindow(t *testing.T) {
	eng, _ := newTestEngine(t, baseSettings())

	a := &testConn{cid: "a", tickable: false, nextTick: 100}
	b := &testConn{cid: "b", tickable: false, nextTick: 10_000}

	na, _ := eng.Connect([2]byte{0, 1}, []conniface.CID{"a"}, func([]conniface.CID) conniface.Connection { return a })
	nb, _ := eng.Connect([2]byte{0, 2}, []conniface.CID{"b"}, func([]conniface.CID) conniface.Connection { return b })

	eng.MakeTickable(na)
	eng.MakeTickable(nb)
	eng.ProcessConns(0)

	if got := eng.CountAttq(0, 1000); got != 1 {
		t.Fatalf("CountAttq(0,1000) = %d, want 1 (only connection a due within the window)", got)
	}

	if got := eng.CountAttq(0, 20_000); got != 2 {
		t.Fatalf("CountAttq(0,20000) = %d, want 2", got)
	}
}

func TestDestroyTearsDownConnectionsAcrossAllQueues(t *testing.T) {
	eng, _ := newTestEngine(t, baseSettings())

	tickableConn := &testConn{cid: "t"}
	sendingConn := &testConn{cid: "s", pending: [][]byte{[]byte("x")}}
	waitingConn := &testConn{cid: "w", tickable: false, nextTick: 50}

	nt, _ := eng.Connect([2]byte{0, 1}, []conniface.CID{"t"}, func([]conniface.CID) conniface.Connection { return tickableConn })
	ns, _ := eng.Connect([2]byte{0, 2}, []conniface.CID{"s"}, func([]conniface.CID) conniface.Connection { return sendingConn })
	nw, _ := eng.Connect([2]byte{0, 3}, []conniface.CID{"w"}, func([]conniface.CID) conniface.Connection { return waitingConn })

	eng.MakeTickable(nt)

	ns.Incref(refs.HasOutgoing)
	eng.heaps.Reserve(eng.nConns)
	eng.heaps.OutgoingPush(ns)

	nw.Incref(refs.Attq)
	eng.attq.Insert(nw, 50)

	eng.Destroy()

	if !tickableConn.destroyed || !sendingConn.destroyed || !waitingConn.destroyed {
		t.Fatal("Destroy must invoke Conn.Destroy() for every connection reachable from any queue")
	}
}

func TestPacketInWrapsParseFailureAsProtocolError(t *testing.T) {
	eng, _ := newTestEngine(t, baseSettings())

	// An empty buffer fails genericParser immediately.
	_, err := eng.PacketIn(ingress.Datagram{
		Buf:  nil,
		Peer: netip.MustParseAddrPort("127.0.0.1:1234"),
	})

	if err == nil {
		t.Fatal("expected an error for an empty datagram")
	}

	se, ok := err.(*orizonerrors.StandardError)
	if !ok {
		t.Fatalf("expected *orizonerrors.StandardError, got %T", err)
	}

	if se.Category != orizonerrors.CategoryProtocol {
		t.Fatalf("Category = %v, want CategoryProtocol", se.Category)
	}
}
