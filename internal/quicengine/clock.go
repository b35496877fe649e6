package quicengine

import (
	"time"

	"github.com/orizon-lang/quicmux/internal/quicengine/conniface"
)

// Clock supplies the monotonic microsecond timestamps the engine uses
// for ordering and deadlines. Grounded on the endpointTestHooks.timeNow
// pattern in the retrieval pack's golang.org/x/net/internal/quic Endpoint.
type Clock interface {
	NowMicros() conniface.Micros
}

// RealClock reads the real monotonic clock, diffed against the time the
// clock was created (so values stay in a comfortable int64 microsecond
// range rather than overflowing against the Unix epoch).
type RealClock struct {
	epoch time.Time
}

// NewRealClock returns a RealClock epoched at construction time.
func NewRealClock() *RealClock { return &RealClock{epoch: time.Now()} }

func (c *RealClock) NowMicros() conniface.Micros {
	return conniface.Micros(time.Since(c.epoch).Microseconds())
}

// ManualClock is a fake clock for deterministic scenario tests: the
// caller advances it explicitly between assertions.
type ManualClock struct {
	now conniface.Micros
}

func NewManualClock(start conniface.Micros) *ManualClock { return &ManualClock{now: start} }

func (c *ManualClock) NowMicros() conniface.Micros { return c.now }

func (c *ManualClock) Advance(d conniface.Micros) { c.now += d }

func (c *ManualClock) Set(t conniface.Micros) { c.now = t }
