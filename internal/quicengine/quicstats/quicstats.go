// Package quicstats holds the engine's logging facade and counters. It
// is the thin seam the core writes through so a caller can swap in a
// real metrics/log sink without the core depending on one. The default
// Logger is plain fmt-based and timestamped, no third-party logging
// library (see DESIGN.md for why).
package quicstats

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// Logger is the minimal logging surface the engine writes through.
type Logger interface {
	Logf(format string, args ...any)
}

// StderrLogger is the default Logger, timestamped plain-text to stderr.
type StderrLogger struct{ Verbose bool }

func (l *StderrLogger) Logf(format string, args ...any) {
	if l == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "[%s] quicengine: %s\n", time.Now().Format("15:04:05.000"), fmt.Sprintf(format, args...))
}

// NopLogger discards everything; useful for tests and benchmark paths.
type NopLogger struct{}

func (NopLogger) Logf(string, ...any) {}

// Counters are the atomic counters the engine maintains across its
// lifetime, exposed so scenario tests can assert on outcomes without the
// core owning a full metrics pipeline.
type Counters struct {
	PacketsInDelivered  atomic.Uint64
	PacketsInDropped    atomic.Uint64
	ParseErrors         atomic.Uint64
	BatchesFlushed      atomic.Uint64
	DatagramsSent       atomic.Uint64
	DatagramsShortWrite atomic.Uint64
	BackpressureEvents  atomic.Uint64
	ConnectionsClosed   atomic.Uint64
	ConnectionsBadCrypt atomic.Uint64
	StatelessResets     atomic.Uint64
}
