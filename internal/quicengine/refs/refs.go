// Package refs implements the engine's substitute for generalized
// reference counting: a six-flag membership mask recording which of the
// engine's queues currently hold a connection. A connection is alive iff
// its mask is non-empty; the flag scheme turns a multi-queue ownership
// problem into six disjoint, trivially auditable bits.
package refs

import "fmt"

// Flag is a single queue-membership bit.
type Flag uint8

const (
	// Hashed means the connection is published into the Connection Registry.
	Hashed Flag = 1 << iota
	// HasOutgoing means the connection is in the Outgoing Heap.
	HasOutgoing
	// Tickable means the connection is in the Tickable Heap.
	Tickable
	// Ticked means the connection is in the transient per-round ticked set.
	Ticked
	// Closing means the connection is in the transient per-round closing set.
	Closing
	// Attq means the connection has a pending entry in the ATTQ.
	Attq

	allFlags = Hashed | HasOutgoing | Tickable | Ticked | Closing | Attq
)

func (f Flag) String() string {
	switch f {
	case Hashed:
		return "HASHED"
	case HasOutgoing:
		return "HAS_OUTGOING"
	case Tickable:
		return "TICKABLE"
	case Ticked:
		return "TICKED"
	case Closing:
		return "CLOSING"
	case Attq:
		return "ATTQ"
	default:
		return fmt.Sprintf("Flag(%#x)", uint8(f))
	}
}

// Mask is the set of flags currently held for one connection.
type Mask uint8

// Has reports whether flag is set.
func (m Mask) Has(flag Flag) bool { return m&Mask(flag) != 0 }

// Empty reports whether no flag is set, i.e. the connection has no more
// references and must be destroyed.
func (m Mask) Empty() bool { return m == 0 }

// Popcount returns the number of flags set, used by property-test audits
// to cross-check per-queue membership against the mask.
func (m Mask) Popcount() int {
	n := 0

	for f := Mask(1); f != 0 && f <= Mask(allFlags); f <<= 1 {
		if m&f != 0 {
			n++
		}
	}

	return n
}

func (m Mask) String() string {
	if m == 0 {
		return "(none)"
	}

	s := ""

	for _, f := range []Flag{Hashed, HasOutgoing, Tickable, Ticked, Closing, Attq} {
		if m.Has(f) {
			if s != "" {
				s += "|"
			}

			s += f.String()
		}
	}

	return s
}

// Incref sets flag on *m. It panics if flag was already set: double-insert
// into the same queue is a contract violation, not a recoverable error.
func Incref(m *Mask, flag Flag) {
	if m.Has(flag) {
		panic(fmt.Sprintf("refs: double incref of %s on mask %s", flag, *m))
	}

	*m |= Mask(flag)
}

// Decref clears flag on *m, reporting whether the mask is now empty (and
// the connection must be destroyed). It panics if flag was not set.
func Decref(m *Mask, flag Flag) (empty bool) {
	if !m.Has(flag) {
		panic(fmt.Sprintf("refs: decref of unset %s on mask %s", flag, *m))
	}

	*m &^= Mask(flag)

	return m.Empty()
}
