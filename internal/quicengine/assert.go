package quicengine

import "fmt"

// assert panics on a contract violation: re-entrant calls, double
// inserts, or a ticked connection reporting a zero next-tick-time while
// not otherwise tickable. These are bugs in a collaborator, not runtime
// errors the engine can recover from.
func assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("quicengine: contract violation: "+format, args...))
	}
}
