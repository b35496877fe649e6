package quicengine

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	orizonerrors "github.com/orizon-lang/quicmux/internal/errors"
)

// VersionSet replaces a bare "bitmask of offered QUIC versions" with a
// semver-range-checked set: draft/final QUIC version bookkeeping is
// expressed as a semver constraint instead of a raw bitmask, and a
// concrete version is "offered" iff it satisfies the constraint.
type VersionSet struct {
	constraint *semver.Constraints
	raw        string
}

// ParseVersionConstraint parses a semver-style range, e.g. ">=1.0.0,<2.0.0".
func ParseVersionConstraint(expr string) (VersionSet, error) {
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return VersionSet{}, fmt.Errorf("quicengine: invalid version constraint %q: %w", expr, err)
	}

	return VersionSet{constraint: c, raw: expr}, nil
}

// Offers reports whether the given QUIC version (encoded as a semver
// MAJOR.0.0, e.g. version 1 -> "1.0.0") is within the set.
func (v VersionSet) Offers(version uint32) bool {
	if v.constraint == nil {
		return false
	}

	sv, err := semver.NewVersion(fmt.Sprintf("%d.0.0", version))
	if err != nil {
		return false
	}

	return v.constraint.Check(sv)
}

func (v VersionSet) String() string { return v.raw }

// Settings is the engine's configuration. After construction only the
// fields Engine.Reconfigure accepts (ProcTimeThreshMicros, PacePackets,
// ECN) can change.
type Settings struct {
	// Versions is the set of QUIC versions this engine offers.
	Versions VersionSet

	// SCIDLen is the source CID length; 0 is legal only for a client,
	// otherwise must be in [4, 18].
	SCIDLen int
	IsClient bool

	// CFCW/SFCW are the connection/stream flow-control windows.
	CFCW int
	SFCW int

	// IdleTimeoutSeconds must be <= 600.
	IdleTimeoutSeconds int

	// ProcTimeThreshMicros bounds one process_conns/egress round.
	ProcTimeThreshMicros int64

	SupportTCID0 bool
	HonorPRST    bool
	PacePackets  bool
	ECN          bool

	InitMaxStreamsUni  int
	InitMaxStreamsBidi int
	H3Placeholders     int

	// H3PriorityTreeCapacity bounds InitMaxStreamsUni + InitMaxStreamsBidi
	// + H3Placeholders.
	H3PriorityTreeCapacity int

	// RequireEncryption controls whether the egress batcher demands
	// EncryptPacket before sending; false only for plaintext test/demo
	// Connection implementations.
	RequireEncryption bool

	// ForceTCID0 offers a forced-TCID0 version, one of the three
	// hash-by-address triggers.
	ForceTCID0        bool
	LegacyHeaderWithT bool // legacy-header version combined with TCID0 support
}

// HashByAddress reports whether this configuration keys connections by
// local address instead of by connection ID.
func (s Settings) HashByAddress() bool {
	return s.ForceTCID0 || s.LegacyHeaderWithT || s.SCIDLen == 0
}

// Validate checks field ranges and invariants, returning a
// ConfigurationError (never panicking: construction-time validation is
// reported to the caller, not asserted).
func (s Settings) Validate() error {
	if s.SCIDLen != 0 {
		if s.SCIDLen < 4 || s.SCIDLen > 18 {
			return configError("INVALID_SCID_LEN", "scid_len must be 0 (client only) or in [4, 18]", "scid_len", s.SCIDLen)
		}
	} else if !s.IsClient {
		return configError("ZERO_SCID_SERVER", "scid_len 0 is only legal for a client", "scid_len", s.SCIDLen)
	}

	if s.IdleTimeoutSeconds <= 0 || s.IdleTimeoutSeconds > 600 {
		return configError("INVALID_IDLE_TIMEOUT", "idle_timeout must be in (0, 600] seconds", "idle_timeout", s.IdleTimeoutSeconds)
	}

	if s.ProcTimeThreshMicros <= 0 {
		return configError("INVALID_PROC_TIME_THRESH", "proc_time_thresh must be positive", "proc_time_thresh", s.ProcTimeThreshMicros)
	}

	if s.CFCW < minFlowControlWindow {
		return configError("INVALID_CFCW", "cfcw below minimum flow-control window", "cfcw", s.CFCW)
	}

	if s.SFCW < minFlowControlWindow {
		return configError("INVALID_SFCW", "sfcw below minimum flow-control window", "sfcw", s.SFCW)
	}

	used := s.InitMaxStreamsUni + s.InitMaxStreamsBidi + s.H3Placeholders
	if s.H3PriorityTreeCapacity > 0 && used > s.H3PriorityTreeCapacity {
		return configError("H3_PRIORITY_CAPACITY_EXCEEDED",
			"init_max_streams_uni + init_max_streams_bidi + h3_placeholders exceeds HTTP/3 priority-tree capacity",
			"used", used, "capacity", s.H3PriorityTreeCapacity)
	}

	return nil
}

const minFlowControlWindow = 1024

func configError(code, msg string, kv ...interface{}) *orizonerrors.StandardError {
	ctx := map[string]interface{}{}

	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			ctx[k] = kv[i+1]
		}
	}

	return orizonerrors.NewStandardError(orizonerrors.CategoryValidation, code, msg, ctx)
}
