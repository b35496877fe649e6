// Package registry implements the engine's Connection Registry: the
// mapping from connection IDs, or from a local address's port bytes in
// legacy/zero-length-CID mode, to the owning connection. Grounded on the
// byConnID/byResetToken map pair in golang.org/x/net/internal/quic's
// Endpoint (connsMap), adapted to the engine's single-threaded,
// flag-based ownership model instead of that package's mutex-guarded
// update queue (the engine has no concurrent listen loop to synchronize
// against).
package registry

import (
	"errors"

	"github.com/orizon-lang/quicmux/internal/quicengine/conniface"
	"github.com/orizon-lang/quicmux/internal/quicengine/connstate"
)

// ErrDuplicatePort is returned by InsertAllCIDs in address-keyed mode
// when a second connection would occupy an already-bound local port.
var ErrDuplicatePort = errors.New("registry: cannot have more than one connection on the same port")

// ErrDuplicateCID is returned when a CID is already published by another
// connection; the caller's insert is rolled back atomically.
var ErrDuplicateCID = errors.New("registry: connection ID already registered")

// Registry maps routing keys to connections. HashByAddr selects the
// keying scheme for every connection registered through it: CID bytes
// (default) or the 2-byte local port (legacy/zero-length-CID mode).
type Registry struct {
	HashByAddr bool

	byCID  map[conniface.CID]*connstate.Node
	byPort map[[2]byte]*connstate.Node
}

// New returns an empty registry keyed per hashByAddr.
func New(hashByAddr bool) *Registry {
	return &Registry{
		HashByAddr: hashByAddr,
		byCID:      make(map[conniface.CID]*connstate.Node),
		byPort:     make(map[[2]byte]*connstate.Node),
	}
}

// InsertAllCIDs publishes every one of n's CID entries (or its local
// port, in address-keyed mode) into the registry. On any conflict, every
// entry already inserted by this call is rolled back and an error is
// returned; the caller must not set refs.Hashed unless this returns nil.
func (r *Registry) InsertAllCIDs(n *connstate.Node) error {
	if r.HashByAddr {
		if _, exists := r.byPort[n.LocalPort]; exists {
			return ErrDuplicatePort
		}

		r.byPort[n.LocalPort] = n
		n.HashedByAddr = true

		return nil
	}

	inserted := make([]conniface.CID, 0, len(n.CIDs))

	for i := range n.CIDs {
		cid := n.CIDs[i].CID
		if _, exists := r.byCID[cid]; exists {
			for _, done := range inserted {
				delete(r.byCID, done)
			}

			return ErrDuplicateCID
		}

		r.byCID[cid] = n
		n.CIDs[i].Published = true
		inserted = append(inserted, cid)
	}

	return nil
}

// RemoveAllCIDs unpublishes every entry of n from the registry.
func (r *Registry) RemoveAllCIDs(n *connstate.Node) {
	if n.HashedByAddr {
		if cur, ok := r.byPort[n.LocalPort]; ok && cur == n {
			delete(r.byPort, n.LocalPort)
		}

		n.HashedByAddr = false

		return
	}

	for i := range n.CIDs {
		if !n.CIDs[i].Published {
			continue
		}

		cid := n.CIDs[i].CID
		if cur, ok := r.byCID[cid]; ok && cur == n {
			delete(r.byCID, cid)
		}

		n.CIDs[i].Published = false
	}
}

// InsertCID publishes a single additional CID entry for an already
// hashed, CID-keyed connection (engine.AddCID).
func (r *Registry) InsertCID(n *connstate.Node, idx int) error {
	if r.HashByAddr {
		return nil // address-keyed connections have no individual CIDs to publish
	}

	cid := n.CIDs[idx].CID
	if _, exists := r.byCID[cid]; exists {
		return ErrDuplicateCID
	}

	r.byCID[cid] = n
	n.CIDs[idx].Published = true

	return nil
}

// RetireCID unpublishes a single CID entry (engine.RetireCID).
func (r *Registry) RetireCID(n *connstate.Node, idx int) {
	if r.HashByAddr || !n.CIDs[idx].Published {
		return
	}

	cid := n.CIDs[idx].CID
	if cur, ok := r.byCID[cid]; ok && cur == n {
		delete(r.byCID, cid)
	}

	n.CIDs[idx].Published = false
}

// All returns every distinct connection currently published in the
// registry, deduplicated across its (possibly several) CID entries. Used
// by the engine at shutdown to reach connections that are otherwise idle
// -- published but not currently sitting in any scheduling queue.
func (r *Registry) All() []*connstate.Node {
	seen := make(map[*connstate.Node]struct{})

	if r.HashByAddr {
		for _, n := range r.byPort {
			seen[n] = struct{}{}
		}
	} else {
		for _, n := range r.byCID {
			seen[n] = struct{}{}
		}
	}

	all := make([]*connstate.Node, 0, len(seen))
	for n := range seen {
		all = append(all, n)
	}

	return all
}

// Lookup finds the connection owning key. In address-keyed mode, the
// caller must also supply the CID parsed off the wire (may be empty);
// lookup additionally verifies the recovered connection's primary CID
// matches, returning ok=false on mismatch (spec 4.1 invariant ii).
func (r *Registry) Lookup(localPort [2]byte, parsedCID conniface.CID) (*connstate.Node, bool) {
	if r.HashByAddr {
		n, ok := r.byPort[localPort]
		if !ok {
			return nil, false
		}

		if n.Conn.PrimaryCID() != parsedCID {
			return nil, false
		}

		return n, true
	}

	n, ok := r.byCID[parsedCID]

	return n, ok
}
