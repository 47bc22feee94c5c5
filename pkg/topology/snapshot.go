// Package topology defines the desired-peer-set snapshots that drive the
// transport and the interface through which they are consumed from the
// registry collaborator.
package topology

import (
	"sort"

	"github.com/blockberries/meshberry/pkg/identity"
)

// Snapshot is an immutable mapping of node identity to endpoint describing
// who this node should be connected to right now. Snapshots carry full
// replacement semantics: each new snapshot supersedes the prior one
// entirely, partial updates are never merged.
type Snapshot struct {
	version   uint64
	endpoints map[identity.NodeID]identity.Endpoint
}

// NewSnapshot builds a snapshot from the given endpoints. The input slice is
// copied; later mutation of it does not affect the snapshot. Endpoints with
// duplicate identities keep the last occurrence.
func NewSnapshot(version uint64, endpoints []identity.Endpoint) Snapshot {
	m := make(map[identity.NodeID]identity.Endpoint, len(endpoints))
	for _, ep := range endpoints {
		m[ep.ID] = ep
	}
	return Snapshot{version: version, endpoints: m}
}

// Version returns the snapshot's version. Versions are informational; the
// transport treats whatever snapshot arrived last as authoritative.
func (s Snapshot) Version() uint64 { return s.version }

// Len returns the number of peers in the snapshot.
func (s Snapshot) Len() int { return len(s.endpoints) }

// Contains reports whether the identity is present in the snapshot.
func (s Snapshot) Contains(id identity.NodeID) bool {
	_, ok := s.endpoints[id]
	return ok
}

// Endpoint returns the endpoint for the identity, if present.
func (s Snapshot) Endpoint(id identity.NodeID) (identity.Endpoint, bool) {
	ep, ok := s.endpoints[id]
	return ep, ok
}

// IDs returns the identities in the snapshot in sorted order.
func (s Snapshot) IDs() []identity.NodeID {
	ids := make([]identity.NodeID, 0, len(s.endpoints))
	for id := range s.endpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Endpoints returns a copy of the snapshot's endpoints in identity order.
func (s Snapshot) Endpoints() []identity.Endpoint {
	eps := make([]identity.Endpoint, 0, len(s.endpoints))
	for _, id := range s.IDs() {
		eps = append(eps, s.endpoints[id])
	}
	return eps
}

// Equal reports whether two snapshots describe the same peer set with the
// same addresses. Versions are not compared.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s.endpoints) != len(other.endpoints) {
		return false
	}
	for id, ep := range s.endpoints {
		o, ok := other.endpoints[id]
		if !ok || o.Addr != ep.Addr {
			return false
		}
	}
	return true
}

// Changes describes the difference between two consecutive snapshots.
// An identity whose address changed appears in Changed only; the reconciler
// treats it as removed-then-added.
type Changes struct {
	Added   []identity.Endpoint
	Removed []identity.NodeID
	Changed []identity.Endpoint
}

// Empty reports whether the diff contains no changes.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// Diff computes the changes needed to move from prev to next. Results are in
// deterministic (sorted identity) order so that reconciliation of the same
// pair of snapshots is reproducible.
func Diff(prev, next Snapshot) Changes {
	var c Changes
	for _, id := range next.IDs() {
		ep := next.endpoints[id]
		old, ok := prev.endpoints[id]
		switch {
		case !ok:
			c.Added = append(c.Added, ep)
		case old.Addr != ep.Addr:
			c.Changed = append(c.Changed, ep)
		}
	}
	for _, id := range prev.IDs() {
		if _, ok := next.endpoints[id]; !ok {
			c.Removed = append(c.Removed, id)
		}
	}
	return c
}
