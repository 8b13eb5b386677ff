// Package membership keeps the set of peers a node knows about.
//
// Changes take effect immediately and only on the local node. There is no joint consensus: two nodes can disagree
// about the cluster until an operator applies the same change to both.
package membership

import "slices"

// Registry is an insertion ordered set of peer addresses. It is not safe for concurrent use.
type Registry struct {
	peers []string
}

// NewRegistry returns a registry seeded with peers. Duplicates are dropped.
func NewRegistry(peers ...string) *Registry {
	r := &Registry{}
	for _, p := range peers {
		r.Add(p)
	}
	return r
}

// Add inserts addr and reports whether it was absent
func (r *Registry) Add(addr string) bool {
	if r.Contains(addr) {
		return false
	}
	r.peers = append(r.peers, addr)
	return true
}

// Remove deletes addr and reports whether it was present
func (r *Registry) Remove(addr string) bool {
	i := slices.Index(r.peers, addr)
	if i < 0 {
		return false
	}
	r.peers = slices.Delete(r.peers, i, i+1)
	return true
}

func (r *Registry) Contains(addr string) bool {
	return slices.Contains(r.peers, addr)
}

// List returns the peers in insertion order
func (r *Registry) List() []string {
	return slices.Clone(r.peers)
}

func (r *Registry) Len() int {
	return len(r.peers)
}
