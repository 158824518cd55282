package keys

import (
	"cmp"
	"slices"
	"sync"
)

// Registry holds the identities unlocked for one session.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	ids map[MemberID]*PrivateIdentity
}

// NewRegistry returns an empty registry.
func NewRegistry(ids ...*PrivateIdentity) *Registry {
	r := &Registry{ids: make(map[MemberID]*PrivateIdentity, len(ids))}
	for _, id := range ids {
		r.Add(id)
	}
	return r
}

// Add stores id under its MemberID, replacing any previous entry.
func (r *Registry) Add(id *PrivateIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[id.MemberID()] = id
}

// Get returns the identity for m.
func (r *Registry) Get(m MemberID) (*PrivateIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[m]
	return id, ok
}

// Remove forgets m.
func (r *Registry) Remove(m MemberID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ids, m)
}

// Identities returns all identities ordered by MemberID.
func (r *Registry) Identities() []*PrivateIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PrivateIdentity, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b *PrivateIdentity) int {
		return cmp.Compare(a.MemberID(), b.MemberID())
	})
	return out
}
