package store

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/syncvault/internal/ident"
)

// Reader is the read half of a Backing.
type Reader interface {
	// Load returns the record at p. ok is false when nothing, not even a
	// tombstone, is stored there.
	Load(ctx context.Context, p ident.Path) (rec Record, ok bool, err error)
	// Children lists the direct children of p sorted by id, tombstones
	// included.
	Children(ctx context.Context, p ident.Path) ([]Child, error)
}

// Tx is the view of a Backing inside Update.
type Tx interface {
	Reader
	Save(ctx context.Context, p ident.Path, rec Record) error
	// DeleteDescendants drops every record strictly below p.
	DeleteDescendants(ctx context.Context, p ident.Path) error
}

// Backing persists records for a Store.
type Backing interface {
	Reader
	// Update runs fn as one critical section. Durable backings commit fn's
	// writes atomically when it returns nil.
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// MemoryBacking keeps records in maps. The zero value is not usable; call
// NewMemoryBacking.
//
// Thread-safety: safe for concurrent use.
type MemoryBacking struct {
	mu       sync.RWMutex
	records  map[string]Record
	children map[string]map[ident.SyncableID]bool
}

// NewMemoryBacking returns an empty in-memory backing.
func NewMemoryBacking() *MemoryBacking {
	return &MemoryBacking{
		records:  make(map[string]Record),
		children: make(map[string]map[ident.SyncableID]bool),
	}
}

func (m *MemoryBacking) Load(ctx context.Context, p ident.Path) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memTx{m}.Load(ctx, p)
}

func (m *MemoryBacking) Children(ctx context.Context, p ident.Path) ([]Child, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memTx{m}.Children(ctx, p)
}

func (m *MemoryBacking) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(memTx{m})
}

func (m *MemoryBacking) Close() error {
	return nil
}

// Len returns the number of stored records, tombstones included.
func (m *MemoryBacking) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// memTx accesses the maps directly; the caller holds the lock.
type memTx struct {
	m *MemoryBacking
}

func (t memTx) Load(_ context.Context, p ident.Path) (Record, bool, error) {
	rec, ok := t.m.records[p.String()]
	if !ok {
		return Record{}, false, nil
	}
	return rec.clone(), true, nil
}

func (t memTx) Children(_ context.Context, p ident.Path) ([]Child, error) {
	ids := t.m.children[p.String()]
	out := make([]Child, 0, len(ids))
	for id, deleted := range ids {
		out = append(out, Child{ID: id, Deleted: deleted})
	}
	slices.SortFunc(out, func(a, b Child) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out, nil
}

func (t memTx) Save(_ context.Context, p ident.Path, rec Record) error {
	t.m.records[p.String()] = rec.clone()
	parent, ok := p.Parent()
	if !ok {
		return nil
	}
	id, _ := p.Last()
	key := parent.String()
	if t.m.children[key] == nil {
		t.m.children[key] = make(map[ident.SyncableID]bool)
	}
	t.m.children[key][id] = rec.Deleted
	return nil
}

func (t memTx) DeleteDescendants(_ context.Context, p ident.Path) error {
	prefix := p.String() + "/"
	for key := range t.m.records {
		if strings.HasPrefix(key, prefix) {
			delete(t.m.records, key)
		}
	}
	for key := range t.m.children {
		if strings.HasPrefix(key, prefix) {
			delete(t.m.children, key)
		}
	}
	delete(t.m.children, p.String())
	return nil
}
