package testutil

import (
	"context"
	"sync/atomic"

	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/store"
)

// CountingBacking wraps a backing and counts the records written through
// it. A sync that changes nothing must leave Writes at zero.
type CountingBacking struct {
	store.Backing
	writes  atomic.Int64
	deletes atomic.Int64
}

// NewCountingBacking wraps inner, or a fresh memory backing when nil.
func NewCountingBacking(inner store.Backing) *CountingBacking {
	if inner == nil {
		inner = store.NewMemoryBacking()
	}
	return &CountingBacking{Backing: inner}
}

// Update counts every Save and DeleteDescendants fn performs.
func (c *CountingBacking) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	return c.Backing.Update(ctx, func(tx store.Tx) error {
		return fn(countingTx{Tx: tx, c: c})
	})
}

// Writes returns the number of records saved.
func (c *CountingBacking) Writes() int64 { return c.writes.Load() }

// Deletes returns the number of subtree deletions.
func (c *CountingBacking) Deletes() int64 { return c.deletes.Load() }

// Reset zeroes both counters.
func (c *CountingBacking) Reset() {
	c.writes.Store(0)
	c.deletes.Store(0)
}

type countingTx struct {
	store.Tx
	c *CountingBacking
}

func (t countingTx) Save(ctx context.Context, p ident.Path, rec store.Record) error {
	t.c.writes.Add(1)
	return t.Tx.Save(ctx, p, rec)
}

func (t countingTx) DeleteDescendants(ctx context.Context, p ident.Path) error {
	t.c.deletes.Add(1)
	return t.Tx.DeleteDescendants(ctx, p)
}
