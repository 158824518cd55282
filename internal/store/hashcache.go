package store

import (
	"strings"
	"sync"

	"github.com/roach88/syncvault/internal/canon"
)

// HashCache memoises derived hashes by key.
//
// Each key carries a generation that Invalidate bumps. GetOrCompute only
// stores a computed value if the key's generation did not change while it
// was computing, so a value derived from pre-mutation state is never cached
// after the mutation's invalidation.
//
// Thread-safety: safe for concurrent use.
type HashCache struct {
	mu      sync.Mutex
	entries map[string]canon.Hash
	gens    map[string]uint64
}

// NewHashCache returns an empty cache.
func NewHashCache() *HashCache {
	return &HashCache{
		entries: make(map[string]canon.Hash),
		gens:    make(map[string]uint64),
	}
}

// Peek returns the cached value without computing.
func (c *HashCache) Peek(key string) (canon.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.entries[key]
	return h, ok
}

// GetOrCompute returns the cached hash for key or computes and caches it.
// Errors are returned and never cached.
func (c *HashCache) GetOrCompute(key string, compute func() (canon.Hash, error)) (canon.Hash, error) {
	c.mu.Lock()
	if h, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return h, nil
	}
	// Registering the key lets InvalidatePrefix reach computations still in
	// flight.
	gen, ok := c.gens[key]
	if !ok {
		c.gens[key] = 0
	}
	c.mu.Unlock()

	h, err := compute()
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.gens[key] == gen {
		c.entries[key] = h
	}
	c.mu.Unlock()
	return h, nil
}

// Invalidate drops the given keys.
func (c *HashCache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
		c.gens[k]++
	}
}

// InvalidatePrefix drops every key that starts with prefix, including keys
// whose hash is being computed.
func (c *HashCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.gens {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			c.gens[k]++
		}
	}
}

// Len returns the number of cached hashes.
func (c *HashCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
