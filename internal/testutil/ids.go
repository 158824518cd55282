package testutil

import (
	"fmt"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncvault/internal/keys"
	"github.com/roach88/syncvault/internal/trustedtime"
)

// SequentialIDGenerator produces UUID-shaped bodies
// 00000000-0000-7000-8000-000000000001, ...000002 and so on, so
// time-ordered ids are stable across runs.
//
// Thread-safety: safe for concurrent use.
type SequentialIDGenerator struct {
	mu sync.Mutex
	n  uint64
}

// Generate returns the next id body.
func (g *SequentialIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("00000000-0000-7000-8000-%012x", g.n)
}

// Identity returns the identity derived from a seed whose first byte is n.
// The same n always yields the same keys and member id.
func Identity(t testing.TB, n byte) *keys.PrivateIdentity {
	t.Helper()
	var seed [32]byte
	seed[0] = n
	id, err := keys.IdentityFromSeed(seed)
	require.NoError(t, err)
	return id
}

// Source returns a trusted-time source for Identity(n) on clock. A nil
// clock gets a fresh NewFakeClock.
func Source(t testing.TB, n byte, clock clockwork.Clock) *trustedtime.Source {
	t.Helper()
	if clock == nil {
		clock = NewFakeClock()
	}
	return trustedtime.NewSource(Identity(t, n), clock)
}
