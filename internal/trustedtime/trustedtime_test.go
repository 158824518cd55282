package trustedtime

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncvault/internal/canon"
	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/keys"
)

func identity(t *testing.T, b byte) *keys.PrivateIdentity {
	t.Helper()
	var seed [32]byte
	seed[0] = b
	id, err := keys.IdentityFromSeed(seed)
	require.NoError(t, err)
	return id
}

var mailPath = ident.MustPath("alice", ident.MustPlain(ident.KindFolder, "mail"))

func TestSource_NextStrictlyIncreasingOnFrozenClock(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	src := NewSource(identity(t, 1), clock)

	a := src.Next()
	b := src.Next()
	c := src.Next()

	assert.Less(t, string(a), string(b))
	assert.Less(t, string(b), string(c))
}

func TestSource_ConcurrentUnique(t *testing.T) {
	src := NewSource(identity(t, 1), clockwork.NewFakeClock())

	var mu sync.Mutex
	seen := make(map[TimeID]bool)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				id := src.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 400)
}

func TestSource_DiscriminatorBreaksTies(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	a := NewSource(identity(t, 1), clock).Next()
	b := NewSource(identity(t, 2), clock).Next()

	assert.NotEqual(t, a, b)
	ca, err := a.Counter()
	require.NoError(t, err)
	cb, err := b.Counter()
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestSource_Observe(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1, 0))
	local := NewSource(identity(t, 1), clock)
	remoteID := NewSource(identity(t, 2), clockwork.NewFakeClockAt(time.Unix(5000, 0))).Next()

	local.Observe(remoteID)
	next := local.Next()
	nc, err := next.Counter()
	require.NoError(t, err)
	rc, err := remoteID.Counter()
	require.NoError(t, err)
	assert.Greater(t, nc, rc)
}

func TestGenerate_Verify(t *testing.T) {
	signer := identity(t, 1)
	src := NewSource(signer, clockwork.NewFakeClock())

	tt, err := src.Generate(mailPath, canon.FileHash([]byte("hello")))
	require.NoError(t, err)

	assert.True(t, tt.Verify(signer.Public().Signing))
	assert.NoError(t, tt.Check(signer.Public().Signing))
	assert.Equal(t, "alice:/fop1-mail", tt.ParentPath)
}

func TestVerify_RejectsTampering(t *testing.T) {
	signer := identity(t, 1)
	other := identity(t, 2)
	src := NewSource(signer, clockwork.NewFakeClock())
	tt, err := src.Generate(mailPath, canon.FileHash([]byte("hello")))
	require.NoError(t, err)

	changedHash := tt
	changedHash.ContentHash = canon.FileHash([]byte("evil"))
	assert.False(t, changedHash.Verify(signer.Public().Signing))

	changedPath := tt
	changedPath.ParentPath = "alice:/"
	assert.False(t, changedPath.Verify(signer.Public().Signing))

	assert.False(t, tt.Verify(other.Public().Signing))

	err = changedHash.Check(signer.Public().Signing)
	assert.ErrorIs(t, err, failure.ErrUntrusted)

	assert.False(t, TrustedTime{}.Verify(signer.Public().Signing))
}

func TestValue_RoundTrip(t *testing.T) {
	signer := identity(t, 1)
	tt, err := NewSource(signer, clockwork.NewFakeClock()).Generate(mailPath, "abc")
	require.NoError(t, err)

	got, err := FromValue(tt.ToValue())
	require.NoError(t, err)
	assert.Equal(t, tt, got)
	assert.True(t, got.Verify(signer.Public().Signing))

	_, err = FromValue(canon.Int(1))
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	a := TrustedTime{TimeID: "0000000000000001-aaaaaaaa", Signer: "a"}
	b := TrustedTime{TimeID: "0000000000000002-aaaaaaaa", Signer: "a"}
	assert.Negative(t, Compare(a, b))
	assert.Positive(t, Compare(b, a))
	assert.Zero(t, Compare(a, a))
}
