package keys

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T, b byte) *PrivateIdentity {
	t.Helper()
	var seed [32]byte
	seed[0] = b
	id, err := IdentityFromSeed(seed)
	require.NoError(t, err)
	return id
}

func TestIdentityFromSeed_Deterministic(t *testing.T) {
	a := seeded(t, 1)
	b := seeded(t, 1)
	c := seeded(t, 2)

	assert.True(t, a.Public().Equal(b.Public()))
	assert.Equal(t, a.MemberID(), b.MemberID())
	assert.NotEqual(t, a.MemberID(), c.MemberID())
	assert.Len(t, a.MemberID().String(), 32)
}

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity(bytes.NewReader(bytes.Repeat([]byte{7}, 32)))
	require.NoError(t, err)

	var seed [32]byte
	copy(seed[:], bytes.Repeat([]byte{7}, 32))
	again, err := IdentityFromSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, id.MemberID(), again.MemberID())

	_, err = GenerateIdentity(bytes.NewReader([]byte{1}))
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	id := seeded(t, 1)
	msg := []byte("payload")
	sig := id.Sign(msg)

	assert.True(t, Verify(id.Public().Signing, msg, sig))
	assert.False(t, Verify(id.Public().Signing, []byte("other"), sig))
	assert.False(t, Verify(seeded(t, 2).Public().Signing, msg, sig))
	assert.False(t, Verify(nil, msg, sig))
}

func TestPublicIdentity_EncodeParse(t *testing.T) {
	pub := seeded(t, 3).Public()
	got, err := ParsePublicIdentity(pub.Encode())
	require.NoError(t, err)
	assert.True(t, pub.Equal(got))

	_, err = ParsePublicIdentity("nope")
	assert.Error(t, err)
	_, err = ParsePublicIdentity(publicPrefix + "AAAA")
	assert.Error(t, err)
}

func TestEnvelope(t *testing.T) {
	alice := seeded(t, 1)
	bob := seeded(t, 2)
	secret := []byte("shared-secret-0123456789abcdef!!")

	env, err := SealEnvelope(alice.Public(), secret)
	require.NoError(t, err)

	got, ok := OpenEnvelope(alice, env)
	require.True(t, ok)
	assert.Equal(t, secret, got)

	_, ok = OpenEnvelope(bob, env)
	assert.False(t, ok)
}

func TestEncryptDecrypt(t *testing.T) {
	key, err := NewSymmetricKey(nil)
	require.NoError(t, err)

	ct, err := Encrypt(key, []byte("hello"), []byte("aad"))
	require.NoError(t, err)

	pt, err := Decrypt(key, ct, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)

	_, err = Decrypt(key, ct, []byte("other"))
	assert.ErrorIs(t, err, ErrDecrypt)

	other, err := NewSymmetricKey(nil)
	require.NoError(t, err)
	_, err = Decrypt(other, ct, []byte("aad"))
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = Decrypt(key, ct[:5], nil)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestSymmetricKeyFromBytes(t *testing.T) {
	_, err := SymmetricKeyFromBytes([]byte{1, 2})
	assert.Error(t, err)

	k, err := SymmetricKeyFromBytes(make([]byte, KeySize))
	require.NoError(t, err)
	assert.Len(t, k.Fingerprint(), 8)
}

var cheap = CredentialParams{Time: 1, MemoryKiB: 64, Threads: 1}

func TestCredential_WrapUnwrap(t *testing.T) {
	id := seeded(t, 9)
	blob, err := WrapCredential([]byte("hunter2"), id, cheap)
	require.NoError(t, err)

	got, err := UnwrapCredential([]byte("hunter2"), blob)
	require.NoError(t, err)
	assert.Equal(t, id.MemberID(), got.MemberID())

	_, err = UnwrapCredential([]byte("wrong"), blob)
	assert.ErrorIs(t, err, ErrBadPassword)

	_, err = UnwrapCredential([]byte("hunter2"), []byte("junk"))
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	a := seeded(t, 1)
	b := seeded(t, 2)
	r := NewRegistry(a)
	r.Add(b)

	got, ok := r.Get(a.MemberID())
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Len(t, r.Identities(), 2)

	r.Remove(a.MemberID())
	_, ok = r.Get(a.MemberID())
	assert.False(t, ok)
}
