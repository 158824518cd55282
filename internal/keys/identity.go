package keys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// MemberID identifies a member across devices. It is derived from the
// member's signing public key, so it cannot be claimed without the key.
type MemberID string

// String implements fmt.Stringer.
func (m MemberID) String() string {
	return string(m)
}

// MemberIDFor derives the MemberID for a signing public key.
func MemberIDFor(signing ed25519.PublicKey) MemberID {
	sum := sha256.Sum256(signing)
	return MemberID(hex.EncodeToString(sum[:16]))
}

// PublicIdentity is what other members need to verify and encrypt for a member.
type PublicIdentity struct {
	Signing ed25519.PublicKey
	Box     [32]byte
}

// MemberID returns the id derived from the signing key.
func (p PublicIdentity) MemberID() MemberID {
	return MemberIDFor(p.Signing)
}

// Equal reports whether both keys match.
func (p PublicIdentity) Equal(other PublicIdentity) bool {
	return p.Signing.Equal(other.Signing) && p.Box == other.Box
}

const publicPrefix = "svpub1:"

// Encode renders the public identity as a single token.
func (p PublicIdentity) Encode() string {
	raw := make([]byte, 0, ed25519.PublicKeySize+32)
	raw = append(raw, p.Signing...)
	raw = append(raw, p.Box[:]...)
	return publicPrefix + base64.RawURLEncoding.EncodeToString(raw)
}

// ParsePublicIdentity reverses PublicIdentity.Encode.
func ParsePublicIdentity(s string) (PublicIdentity, error) {
	body, ok := strings.CutPrefix(s, publicPrefix)
	if !ok {
		return PublicIdentity{}, fmt.Errorf("public identity: missing %q prefix", publicPrefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return PublicIdentity{}, fmt.Errorf("public identity: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize+32 {
		return PublicIdentity{}, fmt.Errorf("public identity: want %d bytes, got %d", ed25519.PublicKeySize+32, len(raw))
	}
	var p PublicIdentity
	p.Signing = ed25519.PublicKey(bytes.Clone(raw[:ed25519.PublicKeySize]))
	copy(p.Box[:], raw[ed25519.PublicKeySize:])
	return p, nil
}

// PrivateIdentity holds a member's secret keys.
type PrivateIdentity struct {
	seed    [32]byte
	signing ed25519.PrivateKey
	boxPriv [32]byte
	public  PublicIdentity
}

// GenerateIdentity creates a fresh identity from r (crypto/rand when nil).
func GenerateIdentity(r io.Reader) (*PrivateIdentity, error) {
	if r == nil {
		r = rand.Reader
	}
	var seed [32]byte
	if _, err := io.ReadFull(r, seed[:]); err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return IdentityFromSeed(seed)
}

// IdentityFromSeed derives both key pairs from one 32-byte seed.
func IdentityFromSeed(seed [32]byte) (*PrivateIdentity, error) {
	id := &PrivateIdentity{seed: seed}
	id.signing = ed25519.NewKeyFromSeed(seed[:])

	h := sha256.New()
	h.Write([]byte("syncvault/box-key/v1"))
	h.Write([]byte{0x00})
	h.Write(seed[:])
	copy(id.boxPriv[:], h.Sum(nil))

	boxPub, err := curve25519.X25519(id.boxPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive box key: %w", err)
	}
	id.public.Signing = id.signing.Public().(ed25519.PublicKey)
	copy(id.public.Box[:], boxPub)
	return id, nil
}

// Public returns the shareable half.
func (id *PrivateIdentity) Public() PublicIdentity {
	return id.public
}

// MemberID returns the identity's member id.
func (id *PrivateIdentity) MemberID() MemberID {
	return id.public.MemberID()
}

// Sign signs msg with the identity's ed25519 key.
func (id *PrivateIdentity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.signing, msg)
}

// Seed exports the identity seed, the only secret needed to rebuild it.
func (id *PrivateIdentity) Seed() [32]byte {
	return id.seed
}

// Verify checks an ed25519 signature. Malformed keys never verify.
func Verify(signer ed25519.PublicKey, msg, sig []byte) bool {
	if len(signer) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(signer, msg, sig)
}

// SealEnvelope encrypts secret so only the holder of recipient's box key
// can open it. The sender is anonymous.
func SealEnvelope(recipient PublicIdentity, secret []byte) ([]byte, error) {
	out, err := box.SealAnonymous(nil, secret, &recipient.Box, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal envelope: %w", err)
	}
	return out, nil
}

// OpenEnvelope decrypts an envelope addressed to id. ok is false when the
// envelope was sealed for someone else or was tampered with.
func OpenEnvelope(id *PrivateIdentity, envelope []byte) (secret []byte, ok bool) {
	return box.OpenAnonymous(nil, envelope, &id.public.Box, &id.boxPriv)
}
