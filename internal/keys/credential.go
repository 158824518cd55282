package keys

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// CredentialParams are the argon2id cost parameters for WrapCredential.
type CredentialParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultCredentialParams follows the argon2id interactive recommendation.
var DefaultCredentialParams = CredentialParams{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}

var credentialMagic = []byte("svc1")

const (
	saltSize         = 16
	credentialHeader = 4 + 4 + 4 + 1 + saltSize
)

// ErrBadPassword is returned by UnwrapCredential when the blob does not
// open with the given password.
var ErrBadPassword = errors.New("credential: wrong password or corrupted blob")

// WrapCredential encrypts the identity seed under a key stretched from
// password. The blob is safe to hand to an untrusted credential store.
func WrapCredential(password []byte, id *PrivateIdentity, params CredentialParams) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("wrap credential: %w", err)
	}

	header := make([]byte, 0, credentialHeader)
	header = append(header, credentialMagic...)
	header = binary.BigEndian.AppendUint32(header, params.Time)
	header = binary.BigEndian.AppendUint32(header, params.MemoryKiB)
	header = append(header, params.Threads)
	header = append(header, salt...)

	key := stretch(password, salt, params)
	seed := id.Seed()
	sealed, err := Encrypt(key, seed[:], header)
	if err != nil {
		return nil, fmt.Errorf("wrap credential: %w", err)
	}
	return append(header, sealed...), nil
}

// UnwrapCredential reverses WrapCredential.
func UnwrapCredential(password, blob []byte) (*PrivateIdentity, error) {
	if len(blob) < credentialHeader || !bytes.Equal(blob[:4], credentialMagic) {
		return nil, fmt.Errorf("unwrap credential: unrecognised blob")
	}
	params := CredentialParams{
		Time:      binary.BigEndian.Uint32(blob[4:8]),
		MemoryKiB: binary.BigEndian.Uint32(blob[8:12]),
		Threads:   blob[12],
	}
	header := blob[:credentialHeader]
	salt := header[13:]

	seedBytes, err := Decrypt(stretch(password, salt, params), blob[credentialHeader:], header)
	if err != nil {
		return nil, ErrBadPassword
	}
	var seed [32]byte
	if len(seedBytes) != len(seed) {
		return nil, ErrBadPassword
	}
	copy(seed[:], seedBytes)
	return IdentityFromSeed(seed)
}

func stretch(password, salt []byte, params CredentialParams) SymmetricKey {
	var k SymmetricKey
	copy(k[:], argon2.IDKey(password, salt, params.Time, params.MemoryKiB, params.Threads, KeySize))
	return k
}

func hashBytes(b []byte) [32]byte {
	return sha256.Sum256(b)
}
