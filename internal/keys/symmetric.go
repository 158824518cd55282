package keys

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of a SymmetricKey.
const KeySize = chacha20poly1305.KeySize

// SymmetricKey is a content encryption key.
type SymmetricKey [KeySize]byte

// NewSymmetricKey draws a random key from r (crypto/rand when nil).
func NewSymmetricKey(r io.Reader) (SymmetricKey, error) {
	if r == nil {
		r = rand.Reader
	}
	var k SymmetricKey
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return SymmetricKey{}, fmt.Errorf("new symmetric key: %w", err)
	}
	return k, nil
}

// SymmetricKeyFromBytes copies b into a key.
func SymmetricKeyFromBytes(b []byte) (SymmetricKey, error) {
	var k SymmetricKey
	if len(b) != KeySize {
		return k, fmt.Errorf("symmetric key: want %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// Fingerprint is a short, non-secret label for logs.
func (k SymmetricKey) Fingerprint() string {
	sum := hashBytes(k[:])
	return hex.EncodeToString(sum[:4])
}

// ErrDecrypt is returned when ciphertext fails authentication.
var ErrDecrypt = errors.New("decrypt: message authentication failed")

// Encrypt seals plaintext with XChaCha20-Poly1305. The random nonce is
// prepended to the result; aad is authenticated but not stored.
func Encrypt(key SymmetricKey, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("encrypt: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Decrypt reverses Encrypt. It returns ErrDecrypt for a wrong key, wrong
// aad, or modified ciphertext.
func Decrypt(key SymmetricKey, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecrypt
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	out, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return out, nil
}
