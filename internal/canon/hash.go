package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
)

// Domain prefixes for content-addressed identity.
// The version suffix enables future algorithm migration.
const (
	DomainFile        = "syncvault/file/v1"
	DomainContainer   = "syncvault/container/v1"
	DomainTombstone   = "syncvault/tombstone/v1"
	DomainTrustedTime = "syncvault/trusted-time/v1"
	DomainACLOp       = "syncvault/acl-op/v1"
)

// Hash is a hex-encoded SHA-256 digest.
type Hash string

// String implements fmt.Stringer.
func (h Hash) String() string {
	return string(h)
}

// Short returns the first 12 hex digits, for logs.
func (h Hash) Short() string {
	if len(h) < 12 {
		return string(h)
	}
	return string(h[:12])
}

// Valid reports whether h looks like a SHA-256 hex digest.
func (h Hash) Valid() bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(string(h))
	return err == nil
}

// HashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) Hash {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// FileHash is the content hash of a file's raw bytes.
func FileHash(data []byte) Hash {
	return HashWithDomain(DomainFile, data)
}

// TombstoneHash stands in for a deleted child inside its parent's hash, so a
// deletion changes every ancestor hash exactly like a content change does.
func TombstoneHash(id string) Hash {
	return HashWithDomain(DomainTombstone, []byte(id))
}

// ChildHash is one (child id, child hash) pair of a container.
type ChildHash struct {
	ID   string
	Hash Hash
}

// ContainerHash computes a folder or bundle hash from its direct children.
// Entries are sorted by id first, so insertion order never matters.
// Returns error if two entries share an id.
func ContainerHash(entries []ChildHash) (Hash, error) {
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b ChildHash) int {
		return bytes.Compare([]byte(a.ID), []byte(b.ID))
	})

	pairs := make(Array, len(sorted))
	for i, e := range sorted {
		if i > 0 && sorted[i-1].ID == e.ID {
			return "", fmt.Errorf("ContainerHash: duplicate child id %q", e.ID)
		}
		pairs[i] = Array{String(e.ID), String(e.Hash)}
	}

	data, err := MarshalCanonical(pairs)
	if err != nil {
		return "", fmt.Errorf("ContainerHash: failed to marshal: %w", err)
	}
	return HashWithDomain(DomainContainer, data), nil
}

// ObjectHash hashes the canonical encoding of obj under domain.
func ObjectHash(domain string, obj Object) (Hash, error) {
	data, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ObjectHash: failed to marshal: %w", err)
	}
	return HashWithDomain(domain, data), nil
}
