// Package trustedtime issues signed logical timestamps that bind a moment
// to a parent path and a content hash.
//
// A TimeID is "<16 hex counter>-<8 hex discriminator>". The counter starts
// from the source clock's unix nanoseconds but never repeats or goes
// backwards, and the discriminator comes from the signer's member id, so
// TimeIDs from different devices are totally ordered by plain string
// comparison without any clock agreement.
package trustedtime

import (
	"cmp"
	"crypto/ed25519"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/syncvault/internal/canon"
	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/keys"
)

// TimeID is a sortable, unique logical timestamp.
type TimeID string

// Counter returns the numeric part of the id.
func (t TimeID) Counter() (uint64, error) {
	counter, _, ok := strings.Cut(string(t), "-")
	if !ok || len(counter) != 16 {
		return 0, fmt.Errorf("time id %q: malformed", string(t))
	}
	return strconv.ParseUint(counter, 16, 64)
}

// TrustedTime is a TimeID signed together with the path and content it
// stamps.
type TrustedTime struct {
	TimeID      TimeID        `json:"time_id"`
	Signer      keys.MemberID `json:"signer"`
	ParentPath  string        `json:"parent_path"`
	ContentHash canon.Hash    `json:"content_hash"`
	Signature   []byte        `json:"signature"`
}

// IsZero reports whether t was never issued.
func (t TrustedTime) IsZero() bool {
	return t.TimeID == ""
}

// Digest is the domain-separated hash the signature covers.
func (t TrustedTime) Digest() (canon.Hash, error) {
	return canon.ObjectHash(canon.DomainTrustedTime, canon.Object{
		"time_id":      canon.String(t.TimeID),
		"signer":       canon.String(t.Signer),
		"parent_path":  canon.String(t.ParentPath),
		"content_hash": canon.String(t.ContentHash),
	})
}

// Verify reports whether t was signed by signer. The signer key must also
// match the member id recorded in t.
func (t TrustedTime) Verify(signer ed25519.PublicKey) bool {
	if t.IsZero() || keys.MemberIDFor(signer) != t.Signer {
		return false
	}
	digest, err := t.Digest()
	if err != nil {
		return false
	}
	return keys.Verify(signer, []byte(digest), t.Signature)
}

// Check is Verify as an error: an Untrusted failure when verification fails.
func (t TrustedTime) Check(signer ed25519.PublicKey) error {
	if !t.Verify(signer) {
		return failure.New(failure.KindUntrusted, "trustedtime.Check", t.ParentPath)
	}
	return nil
}

// Compare orders two trusted times by TimeID, then by signer.
func Compare(a, b TrustedTime) int {
	if c := cmp.Compare(a.TimeID, b.TimeID); c != 0 {
		return c
	}
	return cmp.Compare(a.Signer, b.Signer)
}

// ToValue encodes t for embedding in canonical documents.
func (t TrustedTime) ToValue() canon.Object {
	return canon.Object{
		"time_id":      canon.String(t.TimeID),
		"signer":       canon.String(t.Signer),
		"parent_path":  canon.String(t.ParentPath),
		"content_hash": canon.String(t.ContentHash),
		"signature":    canon.Bytes(t.Signature),
	}
}

// FromValue reverses ToValue.
func FromValue(v canon.Value) (TrustedTime, error) {
	obj, ok := v.(canon.Object)
	if !ok {
		return TrustedTime{}, fmt.Errorf("trusted time: expected object, got %T", v)
	}
	var t TrustedTime
	fields := map[string]*string{
		"time_id":      (*string)(&t.TimeID),
		"signer":       (*string)(&t.Signer),
		"parent_path":  &t.ParentPath,
		"content_hash": (*string)(&t.ContentHash),
	}
	for name, dst := range fields {
		s, ok := obj[name].(canon.String)
		if !ok {
			return TrustedTime{}, fmt.Errorf("trusted time: field %q missing or not a string", name)
		}
		*dst = string(s)
	}
	sig, err := canon.DecodeBytes(obj["signature"])
	if err != nil {
		return TrustedTime{}, fmt.Errorf("trusted time: signature: %w", err)
	}
	t.Signature = sig
	return t, nil
}

// Source issues TrustedTimes for one signer.
//
// Thread-safety: safe for concurrent use; ids from one Source are strictly
// increasing in call order.
type Source struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	signer *keys.PrivateIdentity
	disc   string
	last   uint64
}

// NewSource returns a source stamping with signer. A nil clock uses the
// real clock.
func NewSource(signer *keys.PrivateIdentity, clock clockwork.Clock) *Source {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Source{
		clock:  clock,
		signer: signer,
		disc:   string(signer.MemberID())[:8],
	}
}

// Signer returns the identity this source signs with.
func (s *Source) Signer() *keys.PrivateIdentity {
	return s.signer
}

// Next returns a fresh TimeID greater than every id this source issued.
func (s *Source) Next() TimeID {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := uint64(s.clock.Now().UnixNano())
	if now <= s.last {
		now = s.last + 1
	}
	s.last = now
	return TimeID(fmt.Sprintf("%016x-%s", now, s.disc))
}

// Observe advances the counter past an id seen from elsewhere, so ids
// issued afterwards sort after it.
func (s *Source) Observe(id TimeID) {
	counter, err := id.Counter()
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if counter > s.last {
		s.last = counter
	}
}

// Generate issues and signs a TrustedTime for contentHash under parent.
func (s *Source) Generate(parent ident.Path, contentHash canon.Hash) (TrustedTime, error) {
	t := TrustedTime{
		TimeID:      s.Next(),
		Signer:      s.signer.MemberID(),
		ParentPath:  parent.String(),
		ContentHash: contentHash,
	}
	digest, err := t.Digest()
	if err != nil {
		return TrustedTime{}, fmt.Errorf("generate trusted time: %w", err)
	}
	t.Signature = s.signer.Sign([]byte(digest))
	return t, nil
}
