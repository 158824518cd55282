package ident

import (
	"encoding/base32"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Kind is the item kind an id addresses.
type Kind string

const (
	KindFolder Kind = "folder"
	KindBundle Kind = "bundle"
	KindFile   Kind = "file"
)

// IsContainer reports whether items of this kind hold children.
func (k Kind) IsContainer() bool {
	return k == KindFolder || k == KindBundle
}

// Valid reports whether k is one of the three item kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindFolder, KindBundle, KindFile:
		return true
	}
	return false
}

func (k Kind) tag() string {
	switch k {
	case KindFolder:
		return "fo"
	case KindBundle:
		return "bu"
	case KindFile:
		return "fi"
	}
	return ""
}

func kindFromTag(tag string) (Kind, bool) {
	switch tag {
	case "fo":
		return KindFolder, true
	case "bu":
		return KindBundle, true
	case "fi":
		return KindFile, true
	}
	return "", false
}

// Origin records how an id body was produced.
type Origin byte

const (
	OriginPlain       Origin = 'p'
	OriginSalted      Origin = 's'
	OriginTimeOrdered Origin = 't'
)

func (o Origin) String() string {
	switch o {
	case OriginPlain:
		return "plain"
	case OriginSalted:
		return "salted"
	case OriginTimeOrdered:
		return "time-ordered"
	}
	return fmt.Sprintf("Origin(%q)", byte(o))
}

const (
	idVersion     = '1'
	prefixLen     = 4
	saltedBodyLen = 26
	maxBodyLen    = 255
)

var saltedEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// SyncableID identifies one item within its parent container.
type SyncableID string

// String implements fmt.Stringer.
func (id SyncableID) String() string {
	return string(id)
}

// Kind returns the kind encoded in the id prefix. The id must be valid.
func (id SyncableID) Kind() Kind {
	k, _ := kindFromTag(string(id)[:2])
	return k
}

// Origin returns the origin marker encoded in the id prefix.
func (id SyncableID) Origin() Origin {
	return Origin(id[2])
}

// Body returns the part after the prefix.
func (id SyncableID) Body() string {
	return string(id)[prefixLen+1:]
}

// Validate checks the prefix encoding and body characters.
func (id SyncableID) Validate() error {
	s := string(id)
	if len(s) < prefixLen+2 || s[prefixLen] != '-' {
		return fmt.Errorf("syncable id %q: malformed prefix", s)
	}
	if _, ok := kindFromTag(s[:2]); !ok {
		return fmt.Errorf("syncable id %q: unknown kind tag %q", s, s[:2])
	}
	switch Origin(s[2]) {
	case OriginPlain, OriginSalted, OriginTimeOrdered:
	default:
		return fmt.Errorf("syncable id %q: unknown origin %q", s, s[2])
	}
	if s[3] != idVersion {
		return fmt.Errorf("syncable id %q: unsupported version %q", s, s[3])
	}
	return validateBody(s[prefixLen+1:])
}

func validateBody(body string) error {
	if body == "" {
		return fmt.Errorf("syncable id body is empty")
	}
	if len(body) > maxBodyLen {
		return fmt.Errorf("syncable id body exceeds %d bytes", maxBodyLen)
	}
	for _, r := range body {
		if r == '/' || r == ':' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("syncable id body %q: invalid character %q", body, r)
		}
	}
	return nil
}

// ParseID validates s and returns it as a SyncableID.
func ParseID(s string) (SyncableID, error) {
	id := SyncableID(s)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// MustParseID is ParseID that panics on error. For literals in tests.
func MustParseID(s string) SyncableID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func compose(kind Kind, origin Origin, body string) SyncableID {
	return SyncableID(kind.tag() + string(origin) + string(idVersion) + "-" + body)
}

// Plain builds an id whose body is the given name verbatim.
func Plain(kind Kind, name string) (SyncableID, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown item kind %q", kind)
	}
	if err := validateBody(name); err != nil {
		return "", err
	}
	return compose(kind, OriginPlain, name), nil
}

// MustPlain is Plain that panics on error.
func MustPlain(kind Kind, name string) SyncableID {
	id, err := Plain(kind, name)
	if err != nil {
		panic(err)
	}
	return id
}

// Salted derives an id from a secret salt and a logical name, so the
// backing medium never sees the name. The same salt and name always yield
// the same id.
func Salted(kind Kind, salt []byte, name string) (SyncableID, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown item kind %q", kind)
	}
	key := salt
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(salt)
		key = sum[:]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		return "", fmt.Errorf("salted id: %w", err)
	}
	h.Write([]byte(name))
	body := strings.ToLower(saltedEncoding.EncodeToString(h.Sum(nil)))[:saltedBodyLen]
	return compose(kind, OriginSalted, body), nil
}

// Generator produces time-ordered id bodies.
type Generator interface {
	Generate() string
}

// UUIDv7Generator produces UUIDv7 bodies, which sort by creation time.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
// Panics if the system random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// TimeOrdered mints a new id whose body comes from gen. A nil gen uses
// UUIDv7Generator.
func TimeOrdered(kind Kind, gen Generator) (SyncableID, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown item kind %q", kind)
	}
	if gen == nil {
		gen = UUIDv7Generator{}
	}
	body := gen.Generate()
	if err := validateBody(body); err != nil {
		return "", err
	}
	return compose(kind, OriginTimeOrdered, body), nil
}
