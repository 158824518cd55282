package ident

import (
	"fmt"
	"slices"
	"strings"
)

// StorageRootID names one replica root.
type StorageRootID string

// Validate checks that the root id is usable in a path string.
func (r StorageRootID) Validate() error {
	if r == "" {
		return fmt.Errorf("storage root id is empty")
	}
	if strings.ContainsAny(string(r), ":/ \t\n") {
		return fmt.Errorf("storage root id %q contains a reserved character", string(r))
	}
	return nil
}

// Path addresses an item as a sequence of ids under a root.
// Paths are values: every operation returns a new Path and never aliases
// the receiver's id slice.
type Path struct {
	root StorageRootID
	ids  []SyncableID
}

// Root returns the path of the implicit root folder.
func Root(root StorageRootID) Path {
	return Path{root: root}
}

// NewPath builds a path from a root and ids, validating each id.
func NewPath(root StorageRootID, ids ...SyncableID) (Path, error) {
	if err := root.Validate(); err != nil {
		return Path{}, err
	}
	for _, id := range ids {
		if err := id.Validate(); err != nil {
			return Path{}, err
		}
	}
	return Path{root: root, ids: slices.Clone(ids)}, nil
}

// MustPath is NewPath that panics on error.
func MustPath(root StorageRootID, ids ...SyncableID) Path {
	p, err := NewPath(root, ids...)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePath parses the String form of a path.
func ParsePath(s string) (Path, error) {
	rootPart, rest, ok := strings.Cut(s, ":/")
	if !ok {
		return Path{}, fmt.Errorf("path %q: missing root separator", s)
	}
	root := StorageRootID(rootPart)
	if rest == "" {
		return NewPath(root)
	}
	parts := strings.Split(rest, "/")
	ids := make([]SyncableID, len(parts))
	for i, part := range parts {
		id, err := ParseID(part)
		if err != nil {
			return Path{}, fmt.Errorf("path %q: %w", s, err)
		}
		ids[i] = id
	}
	return NewPath(root, ids...)
}

// StorageRoot returns the root id.
func (p Path) StorageRoot() StorageRootID {
	return p.root
}

// IsRoot reports whether p is the root folder path.
func (p Path) IsRoot() bool {
	return len(p.ids) == 0
}

// Len returns the number of ids in the path.
func (p Path) Len() int {
	return len(p.ids)
}

// IDs returns a copy of the path's ids.
func (p Path) IDs() []SyncableID {
	return slices.Clone(p.ids)
}

// Last returns the final id. ok is false for the root path.
func (p Path) Last() (id SyncableID, ok bool) {
	if len(p.ids) == 0 {
		return "", false
	}
	return p.ids[len(p.ids)-1], true
}

// Kind returns the kind of the addressed item; the root is a folder.
func (p Path) Kind() Kind {
	last, ok := p.Last()
	if !ok {
		return KindFolder
	}
	return last.Kind()
}

// Append returns a new path with id added at the end.
func (p Path) Append(id SyncableID) Path {
	ids := make([]SyncableID, len(p.ids), len(p.ids)+1)
	copy(ids, p.ids)
	return Path{root: p.root, ids: append(ids, id)}
}

// Parent returns the containing path. ok is false for the root path.
func (p Path) Parent() (parent Path, ok bool) {
	if len(p.ids) == 0 {
		return Path{}, false
	}
	return Path{root: p.root, ids: slices.Clone(p.ids[:len(p.ids)-1])}, true
}

// Ancestors returns every strict ancestor from the nearest parent up to
// the root.
func (p Path) Ancestors() []Path {
	out := make([]Path, 0, len(p.ids))
	for i := len(p.ids) - 1; i >= 0; i-- {
		out = append(out, Path{root: p.root, ids: slices.Clone(p.ids[:i])})
	}
	return out
}

// Equal reports whether two paths address the same item.
func (p Path) Equal(other Path) bool {
	return p.root == other.root && slices.Equal(p.ids, other.ids)
}

// IsAncestorOf reports whether p is a strict ancestor of other.
func (p Path) IsAncestorOf(other Path) bool {
	if p.root != other.root || len(p.ids) >= len(other.ids) {
		return false
	}
	return slices.Equal(p.ids, other.ids[:len(p.ids)])
}

// HasPrefix reports whether p equals prefix or lies beneath it.
func (p Path) HasPrefix(prefix Path) bool {
	return prefix.Equal(p) || prefix.IsAncestorOf(p)
}

// Rel returns the ids leading from p down to descendant.
func (p Path) Rel(descendant Path) ([]SyncableID, error) {
	if !descendant.HasPrefix(p) {
		return nil, fmt.Errorf("path %s is not under %s", descendant, p)
	}
	return slices.Clone(descendant.ids[len(p.ids):]), nil
}

// String renders the path as "<root>:/<id>/<id>".
func (p Path) String() string {
	var b strings.Builder
	b.WriteString(string(p.root))
	b.WriteString(":/")
	for i, id := range p.ids {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(string(id))
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Path) UnmarshalText(text []byte) error {
	parsed, err := ParsePath(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
