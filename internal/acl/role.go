package acl

import "fmt"

// Role is a member's access level. Any string type with these two
// capabilities can parameterise a Document.
type Role interface {
	~string
	CanRead() bool
	CanAdmin() bool
}

// StandardRole is the role set used by vault folders.
type StandardRole string

const (
	RoleAdmin  StandardRole = "admin"
	RoleWriter StandardRole = "writer"
	RoleReader StandardRole = "reader"
	RoleNone   StandardRole = "none"
)

// CanRead reports whether the role receives shared secrets.
func (r StandardRole) CanRead() bool {
	switch r {
	case RoleAdmin, RoleWriter, RoleReader:
		return true
	}
	return false
}

// CanWrite reports whether the role may write content.
func (r StandardRole) CanWrite() bool {
	return r == RoleAdmin || r == RoleWriter
}

// CanAdmin reports whether the role may change membership.
func (r StandardRole) CanAdmin() bool {
	return r == RoleAdmin
}

// ParseStandardRole validates s.
func ParseStandardRole(s string) (StandardRole, error) {
	switch r := StandardRole(s); r {
	case RoleAdmin, RoleWriter, RoleReader, RoleNone:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q (want admin, writer, reader or none)", s)
}
