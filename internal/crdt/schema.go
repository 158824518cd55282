package crdt

import (
	"fmt"
	"strings"
)

// FieldKind selects a field's merge policy.
type FieldKind string

const (
	FieldRegister FieldKind = "register"
	FieldText     FieldKind = "text"
	FieldMap      FieldKind = "map"
	FieldCounter  FieldKind = "counter"
	FieldSet      FieldKind = "set"
)

// FieldSpec describes one field.
type FieldSpec struct {
	Kind FieldKind
	// MaxRunes bounds text fields. Zero means unbounded.
	MaxRunes int
}

// Schema names a document type and its fields.
type Schema struct {
	Type    string
	Purpose string
	Fields  map[string]FieldSpec
}

// Tag is the "<type>/<purpose>" label carried by every encoding.
func (s Schema) Tag() string {
	return s.Type + "/" + s.Purpose
}

// Validate checks names and field kinds.
func (s Schema) Validate() error {
	for _, part := range []string{s.Type, s.Purpose} {
		if part == "" || strings.ContainsAny(part, "/ \n") {
			return fmt.Errorf("crdt schema: invalid type or purpose %q", part)
		}
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("crdt schema %s: no fields", s.Tag())
	}
	for name, f := range s.Fields {
		switch f.Kind {
		case FieldRegister, FieldText, FieldMap, FieldCounter, FieldSet:
		default:
			return fmt.Errorf("crdt schema %s: field %q has unknown kind %q", s.Tag(), name, f.Kind)
		}
		if f.MaxRunes < 0 {
			return fmt.Errorf("crdt schema %s: field %q has negative MaxRunes", s.Tag(), name)
		}
	}
	return nil
}
