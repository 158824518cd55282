package crdt

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/roach88/syncvault/internal/canon"
	"github.com/roach88/syncvault/internal/failure"
)

// Delta ops.
const (
	OpSet       = "set"
	OpPut       = "put"
	OpDelete    = "delete"
	OpIncrement = "inc"
	OpAdd       = "add"
)

// Delta is one incremental operation on a field.
type Delta struct {
	Field string
	Op    string
	// Key is the map key for put/delete and the replica for inc.
	Key   string
	Stamp string
	Value canon.Value
	// Amount is the replica's total after an inc.
	Amount int64
}

const (
	magic        = "syncvault-crdt"
	kindSnapshot = "snapshot"
	kindDelta    = "delta"

	// FormatVersion is written into every encoding.
	FormatVersion = "1.0"
)

var supportedVersions = version.MustConstraints(version.NewConstraint(">= 1.0, < 2.0"))

func header(kind string, s Schema) []byte {
	return fmt.Appendf(nil, "%s %s %s v%s\n", magic, kind, s.Tag(), FormatVersion)
}

// splitHeader checks the header line against kind and schema and returns
// the body.
func splitHeader(op, kind string, s Schema, data []byte) ([]byte, error) {
	line, body, ok := bytes.Cut(data, []byte{'\n'})
	if !ok {
		return nil, failure.Wrap(failure.KindUntrusted, op, "", fmt.Errorf("missing header line"))
	}
	parts := strings.Fields(string(line))
	if len(parts) != 4 || parts[0] != magic || !strings.HasPrefix(parts[3], "v") {
		return nil, failure.Wrap(failure.KindUntrusted, op, "", fmt.Errorf("malformed header %q", line))
	}
	if parts[1] != kind {
		return nil, failure.Wrap(failure.KindWrongType, op, "", fmt.Errorf("got a %s encoding, want %s", parts[1], kind))
	}
	if parts[2] != s.Tag() {
		return nil, failure.Wrap(failure.KindWrongType, op, "", fmt.Errorf("encoding is for %s, want %s", parts[2], s.Tag()))
	}
	v, err := version.NewVersion(strings.TrimPrefix(parts[3], "v"))
	if err != nil {
		return nil, failure.Wrap(failure.KindUntrusted, op, "", fmt.Errorf("header version: %w", err))
	}
	if !supportedVersions.Check(v) {
		return nil, failure.Wrap(failure.KindWrongType, op, "", fmt.Errorf("unsupported format version %s", v))
	}
	return body, nil
}

// Tag returns the type/purpose tag an encoding declares, without checking
// its version or body.
func Tag(data []byte) (string, bool) {
	line, _, ok := bytes.Cut(data, []byte{'\n'})
	if !ok {
		return "", false
	}
	parts := strings.Fields(string(line))
	if len(parts) != 4 || parts[0] != magic {
		return "", false
	}
	return parts[2], true
}

// EncodeDelta renders delta with d's header.
func (d *Document) EncodeDelta(delta Delta) ([]byte, error) {
	obj := canon.Object{
		"field": canon.String(delta.Field),
		"op":    canon.String(delta.Op),
	}
	if delta.Key != "" {
		obj["key"] = canon.String(delta.Key)
	}
	if delta.Stamp != "" {
		obj["stamp"] = canon.String(delta.Stamp)
	}
	if delta.Value != nil {
		obj["value"] = delta.Value
	}
	if delta.Amount != 0 {
		obj["amount"] = canon.Int(delta.Amount)
	}
	body, err := canon.MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("encode delta: %w", err)
	}
	return append(header(kindDelta, d.schema), body...), nil
}

// DecodeDelta parses a delta produced for d's schema.
func (d *Document) DecodeDelta(data []byte) (Delta, error) {
	const op = "crdt.DecodeDelta"
	body, err := splitHeader(op, kindDelta, d.schema, data)
	if err != nil {
		return Delta{}, err
	}
	v, err := canon.UnmarshalValue(body)
	if err != nil {
		return Delta{}, failure.Wrap(failure.KindUntrusted, op, "", err)
	}
	obj, ok := v.(canon.Object)
	if !ok {
		return Delta{}, failure.Wrap(failure.KindUntrusted, op, "", fmt.Errorf("delta body is %T", v))
	}
	var delta Delta
	for name, dst := range map[string]*string{"field": &delta.Field, "op": &delta.Op, "key": &delta.Key, "stamp": &delta.Stamp} {
		if raw, ok := obj[name]; ok {
			s, ok := raw.(canon.String)
			if !ok {
				return Delta{}, failure.Wrap(failure.KindUntrusted, op, "", fmt.Errorf("delta %s is %T", name, raw))
			}
			*dst = string(s)
		}
	}
	delta.Value = obj["value"]
	if raw, ok := obj["amount"]; ok {
		n, ok := raw.(canon.Int)
		if !ok {
			return Delta{}, failure.Wrap(failure.KindUntrusted, op, "", fmt.Errorf("delta amount is %T", raw))
		}
		delta.Amount = int64(n)
	}
	if _, ok := d.fields[delta.Field]; !ok {
		return Delta{}, failure.Wrap(failure.KindUntrusted, op, "", fmt.Errorf("unknown field %q", delta.Field))
	}
	return delta, nil
}

// Snapshot encodes the full state.
func (d *Document) Snapshot() ([]byte, error) {
	fields := canon.Object{}
	for _, name := range fieldNames(d) {
		fields[name] = encodeField(d.fields[name])
	}
	body, err := canon.MarshalCanonical(canon.Object{"fields": fields})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return append(header(kindSnapshot, d.schema), body...), nil
}

func encodeLWW(e lww) canon.Object {
	obj := canon.Object{"stamp": canon.String(e.Stamp), "value": valueOrNull(e.Value)}
	if e.Deleted {
		obj["deleted"] = canon.Bool(true)
	}
	return obj
}

func encodeField(f *fieldState) canon.Object {
	switch f.spec.Kind {
	case FieldRegister, FieldText:
		if f.reg == nil {
			return canon.Object{}
		}
		return encodeLWW(*f.reg)
	case FieldMap:
		entries := canon.Object{}
		for k, e := range f.entries {
			entries[k] = encodeLWW(e)
		}
		return canon.Object{"entries": entries}
	case FieldCounter:
		replicas := canon.Object{}
		for k, n := range f.counts {
			replicas[k] = canon.Int(n)
		}
		return canon.Object{"replicas": replicas}
	default:
		keys := slices.Sorted(maps.Keys(f.elems))
		elems := make(canon.Array, len(keys))
		for i, k := range keys {
			elems[i] = f.elems[k]
		}
		return canon.Object{"elements": elems}
	}
}

// Restore replaces d's state with the snapshot's.
func (d *Document) Restore(snapshot []byte) error {
	fresh, err := d.decodeSnapshot("crdt.Restore", snapshot)
	if err != nil {
		return err
	}
	d.fields = fresh.fields
	return nil
}

// MergeSnapshot joins the snapshot's state into d.
func (d *Document) MergeSnapshot(snapshot []byte) error {
	other, err := d.decodeSnapshot("crdt.MergeSnapshot", snapshot)
	if err != nil {
		return err
	}
	return d.Merge(other)
}

// DecodeSnapshot builds a new document of schema from a snapshot.
func DecodeSnapshot(schema Schema, snapshot []byte) (*Document, error) {
	return New(schema).decodeSnapshot("crdt.DecodeSnapshot", snapshot)
}

func (d *Document) decodeSnapshot(op string, data []byte) (*Document, error) {
	body, err := splitHeader(op, kindSnapshot, d.schema, data)
	if err != nil {
		return nil, err
	}
	untrusted := func(format string, args ...any) error {
		return failure.Wrap(failure.KindUntrusted, op, "", fmt.Errorf(format, args...))
	}

	v, err := canon.UnmarshalValue(body)
	if err != nil {
		return nil, untrusted("%w", err)
	}
	root, ok := v.(canon.Object)
	if !ok {
		return nil, untrusted("snapshot body is %T", v)
	}
	fields, ok := root["fields"].(canon.Object)
	if !ok {
		return nil, untrusted("snapshot has no fields object")
	}

	out := New(d.schema)
	for name, raw := range fields {
		f, ok := out.fields[name]
		if !ok {
			return nil, untrusted("unknown field %q", name)
		}
		obj, ok := raw.(canon.Object)
		if !ok {
			return nil, untrusted("field %q is %T", name, raw)
		}
		if err := decodeField(f, obj); err != nil {
			return nil, untrusted("field %q: %w", name, err)
		}
	}
	return out, nil
}

func decodeLWW(obj canon.Object) (lww, error) {
	stamp, ok := obj["stamp"].(canon.String)
	if !ok {
		return lww{}, fmt.Errorf("missing stamp")
	}
	value, ok := obj["value"]
	if !ok {
		return lww{}, fmt.Errorf("missing value")
	}
	deleted, _ := obj["deleted"].(canon.Bool)
	return lww{Stamp: string(stamp), Value: value, Deleted: bool(deleted)}, nil
}

func decodeField(f *fieldState, obj canon.Object) error {
	switch f.spec.Kind {
	case FieldRegister, FieldText:
		if len(obj) == 0 {
			return nil
		}
		e, err := decodeLWW(obj)
		if err != nil {
			return err
		}
		if f.spec.Kind == FieldText {
			s, ok := e.Value.(canon.String)
			if !ok {
				return fmt.Errorf("text value is %T", e.Value)
			}
			// Remote snapshots get the same bound as local edits.
			e.Value = canon.String(normalizeText(string(s), f.spec.MaxRunes))
		}
		f.reg = &e
	case FieldMap:
		entries, ok := obj["entries"].(canon.Object)
		if !ok {
			return fmt.Errorf("missing entries")
		}
		for k, raw := range entries {
			eo, ok := raw.(canon.Object)
			if !ok {
				return fmt.Errorf("entry %q is %T", k, raw)
			}
			e, err := decodeLWW(eo)
			if err != nil {
				return fmt.Errorf("entry %q: %w", k, err)
			}
			f.entries[k] = e
		}
	case FieldCounter:
		replicas, ok := obj["replicas"].(canon.Object)
		if !ok {
			return fmt.Errorf("missing replicas")
		}
		for k, raw := range replicas {
			n, ok := raw.(canon.Int)
			if !ok || n < 0 {
				return fmt.Errorf("replica %q has invalid count", k)
			}
			f.counts[k] = int64(n)
		}
	case FieldSet:
		elems, ok := obj["elements"].(canon.Array)
		if !ok {
			return fmt.Errorf("missing elements")
		}
		for _, e := range elems {
			key, err := canon.MarshalCanonical(e)
			if err != nil {
				return err
			}
			f.elems[string(key)] = e
		}
	}
	return nil
}
