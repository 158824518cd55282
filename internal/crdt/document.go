package crdt

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/syncvault/internal/canon"
	"github.com/roach88/syncvault/internal/failure"
)

// lww is one last-writer-wins slot.
type lww struct {
	Stamp   string
	Value   canon.Value
	Deleted bool
}

// wins reports whether a should replace b.
func (a lww) wins(b lww) bool {
	if a.Stamp != b.Stamp {
		return a.Stamp > b.Stamp
	}
	if a.Deleted != b.Deleted {
		return a.Deleted
	}
	return canon.Compare(valueOrNull(a.Value), valueOrNull(b.Value)) > 0
}

func valueOrNull(v canon.Value) canon.Value {
	if v == nil {
		return canon.Null{}
	}
	return v
}

type fieldState struct {
	spec    FieldSpec
	reg     *lww
	entries map[string]lww
	counts  map[string]int64
	elems   map[string]canon.Value
}

func newFieldState(spec FieldSpec) *fieldState {
	f := &fieldState{spec: spec}
	switch spec.Kind {
	case FieldMap:
		f.entries = make(map[string]lww)
	case FieldCounter:
		f.counts = make(map[string]int64)
	case FieldSet:
		f.elems = make(map[string]canon.Value)
	}
	return f
}

func (f *fieldState) clone() *fieldState {
	c := &fieldState{spec: f.spec}
	if f.reg != nil {
		r := *f.reg
		c.reg = &r
	}
	c.entries = maps.Clone(f.entries)
	c.counts = maps.Clone(f.counts)
	c.elems = maps.Clone(f.elems)
	return c
}

func (f *fieldState) join(o *fieldState) {
	if o.reg != nil && (f.reg == nil || o.reg.wins(*f.reg)) {
		r := *o.reg
		f.reg = &r
	}
	for k, e := range o.entries {
		if cur, ok := f.entries[k]; !ok || e.wins(cur) {
			f.entries[k] = e
		}
	}
	for k, n := range o.counts {
		if n > f.counts[k] {
			f.counts[k] = n
		}
	}
	for k, v := range o.elems {
		f.elems[k] = v
	}
}

// Document is a conflict-free document of one Schema.
//
// Thread-safety: not safe for concurrent use; callers serialise access.
type Document struct {
	schema Schema
	fields map[string]*fieldState
}

// New returns an empty document. It panics if schema is invalid, since
// schemas are package-level declarations.
func New(schema Schema) *Document {
	if err := schema.Validate(); err != nil {
		panic(err)
	}
	d := &Document{schema: schema, fields: make(map[string]*fieldState, len(schema.Fields))}
	for name, spec := range schema.Fields {
		d.fields[name] = newFieldState(spec)
	}
	return d
}

// Schema returns the document's schema.
func (d *Document) Schema() Schema {
	return d.schema
}

// Clone returns an independent copy with identical state.
func (d *Document) Clone() *Document {
	c := &Document{schema: d.schema, fields: make(map[string]*fieldState, len(d.fields))}
	for name, f := range d.fields {
		c.fields[name] = f.clone()
	}
	return c
}

// Merge joins other's state into d. Both must share a schema tag.
func (d *Document) Merge(other *Document) error {
	if other.schema.Tag() != d.schema.Tag() {
		return failure.Wrap(failure.KindWrongType, "crdt.Merge", "",
			fmt.Errorf("cannot merge %s into %s", other.schema.Tag(), d.schema.Tag()))
	}
	for name, f := range other.fields {
		mine, ok := d.fields[name]
		if !ok || mine.spec.Kind != f.spec.Kind {
			return failure.Wrap(failure.KindWrongType, "crdt.Merge", "",
				fmt.Errorf("field %q differs between schemas", name))
		}
		mine.join(f)
	}
	return nil
}

// Equal reports whether two documents have identical snapshots.
func (d *Document) Equal(other *Document) bool {
	a, errA := d.Snapshot()
	b, errB := other.Snapshot()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

func (d *Document) field(op, name string, kinds ...FieldKind) (*fieldState, error) {
	f, ok := d.fields[name]
	if !ok {
		return nil, failure.Wrap(failure.KindNotFound, op, "",
			fmt.Errorf("%s has no field %q", d.schema.Tag(), name))
	}
	if !slices.Contains(kinds, f.spec.Kind) {
		return nil, failure.Wrap(failure.KindWrongType, op, "",
			fmt.Errorf("field %q is a %s", name, f.spec.Kind))
	}
	return f, nil
}

// normalizeText applies the text field policy: NFC, then truncation to
// MaxRunes.
func normalizeText(s string, maxRunes int) string {
	s = norm.NFC.String(s)
	if maxRunes > 0 && utf8.RuneCountInString(s) > maxRunes {
		runes := []rune(s)
		s = string(runes[:maxRunes])
	}
	return s
}

// ApplyDelta merges one delta into d. Applying the same delta again is a
// no-op.
func (d *Document) ApplyDelta(delta Delta) error {
	const op = "crdt.ApplyDelta"
	switch delta.Op {
	case OpSet:
		f, err := d.field(op, delta.Field, FieldRegister, FieldText)
		if err != nil {
			return err
		}
		v := delta.Value
		if f.spec.Kind == FieldText {
			s, ok := v.(canon.String)
			if !ok {
				return failure.Wrap(failure.KindWrongType, op, "", fmt.Errorf("text field %q needs a string", delta.Field))
			}
			v = canon.String(normalizeText(string(s), f.spec.MaxRunes))
		}
		next := lww{Stamp: delta.Stamp, Value: valueOrNull(v)}
		if f.reg == nil || next.wins(*f.reg) {
			f.reg = &next
		}
	case OpPut, OpDelete:
		f, err := d.field(op, delta.Field, FieldMap)
		if err != nil {
			return err
		}
		next := lww{Stamp: delta.Stamp, Value: valueOrNull(delta.Value), Deleted: delta.Op == OpDelete}
		if next.Deleted {
			next.Value = canon.Null{}
		}
		if cur, ok := f.entries[delta.Key]; !ok || next.wins(cur) {
			f.entries[delta.Key] = next
		}
	case OpIncrement:
		f, err := d.field(op, delta.Field, FieldCounter)
		if err != nil {
			return err
		}
		if delta.Amount > f.counts[delta.Key] {
			f.counts[delta.Key] = delta.Amount
		}
	case OpAdd:
		f, err := d.field(op, delta.Field, FieldSet)
		if err != nil {
			return err
		}
		v := valueOrNull(delta.Value)
		key, err := canon.MarshalCanonical(v)
		if err != nil {
			return failure.Wrap(failure.KindUntrusted, op, "", err)
		}
		f.elems[string(key)] = v
	default:
		return failure.Wrap(failure.KindUntrusted, op, "", fmt.Errorf("unknown delta op %q", delta.Op))
	}
	return nil
}

// SetRegister sets a register field and returns the applied delta.
func (d *Document) SetRegister(field, stamp string, v canon.Value) (Delta, error) {
	if _, err := d.field("crdt.SetRegister", field, FieldRegister); err != nil {
		return Delta{}, err
	}
	delta := Delta{Field: field, Op: OpSet, Stamp: stamp, Value: v}
	return delta, d.ApplyDelta(delta)
}

// Register returns a register field's value.
func (d *Document) Register(field string) (canon.Value, bool) {
	f, err := d.field("crdt.Register", field, FieldRegister)
	if err != nil || f.reg == nil {
		return nil, false
	}
	return f.reg.Value, true
}

// SetText sets a text field. Text longer than the field's bound fails
// rather than being silently cut.
func (d *Document) SetText(field, stamp, text string) (Delta, error) {
	const op = "crdt.SetText"
	f, err := d.field(op, field, FieldText)
	if err != nil {
		return Delta{}, err
	}
	normalized := norm.NFC.String(text)
	if f.spec.MaxRunes > 0 && utf8.RuneCountInString(normalized) > f.spec.MaxRunes {
		return Delta{}, fmt.Errorf("%s: field %q is limited to %d characters", op, field, f.spec.MaxRunes)
	}
	delta := Delta{Field: field, Op: OpSet, Stamp: stamp, Value: canon.String(normalized)}
	return delta, d.ApplyDelta(delta)
}

// Text returns a text field's value, or "" when unset.
func (d *Document) Text(field string) string {
	f, err := d.field("crdt.Text", field, FieldText)
	if err != nil || f.reg == nil {
		return ""
	}
	s, _ := f.reg.Value.(canon.String)
	return string(s)
}

// PutMap sets key in a map field.
func (d *Document) PutMap(field, key, stamp string, v canon.Value) (Delta, error) {
	if _, err := d.field("crdt.PutMap", field, FieldMap); err != nil {
		return Delta{}, err
	}
	delta := Delta{Field: field, Op: OpPut, Key: key, Stamp: stamp, Value: v}
	return delta, d.ApplyDelta(delta)
}

// DeleteMap removes key from a map field, leaving a tombstone.
func (d *Document) DeleteMap(field, key, stamp string) (Delta, error) {
	if _, err := d.field("crdt.DeleteMap", field, FieldMap); err != nil {
		return Delta{}, err
	}
	delta := Delta{Field: field, Op: OpDelete, Key: key, Stamp: stamp}
	return delta, d.ApplyDelta(delta)
}

// MapGet returns the live value of key.
func (d *Document) MapGet(field, key string) (canon.Value, bool) {
	f, err := d.field("crdt.MapGet", field, FieldMap)
	if err != nil {
		return nil, false
	}
	e, ok := f.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// MapKeys returns the live keys in sorted order.
func (d *Document) MapKeys(field string) []string {
	f, err := d.field("crdt.MapKeys", field, FieldMap)
	if err != nil {
		return nil
	}
	var out []string
	for k, e := range f.entries {
		if !e.Deleted {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// Increment adds by to replica's share of a counter field. The delta
// carries the replica's new total, which keeps re-application idempotent.
func (d *Document) Increment(field, replica string, by int64) (Delta, error) {
	const op = "crdt.Increment"
	f, err := d.field(op, field, FieldCounter)
	if err != nil {
		return Delta{}, err
	}
	if by < 0 {
		return Delta{}, fmt.Errorf("%s: counter %q only grows", op, field)
	}
	delta := Delta{Field: field, Op: OpIncrement, Key: replica, Amount: f.counts[replica] + by}
	return delta, d.ApplyDelta(delta)
}

// Counter returns the sum over all replicas.
func (d *Document) Counter(field string) int64 {
	f, err := d.field("crdt.Counter", field, FieldCounter)
	if err != nil {
		return 0
	}
	var total int64
	for _, n := range f.counts {
		total += n
	}
	return total
}

// AddToSet adds v to a set field.
func (d *Document) AddToSet(field string, v canon.Value) (Delta, error) {
	if _, err := d.field("crdt.AddToSet", field, FieldSet); err != nil {
		return Delta{}, err
	}
	delta := Delta{Field: field, Op: OpAdd, Value: v}
	return delta, d.ApplyDelta(delta)
}

// SetMembers returns a set field's elements ordered by canonical encoding.
func (d *Document) SetMembers(field string) []canon.Value {
	f, err := d.field("crdt.SetMembers", field, FieldSet)
	if err != nil {
		return nil
	}
	keys := slices.Sorted(maps.Keys(f.elems))
	out := make([]canon.Value, len(keys))
	for i, k := range keys {
		out[i] = f.elems[k]
	}
	return out
}

// SetContains reports whether v is in a set field.
func (d *Document) SetContains(field string, v canon.Value) bool {
	f, err := d.field("crdt.SetContains", field, FieldSet)
	if err != nil {
		return false
	}
	key, err := canon.MarshalCanonical(valueOrNull(v))
	if err != nil {
		return false
	}
	_, ok := f.elems[string(key)]
	return ok
}

func fieldNames(d *Document) []string {
	names := slices.Collect(maps.Keys(d.fields))
	slices.SortFunc(names, strings.Compare)
	return names
}
