// Package acl implements the per-folder access-control document: who is a
// member, with which role, and which generations of the folder's shared
// secret each member can open.
//
// The document is a grow-only set of signed operations stored in a crdt
// set field. Its state is derived by replaying the operations in TimeID
// order; an operation whose author was not an admin at that point, or whose
// signature does not verify, is skipped. Concurrent edits from different
// devices therefore converge to the same membership once their operation
// sets are merged.
//
// Removing a member, or changing a role so it loses read access, rotates
// the shared secret: a new generation is sealed for every remaining reader.
// Old content stays under old generations and is not re-encrypted.
package acl

import (
	"bytes"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/roach88/syncvault/internal/canon"
	"github.com/roach88/syncvault/internal/crdt"
	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/keys"
	"github.com/roach88/syncvault/internal/trustedtime"
)

// Schema is the crdt document type that stores access-control operations.
var Schema = crdt.Schema{
	Type:    "acl",
	Purpose: "folder-access",
	Fields: map[string]crdt.FieldSpec{
		"ops": {Kind: crdt.FieldSet},
	},
}

const opsField = "ops"

// SharedSecret describes one secret generation without revealing it.
type SharedSecret struct {
	ID         SecretID
	Recipients []keys.MemberID
}

type member[R Role] struct {
	role   R
	public keys.PublicIdentity
}

type state[R Role] struct {
	members map[keys.MemberID]member[R]
	secrets map[SecretID]map[keys.MemberID][]byte
	applied []Operation
	latest  trustedtime.TimeID
}

func newState[R Role]() *state[R] {
	return &state[R]{
		members: make(map[keys.MemberID]member[R]),
		secrets: make(map[SecretID]map[keys.MemberID][]byte),
	}
}

func (st *state[R]) clone() *state[R] {
	c := &state[R]{
		members: maps.Clone(st.members),
		secrets: make(map[SecretID]map[keys.MemberID][]byte, len(st.secrets)),
		applied: slices.Clone(st.applied),
		latest:  st.latest,
	}
	for id, env := range st.secrets {
		c.secrets[id] = maps.Clone(env)
	}
	return c
}

func (st *state[R]) admins() int {
	n := 0
	for _, m := range st.members {
		if m.role.CanAdmin() {
			n++
		}
	}
	return n
}

// apply validates op against the current state and applies it.
func (st *state[R]) apply(folder ident.Path, op Operation) error {
	const name = "acl.apply"
	untrusted := func(format string, args ...any) error {
		return failure.Wrap(failure.KindUntrusted, name, folder.String(), fmt.Errorf(format, args...))
	}

	if op.Time.ParentPath != folder.String() {
		return untrusted("operation belongs to %s", op.Time.ParentPath)
	}
	h, err := op.BodyHash()
	if err != nil || h != op.Time.ContentHash {
		return untrusted("operation body does not match its signed hash")
	}

	if op.Kind == OpGenesis {
		if len(st.members) > 0 {
			return untrusted("genesis after membership exists")
		}
		pub, err := keys.ParsePublicIdentity(op.Public)
		if err != nil {
			return untrusted("genesis public key: %w", err)
		}
		if pub.MemberID() != op.Member || op.Author() != op.Member {
			return untrusted("genesis must be self-signed")
		}
		if !R(op.Role).CanAdmin() {
			return untrusted("genesis role %q cannot administer", op.Role)
		}
		if !op.Time.Verify(pub.Signing) {
			return untrusted("genesis signature")
		}
		st.members[op.Member] = member[R]{role: R(op.Role), public: pub}
		st.record(op)
		return nil
	}

	author, ok := st.members[op.Author()]
	if !ok || !author.role.CanAdmin() {
		return untrusted("author %s is not an admin", op.Author())
	}
	if !op.Time.Verify(author.public.Signing) {
		return untrusted("signature by %s does not verify", op.Author())
	}

	switch op.Kind {
	case OpAddMember:
		pub, err := keys.ParsePublicIdentity(op.Public)
		if err != nil {
			return untrusted("member public key: %w", err)
		}
		if pub.MemberID() != op.Member {
			return untrusted("public key does not belong to %s", op.Member)
		}
		st.members[op.Member] = member[R]{role: R(op.Role), public: pub}
	case OpRemoveMember:
		if _, ok := st.members[op.Member]; !ok {
			return failure.New(failure.KindNotFound, name, string(op.Member))
		}
		delete(st.members, op.Member)
	case OpChangeRole:
		m, ok := st.members[op.Member]
		if !ok {
			return failure.New(failure.KindNotFound, name, string(op.Member))
		}
		m.role = R(op.Role)
		st.members[op.Member] = m
	case OpAddSecret:
		if _, exists := st.secrets[op.SecretID]; exists || op.SecretID == "" {
			return untrusted("secret %q already exists", op.SecretID)
		}
		env := maps.Clone(op.Envelopes)
		if env == nil {
			env = make(map[keys.MemberID][]byte)
		}
		st.secrets[op.SecretID] = env
	case OpShareSecret:
		env, ok := st.secrets[op.SecretID]
		if !ok {
			return failure.New(failure.KindNotFound, name, string(op.SecretID))
		}
		for m, blob := range op.Envelopes {
			if _, has := env[m]; !has {
				env[m] = blob
			}
		}
	default:
		return untrusted("unknown operation %q", op.Kind)
	}
	st.record(op)
	return nil
}

func (st *state[R]) record(op Operation) {
	st.applied = append(st.applied, op)
	if op.Time.TimeID > st.latest {
		st.latest = op.Time.TimeID
	}
}

// Document is the access-control document of one folder.
//
// Thread-safety: not safe for concurrent use.
type Document[R Role] struct {
	folder ident.Path
	doc    *crdt.Document
	st     *state[R]
}

func newDocument[R Role](folder ident.Path) *Document[R] {
	return &Document[R]{folder: folder, doc: crdt.New(Schema), st: newState[R]()}
}

// Genesis starts a document for folder with the source's signer as its
// first member in adminRole, and seals the first secret generation.
func Genesis[R Role](folder ident.Path, src *trustedtime.Source, adminRole R) (*Document[R], error) {
	d := newDocument[R](folder)
	self := src.Signer()
	op := Operation{
		Kind:   OpGenesis,
		Member: self.MemberID(),
		Role:   string(adminRole),
		Public: self.Public().Encode(),
	}
	if err := d.commit(src, op); err != nil {
		return nil, err
	}
	if _, err := d.RotateSecret(src); err != nil {
		return nil, err
	}
	return d, nil
}

// Decode rebuilds a document for folder from its encoding.
func Decode[R Role](folder ident.Path, data []byte) (*Document[R], error) {
	doc, err := crdt.DecodeSnapshot(Schema, data)
	if err != nil {
		return nil, err
	}
	d := &Document[R]{folder: folder, doc: doc}
	if err := d.replay(); err != nil {
		return nil, err
	}
	return d, nil
}

// Encode returns the snapshot encoding of the operation set.
func (d *Document[R]) Encode() ([]byte, error) {
	return d.doc.Snapshot()
}

// Folder returns the folder this document governs.
func (d *Document[R]) Folder() ident.Path {
	return d.folder
}

// Merge joins other's operations into d.
func (d *Document[R]) Merge(other *Document[R]) error {
	if err := d.doc.Merge(other.doc); err != nil {
		return err
	}
	return d.replay()
}

// MergeEncoded joins an encoded document into d.
func (d *Document[R]) MergeEncoded(data []byte) error {
	if err := d.doc.MergeSnapshot(data); err != nil {
		return err
	}
	return d.replay()
}

// replay rebuilds state from the operation set.
func (d *Document[R]) replay() error {
	var ops []Operation
	for _, v := range d.doc.SetMembers(opsField) {
		op, err := operationFromValue(v)
		if err != nil {
			return failure.Wrap(failure.KindUntrusted, "acl.replay", d.folder.String(), err)
		}
		ops = append(ops, op)
	}
	slices.SortFunc(ops, func(a, b Operation) int {
		return trustedtime.Compare(a.Time, b.Time)
	})

	st := newState[R]()
	for _, op := range ops {
		if err := st.apply(d.folder, op); err != nil {
			slog.Debug("skipping access-control operation",
				"folder", d.folder.String(), "op", string(op.Kind), "time_id", string(op.Time.TimeID), "error", err)
		}
	}
	d.st = st
	return nil
}

// commit signs op, checks it against the current state, and adds it.
func (d *Document[R]) commit(src *trustedtime.Source, op Operation) error {
	src.Observe(d.st.latest)
	h, err := op.BodyHash()
	if err != nil {
		return fmt.Errorf("acl commit: %w", err)
	}
	if op.Time, err = src.Generate(d.folder, h); err != nil {
		return fmt.Errorf("acl commit: %w", err)
	}
	if err := d.st.clone().apply(d.folder, op); err != nil {
		return err
	}
	if _, err := d.doc.AddToSet(opsField, op.toValue()); err != nil {
		return fmt.Errorf("acl commit: %w", err)
	}
	if err := d.replay(); err != nil {
		return err
	}
	if !d.applied(op) {
		return failure.Wrap(failure.KindConflict, "acl.commit", d.folder.String(),
			fmt.Errorf("%s was superseded by a concurrent operation", op.Kind))
	}
	return nil
}

func (d *Document[R]) applied(op Operation) bool {
	for _, a := range d.st.applied {
		if a.Time.TimeID == op.Time.TimeID && a.Time.Signer == op.Time.Signer {
			return true
		}
	}
	return false
}

// Members returns every member and role.
func (d *Document[R]) Members() map[keys.MemberID]R {
	out := make(map[keys.MemberID]R, len(d.st.members))
	for id, m := range d.st.members {
		out[id] = m.role
	}
	return out
}

// Member returns m's role.
func (d *Document[R]) Member(m keys.MemberID) (R, bool) {
	mem, ok := d.st.members[m]
	return mem.role, ok
}

// PublicIdentity returns the keys recorded for m.
func (d *Document[R]) PublicIdentity(m keys.MemberID) (keys.PublicIdentity, bool) {
	mem, ok := d.st.members[m]
	return mem.public, ok
}

// MemberAt returns m's role and keys as of at: only operations stamped no
// later than at count.
func (d *Document[R]) MemberAt(m keys.MemberID, at trustedtime.TimeID) (R, keys.PublicIdentity, bool) {
	st := newState[R]()
	for _, op := range d.st.applied {
		if op.Time.TimeID > at {
			break
		}
		// Applied operations already passed validation once.
		_ = st.apply(d.folder, op)
	}
	mem, ok := st.members[m]
	return mem.role, mem.public, ok
}

// Latest returns the newest time id among the applied operations.
func (d *Document[R]) Latest() trustedtime.TimeID {
	return d.st.latest
}

// Operations returns the applied operations in replay order.
func (d *Document[R]) Operations() []Operation {
	return slices.Clone(d.st.applied)
}

// SharedSecrets lists every secret generation, oldest first.
func (d *Document[R]) SharedSecrets() []SharedSecret {
	ids := slices.Sorted(maps.Keys(d.st.secrets))
	out := make([]SharedSecret, len(ids))
	for i, id := range ids {
		out[i] = SharedSecret{ID: id, Recipients: sortedMembers(d.st.secrets[id])}
	}
	return out
}

// NewestSecret returns the generation new content is encrypted under.
func (d *Document[R]) NewestSecret() (SharedSecret, bool) {
	all := d.SharedSecrets()
	if len(all) == 0 {
		return SharedSecret{}, false
	}
	return all[len(all)-1], true
}

// DecryptedSharedSecrets opens every generation sealed for id. Generations
// without an envelope for id are omitted: id never had access to them.
func (d *Document[R]) DecryptedSharedSecrets(id *keys.PrivateIdentity) map[SecretID]keys.SymmetricKey {
	out := make(map[SecretID]keys.SymmetricKey)
	for sid, env := range d.st.secrets {
		blob, ok := env[id.MemberID()]
		if !ok {
			continue
		}
		raw, ok := keys.OpenEnvelope(id, blob)
		if !ok {
			slog.Warn("shared secret envelope does not open", "folder", d.folder.String(), "secret", string(sid))
			continue
		}
		key, err := keys.SymmetricKeyFromBytes(raw)
		if err != nil {
			continue
		}
		out[sid] = key
	}
	return out
}

// DecryptSecret opens one generation for id. Fails with NotFound if the
// generation does not exist or holds no envelope for id, and Untrusted if
// the envelope does not open.
func (d *Document[R]) DecryptSecret(id *keys.PrivateIdentity, sid SecretID) (keys.SymmetricKey, error) {
	const op = "acl.DecryptSecret"
	env, ok := d.st.secrets[sid]
	if !ok {
		return keys.SymmetricKey{}, failure.New(failure.KindNotFound, op, string(sid))
	}
	blob, ok := env[id.MemberID()]
	if !ok {
		return keys.SymmetricKey{}, failure.New(failure.KindNotFound, op, string(sid))
	}
	raw, ok := keys.OpenEnvelope(id, blob)
	if !ok {
		return keys.SymmetricKey{}, failure.New(failure.KindUntrusted, op, string(sid))
	}
	key, err := keys.SymmetricKeyFromBytes(raw)
	if err != nil {
		return keys.SymmetricKey{}, failure.Wrap(failure.KindUntrusted, op, string(sid), err)
	}
	return key, nil
}

// RotateSecret seals a new secret generation for every member that can
// read and returns its id.
func (d *Document[R]) RotateSecret(src *trustedtime.Source) (SecretID, error) {
	key, err := keys.NewSymmetricKey(nil)
	if err != nil {
		return "", err
	}
	envelopes := make(map[keys.MemberID][]byte)
	for id, m := range d.st.members {
		if !m.role.CanRead() {
			continue
		}
		blob, err := keys.SealEnvelope(m.public, key[:])
		if err != nil {
			return "", err
		}
		envelopes[id] = blob
	}
	src.Observe(d.st.latest)
	sid := SecretID(src.Next())
	op := Operation{Kind: OpAddSecret, SecretID: sid, Envelopes: envelopes}
	if err := d.commit(src, op); err != nil {
		return "", err
	}
	slog.Debug("rotated shared secret", "folder", d.folder.String(), "secret", string(sid), "recipients", len(envelopes))
	return sid, nil
}

// shareNewest seals the newest generation for m, using the source's own
// envelope to recover it.
func (d *Document[R]) shareNewest(src *trustedtime.Source, m keys.MemberID) error {
	newest, ok := d.NewestSecret()
	if !ok {
		return nil
	}
	if slices.Contains(newest.Recipients, m) {
		return nil
	}
	key, err := d.DecryptSecret(src.Signer(), newest.ID)
	if err != nil {
		return err
	}
	pub, _ := d.PublicIdentity(m)
	blob, err := keys.SealEnvelope(pub, key[:])
	if err != nil {
		return err
	}
	return d.commit(src, Operation{
		Kind:      OpShareSecret,
		SecretID:  newest.ID,
		Envelopes: map[keys.MemberID][]byte{m: blob},
	})
}

// MissingEnvelopes lists, sorted, the members that can read but hold no
// envelope for the newest generation. A merge of concurrent edits leaves
// such members when one admin adds a reader while another rotates.
func (d *Document[R]) MissingEnvelopes() []keys.MemberID {
	newest, ok := d.NewestSecret()
	if !ok {
		return nil
	}
	var out []keys.MemberID
	for id, m := range d.st.members {
		if m.role.CanRead() && !slices.Contains(newest.Recipients, id) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// ShareMissing seals the newest generation for every member returned by
// MissingEnvelopes and reports how many it sealed for. Only an admin that
// can open the newest generation can do this; for anyone else it returns 0
// and no error.
func (d *Document[R]) ShareMissing(src *trustedtime.Source) (int, error) {
	missing := d.MissingEnvelopes()
	if len(missing) == 0 {
		return 0, nil
	}
	self := src.Signer()
	if role, ok := d.Member(self.MemberID()); !ok || !role.CanAdmin() {
		return 0, nil
	}
	newest, _ := d.NewestSecret()
	key, err := d.DecryptSecret(self, newest.ID)
	if failure.Is(err, failure.KindNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	envelopes := make(map[keys.MemberID][]byte, len(missing))
	for _, m := range missing {
		blob, err := keys.SealEnvelope(d.st.members[m].public, key[:])
		if err != nil {
			return 0, err
		}
		envelopes[m] = blob
	}
	if err := d.commit(src, Operation{Kind: OpShareSecret, SecretID: newest.ID, Envelopes: envelopes}); err != nil {
		return 0, err
	}
	slog.Debug("sealed newest secret for members without it",
		"folder", d.folder.String(), "secret", string(newest.ID), "members", len(missing))
	return len(missing), nil
}

// AddMember adds pub with role and, if the role can read, seals the newest
// secret generation for it. Older generations are not shared.
func (d *Document[R]) AddMember(src *trustedtime.Source, pub keys.PublicIdentity, role R) error {
	m := pub.MemberID()
	if _, exists := d.st.members[m]; exists {
		return failure.New(failure.KindAlreadyCreated, "acl.AddMember", string(m))
	}
	if err := d.commit(src, Operation{Kind: OpAddMember, Member: m, Role: string(role), Public: pub.Encode()}); err != nil {
		return err
	}
	if role.CanRead() {
		return d.shareNewest(src, m)
	}
	return nil
}

// RemoveMember removes m and rotates the shared secret.
func (d *Document[R]) RemoveMember(src *trustedtime.Source, m keys.MemberID) error {
	const op = "acl.RemoveMember"
	cur, ok := d.st.members[m]
	if !ok {
		return failure.New(failure.KindNotFound, op, string(m))
	}
	if cur.role.CanAdmin() && d.st.admins() == 1 {
		return failure.Wrap(failure.KindConflict, op, string(m), fmt.Errorf("cannot remove the last admin"))
	}
	if err := d.commit(src, Operation{Kind: OpRemoveMember, Member: m}); err != nil {
		return err
	}
	_, err := d.RotateSecret(src)
	return err
}

// ChangeRole sets m's role. Losing read access rotates the shared secret;
// gaining it shares the newest generation.
func (d *Document[R]) ChangeRole(src *trustedtime.Source, m keys.MemberID, role R) error {
	const op = "acl.ChangeRole"
	cur, ok := d.st.members[m]
	if !ok {
		return failure.New(failure.KindNotFound, op, string(m))
	}
	if cur.role == role {
		return nil
	}
	if cur.role.CanAdmin() && !role.CanAdmin() && d.st.admins() == 1 {
		return failure.Wrap(failure.KindConflict, op, string(m), fmt.Errorf("cannot demote the last admin"))
	}
	if err := d.commit(src, Operation{Kind: OpChangeRole, Member: m, Role: string(role)}); err != nil {
		return err
	}
	switch {
	case cur.role.CanRead() && !role.CanRead():
		_, err := d.RotateSecret(src)
		return err
	case !cur.role.CanRead() && role.CanRead():
		return d.shareNewest(src, m)
	}
	return nil
}

// Equal reports whether two documents hold the same operation set.
func (d *Document[R]) Equal(other *Document[R]) bool {
	a, errA := d.Encode()
	b, errB := other.Encode()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// OperationHashes returns the body hashes of applied operations, for
// diagnostics.
func (d *Document[R]) OperationHashes() []canon.Hash {
	out := make([]canon.Hash, 0, len(d.st.applied))
	for _, op := range d.st.applied {
		out = append(out, op.Time.ContentHash)
	}
	return out
}
