package vault

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncvault/internal/acl"
	"github.com/roach88/syncvault/internal/canon"
	"github.com/roach88/syncvault/internal/crdt"
	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/keys"
	"github.com/roach88/syncvault/internal/store"
	"github.com/roach88/syncvault/internal/testutil"
)

var (
	mailID    = ident.MustPlain(ident.KindFolder, "mail")
	storageID = ident.MustPlain(ident.KindBundle, "storage")
	email1ID  = ident.MustPlain(ident.KindFile, "email1")

	noteSchema = crdt.Schema{
		Type:    "note",
		Purpose: "vault-test",
		Fields: map[string]crdt.FieldSpec{
			"title": {Kind: crdt.FieldText, MaxRunes: 64},
			"tags":  {Kind: crdt.FieldSet},
		},
	}
)

type env struct {
	ctx          context.Context
	store        *store.Store
	alice, bob   *Vault
	mail, email1 ident.Path
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setup gives alice and bob vaults over one shared store, with alice owning
// mail/storage.
func setup(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	clock := testutil.NewFakeClock()
	st := store.New("alice", store.NewMemoryBacking(), store.WithLogger(discard()))
	e := &env{
		ctx:   ctx,
		store: st,
		alice: New(st, testutil.Source(t, 1, clock), WithSchemas(noteSchema), WithLogger(discard())),
		bob:   New(st, testutil.Source(t, 2, clock), WithSchemas(noteSchema), WithLogger(discard())),
	}
	folder, err := e.alice.CreateFolder(ctx, st.Root(), mailID)
	require.NoError(t, err)
	e.mail = folder.Path
	_, err = e.alice.CreateBundle(ctx, e.mail, storageID)
	require.NoError(t, err)
	e.email1 = e.mail.Append(storageID).Append(email1ID)
	return e
}

func TestCreateFolder_WritesAccessFile(t *testing.T) {
	e := setup(t)

	doc, err := e.alice.ACL(e.ctx, e.mail)
	require.NoError(t, err)
	assert.Equal(t, map[keys.MemberID]acl.StandardRole{e.alice.Identity().MemberID(): acl.RoleAdmin}, doc.Members())

	ids, err := e.store.List(e.ctx, e.mail)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ident.SyncableID{AccessID, storageID}, ids)
}

func TestWriteRead_RoundTrip(t *testing.T) {
	e := setup(t)

	_, err := e.alice.WriteFile(e.ctx, e.email1, []byte("hello"))
	require.NoError(t, err)

	raw, err := e.store.Get(e.ctx, e.email1)
	require.NoError(t, err)
	assert.NotContains(t, string(raw.Data), "hello")

	got, err := e.alice.ReadFile(e.ctx, e.email1)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestReadFile_NonMember(t *testing.T) {
	e := setup(t)
	_, err := e.alice.WriteFile(e.ctx, e.email1, []byte("hello"))
	require.NoError(t, err)

	_, err = e.bob.ReadFile(e.ctx, e.email1)
	assert.True(t, failure.Is(err, failure.KindNotFound))
}

func TestShareAndRevoke(t *testing.T) {
	e := setup(t)
	bobID := e.bob.Identity()
	require.NoError(t, e.alice.Share(e.ctx, e.mail, bobID.Public(), acl.RoleWriter))

	_, err := e.alice.WriteFile(e.ctx, e.email1, []byte("before"))
	require.NoError(t, err)
	got, err := e.bob.ReadFile(e.ctx, e.email1)
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), got)

	email2 := e.email1
	email2, _ = email2.Parent()
	email2 = email2.Append(ident.MustPlain(ident.KindFile, "email2"))
	_, err = e.bob.WriteFile(e.ctx, email2, []byte("from bob"))
	require.NoError(t, err)

	require.NoError(t, e.alice.Revoke(e.ctx, e.mail, bobID.MemberID()))

	// Old content stays readable: it was sealed with a generation bob held.
	got, err = e.bob.ReadFile(e.ctx, e.email1)
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), got)

	// New writes use the rotated secret.
	_, err = e.alice.WriteFile(e.ctx, e.email1, []byte("after"))
	require.NoError(t, err)
	_, err = e.bob.ReadFile(e.ctx, e.email1)
	assert.True(t, failure.Is(err, failure.KindNotFound))

	_, err = e.bob.WriteFile(e.ctx, email2, []byte("again"))
	assert.True(t, failure.Is(err, failure.KindUntrusted))
}

func TestReaderCannotWrite(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.alice.Share(e.ctx, e.mail, e.bob.Identity().Public(), acl.RoleReader))

	_, err := e.bob.WriteFile(e.ctx, e.email1, []byte("nope"))
	assert.True(t, failure.Is(err, failure.KindUntrusted))

	require.NoError(t, e.alice.ChangeRole(e.ctx, e.mail, e.bob.Identity().MemberID(), acl.RoleWriter))
	_, err = e.bob.WriteFile(e.ctx, e.email1, []byte("yes"))
	assert.NoError(t, err)
}

func TestReadFile_MovedBlobIsUntrusted(t *testing.T) {
	e := setup(t)
	item, err := e.alice.WriteFile(e.ctx, e.email1, []byte("hello"))
	require.NoError(t, err)

	parent, _ := e.email1.Parent()
	moved := parent.Append(ident.MustPlain(ident.KindFile, "copy"))
	_, err = e.store.WriteFile(e.ctx, moved, item.Data)
	require.NoError(t, err)

	_, err = e.alice.ReadFile(e.ctx, moved)
	assert.True(t, failure.Is(err, failure.KindUntrusted))
}

func TestWriteFile_OutsideVaultFolder(t *testing.T) {
	e := setup(t)
	p := e.store.Root().Append(ident.MustPlain(ident.KindFile, "loose"))
	_, err := e.alice.WriteFile(e.ctx, p, []byte("x"))
	assert.True(t, failure.Is(err, failure.KindNotFound))

	_, err = e.alice.WriteFile(e.ctx, e.mail.Append(AccessID), []byte("x"))
	assert.True(t, failure.Is(err, failure.KindConflict))
}

func TestDocuments(t *testing.T) {
	e := setup(t)
	p := e.mail.Append(ident.MustPlain(ident.KindFile, "note"))

	_, err := e.alice.UpdateDocument(e.ctx, p, noteSchema, func(d *crdt.Document) error {
		_, err := d.SetText("title", "0001", "groceries")
		return err
	})
	require.NoError(t, err)

	doc, err := e.alice.ReadDocument(e.ctx, p, noteSchema)
	require.NoError(t, err)
	assert.Equal(t, "groceries", doc.Text("title"))

	_, err = e.alice.ReadDocument(e.ctx, e.mail.Append(AccessID), noteSchema)
	assert.Error(t, err)

	_, err = e.alice.WriteFile(e.ctx, e.email1, []byte("plain"))
	require.NoError(t, err)
	_, err = e.alice.ReadDocument(e.ctx, e.email1, noteSchema)
	assert.True(t, failure.Is(err, failure.KindWrongType))
}

func TestMerger_Documents(t *testing.T) {
	e := setup(t)
	p := e.mail.Append(ident.MustPlain(ident.KindFile, "note"))

	write := func(tag string) []byte {
		doc := crdt.New(noteSchema)
		_, err := doc.AddToSet("tags", canon.String(tag))
		require.NoError(t, err)
		item, err := e.alice.WriteDocument(e.ctx, p, doc)
		require.NoError(t, err)
		return item.Data
	}
	remote := write("work")
	local := write("home")

	m := e.alice.Merger()
	merged, ok, err := m.Merge(e.ctx, p, local, remote)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = e.store.WriteFile(e.ctx, p, merged)
	require.NoError(t, err)

	doc, err := e.alice.ReadDocument(e.ctx, p, noteSchema)
	require.NoError(t, err)
	assert.ElementsMatch(t, []canon.Value{canon.String("home"), canon.String("work")}, doc.SetMembers("tags"))

	// Merging a copy with itself returns the local bytes untouched.
	same, ok, err := m.Merge(e.ctx, p, merged, merged)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, merged, same)
}

func TestMerger_PlainFilesAreReplaced(t *testing.T) {
	e := setup(t)
	a, err := e.alice.WriteFile(e.ctx, e.email1, []byte("a"))
	require.NoError(t, err)
	b, err := e.alice.WriteFile(e.ctx, e.email1, []byte("b"))
	require.NoError(t, err)

	_, ok, err := e.alice.Merger().Merge(e.ctx, e.email1, b.Data, a.Data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMerger_AccessFiles(t *testing.T) {
	e := setup(t)
	accessPath := e.mail.Append(AccessID)
	base, err := e.store.Get(e.ctx, accessPath)
	require.NoError(t, err)

	require.NoError(t, e.alice.Share(e.ctx, e.mail, e.bob.Identity().Public(), acl.RoleReader))
	local, err := e.store.Get(e.ctx, accessPath)
	require.NoError(t, err)

	// A concurrent edit made on another replica from the base copy.
	other, err := acl.Decode[acl.StandardRole](e.mail, base.Data)
	require.NoError(t, err)
	carol := testutil.Identity(t, 3)
	require.NoError(t, other.AddMember(e.alice.times, carol.Public(), acl.RoleWriter))
	remote, err := other.Encode()
	require.NoError(t, err)

	merged, ok, err := e.alice.Merger().Merge(e.ctx, accessPath, local.Data, remote)
	require.NoError(t, err)
	require.True(t, ok)

	doc, err := acl.Decode[acl.StandardRole](e.mail, merged)
	require.NoError(t, err)
	assert.Len(t, doc.Members(), 3)
}

func TestMerger_AccessFilesSealNewestForConcurrentReader(t *testing.T) {
	e := setup(t)
	accessPath := e.mail.Append(AccessID)
	require.NoError(t, e.alice.Share(e.ctx, e.mail, e.bob.Identity().Public(), acl.RoleReader))
	base, err := e.store.Get(e.ctx, accessPath)
	require.NoError(t, err)

	carol := testutil.Identity(t, 3)
	require.NoError(t, e.alice.Share(e.ctx, e.mail, carol.Public(), acl.RoleReader))
	local, err := e.store.Get(e.ctx, accessPath)
	require.NoError(t, err)

	// Another replica of alice revokes bob without knowing about carol.
	other, err := acl.Decode[acl.StandardRole](e.mail, base.Data)
	require.NoError(t, err)
	require.NoError(t, other.RemoveMember(e.alice.times, e.bob.Identity().MemberID()))
	remote, err := other.Encode()
	require.NoError(t, err)

	merged, ok, err := e.alice.Merger().Merge(e.ctx, accessPath, local.Data, remote)
	require.NoError(t, err)
	require.True(t, ok)

	doc, err := acl.Decode[acl.StandardRole](e.mail, merged)
	require.NoError(t, err)
	assert.Empty(t, doc.MissingEnvelopes())
	newest, ok := doc.NewestSecret()
	require.True(t, ok)
	_, err = doc.DecryptSecret(carol, newest.ID)
	require.NoError(t, err)
	_, err = doc.DecryptSecret(e.bob.Identity(), newest.ID)
	assert.True(t, failure.Is(err, failure.KindNotFound))
}

func stampAs(t *testing.T, v *Vault, parent ident.Path, data []byte) store.Metadata {
	t.Helper()
	stamp, err := v.times.Generate(parent, canon.FileHash(data))
	require.NoError(t, err)
	return store.Metadata{UpdatedAt: stamp}
}

func TestVerifyFile(t *testing.T) {
	e := setup(t)
	storage := e.mail.Append(storageID)
	data := []byte("sealed bytes")

	assert.NoError(t, e.alice.VerifyFile(e.ctx, e.email1, data, stampAs(t, e.alice, storage, data)))

	err := e.bob.VerifyFile(e.ctx, e.email1, data, stampAs(t, e.bob, storage, data))
	assert.True(t, failure.Is(err, failure.KindNotFound), "got %v", err)

	forged := stampAs(t, e.alice, storage, data)
	forged.UpdatedAt.Signature[0] ^= 0xff
	err = e.bob.VerifyFile(e.ctx, e.email1, data, forged)
	assert.True(t, failure.Is(err, failure.KindUntrusted), "got %v", err)

	err = e.alice.VerifyFile(e.ctx, e.email1, data, store.Metadata{})
	assert.True(t, failure.Is(err, failure.KindUntrusted), "got %v", err)

	outside := ident.Root("alice").Append(ident.MustPlain(ident.KindFile, "loose"))
	err = e.alice.VerifyFile(e.ctx, outside, data, stampAs(t, e.alice, ident.Root("alice"), data))
	assert.True(t, failure.Is(err, failure.KindNotFound), "got %v", err)
}

func TestVerifyFile_RoleAtStampTime(t *testing.T) {
	e := setup(t)
	storage := e.mail.Append(storageID)
	data := []byte("sealed bytes")
	bob := e.bob.Identity()
	stampByBob := func() store.Metadata {
		t.Helper()
		doc, err := e.alice.ACL(e.ctx, e.mail)
		require.NoError(t, err)
		e.bob.times.Observe(doc.Latest())
		m := stampAs(t, e.bob, storage, data)
		e.alice.times.Observe(m.UpdatedAt.TimeID)
		return m
	}

	require.NoError(t, e.alice.Share(e.ctx, e.mail, bob.Public(), acl.RoleReader))
	asReader := stampByBob()
	err := e.alice.VerifyFile(e.ctx, e.email1, data, asReader)
	assert.True(t, failure.Is(err, failure.KindNotFound), "readers cannot write")

	require.NoError(t, e.alice.ChangeRole(e.ctx, e.mail, bob.MemberID(), acl.RoleWriter))
	asWriter := stampByBob()
	assert.NoError(t, e.alice.VerifyFile(e.ctx, e.email1, data, asWriter))
	err = e.alice.VerifyFile(e.ctx, e.email1, data, asReader)
	assert.True(t, failure.Is(err, failure.KindNotFound), "a later promotion does not cover earlier stamps")

	require.NoError(t, e.alice.Revoke(e.ctx, e.mail, bob.MemberID()))
	assert.NoError(t, e.alice.VerifyFile(e.ctx, e.email1, data, asWriter), "stamps made while a writer stay valid")
	err = e.alice.VerifyFile(e.ctx, e.email1, data, stampByBob())
	assert.True(t, failure.Is(err, failure.KindNotFound), "got %v", err)
}

func TestVerifyFile_AccessFile(t *testing.T) {
	e := setup(t)
	access := e.mail.Append(AccessID)
	item, err := e.store.Get(e.ctx, access)
	require.NoError(t, err)

	assert.NoError(t, e.bob.VerifyFile(e.ctx, access, item.Data, stampAs(t, e.alice, e.mail, item.Data)))

	err = e.bob.VerifyFile(e.ctx, access, item.Data, stampAs(t, e.bob, e.mail, item.Data))
	assert.True(t, failure.Is(err, failure.KindNotFound), "got %v", err)

	junk := []byte("not a document")
	err = e.bob.VerifyFile(e.ctx, access, junk, stampAs(t, e.alice, e.mail, junk))
	assert.True(t, failure.Is(err, failure.KindUntrusted), "got %v", err)
}
