package acl

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncvault/internal/crdt"
	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/keys"
	"github.com/roach88/syncvault/internal/trustedtime"
)

var folder = ident.MustPath("alice", ident.MustPlain(ident.KindFolder, "mail"))

type actor struct {
	id  *keys.PrivateIdentity
	src *trustedtime.Source
}

func newActor(t *testing.T, clock clockwork.Clock, b byte) actor {
	t.Helper()
	var seed [32]byte
	seed[0] = b
	id, err := keys.IdentityFromSeed(seed)
	require.NoError(t, err)
	return actor{id: id, src: trustedtime.NewSource(id, clock)}
}

func (a actor) member() keys.MemberID { return a.id.MemberID() }

type fixture struct {
	clock                   *clockwork.FakeClock
	alice, bob, carol, dave actor
	doc                     *Document[StandardRole]
}

func setup(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	f := &fixture{
		clock: clock,
		alice: newActor(t, clock, 1),
		bob:   newActor(t, clock, 2),
		carol: newActor(t, clock, 3),
		dave:  newActor(t, clock, 4),
	}
	doc, err := Genesis(folder, f.alice.src, RoleAdmin)
	require.NoError(t, err)
	f.doc = doc
	return f
}

func reencode(t *testing.T, d *Document[StandardRole]) *Document[StandardRole] {
	t.Helper()
	data, err := d.Encode()
	require.NoError(t, err)
	out, err := Decode[StandardRole](folder, data)
	require.NoError(t, err)
	return out
}

func TestGenesis(t *testing.T) {
	f := setup(t)

	assert.Equal(t, map[keys.MemberID]StandardRole{f.alice.member(): RoleAdmin}, f.doc.Members())
	newest, ok := f.doc.NewestSecret()
	require.True(t, ok)
	assert.Equal(t, []keys.MemberID{f.alice.member()}, newest.Recipients)

	_, err := f.doc.DecryptSecret(f.alice.id, newest.ID)
	require.NoError(t, err)
	assert.Len(t, f.doc.Operations(), 2)
}

func TestGenesis_RequiresAdminRole(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := newActor(t, clock, 1)
	_, err := Genesis(folder, a.src, RoleReader)
	assert.True(t, failure.Is(err, failure.KindUntrusted))
}

func TestAddMember_SharesNewestSecret(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.doc.AddMember(f.alice.src, f.bob.id.Public(), RoleReader))

	newest, _ := f.doc.NewestSecret()
	aliceKey, err := f.doc.DecryptSecret(f.alice.id, newest.ID)
	require.NoError(t, err)
	bobKey, err := f.doc.DecryptSecret(f.bob.id, newest.ID)
	require.NoError(t, err)
	assert.Equal(t, aliceKey, bobKey)

	role, ok := f.doc.Member(f.bob.member())
	require.True(t, ok)
	assert.Equal(t, RoleReader, role)
}

func TestAddMember_NoneRoleGetsNoSecret(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.doc.AddMember(f.alice.src, f.bob.id.Public(), RoleNone))

	assert.Empty(t, f.doc.DecryptedSharedSecrets(f.bob.id))
}

func TestAddMember_Duplicate(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.doc.AddMember(f.alice.src, f.bob.id.Public(), RoleReader))
	err := f.doc.AddMember(f.alice.src, f.bob.id.Public(), RoleWriter)
	assert.True(t, failure.Is(err, failure.KindAlreadyCreated))
}

func TestRemoveMember_RotatesSecret(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.doc.AddMember(f.alice.src, f.bob.id.Public(), RoleReader))
	require.NoError(t, f.doc.AddMember(f.alice.src, f.carol.id.Public(), RoleWriter))
	before, _ := f.doc.NewestSecret()

	require.NoError(t, f.doc.RemoveMember(f.alice.src, f.bob.member()))

	after, ok := f.doc.NewestSecret()
	require.True(t, ok)
	assert.NotEqual(t, before.ID, after.ID)
	assert.ElementsMatch(t, []keys.MemberID{f.alice.member(), f.carol.member()}, after.Recipients)

	_, err := f.doc.DecryptSecret(f.bob.id, after.ID)
	assert.True(t, failure.Is(err, failure.KindNotFound), "removed member must not open the new generation")
	_, err = f.doc.DecryptSecret(f.carol.id, after.ID)
	assert.NoError(t, err)

	// Old content stays readable to whoever held the old generation.
	_, err = f.doc.DecryptSecret(f.bob.id, before.ID)
	assert.NoError(t, err)

	bobSecrets := f.doc.DecryptedSharedSecrets(f.bob.id)
	assert.Contains(t, bobSecrets, before.ID)
	assert.NotContains(t, bobSecrets, after.ID)

	_, ok = f.doc.Member(f.bob.member())
	assert.False(t, ok)
}

func TestRemoveMember_RevocationSurvivesEncoding(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.doc.AddMember(f.alice.src, f.bob.id.Public(), RoleReader))
	require.NoError(t, f.doc.RemoveMember(f.alice.src, f.bob.member()))

	decoded := reencode(t, f.doc)
	assert.True(t, decoded.Equal(f.doc))
	assert.Equal(t, f.doc.Members(), decoded.Members())
	newest, _ := decoded.NewestSecret()
	_, err := decoded.DecryptSecret(f.bob.id, newest.ID)
	assert.True(t, failure.Is(err, failure.KindNotFound))
}

func TestLastAdmin(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.doc.AddMember(f.alice.src, f.bob.id.Public(), RoleReader))

	err := f.doc.RemoveMember(f.alice.src, f.alice.member())
	assert.True(t, failure.Is(err, failure.KindConflict))
	err = f.doc.ChangeRole(f.alice.src, f.alice.member(), RoleWriter)
	assert.True(t, failure.Is(err, failure.KindConflict))

	require.NoError(t, f.doc.ChangeRole(f.alice.src, f.bob.member(), RoleAdmin))
	require.NoError(t, f.doc.ChangeRole(f.alice.src, f.alice.member(), RoleWriter))
	role, _ := f.doc.Member(f.alice.member())
	assert.Equal(t, RoleWriter, role)
}

func TestMissingMember(t *testing.T) {
	f := setup(t)
	err := f.doc.RemoveMember(f.alice.src, f.bob.member())
	assert.True(t, failure.Is(err, failure.KindNotFound))
	err = f.doc.ChangeRole(f.alice.src, f.bob.member(), RoleReader)
	assert.True(t, failure.Is(err, failure.KindNotFound))
}

func TestChangeRole_ReadAccess(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.doc.AddMember(f.alice.src, f.bob.id.Public(), RoleReader))
	first, _ := f.doc.NewestSecret()

	require.NoError(t, f.doc.ChangeRole(f.alice.src, f.bob.member(), RoleNone))
	second, _ := f.doc.NewestSecret()
	assert.NotEqual(t, first.ID, second.ID, "losing read access rotates")
	assert.NotContains(t, second.Recipients, f.bob.member())

	require.NoError(t, f.doc.ChangeRole(f.alice.src, f.bob.member(), RoleWriter))
	third, _ := f.doc.NewestSecret()
	assert.Equal(t, second.ID, third.ID, "gaining read access shares the current generation")
	assert.Contains(t, third.Recipients, f.bob.member())
}

func TestMemberAt(t *testing.T) {
	f := setup(t)
	beforeAdd := f.doc.Latest()
	require.NoError(t, f.doc.AddMember(f.alice.src, f.bob.id.Public(), RoleReader))
	added := f.doc.Latest()
	require.NoError(t, f.doc.ChangeRole(f.alice.src, f.bob.member(), RoleWriter))
	promoted := f.doc.Latest()
	require.NoError(t, f.doc.RemoveMember(f.alice.src, f.bob.member()))

	_, _, ok := f.doc.MemberAt(f.bob.member(), beforeAdd)
	assert.False(t, ok)

	role, pub, ok := f.doc.MemberAt(f.bob.member(), added)
	require.True(t, ok)
	assert.Equal(t, RoleReader, role)
	assert.True(t, pub.Equal(f.bob.id.Public()))

	role, _, ok = f.doc.MemberAt(f.bob.member(), promoted)
	require.True(t, ok)
	assert.Equal(t, RoleWriter, role)

	_, _, ok = f.doc.MemberAt(f.bob.member(), f.doc.Latest())
	assert.False(t, ok)
	role, _, ok = f.doc.MemberAt(f.alice.member(), f.doc.Latest())
	require.True(t, ok)
	assert.Equal(t, RoleAdmin, role)
}

func TestNonAdminCannotEdit(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.doc.AddMember(f.alice.src, f.bob.id.Public(), RoleWriter))

	bobCopy := reencode(t, f.doc)
	err := bobCopy.AddMember(f.bob.src, f.carol.id.Public(), RoleReader)
	assert.True(t, failure.Is(err, failure.KindUntrusted))
	_, err = bobCopy.RotateSecret(f.bob.src)
	assert.True(t, failure.Is(err, failure.KindUntrusted))
	assert.True(t, bobCopy.Equal(f.doc), "rejected operations must not be stored")
}

func TestReplay_SkipsForgedOperations(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.doc.AddMember(f.alice.src, f.bob.id.Public(), RoleWriter))
	members := f.doc.Members()

	// Signed by a member who is not an admin.
	op := Operation{Kind: OpAddMember, Member: f.carol.member(), Role: string(RoleAdmin), Public: f.carol.id.Public().Encode()}
	h, err := op.BodyHash()
	require.NoError(t, err)
	op.Time, err = f.bob.src.Generate(folder, h)
	require.NoError(t, err)
	_, err = f.doc.doc.AddToSet(opsField, op.toValue())
	require.NoError(t, err)

	// Signed by an admin, then altered.
	tampered := Operation{Kind: OpChangeRole, Member: f.bob.member(), Role: string(RoleReader)}
	h, err = tampered.BodyHash()
	require.NoError(t, err)
	tampered.Time, err = f.alice.src.Generate(folder, h)
	require.NoError(t, err)
	tampered.Role = string(RoleAdmin)
	_, err = f.doc.doc.AddToSet(opsField, tampered.toValue())
	require.NoError(t, err)

	// Signed for another folder.
	other := ident.MustPath("alice", ident.MustPlain(ident.KindFolder, "notes"))
	moved := Operation{Kind: OpRemoveMember, Member: f.bob.member()}
	h, err = moved.BodyHash()
	require.NoError(t, err)
	moved.Time, err = f.alice.src.Generate(other, h)
	require.NoError(t, err)
	_, err = f.doc.doc.AddToSet(opsField, moved.toValue())
	require.NoError(t, err)

	require.NoError(t, f.doc.replay())
	assert.Equal(t, members, f.doc.Members())
	assert.Len(t, f.doc.Operations(), 4)
}

func TestConcurrentAdminsConverge(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.doc.AddMember(f.alice.src, f.bob.id.Public(), RoleAdmin))

	aliceDoc := f.doc
	bobDoc := reencode(t, f.doc)

	require.NoError(t, aliceDoc.AddMember(f.alice.src, f.carol.id.Public(), RoleReader))
	f.clock.Advance(time.Second)
	require.NoError(t, bobDoc.AddMember(f.bob.src, f.dave.id.Public(), RoleWriter))

	left := reencode(t, aliceDoc)
	require.NoError(t, left.Merge(bobDoc))
	right := reencode(t, bobDoc)
	require.NoError(t, right.Merge(aliceDoc))

	assert.True(t, left.Equal(right))
	assert.Equal(t, left.Members(), right.Members())
	assert.Len(t, left.Members(), 4)

	// Merging again changes nothing.
	require.NoError(t, left.Merge(right))
	assert.True(t, left.Equal(right))
}

func TestShareMissing_AfterConcurrentAddAndRotation(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.doc.AddMember(f.alice.src, f.bob.id.Public(), RoleAdmin))
	require.NoError(t, f.doc.AddMember(f.alice.src, f.dave.id.Public(), RoleReader))

	aliceDoc := f.doc
	bobDoc := reencode(t, f.doc)

	require.NoError(t, aliceDoc.AddMember(f.alice.src, f.carol.id.Public(), RoleReader))
	f.clock.Advance(time.Second)
	require.NoError(t, bobDoc.RemoveMember(f.bob.src, f.dave.member()))

	require.NoError(t, aliceDoc.Merge(bobDoc))
	role, ok := aliceDoc.Member(f.carol.member())
	require.True(t, ok)
	assert.Equal(t, RoleReader, role)
	newest, ok := aliceDoc.NewestSecret()
	require.True(t, ok)
	_, err := aliceDoc.DecryptSecret(f.carol.id, newest.ID)
	require.True(t, failure.Is(err, failure.KindNotFound), "the rotation did not know about carol")
	assert.Equal(t, []keys.MemberID{f.carol.member()}, aliceDoc.MissingEnvelopes())

	// A reader's copy cannot repair anything.
	carolCopy := reencode(t, aliceDoc)
	n, err := carolCopy.ShareMissing(f.carol.src)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = aliceDoc.ShareMissing(f.alice.src)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, aliceDoc.MissingEnvelopes())
	_, err = aliceDoc.DecryptSecret(f.carol.id, newest.ID)
	require.NoError(t, err)
	_, err = aliceDoc.DecryptSecret(f.dave.id, newest.ID)
	assert.True(t, failure.Is(err, failure.KindNotFound), "removed members stay out")

	// Bob converges on the repaired document.
	require.NoError(t, bobDoc.Merge(aliceDoc))
	assert.True(t, bobDoc.Equal(aliceDoc))
	assert.Empty(t, bobDoc.MissingEnvelopes())
}

func TestMergeEncoded(t *testing.T) {
	f := setup(t)
	copyDoc := reencode(t, f.doc)
	require.NoError(t, f.doc.AddMember(f.alice.src, f.bob.id.Public(), RoleReader))

	data, err := f.doc.Encode()
	require.NoError(t, err)
	require.NoError(t, copyDoc.MergeEncoded(data))
	assert.Equal(t, f.doc.Members(), copyDoc.Members())
}

func TestDecode_WrongDocumentType(t *testing.T) {
	other := crdt.New(crdt.Schema{Type: "note", Purpose: "body", Fields: map[string]crdt.FieldSpec{"text": {Kind: crdt.FieldText}}})
	data, err := other.Snapshot()
	require.NoError(t, err)

	_, err = Decode[StandardRole](folder, data)
	assert.True(t, failure.Is(err, failure.KindWrongType))
}

func TestParseStandardRole(t *testing.T) {
	r, err := ParseStandardRole("writer")
	require.NoError(t, err)
	assert.True(t, r.CanWrite())
	assert.False(t, r.CanAdmin())

	_, err = ParseStandardRole("owner")
	assert.Error(t, err)
}
