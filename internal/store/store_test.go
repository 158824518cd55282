package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncvault/internal/canon"
	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/keys"
	"github.com/roach88/syncvault/internal/trustedtime"
)

func TestStore_Backings(t *testing.T) {
	for name, factory := range backingFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(testRoot, factory(t))
			buildMailTree(t, s)

			item, err := s.Get(ctx, email1Path)
			require.NoError(t, err)
			assert.Equal(t, ident.KindFile, item.Kind)
			assert.Equal(t, []byte("hello"), item.Data)
			assert.Equal(t, canon.FileHash([]byte("hello")), item.Meta.ContentHash)

			ids, err := s.List(ctx, storagePath)
			require.NoError(t, err)
			assert.Equal(t, []ident.SyncableID{email1ID, email2ID}, ids)

			_, err = s.WriteFile(ctx, email1Path, []byte("hello2"))
			require.NoError(t, err)
			item, err = s.Get(ctx, email1Path)
			require.NoError(t, err)
			assert.Equal(t, []byte("hello2"), item.Data)

			require.NoError(t, s.Delete(ctx, storagePath))
			_, err = s.Get(ctx, email1Path)
			assert.ErrorIs(t, err, failure.ErrNotFound)
			_, err = s.Get(ctx, storagePath)
			assert.ErrorIs(t, err, failure.ErrDeleted)

			ids, err = s.List(ctx, mailPath)
			require.NoError(t, err)
			assert.Empty(t, ids)
		})
	}
}

func TestStore_SameHashAcrossBackings(t *testing.T) {
	var hashes []canon.Hash
	for _, factory := range backingFactories() {
		s := New(testRoot, factory(t))
		buildMailTree(t, s)
		h, err := s.Hash(context.Background(), rootPath)
		require.NoError(t, err)
		hashes = append(hashes, h)
	}
	require.Len(t, hashes, 3)
	assert.Equal(t, hashes[0], hashes[1])
	assert.Equal(t, hashes[1], hashes[2])
}

func TestHash_InsertionOrderIndependent(t *testing.T) {
	ctx := context.Background()
	ids := []ident.SyncableID{
		ident.MustPlain(ident.KindFile, "a"),
		ident.MustPlain(ident.KindFile, "b"),
		ident.MustPlain(ident.KindFile, "c"),
		ident.MustPlain(ident.KindFile, "d"),
	}
	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}}

	var hashes []canon.Hash
	for _, order := range orders {
		s := newTestStore(t)
		_, err := s.CreateFolder(ctx, rootPath, mailID)
		require.NoError(t, err)
		for _, i := range order {
			_, err := s.CreateFile(ctx, mailPath, ids[i], []byte(ids[i].Body()))
			require.NoError(t, err)
		}
		h, err := s.Hash(ctx, mailPath)
		require.NoError(t, err)
		hashes = append(hashes, h)
	}
	assert.Equal(t, hashes[0], hashes[1])
	assert.Equal(t, hashes[0], hashes[2])
}

func TestHash_Propagation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	buildMailTree(t, s)

	before := map[string]canon.Hash{}
	for _, p := range []ident.Path{rootPath, mailPath, storagePath, email1Path, email2Path} {
		h, err := s.Hash(ctx, p)
		require.NoError(t, err)
		before[p.String()] = h
	}

	_, err := s.WriteFile(ctx, email1Path, []byte("hello2"))
	require.NoError(t, err)

	for _, p := range []ident.Path{rootPath, mailPath, storagePath, email1Path} {
		h, err := s.Hash(ctx, p)
		require.NoError(t, err)
		assert.NotEqual(t, before[p.String()], h, "ancestor %s must change", p)
	}
	h, err := s.Hash(ctx, email2Path)
	require.NoError(t, err)
	assert.Equal(t, before[email2Path.String()], h, "sibling must not change")
}

func TestHash_MemoisedAndInvalidated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	buildMailTree(t, s)

	_, err := s.Hash(ctx, rootPath)
	require.NoError(t, err)
	item, err := s.Get(ctx, storagePath)
	require.NoError(t, err)
	assert.True(t, item.Local.HasCachedHash)

	_, err = s.WriteFile(ctx, email1Path, []byte("x"))
	require.NoError(t, err)

	item, err = s.Get(ctx, storagePath)
	require.NoError(t, err)
	assert.False(t, item.Local.HasCachedHash)
	item, err = s.Get(ctx, email2Path)
	require.NoError(t, err)
	assert.True(t, item.Local.HasCachedHash, "sibling cache survives")
}

func TestHash_EqualsRecomputation(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryBacking()
	s := New(testRoot, backing)
	buildMailTree(t, s)
	_, err := s.Hash(ctx, rootPath)
	require.NoError(t, err)
	_, err = s.WriteFile(ctx, email2Path, []byte("changed"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, email1Path))

	cached, err := s.Hash(ctx, rootPath)
	require.NoError(t, err)
	fresh, err := New(testRoot, backing).Hash(ctx, rootPath)
	require.NoError(t, err)
	assert.Equal(t, fresh, cached)
}

func TestHash_TombstoneChangesParent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	buildMailTree(t, s)

	before, err := s.Hash(ctx, storagePath)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, email2Path))
	after, err := s.Hash(ctx, storagePath)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	h, err := s.Hash(ctx, email2Path)
	require.NoError(t, err)
	assert.Equal(t, canon.TombstoneHash(string(email2ID)), h)

	hashes, err := s.ChildHashes(ctx, storagePath)
	require.NoError(t, err)
	assert.Len(t, hashes, 2)
}

func TestCreate_Errors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	buildMailTree(t, s)

	tests := []struct {
		name string
		run  func() error
		kind failure.Kind
	}{
		{"already created", func() error {
			_, err := s.CreateFolder(ctx, rootPath, mailID)
			return err
		}, failure.KindAlreadyCreated},
		{"parent missing", func() error {
			_, err := s.CreateFile(ctx, rootPath.Append(ident.MustPlain(ident.KindFolder, "nope")), email1ID, nil)
			return err
		}, failure.KindNotFound},
		{"parent is a file", func() error {
			_, err := s.CreateFile(ctx, email1Path, email2ID, nil)
			return err
		}, failure.KindWrongType},
		{"kind mismatch", func() error {
			_, err := s.CreateBundle(ctx, rootPath, mailID)
			return err
		}, failure.KindWrongType},
		{"same name different kind", func() error {
			_, err := s.CreateBundle(ctx, rootPath, ident.MustPlain(ident.KindBundle, "mail"))
			return err
		}, failure.KindConflict},
		{"list a file", func() error {
			_, err := s.List(ctx, email1Path)
			return err
		}, failure.KindWrongType},
		{"delete missing", func() error {
			return s.Delete(ctx, mailPath.Append(ident.MustPlain(ident.KindFile, "ghost")))
		}, failure.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.Error(t, err)
			kind, ok := failure.KindOf(err)
			require.True(t, ok, "want taxonomy error, got %v", err)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestCreate_AtTombstone(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	buildMailTree(t, s)
	require.NoError(t, s.Delete(ctx, email1Path))

	_, err := s.CreateFile(ctx, storagePath, email1ID, []byte("again"))
	assert.ErrorIs(t, err, failure.ErrDeleted)
	_, err = s.WriteFile(ctx, email1Path, []byte("again"))
	assert.ErrorIs(t, err, failure.ErrDeleted)
	assert.ErrorIs(t, s.Delete(ctx, email1Path), failure.ErrDeleted)
	assert.NoError(t, s.Tombstone(ctx, email1Path, nil))
}

func TestTombstone_MissingItem(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	buildMailTree(t, s)
	ghost := storagePath.Append(ident.MustPlain(ident.KindFile, "ghost"))

	require.NoError(t, s.Tombstone(ctx, ghost, nil))
	kind, deleted, err := s.Stat(ctx, ghost)
	require.NoError(t, err)
	assert.Equal(t, ident.KindFile, kind)
	assert.True(t, deleted)

	rec, err := s.Record(ctx, ghost)
	require.NoError(t, err)
	assert.True(t, rec.Deleted)
	_, err = s.Record(ctx, storagePath.Append(ident.MustPlain(ident.KindFile, "never")))
	assert.ErrorIs(t, err, failure.ErrNotFound)
}

func TestPutFile_RejectsHashMismatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	buildMailTree(t, s)

	_, err := s.PutFile(ctx, email1Path, []byte("evil"), &Metadata{ContentHash: canon.FileHash([]byte("good"))})
	assert.ErrorIs(t, err, failure.ErrUntrusted)
}

func TestGet_DetectsCorruptedBytes(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryBacking()
	s := New(testRoot, backing)
	buildMailTree(t, s)

	require.NoError(t, backing.Update(ctx, func(tx Tx) error {
		rec, _, err := tx.Load(ctx, email1Path)
		require.NoError(t, err)
		rec.Data = []byte("tampered")
		return tx.Save(ctx, email1Path, rec)
	}))

	_, err := s.Get(ctx, email1Path)
	assert.ErrorIs(t, err, failure.ErrUntrusted)
}

func TestWrongRoot(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), ident.MustPath("bob", mailID))
	assert.ErrorIs(t, err, failure.ErrNotFound)
}

func TestTimeSourceStamps(t *testing.T) {
	ctx := context.Background()
	var seed [32]byte
	signer, err := keys.IdentityFromSeed(seed)
	require.NoError(t, err)
	src := trustedtime.NewSource(signer, clockwork.NewFakeClockAt(time.Unix(1000, 0)))
	s := newTestStore(t, WithTimeSource(src))
	buildMailTree(t, s)

	first, err := s.Get(ctx, email1Path)
	require.NoError(t, err)
	assert.True(t, first.Meta.CreatedAt.Verify(signer.Public().Signing))
	assert.Equal(t, storagePath.String(), first.Meta.CreatedAt.ParentPath)

	_, err = s.WriteFile(ctx, email1Path, []byte("hello2"))
	require.NoError(t, err)
	second, err := s.Get(ctx, email1Path)
	require.NoError(t, err)
	assert.Equal(t, first.Meta.CreatedAt, second.Meta.CreatedAt)
	assert.Greater(t, string(second.Meta.UpdatedAt.TimeID), string(first.Meta.UpdatedAt.TimeID))
	assert.Equal(t, canon.FileHash([]byte("hello2")), second.Meta.UpdatedAt.ContentHash)
}

func TestSetMetadata_KeepsHash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	buildMailTree(t, s)

	before, err := s.Hash(ctx, email1Path)
	require.NoError(t, err)
	require.NoError(t, s.SetMetadata(ctx, email1Path, Metadata{DynamicName: "Re: hi"}))

	item, err := s.Get(ctx, email1Path)
	require.NoError(t, err)
	assert.Equal(t, "Re: hi", item.Meta.DynamicName)
	assert.Equal(t, canon.FileHash([]byte("hello")), item.Meta.ContentHash)
	after, err := s.Hash(ctx, email1Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEnsureContainer(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	created, err := s.EnsureContainer(ctx, storagePath, nil)
	assert.ErrorIs(t, err, failure.ErrNotFound)
	assert.False(t, created)

	created, err = s.EnsureContainer(ctx, mailPath, nil)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.EnsureContainer(ctx, mailPath, nil)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestWalk(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	buildMailTree(t, s)

	var visited []string
	require.NoError(t, s.Walk(ctx, rootPath, func(it Item) error {
		visited = append(visited, it.Path.String())
		return nil
	}))
	assert.Equal(t, []string{
		rootPath.String(), mailPath.String(), storagePath.String(), email1Path.String(), email2Path.String(),
	}, visited)
}

func TestObserver(t *testing.T) {
	ctx := context.Background()
	var changes []Change
	s := newTestStore(t, WithObserver(func(c Change) { changes = append(changes, c) }))
	buildMailTree(t, s)
	require.NoError(t, s.Delete(ctx, email2Path))

	require.Len(t, changes, 5)
	assert.True(t, changes[4].Deleted)
	assert.True(t, changes[4].Path.Equal(email2Path))
}

func TestConcurrentWritesAndHashes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	buildMailTree(t, s)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id := ident.MustPlain(ident.KindFile, string(rune('a'+i)))
			_, err := s.WriteFile(ctx, storagePath.Append(id), []byte{byte(i)})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := s.Hash(ctx, rootPath)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	cached, err := s.Hash(ctx, rootPath)
	require.NoError(t, err)
	fresh, err := New(testRoot, s.Backing()).Hash(ctx, rootPath)
	require.NoError(t, err)
	assert.Equal(t, fresh, cached)
}
