package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncvault/internal/ident"
)

const testRoot ident.StorageRootID = "alice"

var (
	mailID    = ident.MustPlain(ident.KindFolder, "mail")
	storageID = ident.MustPlain(ident.KindBundle, "storage")
	email1ID  = ident.MustPlain(ident.KindFile, "email1")
	email2ID  = ident.MustPlain(ident.KindFile, "email2")

	rootPath    = ident.Root(testRoot)
	mailPath    = rootPath.Append(mailID)
	storagePath = mailPath.Append(storageID)
	email1Path  = storagePath.Append(email1ID)
	email2Path  = storagePath.Append(email2ID)
)

// backingFactories builds every backing the store ships with.
func backingFactories() map[string]func(t *testing.T) Backing {
	return map[string]func(t *testing.T) Backing{
		"memory": func(t *testing.T) Backing {
			return NewMemoryBacking()
		},
		"sqlite": func(t *testing.T) Backing {
			b, err := OpenSQLite(filepath.Join(t.TempDir(), "items.db"))
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			return b
		},
		"fs": func(t *testing.T) Backing {
			b, err := NewFSBacking(afero.NewMemMapFs(), "/vault",
				WithLockFile(filepath.Join(t.TempDir(), ".lock")))
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			return b
		},
	}
}

// newTestStore creates a memory-backed store for testing.
func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return New(testRoot, NewMemoryBacking(), opts...)
}

// buildMailTree creates mail/storage/{email1,email2}.
func buildMailTree(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateFolder(ctx, rootPath, mailID)
	require.NoError(t, err)
	_, err = s.CreateBundle(ctx, mailPath, storageID)
	require.NoError(t, err)
	_, err = s.CreateFile(ctx, storagePath, email1ID, []byte("hello"))
	require.NoError(t, err)
	_, err = s.CreateFile(ctx, storagePath, email2ID, []byte("sibling"))
	require.NoError(t, err)
}
