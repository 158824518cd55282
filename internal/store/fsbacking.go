package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"github.com/roach88/syncvault/internal/canon"
	"github.com/roach88/syncvault/internal/ident"
)

const (
	recordFile = "_item.json"
	dataFile   = "_data"
)

// FSBacking stores each item as a directory on an afero.Fs: the record
// header in _item.json and file bytes in _data. Children are the item's
// subdirectories. The header is written after the data, so a torn write
// leaves the previous header describing the previous state.
//
// Thread-safety: safe for concurrent use within one process. When a lock
// file is configured, Update also holds an flock on it so two processes
// sharing the directory never mutate at the same time.
type FSBacking struct {
	fs  afero.Fs
	dir string

	mu        sync.RWMutex
	lock      *flock.Flock
	lockRetry time.Duration
}

// FSOption configures an FSBacking.
type FSOption func(*FSBacking)

// WithLockFile guards Update with an OS-level flock on path. The lock
// always lives on the real filesystem, whatever afero.Fs holds the items.
func WithLockFile(path string) FSOption {
	return func(b *FSBacking) {
		b.lock = flock.New(path)
	}
}

// WithLockRetry sets how often a blocked Update retries the flock.
func WithLockRetry(d time.Duration) FSOption {
	return func(b *FSBacking) {
		b.lockRetry = d
	}
}

// NewFSBacking stores items under dir on fs, creating dir if needed.
func NewFSBacking(fs afero.Fs, dir string, opts ...FSOption) (*FSBacking, error) {
	b := &FSBacking{fs: fs, dir: dir, lockRetry: 20 * time.Millisecond}
	for _, opt := range opts {
		opt(b)
	}
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create backing dir: %w", err)
	}
	return b, nil
}

func (b *FSBacking) itemDir(p ident.Path) string {
	parts := make([]string, 0, p.Len()+2)
	parts = append(parts, b.dir, string(p.StorageRoot()))
	for _, id := range p.IDs() {
		parts = append(parts, string(id))
	}
	return filepath.Join(parts...)
}

func (b *FSBacking) Load(ctx context.Context, p ident.Path) (Record, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fsTx{b}.Load(ctx, p)
}

func (b *FSBacking) Children(ctx context.Context, p ident.Path) ([]Child, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fsTx{b}.Children(ctx, p)
}

// Update holds the in-process lock and, when configured, the flock.
func (b *FSBacking) Update(ctx context.Context, fn func(tx Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lock != nil {
		locked, err := b.lock.TryLockContext(ctx, b.lockRetry)
		if err != nil {
			return fmt.Errorf("lock backing dir: %w", err)
		}
		if !locked {
			return fmt.Errorf("lock backing dir: %s is held by another process", b.lock.Path())
		}
		defer b.lock.Unlock()
	}
	return fn(fsTx{b})
}

func (b *FSBacking) Close() error {
	if b.lock != nil {
		return b.lock.Close()
	}
	return nil
}

type fsTx struct {
	b *FSBacking
}

func (t fsTx) Load(_ context.Context, p ident.Path) (Record, bool, error) {
	dir := t.b.itemDir(p)
	header, err := afero.ReadFile(t.b.fs, filepath.Join(dir, recordFile))
	if os.IsNotExist(err) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read record: %w", err)
	}
	rec, err := decodeHeader(header)
	if err != nil {
		return Record{}, false, fmt.Errorf("read record %s: %w", p, err)
	}
	if rec.Kind == ident.KindFile && !rec.Deleted {
		data, err := afero.ReadFile(t.b.fs, filepath.Join(dir, dataFile))
		if err != nil && !os.IsNotExist(err) {
			return Record{}, false, fmt.Errorf("read data: %w", err)
		}
		rec.Data = data
	}
	return rec, true, nil
}

func (t fsTx) Children(ctx context.Context, p ident.Path) ([]Child, error) {
	entries, err := afero.ReadDir(t.b.fs, t.b.itemDir(p))
	if os.IsNotExist(err) {
		return []Child{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}

	children := []Child{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := ident.ParseID(e.Name())
		if err != nil {
			continue
		}
		rec, ok, err := t.Load(ctx, p.Append(id))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		children = append(children, Child{ID: id, Deleted: rec.Deleted})
	}
	slices.SortFunc(children, func(a, b Child) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return children, nil
}

func (t fsTx) Save(_ context.Context, p ident.Path, rec Record) error {
	if p.IsRoot() {
		return fmt.Errorf("save record: the root folder has no record")
	}
	dir := t.b.itemDir(p)
	if err := t.b.fs.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save record: %w", err)
	}

	dataPath := filepath.Join(dir, dataFile)
	if rec.Kind == ident.KindFile && !rec.Deleted {
		if err := afero.WriteFile(t.b.fs, dataPath, rec.Data, 0o600); err != nil {
			return fmt.Errorf("save data: %w", err)
		}
	} else if err := t.b.fs.Remove(dataPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("save record: %w", err)
	}

	header, err := encodeHeader(rec)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	if err := afero.WriteFile(t.b.fs, filepath.Join(dir, recordFile), header, 0o600); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

func (t fsTx) DeleteDescendants(_ context.Context, p ident.Path) error {
	dir := t.b.itemDir(p)
	entries, err := afero.ReadDir(t.b.fs, dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete descendants: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := t.b.fs.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("delete descendants: %w", err)
		}
	}
	return nil
}

func encodeHeader(rec Record) ([]byte, error) {
	return canon.MarshalCanonical(canon.Object{
		"kind":    canon.String(rec.Kind),
		"deleted": canon.Bool(rec.Deleted),
		"meta":    rec.Meta.toValue(),
	})
}

func decodeHeader(data []byte) (Record, error) {
	v, err := canon.UnmarshalValue(data)
	if err != nil {
		return Record{}, err
	}
	obj, ok := v.(canon.Object)
	if !ok {
		return Record{}, fmt.Errorf("record header is %T, want object", v)
	}
	kind, _ := obj["kind"].(canon.String)
	deleted, _ := obj["deleted"].(canon.Bool)
	rec := Record{Kind: ident.Kind(kind), Deleted: bool(deleted)}
	if !rec.Kind.Valid() {
		return Record{}, fmt.Errorf("record header has unknown kind %q", string(kind))
	}
	if meta, ok := obj["meta"]; ok {
		if rec.Meta, err = metadataFromValue(meta); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}
