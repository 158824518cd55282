package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/syncvault/internal/canon"
	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/trustedtime"
)

// Change describes one committed mutation.
type Change struct {
	Path    ident.Path
	Kind    ident.Kind
	Deleted bool
}

// Observer is called after every committed mutation that can change a
// content hash, outside the root lock.
type Observer func(Change)

// Store is the item hierarchy of one storage root.
type Store struct {
	root      ident.StorageRootID
	backing   Backing
	cache     *HashCache
	lock      *RootLock
	times     *trustedtime.Source
	observers []Observer
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTimeSource stamps created/updated metadata with signed trusted times
// for local writes.
func WithTimeSource(src *trustedtime.Source) Option {
	return func(s *Store) { s.times = src }
}

// WithLockTimeout bounds the wait for the root lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lock = NewRootLock(d) }
}

// WithObserver registers fn to be told about every mutation.
func WithObserver(fn Observer) Option {
	return func(s *Store) { s.observers = append(s.observers, fn) }
}

// WithLogger sets the logger. Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New returns a Store for root over backing.
func New(root ident.StorageRootID, backing Backing, opts ...Option) *Store {
	s := &Store{
		root:    root,
		backing: backing,
		cache:   NewHashCache(),
		lock:    NewRootLock(DefaultLockTimeout),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StorageRoot returns the root id.
func (s *Store) StorageRoot() ident.StorageRootID {
	return s.root
}

// Root returns the path of the root folder.
func (s *Store) Root() ident.Path {
	return ident.Root(s.root)
}

// Backing returns the persistence layer.
func (s *Store) Backing() Backing {
	return s.backing
}

// TimeSource returns the configured time source, or nil.
func (s *Store) TimeSource() *trustedtime.Source {
	return s.times
}

// Close closes the backing.
func (s *Store) Close() error {
	return s.backing.Close()
}

func (s *Store) checkRoot(op string, p ident.Path) error {
	if p.StorageRoot() != s.root {
		return failure.Wrap(failure.KindNotFound, op, p.String(),
			fmt.Errorf("path belongs to root %q, store holds %q", p.StorageRoot(), s.root))
	}
	return nil
}

// Get returns the live item at p.
// Fails with NotFound, Deleted, or Untrusted when a file's bytes no longer
// match its recorded content hash.
func (s *Store) Get(ctx context.Context, p ident.Path) (Item, error) {
	const op = "store.Get"
	if err := s.checkRoot(op, p); err != nil {
		return Item{}, err
	}
	item := Item{Path: p, Kind: ident.KindFolder}
	if !p.IsRoot() {
		rec, err := s.loadLive(ctx, s.backing, op, p)
		if err != nil {
			return Item{}, err
		}
		if rec.Kind == ident.KindFile && rec.Meta.ContentHash != "" && canon.FileHash(rec.Data) != rec.Meta.ContentHash {
			return Item{}, failure.New(failure.KindUntrusted, op, p.String())
		}
		item.Kind = rec.Kind
		item.Data = rec.Data
		item.Meta = rec.Meta
	}
	if h, ok := s.cache.Peek(p.String()); ok {
		item.Local = LocalMetadata{CachedHash: h, HasCachedHash: true}
	}
	return item, nil
}

// Stat reports the kind at p and whether it is a tombstone. Only a path
// with no record at all fails, with NotFound.
func (s *Store) Stat(ctx context.Context, p ident.Path) (kind ident.Kind, deleted bool, err error) {
	const op = "store.Stat"
	if err := s.checkRoot(op, p); err != nil {
		return "", false, err
	}
	if p.IsRoot() {
		return ident.KindFolder, false, nil
	}
	rec, ok, err := s.backing.Load(ctx, p)
	if err != nil {
		return "", false, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return "", false, failure.New(failure.KindNotFound, op, p.String())
	}
	return rec.Kind, rec.Deleted, nil
}

// Record returns what is stored at p, tombstones included. The root is
// reported as an empty folder record.
func (s *Store) Record(ctx context.Context, p ident.Path) (Record, error) {
	const op = "store.Record"
	if err := s.checkRoot(op, p); err != nil {
		return Record{}, err
	}
	if p.IsRoot() {
		return Record{Kind: ident.KindFolder}, nil
	}
	rec, ok, err := s.backing.Load(ctx, p)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return Record{}, failure.New(failure.KindNotFound, op, p.String())
	}
	return rec, nil
}

func (s *Store) loadLive(ctx context.Context, r Reader, op string, p ident.Path) (Record, error) {
	rec, ok, err := r.Load(ctx, p)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return Record{}, failure.New(failure.KindNotFound, op, p.String())
	}
	if rec.Deleted {
		return Record{}, failure.New(failure.KindDeleted, op, p.String())
	}
	return rec, nil
}

// checkContainer verifies that p is a live folder or bundle.
func (s *Store) checkContainer(ctx context.Context, r Reader, op string, p ident.Path) error {
	if p.IsRoot() {
		return nil
	}
	rec, err := s.loadLive(ctx, r, op, p)
	if err != nil {
		return err
	}
	if !rec.Kind.IsContainer() {
		return failure.New(failure.KindWrongType, op, p.String())
	}
	return nil
}

// checkNameClash fails with Conflict when the parent already holds an id
// with the same origin and body but a different kind.
func (s *Store) checkNameClash(ctx context.Context, r Reader, op string, parent ident.Path, id ident.SyncableID) error {
	children, err := r.Children(ctx, parent)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for _, c := range children {
		if c.ID != id && !c.Deleted && c.ID.Origin() == id.Origin() && c.ID.Body() == id.Body() {
			return failure.Wrap(failure.KindConflict, op, parent.Append(id).String(),
				fmt.Errorf("%s already exists as a %s", c.ID, c.ID.Kind()))
		}
	}
	return nil
}

func (s *Store) stamp(parent ident.Path, h canon.Hash) (trustedtime.TrustedTime, error) {
	if s.times == nil {
		return trustedtime.TrustedTime{}, nil
	}
	return s.times.Generate(parent, h)
}

// errUnchanged aborts a mutation that turned out to be a no-op.
var errUnchanged = errors.New("unchanged")

// mutate runs fn under the root lock and a backing update, then
// invalidates cached hashes and notifies observers.
func (s *Store) mutate(ctx context.Context, p ident.Path, change *Change, fn func(tx Tx) error) error {
	release, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	err = s.backing.Update(ctx, fn)
	release()
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}

	if change != nil {
		s.invalidate(p, change.Deleted)
		s.logger.Debug("item written", "path", p.String(), "kind", string(change.Kind), "deleted", change.Deleted)
		for _, obs := range s.observers {
			obs(*change)
		}
	}
	return nil
}

func (s *Store) invalidate(p ident.Path, subtree bool) {
	keys := []string{p.String()}
	for _, a := range p.Ancestors() {
		keys = append(keys, a.String())
	}
	s.cache.Invalidate(keys...)
	if subtree {
		s.cache.InvalidatePrefix(p.String() + "/")
	}
}

// CreateFolder creates an empty folder named id under parent.
func (s *Store) CreateFolder(ctx context.Context, parent ident.Path, id ident.SyncableID) (Item, error) {
	return s.createContainer(ctx, "store.CreateFolder", ident.KindFolder, parent, id, nil)
}

// CreateBundle creates an empty bundle named id under parent.
func (s *Store) CreateBundle(ctx context.Context, parent ident.Path, id ident.SyncableID) (Item, error) {
	return s.createContainer(ctx, "store.CreateBundle", ident.KindBundle, parent, id, nil)
}

// CreateFile creates a file named id under parent holding data.
// Fails with AlreadyCreated if the file exists; use WriteFile to replace
// content.
func (s *Store) CreateFile(ctx context.Context, parent ident.Path, id ident.SyncableID, data []byte) (Item, error) {
	const op = "store.CreateFile"
	if err := s.checkNewID(op, ident.KindFile, parent, id); err != nil {
		return Item{}, err
	}
	p := parent.Append(id)
	h := canon.FileHash(data)

	var rec Record
	err := s.mutate(ctx, p, &Change{Path: p, Kind: ident.KindFile}, func(tx Tx) error {
		if err := s.checkAbsent(ctx, tx, op, parent, p, id); err != nil {
			return err
		}
		t, err := s.stamp(parent, h)
		if err != nil {
			return err
		}
		rec = Record{
			Kind: ident.KindFile,
			Data: bytes.Clone(data),
			Meta: Metadata{ContentHash: h, CreatedAt: t, UpdatedAt: t},
		}
		return tx.Save(ctx, p, rec)
	})
	if err != nil {
		return Item{}, err
	}
	return Item{Path: p, Kind: rec.Kind, Data: rec.Data, Meta: rec.Meta}, nil
}

func (s *Store) checkNewID(op string, kind ident.Kind, parent ident.Path, id ident.SyncableID) error {
	if err := s.checkRoot(op, parent); err != nil {
		return err
	}
	if err := id.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if id.Kind() != kind {
		return failure.Wrap(failure.KindWrongType, op, parent.Append(id).String(),
			fmt.Errorf("id %s is a %s id, want %s", id, id.Kind(), kind))
	}
	return nil
}

// checkAbsent verifies the parent and that nothing lives at p yet.
func (s *Store) checkAbsent(ctx context.Context, tx Tx, op string, parent, p ident.Path, id ident.SyncableID) error {
	if err := s.checkContainer(ctx, tx, op, parent); err != nil {
		return err
	}
	existing, ok, err := tx.Load(ctx, p)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if ok {
		if existing.Deleted {
			return failure.New(failure.KindDeleted, op, p.String())
		}
		return failure.New(failure.KindAlreadyCreated, op, p.String())
	}
	return s.checkNameClash(ctx, tx, op, parent, id)
}

func (s *Store) createContainer(ctx context.Context, op string, kind ident.Kind, parent ident.Path, id ident.SyncableID, meta *Metadata) (Item, error) {
	if err := s.checkNewID(op, kind, parent, id); err != nil {
		return Item{}, err
	}
	p := parent.Append(id)

	var rec Record
	err := s.mutate(ctx, p, &Change{Path: p, Kind: kind}, func(tx Tx) error {
		if err := s.checkAbsent(ctx, tx, op, parent, p, id); err != nil {
			return err
		}
		rec = Record{Kind: kind}
		if meta != nil {
			rec.Meta = *meta
			rec.Meta.ContentHash = ""
		} else {
			empty, err := canon.ContainerHash(nil)
			if err != nil {
				return err
			}
			t, err := s.stamp(parent, empty)
			if err != nil {
				return err
			}
			rec.Meta = Metadata{CreatedAt: t, UpdatedAt: t}
		}
		return tx.Save(ctx, p, rec)
	})
	if err != nil {
		return Item{}, err
	}
	return Item{Path: p, Kind: kind, Meta: rec.Meta}, nil
}

// EnsureContainer creates the folder or bundle at p with meta unless a live
// container of that kind already exists. It reports whether it created one.
func (s *Store) EnsureContainer(ctx context.Context, p ident.Path, meta *Metadata) (created bool, err error) {
	const op = "store.EnsureContainer"
	parent, ok := p.Parent()
	if !ok {
		return false, nil
	}
	id, _ := p.Last()
	_, err = s.createContainer(ctx, op, id.Kind(), parent, id, meta)
	if failure.Is(err, failure.KindAlreadyCreated) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// WriteFile creates or replaces the file at p with data. CreatedAt is kept
// across replacements; UpdatedAt is restamped.
func (s *Store) WriteFile(ctx context.Context, p ident.Path, data []byte) (Item, error) {
	return s.PutFile(ctx, p, data, nil)
}

// PutFile is WriteFile with explicit metadata, as used when applying
// content received from a remote. A non-empty meta.ContentHash must match
// data or the write fails with Untrusted.
func (s *Store) PutFile(ctx context.Context, p ident.Path, data []byte, meta *Metadata) (Item, error) {
	const op = "store.PutFile"
	parent, ok := p.Parent()
	if !ok {
		return Item{}, failure.New(failure.KindWrongType, op, p.String())
	}
	id, _ := p.Last()
	if err := s.checkNewID(op, ident.KindFile, parent, id); err != nil {
		return Item{}, err
	}
	h := canon.FileHash(data)
	if meta != nil && meta.ContentHash != "" && meta.ContentHash != h {
		return Item{}, failure.Wrap(failure.KindUntrusted, op, p.String(),
			fmt.Errorf("content hash %s does not match data %s", meta.ContentHash.Short(), h.Short()))
	}

	var rec Record
	err := s.mutate(ctx, p, &Change{Path: p, Kind: ident.KindFile}, func(tx Tx) error {
		if err := s.checkContainer(ctx, tx, op, parent); err != nil {
			return err
		}
		existing, exists, err := tx.Load(ctx, p)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if exists && existing.Deleted {
			return failure.New(failure.KindDeleted, op, p.String())
		}
		if !exists {
			if err := s.checkNameClash(ctx, tx, op, parent, id); err != nil {
				return err
			}
		}

		rec = Record{Kind: ident.KindFile, Data: bytes.Clone(data)}
		switch {
		case meta != nil:
			rec.Meta = *meta
		default:
			t, err := s.stamp(parent, h)
			if err != nil {
				return err
			}
			rec.Meta = existing.Meta
			rec.Meta.UpdatedAt = t
			if !exists {
				rec.Meta.CreatedAt = t
			}
		}
		rec.Meta.ContentHash = h
		return tx.Save(ctx, p, rec)
	})
	if err != nil {
		return Item{}, err
	}
	return Item{Path: p, Kind: rec.Kind, Data: rec.Data, Meta: rec.Meta}, nil
}

// Delete replaces the live item at p with a tombstone and drops everything
// beneath it. Fails with NotFound if nothing is there and Deleted if it is
// already a tombstone.
func (s *Store) Delete(ctx context.Context, p ident.Path) error {
	return s.tombstone(ctx, "store.Delete", p, nil, true)
}

// Tombstone marks p deleted whether or not it exists locally, for applying
// deletions received from a remote. Tombstoning a tombstone is a no-op.
func (s *Store) Tombstone(ctx context.Context, p ident.Path, meta *Metadata) error {
	return s.tombstone(ctx, "store.Tombstone", p, meta, false)
}

func (s *Store) tombstone(ctx context.Context, op string, p ident.Path, meta *Metadata, strict bool) error {
	if err := s.checkRoot(op, p); err != nil {
		return err
	}
	parent, ok := p.Parent()
	if !ok {
		return failure.Wrap(failure.KindWrongType, op, p.String(), fmt.Errorf("the root folder cannot be deleted"))
	}
	id, _ := p.Last()

	return s.mutate(ctx, p, &Change{Path: p, Kind: id.Kind(), Deleted: true}, func(tx Tx) error {
		existing, exists, err := tx.Load(ctx, p)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		switch {
		case !exists && strict:
			return failure.New(failure.KindNotFound, op, p.String())
		case exists && existing.Deleted && strict:
			return failure.New(failure.KindDeleted, op, p.String())
		case exists && existing.Deleted:
			return errUnchanged
		}
		if err := s.checkContainer(ctx, tx, op, parent); err != nil {
			return err
		}
		if err := tx.DeleteDescendants(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		rec := Record{Kind: id.Kind(), Deleted: true}
		if meta != nil {
			rec.Meta = *meta
		} else {
			t, err := s.stamp(parent, canon.TombstoneHash(string(id)))
			if err != nil {
				return err
			}
			rec.Meta = Metadata{CreatedAt: existing.Meta.CreatedAt, UpdatedAt: t}
		}
		rec.Meta.ContentHash = ""
		return tx.Save(ctx, p, rec)
	})
}

// SetMetadata replaces the synced metadata of the live item at p. It never
// changes a content hash; a file keeps the hash of its bytes.
func (s *Store) SetMetadata(ctx context.Context, p ident.Path, meta Metadata) error {
	const op = "store.SetMetadata"
	if err := s.checkRoot(op, p); err != nil {
		return err
	}
	if p.IsRoot() {
		return nil
	}
	return s.mutate(ctx, p, nil, func(tx Tx) error {
		rec, err := s.loadLive(ctx, tx, op, p)
		if err != nil {
			return err
		}
		keep := rec.Meta.ContentHash
		rec.Meta = meta
		rec.Meta.ContentHash = keep
		return tx.Save(ctx, p, rec)
	})
}

// List returns the ids of the live children of the container at p.
func (s *Store) List(ctx context.Context, p ident.Path) ([]ident.SyncableID, error) {
	const op = "store.List"
	if err := s.checkRoot(op, p); err != nil {
		return nil, err
	}
	if err := s.checkContainer(ctx, s.backing, op, p); err != nil {
		return nil, err
	}
	children, err := s.backing.Children(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ids := make([]ident.SyncableID, 0, len(children))
	for _, c := range children {
		if !c.Deleted {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

// Hash returns the content hash of p, from cache when possible. A tombstone
// hashes to its tombstone hash.
func (s *Store) Hash(ctx context.Context, p ident.Path) (canon.Hash, error) {
	const op = "store.Hash"
	if err := s.checkRoot(op, p); err != nil {
		return "", err
	}
	return s.cache.GetOrCompute(p.String(), func() (canon.Hash, error) {
		return s.computeHash(ctx, op, p)
	})
}

func (s *Store) computeHash(ctx context.Context, op string, p ident.Path) (canon.Hash, error) {
	if p.IsRoot() {
		return s.containerHash(ctx, op, p)
	}
	rec, ok, err := s.backing.Load(ctx, p)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return "", failure.New(failure.KindNotFound, op, p.String())
	}
	id, _ := p.Last()
	switch {
	case rec.Deleted:
		return canon.TombstoneHash(string(id)), nil
	case rec.Kind == ident.KindFile:
		return canon.FileHash(rec.Data), nil
	default:
		return s.containerHash(ctx, op, p)
	}
}

func (s *Store) containerHash(ctx context.Context, op string, p ident.Path) (canon.Hash, error) {
	hashes, err := s.childHashes(ctx, op, p)
	if err != nil {
		return "", err
	}
	entries := make([]canon.ChildHash, 0, len(hashes))
	for id, h := range hashes {
		entries = append(entries, canon.ChildHash{ID: string(id), Hash: h})
	}
	h, err := canon.ContainerHash(entries)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return h, nil
}

func (s *Store) childHashes(ctx context.Context, op string, p ident.Path) (map[ident.SyncableID]canon.Hash, error) {
	children, err := s.backing.Children(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := make(map[ident.SyncableID]canon.Hash, len(children))
	for _, c := range children {
		if c.Deleted {
			out[c.ID] = canon.TombstoneHash(string(c.ID))
			continue
		}
		h, err := s.Hash(ctx, p.Append(c.ID))
		if failure.Is(err, failure.KindNotFound) {
			// Removed by a concurrent delete of an ancestor; the
			// invalidation that follows will discard this result.
			continue
		}
		if err != nil {
			return nil, err
		}
		out[c.ID] = h
	}
	return out, nil
}

// ChildHashes returns the hash of every direct child of the container at p,
// tombstones included.
func (s *Store) ChildHashes(ctx context.Context, p ident.Path) (map[ident.SyncableID]canon.Hash, error) {
	const op = "store.ChildHashes"
	if err := s.checkRoot(op, p); err != nil {
		return nil, err
	}
	if err := s.checkContainer(ctx, s.backing, op, p); err != nil {
		return nil, err
	}
	return s.childHashes(ctx, op, p)
}

// Walk calls fn for p and every live item beneath it, parents before
// children and siblings in id order.
func (s *Store) Walk(ctx context.Context, p ident.Path, fn func(Item) error) error {
	item, err := s.Get(ctx, p)
	if err != nil {
		return err
	}
	if err := fn(item); err != nil {
		return err
	}
	if !item.Kind.IsContainer() {
		return nil
	}
	ids, err := s.List(ctx, p)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Walk(ctx, p.Append(id), fn); err != nil {
			return err
		}
	}
	return nil
}
