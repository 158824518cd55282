package remote

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/syncvault/internal/canon"
	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/keys"
	"github.com/roach88/syncvault/internal/store"
	"github.com/roach88/syncvault/internal/trustedtime"
)

// Handler serves the protocol from a store. It never decrypts anything:
// content and access files travel as opaque bytes.
//
// Thread-safety: safe for concurrent use.
type Handler struct {
	store       *store.Store
	credentials CredentialStore
	notify      func(Notification)
	logger      *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithCredentials enables the credential endpoints.
func WithCredentials(c CredentialStore) HandlerOption {
	return func(h *Handler) { h.credentials = c }
}

// WithNotifySink receives every accepted notification.
func WithNotifySink(fn func(Notification)) HandlerOption {
	return func(h *Handler) { h.notify = fn }
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// NewHandler serves st.
func NewHandler(st *store.Store, opts ...HandlerOption) *Handler {
	h := &Handler{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Store returns the served store.
func (h *Handler) Store() *store.Store {
	return h.store
}

func (h *Handler) checkRoot(op string, root ident.StorageRootID) error {
	if root != h.store.StorageRoot() {
		return failure.Wrap(failure.KindNotFound, op, string(root), fmt.Errorf("this remote serves %q", h.store.StorageRoot()))
	}
	return nil
}

// Pull answers each target with its diff.
func (h *Handler) Pull(ctx context.Context, req PullRequest) (PullResponse, error) {
	const op = "remote.Pull"
	if err := h.checkRoot(op, req.Root); err != nil {
		return PullResponse{}, err
	}
	resp := PullResponse{Nodes: make(map[string]*PullDiffNode, len(req.Targets))}
	for _, t := range req.Targets {
		node, err := h.diff(ctx, t)
		if failure.Is(err, failure.KindNotFound) {
			continue
		}
		if err != nil {
			return PullResponse{}, err
		}
		resp.Nodes[t.Path.String()] = node
	}
	return resp, nil
}

func (h *Handler) diff(ctx context.Context, t PullTarget) (*PullDiffNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := h.store.Record(ctx, t.Path)
	if err != nil {
		return nil, err
	}
	hash, err := h.store.Hash(ctx, t.Path)
	if err != nil {
		return nil, err
	}
	node := &PullDiffNode{Type: rec.Kind, Hash: hash, Deleted: rec.Deleted}
	if hash == t.KnownHash {
		return node, nil
	}
	node.OutOfSync = true
	node.Meta = rec.Meta

	switch {
	case rec.Deleted:
		return node, nil
	case rec.Kind == ident.KindFile:
		if !t.HashesOnly {
			node.Data = rec.Data
		}
		return node, nil
	}

	if node.HashesByID, err = h.store.ChildHashes(ctx, t.Path); err != nil {
		return nil, err
	}
	if t.HashesOnly {
		return node, nil
	}
	whole := t.KnownHash == "" && t.KnownChildren == nil
	for id, ch := range node.HashesByID {
		known, has := t.KnownChildren[id]
		if has && known == ch {
			continue
		}
		// Differing containers the requester already has are left to the
		// next round.
		if !whole && has && id.Kind().IsContainer() && ch != tombstoneOf(id) {
			continue
		}
		child, err := h.diff(ctx, PullTarget{Path: t.Path.Append(id), KnownHash: known})
		if failure.Is(err, failure.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if node.Children == nil {
			node.Children = make(map[ident.SyncableID]*PullDiffNode)
		}
		node.Children[id] = child
	}
	return node, nil
}

func tombstoneOf(id ident.SyncableID) canon.Hash {
	return canon.TombstoneHash(string(id))
}

// Push applies items: containers and files parent first, then the metadata
// of containers that already existed, deepest first, so a container's
// metadata is never updated before its children are written. A file whose
// stored copy is stamped later than the incoming one is kept and reported
// in Skipped.
func (h *Handler) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	const op = "remote.Push"
	if err := h.checkRoot(op, req.Root); err != nil {
		return PushResponse{}, err
	}
	items := slices.Clone(req.Items)
	slices.SortStableFunc(items, func(a, b PushItem) int {
		return cmp.Compare(a.Path.Len(), b.Path.Len())
	})

	var (
		existing []PushItem
		skipped  []ident.Path
	)
	applied := 0
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return PushResponse{Applied: applied}, err
		}
		if !req.Path.Equal(it.Path) && !req.Path.IsAncestorOf(it.Path) && !it.Path.IsAncestorOf(req.Path) {
			return PushResponse{Applied: applied}, failure.Wrap(failure.KindConflict, op, it.Path.String(),
				fmt.Errorf("item is outside pushed path %s", req.Path))
		}
		meta := it.Meta
		switch {
		case it.Deleted:
			if err := h.store.Tombstone(ctx, it.Path, &meta); err != nil {
				return PushResponse{Applied: applied}, err
			}
		case it.Type.IsContainer():
			created, err := h.store.EnsureContainer(ctx, it.Path, &meta)
			if err != nil {
				return PushResponse{Applied: applied}, err
			}
			if !created {
				existing = append(existing, it)
				continue
			}
		default:
			newer, err := h.storedIsNewer(ctx, it)
			if err != nil {
				return PushResponse{Applied: applied}, err
			}
			if newer {
				skipped = append(skipped, it.Path)
				continue
			}
			if _, err := h.store.PutFile(ctx, it.Path, it.Data, &meta); err != nil {
				return PushResponse{Applied: applied}, err
			}
		}
		applied++
	}

	for _, it := range slices.Backward(existing) {
		if it.Path.IsRoot() {
			continue
		}
		rec, err := h.store.Record(ctx, it.Path)
		if err != nil {
			return PushResponse{Applied: applied}, err
		}
		if rec.Meta.Equal(it.Meta) {
			continue
		}
		if err := h.store.SetMetadata(ctx, it.Path, it.Meta); err != nil {
			return PushResponse{Applied: applied}, err
		}
		applied++
	}

	hash, err := h.store.Hash(ctx, req.Path)
	if err != nil {
		return PushResponse{Applied: applied}, err
	}
	h.logger.Debug("applied push", "path", req.Path.String(), "items", len(req.Items), "applied", applied, "skipped", len(skipped))
	return PushResponse{Applied: applied, Hash: hash, Skipped: skipped}, nil
}

// storedIsNewer reports whether the live file at it.Path carries a later
// stamp than it does.
func (h *Handler) storedIsNewer(ctx context.Context, it PushItem) (bool, error) {
	rec, err := h.store.Record(ctx, it.Path)
	if failure.Is(err, failure.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Deleted || rec.Kind != ident.KindFile {
		return false, nil
	}
	return trustedtime.Compare(rec.Meta.UpdatedAt, it.Meta.UpdatedAt) > 0, nil
}

// Notify hands n to the notification sink.
func (h *Handler) Notify(ctx context.Context, n Notification) error {
	if err := h.checkRoot("remote.Notify", n.Root); err != nil {
		return err
	}
	h.logger.Debug("notification received", "path", n.Path.String(), "hash", n.NewHash.Short(), "from", n.From)
	if h.notify != nil {
		h.notify(n)
	}
	return nil
}

// StoreCredential stores a wrapped identity blob.
func (h *Handler) StoreCredential(ctx context.Context, member keys.MemberID, blob []byte) error {
	if h.credentials == nil {
		return &StatusError{Code: 501, Message: "credential storage is not enabled"}
	}
	return h.credentials.StoreCredential(ctx, member, blob)
}

// RetrieveCredential returns a stored blob.
func (h *Handler) RetrieveCredential(ctx context.Context, member keys.MemberID) ([]byte, error) {
	if h.credentials == nil {
		return nil, &StatusError{Code: 501, Message: "credential storage is not enabled"}
	}
	return h.credentials.RetrieveCredential(ctx, member)
}
