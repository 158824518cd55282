// Package remote defines the sync wire protocol, serves it from a store,
// and classifies and retries remote failures.
//
// A pull is a merkle diff: the requester names a path with the hash and
// child hashes it already has, and the serving side answers with a
// PullDiffNode that stops wherever hashes match. Differing files and
// subtrees the requester lacks entirely are returned inline; differing
// containers return only their child hashes, and the requester asks for
// them in the next round.
package remote

import (
	"context"

	"github.com/roach88/syncvault/internal/canon"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/keys"
	"github.com/roach88/syncvault/internal/store"
)

// PullTarget is one path the requester wants compared.
type PullTarget struct {
	Path      ident.Path `json:"path"`
	KnownHash canon.Hash `json:"known_hash,omitempty"`
	// KnownChildren holds the requester's child hashes. nil means the
	// requester has no container here; an empty map means an empty one.
	KnownChildren map[ident.SyncableID]canon.Hash `json:"known_children"`
	// HashesOnly asks for hashes without file content or inline subtrees.
	HashesOnly bool `json:"hashes_only,omitempty"`
}

// PullRequest asks for the diff of every target against one root.
type PullRequest struct {
	Root    ident.StorageRootID `json:"root"`
	Targets []PullTarget        `json:"targets"`
}

// PullDiffNode is the diff of one item.
type PullDiffNode struct {
	Type      ident.Kind     `json:"type"`
	Hash      canon.Hash     `json:"hash"`
	OutOfSync bool           `json:"out_of_sync"`
	Deleted   bool           `json:"deleted,omitempty"`
	Meta      store.Metadata `json:"meta"`
	// Data is set for out-of-sync files.
	Data []byte `json:"data,omitempty"`
	// HashesByID is set for out-of-sync containers, tombstones included.
	HashesByID map[ident.SyncableID]canon.Hash `json:"hashes_by_id,omitempty"`
	// Children holds the inline diffs of differing files and of whole
	// subtrees the requester does not have.
	Children map[ident.SyncableID]*PullDiffNode `json:"children,omitempty"`
}

// PullResponse maps each target's path string to its diff. A target with
// nothing stored remotely is absent.
type PullResponse struct {
	Nodes map[string]*PullDiffNode `json:"nodes"`
}

// PushItem is one item sent to a remote.
type PushItem struct {
	Path    ident.Path     `json:"path"`
	Type    ident.Kind     `json:"type"`
	Data    []byte         `json:"data,omitempty"`
	Deleted bool           `json:"deleted,omitempty"`
	Meta    store.Metadata `json:"meta"`
}

// PushRequest carries the changed items under Path.
type PushRequest struct {
	Root  ident.StorageRootID `json:"root"`
	Path  ident.Path          `json:"path"`
	Items []PushItem          `json:"items"`
}

// PushResponse reports what the remote applied and its resulting hash.
// Skipped lists files the remote kept because its copy is stamped later.
type PushResponse struct {
	Applied int          `json:"applied"`
	Hash    canon.Hash   `json:"hash"`
	Skipped []ident.Path `json:"skipped,omitempty"`
}

// Notification announces that content at Path now hashes to NewHash,
// without carrying the content.
type Notification struct {
	Root    ident.StorageRootID `json:"root"`
	Path    ident.Path          `json:"path"`
	NewHash canon.Hash          `json:"new_hash"`
	From    string              `json:"from"`
}

// Remote is the client side of the protocol.
type Remote interface {
	ID() string
	Pull(ctx context.Context, req PullRequest) (PullResponse, error)
	Push(ctx context.Context, req PushRequest) (PushResponse, error)
	Notify(ctx context.Context, n Notification) error
}

// CredentialStore keeps wrapped identity blobs by member.
type CredentialStore interface {
	StoreCredential(ctx context.Context, member keys.MemberID, blob []byte) error
	// RetrieveCredential fails with NotFound when nothing is stored.
	RetrieveCredential(ctx context.Context, member keys.MemberID) ([]byte, error)
}

// Local is a Remote served in-process by a Handler.
type Local struct {
	id      string
	handler *Handler
}

// NewLocal returns a Remote named id backed by h.
func NewLocal(id string, h *Handler) *Local {
	return &Local{id: id, handler: h}
}

func (l *Local) ID() string { return l.id }

func (l *Local) Pull(ctx context.Context, req PullRequest) (PullResponse, error) {
	return l.handler.Pull(ctx, req)
}

func (l *Local) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	return l.handler.Push(ctx, req)
}

func (l *Local) Notify(ctx context.Context, n Notification) error {
	return l.handler.Notify(ctx, n)
}
