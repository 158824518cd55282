// Package vault layers access control and encryption over a store.
//
// Every folder created through a Vault carries an access file holding its
// acl document. Files beneath it are encrypted under the newest secret
// generation of the nearest such folder; the ciphertext names the
// generation it was sealed with so older content stays readable to whoever
// holds that generation.
package vault

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/syncvault/internal/acl"
	"github.com/roach88/syncvault/internal/crdt"
	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/keys"
	"github.com/roach88/syncvault/internal/store"
	"github.com/roach88/syncvault/internal/trustedtime"
)

// AccessID names the access file inside every vault folder.
var AccessID = ident.MustPlain(ident.KindFile, "_access")

// ACL is the access document type vault folders use.
type ACL = acl.Document[acl.StandardRole]

// Vault is one member's view of a store.
//
// Thread-safety: safe for concurrent use to the extent the store is;
// concurrent membership edits of one folder race at the file level and the
// later write wins until the next merge.
type Vault struct {
	store   *store.Store
	times   *trustedtime.Source
	schemas map[string]crdt.Schema
	logger  *slog.Logger
}

// Option configures a Vault.
type Option func(*Vault)

// WithSchemas registers document schemas so Merger can merge encrypted
// documents of those types.
func WithSchemas(schemas ...crdt.Schema) Option {
	return func(v *Vault) {
		for _, s := range schemas {
			v.schemas[s.Tag()] = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) { v.logger = l }
}

// New returns a vault acting as the signer of times.
func New(st *store.Store, times *trustedtime.Source, opts ...Option) *Vault {
	v := &Vault{
		store:   st,
		times:   times,
		schemas: make(map[string]crdt.Schema),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Store returns the underlying store.
func (v *Vault) Store() *store.Store {
	return v.store
}

// Identity returns the member the vault acts as.
func (v *Vault) Identity() *keys.PrivateIdentity {
	return v.times.Signer()
}

// CreateFolder creates a folder with the caller as its only admin.
func (v *Vault) CreateFolder(ctx context.Context, parent ident.Path, id ident.SyncableID) (store.Item, error) {
	item, err := v.store.CreateFolder(ctx, parent, id)
	if err != nil {
		return store.Item{}, err
	}
	doc, err := acl.Genesis(item.Path, v.times, acl.RoleAdmin)
	if err != nil {
		return store.Item{}, err
	}
	if err := v.saveACL(ctx, doc); err != nil {
		return store.Item{}, err
	}
	v.logger.Debug("created vault folder", "path", item.Path.String())
	return item, nil
}

// CreateBundle creates a bundle. Bundles share their folder's access.
func (v *Vault) CreateBundle(ctx context.Context, parent ident.Path, id ident.SyncableID) (store.Item, error) {
	return v.store.CreateBundle(ctx, parent, id)
}

// ACL loads the access document of folder.
func (v *Vault) ACL(ctx context.Context, folder ident.Path) (*ACL, error) {
	item, err := v.store.Get(ctx, folder.Append(AccessID))
	if err != nil {
		return nil, err
	}
	return acl.Decode[acl.StandardRole](folder, item.Data)
}

func (v *Vault) saveACL(ctx context.Context, doc *ACL) error {
	data, err := doc.Encode()
	if err != nil {
		return err
	}
	_, err = v.store.WriteFile(ctx, doc.Folder().Append(AccessID), data)
	return err
}

// governingFolder returns the nearest folder at or above p's parent that
// holds an access file.
func (v *Vault) governingFolder(ctx context.Context, op string, p ident.Path) (*ACL, error) {
	for _, a := range p.Ancestors() {
		if a.IsRoot() {
			break
		}
		if a.Kind() != ident.KindFolder {
			continue
		}
		doc, err := v.ACL(ctx, a)
		if failure.Is(err, failure.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return doc, nil
	}
	return nil, failure.Wrap(failure.KindNotFound, op, p.String(), fmt.Errorf("no access-controlled folder above"))
}

func (v *Vault) editACL(ctx context.Context, folder ident.Path, fn func(*ACL) error) error {
	doc, err := v.ACL(ctx, folder)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return v.saveACL(ctx, doc)
}

// Share adds pub to folder with role.
func (v *Vault) Share(ctx context.Context, folder ident.Path, pub keys.PublicIdentity, role acl.StandardRole) error {
	return v.editACL(ctx, folder, func(doc *ACL) error {
		return doc.AddMember(v.times, pub, role)
	})
}

// Revoke removes m from folder and rotates its secret. Content already
// written stays under the generation it was written with.
func (v *Vault) Revoke(ctx context.Context, folder ident.Path, m keys.MemberID) error {
	return v.editACL(ctx, folder, func(doc *ACL) error {
		return doc.RemoveMember(v.times, m)
	})
}

// ChangeRole sets m's role in folder.
func (v *Vault) ChangeRole(ctx context.Context, folder ident.Path, m keys.MemberID, role acl.StandardRole) error {
	return v.editACL(ctx, folder, func(doc *ACL) error {
		return doc.ChangeRole(v.times, m, role)
	})
}
