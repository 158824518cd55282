package vault

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/roach88/syncvault/internal/acl"
	"github.com/roach88/syncvault/internal/crdt"
	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/keys"
	"github.com/roach88/syncvault/internal/store"
)

const sealMagic = "svx1"

type contentKind byte

const (
	contentFile     contentKind = 'f'
	contentDocument contentKind = 'd'
)

// sealed is the parsed form of an encrypted file:
//
//	"svx1" | kind | uvarint len(secret) | secret | ciphertext
//
// The header and the item path are the AEAD associated data, so a blob
// cannot be moved to another path or relabelled.
type sealed struct {
	kind       contentKind
	secret     acl.SecretID
	header     []byte
	ciphertext []byte
}

func sealHeader(kind contentKind, sid acl.SecretID) []byte {
	h := append([]byte(sealMagic), byte(kind))
	h = binary.AppendUvarint(h, uint64(len(sid)))
	return append(h, sid...)
}

func parseSealed(data []byte) (sealed, error) {
	if !bytes.HasPrefix(data, []byte(sealMagic)) || len(data) < len(sealMagic)+2 {
		return sealed{}, fmt.Errorf("not an encrypted vault file")
	}
	rest := data[len(sealMagic):]
	kind := contentKind(rest[0])
	if kind != contentFile && kind != contentDocument {
		return sealed{}, fmt.Errorf("unknown content kind %q", kind)
	}
	n, w := binary.Uvarint(rest[1:])
	if w <= 0 || uint64(len(rest)-1-w) < n {
		return sealed{}, fmt.Errorf("truncated secret id")
	}
	end := len(sealMagic) + 1 + w + int(n)
	return sealed{
		kind:       kind,
		secret:     acl.SecretID(data[len(sealMagic)+1+w : end]),
		header:     data[:end],
		ciphertext: data[end:],
	}, nil
}

func aad(header []byte, p ident.Path) []byte {
	return append(bytes.Clone(header), p.String()...)
}

// seal encrypts plaintext for p under the newest secret of doc. The caller
// must be able to write to doc's folder.
func (v *Vault) seal(doc *ACL, p ident.Path, kind contentKind, plaintext []byte) ([]byte, error) {
	const op = "vault.seal"
	me := v.Identity()
	role, ok := doc.Member(me.MemberID())
	if !ok || !role.CanWrite() {
		return nil, failure.Wrap(failure.KindUntrusted, op, p.String(),
			fmt.Errorf("%s cannot write to %s", me.MemberID(), doc.Folder()))
	}
	newest, ok := doc.NewestSecret()
	if !ok {
		return nil, failure.Wrap(failure.KindNotFound, op, p.String(), fmt.Errorf("folder has no secret"))
	}
	key, err := doc.DecryptSecret(me, newest.ID)
	if err != nil {
		return nil, err
	}
	header := sealHeader(kind, newest.ID)
	ct, err := keys.Encrypt(key, plaintext, aad(header, p))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return append(header, ct...), nil
}

// open decrypts data stored at p.
func (v *Vault) open(doc *ACL, p ident.Path, data []byte) (sealed, []byte, error) {
	const op = "vault.open"
	s, err := parseSealed(data)
	if err != nil {
		return sealed{}, nil, failure.Wrap(failure.KindUntrusted, op, p.String(), err)
	}
	key, err := doc.DecryptSecret(v.Identity(), s.secret)
	if err != nil {
		return sealed{}, nil, err
	}
	plain, err := keys.Decrypt(key, s.ciphertext, aad(s.header, p))
	if err != nil {
		return sealed{}, nil, failure.Wrap(failure.KindUntrusted, op, p.String(), err)
	}
	return s, plain, nil
}

// WriteFile encrypts plaintext and writes it at p.
func (v *Vault) WriteFile(ctx context.Context, p ident.Path, plaintext []byte) (store.Item, error) {
	return v.write(ctx, "vault.WriteFile", p, contentFile, plaintext)
}

func (v *Vault) write(ctx context.Context, op string, p ident.Path, kind contentKind, plaintext []byte) (store.Item, error) {
	if last, ok := p.Last(); ok && last == AccessID {
		return store.Item{}, failure.Wrap(failure.KindConflict, op, p.String(), fmt.Errorf("the access file is managed by the vault"))
	}
	doc, err := v.governingFolder(ctx, op, p)
	if err != nil {
		return store.Item{}, err
	}
	blob, err := v.seal(doc, p, kind, plaintext)
	if err != nil {
		return store.Item{}, err
	}
	// The stamp must sort after the grant that lets us write.
	v.times.Observe(doc.Latest())
	return v.store.WriteFile(ctx, p, blob)
}

// ReadFile returns the decrypted content at p. It fails with NotFound when
// the caller holds no envelope for the generation the file was sealed with.
func (v *Vault) ReadFile(ctx context.Context, p ident.Path) ([]byte, error) {
	_, plain, err := v.read(ctx, "vault.ReadFile", p)
	return plain, err
}

func (v *Vault) read(ctx context.Context, op string, p ident.Path) (sealed, []byte, error) {
	item, err := v.store.Get(ctx, p)
	if err != nil {
		return sealed{}, nil, err
	}
	if item.Kind != ident.KindFile {
		return sealed{}, nil, failure.New(failure.KindWrongType, op, p.String())
	}
	doc, err := v.governingFolder(ctx, op, p)
	if err != nil {
		return sealed{}, nil, err
	}
	return v.open(doc, p, item.Data)
}

// WriteDocument encrypts doc's snapshot and writes it at p.
func (v *Vault) WriteDocument(ctx context.Context, p ident.Path, doc *crdt.Document) (store.Item, error) {
	snap, err := doc.Snapshot()
	if err != nil {
		return store.Item{}, err
	}
	return v.write(ctx, "vault.WriteDocument", p, contentDocument, snap)
}

// ReadDocument decrypts and decodes the document of schema at p.
func (v *Vault) ReadDocument(ctx context.Context, p ident.Path, schema crdt.Schema) (*crdt.Document, error) {
	const op = "vault.ReadDocument"
	s, plain, err := v.read(ctx, op, p)
	if err != nil {
		return nil, err
	}
	if s.kind != contentDocument {
		return nil, failure.New(failure.KindWrongType, op, p.String())
	}
	return crdt.DecodeSnapshot(schema, plain)
}

// UpdateDocument applies fn to the document at p, starting from an empty
// document when none exists, and writes the result.
func (v *Vault) UpdateDocument(ctx context.Context, p ident.Path, schema crdt.Schema, fn func(*crdt.Document) error) (*crdt.Document, error) {
	doc, err := v.ReadDocument(ctx, p, schema)
	if failure.Is(err, failure.KindNotFound) {
		if _, _, statErr := v.store.Stat(ctx, p); failure.Is(statErr, failure.KindNotFound) {
			doc, err = crdt.New(schema), nil
		}
	}
	if err != nil {
		return nil, err
	}
	if err := fn(doc); err != nil {
		return nil, err
	}
	if _, err := v.WriteDocument(ctx, p, doc); err != nil {
		return nil, err
	}
	return doc, nil
}
