package vault

import (
	"bytes"
	"context"

	"github.com/roach88/syncvault/internal/acl"
	"github.com/roach88/syncvault/internal/crdt"
	"github.com/roach88/syncvault/internal/ident"
)

// Merger merges access files and encrypted documents received from a
// remote into the local copy instead of replacing it.
type Merger struct {
	v *Vault
}

// Merger returns the merge hook for the sync engine.
func (v *Vault) Merger() *Merger {
	return &Merger{v: v}
}

// Merge returns the merged content for p and true, or false when remote
// should simply replace local. When the merge result equals one side, that
// side's bytes are returned unchanged.
func (m *Merger) Merge(ctx context.Context, p ident.Path, local, remote []byte) ([]byte, bool, error) {
	last, ok := p.Last()
	if !ok {
		return nil, false, nil
	}
	if last == AccessID {
		folder, _ := p.Parent()
		return m.mergeACL(folder, local, remote)
	}
	return m.mergeDocument(ctx, p, local, remote)
}

func (m *Merger) mergeACL(folder ident.Path, local, remote []byte) ([]byte, bool, error) {
	mine, err := acl.Decode[acl.StandardRole](folder, local)
	if err != nil {
		// A corrupt local copy is replaced.
		return nil, false, nil
	}
	theirs, err := acl.Decode[acl.StandardRole](folder, remote)
	if err != nil {
		return nil, false, err
	}
	if err := mine.Merge(theirs); err != nil {
		return nil, false, err
	}
	n, err := mine.ShareMissing(m.v.times)
	if err != nil {
		return nil, false, err
	}
	if n > 0 {
		m.v.logger.Info("sealed newest secret for members added concurrently", "folder", folder.String(), "members", n)
	}
	merged, err := mine.Encode()
	if err != nil {
		return nil, false, err
	}
	return pick(merged, local, remote), true, nil
}

func (m *Merger) mergeDocument(ctx context.Context, p ident.Path, local, remote []byte) ([]byte, bool, error) {
	ls, lerr := parseSealed(local)
	rs, rerr := parseSealed(remote)
	if lerr != nil || rerr != nil || ls.kind != contentDocument || rs.kind != contentDocument {
		return nil, false, nil
	}
	doc, err := m.v.governingFolder(ctx, "vault.Merge", p)
	if err != nil {
		return nil, false, nil
	}
	_, lplain, err := m.v.open(doc, p, local)
	if err != nil {
		return nil, false, nil
	}
	_, rplain, err := m.v.open(doc, p, remote)
	if err != nil {
		return nil, false, nil
	}
	tag, ok := crdt.Tag(lplain)
	if rtag, rok := crdt.Tag(rplain); !ok || !rok || tag != rtag {
		return nil, false, nil
	}
	schema, ok := m.v.schemas[tag]
	if !ok {
		m.v.logger.Debug("no schema registered for document, remote replaces local", "path", p.String(), "type", tag)
		return nil, false, nil
	}

	mine, err := crdt.DecodeSnapshot(schema, lplain)
	if err != nil {
		return nil, false, nil
	}
	theirs, err := crdt.DecodeSnapshot(schema, rplain)
	if err != nil {
		return nil, false, err
	}
	merged := mine.Clone()
	if err := merged.Merge(theirs); err != nil {
		return nil, false, err
	}
	switch {
	case merged.Equal(mine):
		return local, true, nil
	case merged.Equal(theirs):
		return remote, true, nil
	}
	snap, err := merged.Snapshot()
	if err != nil {
		return nil, false, err
	}
	blob, err := m.v.seal(doc, p, contentDocument, snap)
	if err != nil {
		// Readers cannot reseal; take the remote copy.
		return nil, false, nil
	}
	return blob, true, nil
}

func pick(merged, local, remote []byte) []byte {
	switch {
	case bytes.Equal(merged, local):
		return local
	case bytes.Equal(merged, remote):
		return remote
	}
	return merged
}
