package vault

import (
	"context"
	"fmt"

	"github.com/roach88/syncvault/internal/acl"
	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/store"
)

// VerifyFile checks that meta's stamp was signed by someone allowed to
// write p when the stamp was made. An access file needs a member of the
// document it carries; any other file needs a writer of its governing
// folder. It fails with NotFound while that folder's access file is
// missing or does not know the signer yet, and with Untrusted otherwise.
func (v *Vault) VerifyFile(ctx context.Context, p ident.Path, data []byte, meta store.Metadata) error {
	const op = "vault.VerifyFile"
	stamp := meta.UpdatedAt
	if stamp.IsZero() {
		return failure.Wrap(failure.KindUntrusted, op, p.String(), fmt.Errorf("file is not stamped"))
	}

	var (
		doc          *ACL
		needsWriting = true
	)
	if last, ok := p.Last(); ok && last == AccessID {
		folder, _ := p.Parent()
		d, err := acl.Decode[acl.StandardRole](folder, data)
		if err != nil {
			return failure.Wrap(failure.KindUntrusted, op, p.String(), err)
		}
		doc, needsWriting = d, false
	} else {
		d, err := v.governingFolder(ctx, op, p)
		if err != nil {
			return err
		}
		doc = d
	}

	role, pub, ok := doc.MemberAt(stamp.Signer, stamp.TimeID)
	if !ok || (needsWriting && !role.CanWrite()) {
		return failure.Wrap(failure.KindNotFound, op, p.String(),
			fmt.Errorf("%s could not write to %s at %s", stamp.Signer, doc.Folder(), stamp.TimeID))
	}
	if !stamp.Verify(pub.Signing) {
		return failure.Wrap(failure.KindUntrusted, op, p.String(), fmt.Errorf("stamp by %s does not verify", stamp.Signer))
	}
	return nil
}
