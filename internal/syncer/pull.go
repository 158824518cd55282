package syncer

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/syncvault/internal/canon"
	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/remote"
	"github.com/roach88/syncvault/internal/store"
	"github.com/roach88/syncvault/internal/trustedtime"
)

type pendingMeta struct {
	path ident.Path
	meta store.Metadata
}

type deferredFile struct {
	path ident.Path
	node *remote.PullDiffNode
}

type pull struct {
	e      *Engine
	r      remote.Remote
	res    *Result
	after  []pendingMeta
	rounds func(ctx context.Context, targets []remote.PullTarget) (remote.PullResponse, error)

	// deferred holds files whose stamps could not be checked yet; once
	// final is set they are checked for the last time.
	deferred []deferredFile
	final    bool
	rejected []ident.Path
}

// Pull brings p and everything beneath it up to date with r. Items r does
// not have are left alone; deletions arrive as tombstones. Pulling a path
// that is already in sync writes nothing. Files whose stamps do not verify
// are skipped, and the pull then fails with Untrusted after applying
// everything else.
func (e *Engine) Pull(ctx context.Context, r remote.Remote, p ident.Path) (Result, error) {
	res := &Result{Path: p, Remote: r.ID(), State: StateComparing}
	pl := &pull{e: e, r: r, res: res}
	pl.rounds = func(ctx context.Context, targets []remote.PullTarget) (remote.PullResponse, error) {
		res.Rounds++
		var resp remote.PullResponse
		err := e.call(ctx, "pull", func(ctx context.Context) error {
			var err error
			resp, err = r.Pull(ctx, remote.PullRequest{Root: e.store.StorageRoot(), Targets: targets})
			return err
		})
		return resp, err
	}
	return e.finish("pull", res, pl.run(ctx, p))
}

func (pl *pull) run(ctx context.Context, p ident.Path) error {
	if err := pl.ensureAncestors(ctx, p); err != nil {
		return err
	}
	first, err := pl.e.localTarget(ctx, p)
	if err != nil {
		return err
	}
	targets := []remote.PullTarget{first}
	for len(targets) > 0 {
		resp, err := pl.rounds(ctx, targets)
		if err != nil {
			return err
		}
		var next []remote.PullTarget
		for _, t := range targets {
			node := resp.Nodes[t.Path.String()]
			if node == nil {
				continue
			}
			pl.e.remember(pl.r.ID(), t.Path, node.Hash)
			if !node.OutOfSync {
				continue
			}
			pl.res.State = StateTransferring
			more, err := pl.apply(ctx, t.Path, node, t.KnownChildren)
			if err != nil {
				return err
			}
			next = append(next, more...)
		}
		targets = next
	}
	if err := pl.retryDeferred(ctx); err != nil {
		return err
	}
	if err := pl.applyMetadata(ctx); err != nil {
		return err
	}
	if len(pl.rejected) > 0 {
		return failure.Wrap(failure.KindUntrusted, "syncer.Pull", pl.rejected[0].String(),
			fmt.Errorf("%d file(s) from %s carry stamps that do not verify", len(pl.rejected), pl.r.ID()))
	}
	if pl.res.State == StateComparing {
		pl.res.State = StateInSync
	} else {
		pl.res.State = StateApplied
	}
	return nil
}

// retryDeferred applies the files whose stamps waited on content that
// arrived later in the pull, such as a new folder's access file.
func (pl *pull) retryDeferred(ctx context.Context) error {
	pl.final = true
	for _, d := range pl.deferred {
		local, err := pl.e.store.Record(ctx, d.path)
		exists := err == nil
		if err != nil && !failure.Is(err, failure.KindNotFound) {
			return err
		}
		if exists && local.Deleted {
			continue
		}
		if err := pl.applyFile(ctx, d.path, d.node, local, exists); err != nil {
			return err
		}
	}
	pl.deferred = nil
	return nil
}

// verify reports whether an incoming file may be applied now. A file that
// cannot be vouched for yet is deferred; one that never can is rejected.
func (pl *pull) verify(ctx context.Context, p ident.Path, node *remote.PullDiffNode) (bool, error) {
	err := pl.e.checkStamp(p, node.Data, node.Meta)
	if err == nil && pl.e.verifier != nil {
		err = pl.e.verifier.VerifyFile(ctx, p, node.Data, node.Meta)
		if failure.Is(err, failure.KindNotFound) && !pl.final {
			pl.deferred = append(pl.deferred, deferredFile{path: p, node: node})
			return false, nil
		}
	}
	switch {
	case err == nil:
		return true, nil
	case failure.Is(err, failure.KindUntrusted), failure.Is(err, failure.KindInvalidSignature), failure.Is(err, failure.KindNotFound):
		pl.e.logger.Warn("rejecting file with unverifiable stamp", "path", p.String(), "remote", pl.r.ID(), "error", err)
		pl.rejected = append(pl.rejected, p)
		return false, nil
	}
	return false, err
}

// ensureAncestors creates the containers above p that are missing locally,
// with the remote's metadata.
func (pl *pull) ensureAncestors(ctx context.Context, p ident.Path) error {
	var missing []remote.PullTarget
	for _, a := range p.Ancestors() {
		if a.IsRoot() {
			break
		}
		_, _, err := pl.e.store.Stat(ctx, a)
		if failure.Is(err, failure.KindNotFound) {
			missing = append(missing, remote.PullTarget{Path: a, HashesOnly: true})
			continue
		}
		if err != nil {
			return err
		}
		break
	}
	if len(missing) == 0 {
		return nil
	}
	resp, err := pl.rounds(ctx, missing)
	if err != nil {
		return err
	}
	for _, t := range slices.Backward(missing) {
		node := resp.Nodes[t.Path.String()]
		if node == nil {
			return failure.Wrap(failure.KindNotFound, "syncer.Pull", t.Path.String(), fmt.Errorf("remote %s does not have it", pl.r.ID()))
		}
		if node.Deleted {
			return failure.New(failure.KindDeleted, "syncer.Pull", t.Path.String())
		}
		created, err := pl.e.store.EnsureContainer(ctx, t.Path, &node.Meta)
		if err != nil {
			return err
		}
		if created {
			pl.res.Written = append(pl.res.Written, t.Path)
			pl.res.State = StateTransferring
		}
	}
	return nil
}

// apply writes one out-of-sync node and returns the differing containers
// left for the next round.
func (pl *pull) apply(ctx context.Context, p ident.Path, node *remote.PullDiffNode, localChildren map[ident.SyncableID]canon.Hash) ([]remote.PullTarget, error) {
	local, err := pl.e.store.Record(ctx, p)
	exists := err == nil
	if err != nil && !failure.Is(err, failure.KindNotFound) {
		return nil, err
	}
	if exists && local.Deleted && !node.Deleted {
		pl.e.logger.Debug("keeping local deletion", "path", p.String(), "remote", pl.r.ID())
		return nil, nil
	}

	switch {
	case node.Deleted:
		if err := pl.e.store.Tombstone(ctx, p, &node.Meta); err != nil {
			return nil, err
		}
		pl.e.remember(pl.r.ID(), p, node.Hash)
		pl.res.Written = append(pl.res.Written, p)
		return nil, nil
	case node.Type == ident.KindFile:
		return nil, pl.applyFile(ctx, p, node, local, exists)
	}

	created, err := pl.e.store.EnsureContainer(ctx, p, &node.Meta)
	if err != nil {
		return nil, err
	}
	if created {
		pl.res.Written = append(pl.res.Written, p)
		localChildren = map[ident.SyncableID]canon.Hash{}
	} else {
		pl.after = append(pl.after, pendingMeta{path: p, meta: node.Meta})
	}

	var next []remote.PullTarget
	for _, id := range slices.Sorted(maps.Keys(node.HashesByID)) {
		h := node.HashesByID[id]
		cp := p.Append(id)
		if have, ok := localChildren[id]; ok && have == h {
			pl.e.remember(pl.r.ID(), cp, h)
			continue
		}
		if child, ok := node.Children[id]; ok {
			if !child.OutOfSync {
				continue
			}
			t, err := pl.e.localTarget(ctx, cp)
			if err != nil {
				return nil, err
			}
			more, err := pl.apply(ctx, cp, child, t.KnownChildren)
			if err != nil {
				return nil, err
			}
			next = append(next, more...)
			continue
		}
		t, err := pl.e.localTarget(ctx, cp)
		if err != nil {
			return nil, err
		}
		next = append(next, t)
	}
	return next, nil
}

func (pl *pull) applyFile(ctx context.Context, p ident.Path, node *remote.PullDiffNode, local store.Record, exists bool) error {
	ok, err := pl.verify(ctx, p, node)
	if !ok || err != nil {
		return err
	}
	if src := pl.e.store.TimeSource(); src != nil && !node.Meta.UpdatedAt.IsZero() {
		src.Observe(node.Meta.UpdatedAt.TimeID)
	}

	data, meta := node.Data, &node.Meta
	merged := false
	if exists && pl.e.merger != nil {
		out, ok, err := pl.e.merger.Merge(ctx, p, local.Data, node.Data)
		if err != nil {
			return err
		}
		if ok {
			if bytes.Equal(out, local.Data) {
				return nil
			}
			if !bytes.Equal(out, node.Data) {
				data, meta = out, nil
			}
			merged = true
		}
	}
	// Unmerged files are last-writer-wins; a tie takes the incoming copy.
	if exists && !merged && trustedtime.Compare(local.Meta.UpdatedAt, node.Meta.UpdatedAt) > 0 {
		pl.e.logger.Debug("keeping newer local file", "path", p.String())
		return nil
	}
	if _, err := pl.e.store.PutFile(ctx, p, data, meta); err != nil {
		return err
	}
	if meta != nil {
		pl.e.remember(pl.r.ID(), p, node.Hash)
	}
	pl.res.Written = append(pl.res.Written, p)
	return nil
}

// applyMetadata updates containers that already existed, deepest first.
func (pl *pull) applyMetadata(ctx context.Context) error {
	slices.SortStableFunc(pl.after, func(a, b pendingMeta) int {
		return cmp.Compare(b.path.Len(), a.path.Len())
	})
	for _, pm := range pl.after {
		if pm.path.IsRoot() {
			continue
		}
		rec, err := pl.e.store.Record(ctx, pm.path)
		if err != nil {
			return err
		}
		if rec.Deleted || rec.Meta.Equal(pm.meta) {
			continue
		}
		if err := pl.e.store.SetMetadata(ctx, pm.path, pm.meta); err != nil {
			return err
		}
		pl.res.Written = append(pl.res.Written, pm.path)
	}
	return nil
}
