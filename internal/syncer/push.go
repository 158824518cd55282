package syncer

import (
	"context"
	"maps"
	"slices"

	"github.com/roach88/syncvault/internal/canon"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/remote"
	"github.com/roach88/syncvault/internal/store"
)

// Push sends r the items under p that differ from what r holds. When r's
// hash at p is remembered from an earlier sync and still matches, nothing
// is sent and r is not contacted. A file that differs only because r has
// moved on since the last sync is left for the next pull; r itself keeps
// any file it holds a later stamp for.
func (e *Engine) Push(ctx context.Context, r remote.Remote, p ident.Path) (Result, error) {
	res := &Result{Path: p, Remote: r.ID(), State: StateComparing}
	return e.finish("push", res, e.push(ctx, r, p, res))
}

func (e *Engine) push(ctx context.Context, r remote.Remote, p ident.Path, res *Result) error {
	local, err := e.store.Hash(ctx, p)
	if err != nil {
		return err
	}
	if known, ok := e.LastKnown(r.ID(), p); ok && known == local {
		res.State = StateInSync
		return nil
	}

	var items []remote.PushItem
	targets := []ident.Path{p}
	for len(targets) > 0 {
		req := remote.PullRequest{Root: e.store.StorageRoot()}
		for _, tp := range targets {
			h, err := e.store.Hash(ctx, tp)
			if err != nil {
				return err
			}
			req.Targets = append(req.Targets, remote.PullTarget{Path: tp, KnownHash: h, HashesOnly: true})
		}
		res.Rounds++
		var resp remote.PullResponse
		err := e.call(ctx, "push-compare", func(ctx context.Context) error {
			var err error
			resp, err = r.Pull(ctx, req)
			return err
		})
		if err != nil {
			return err
		}

		var next []ident.Path
		for _, tp := range targets {
			node := resp.Nodes[tp.String()]
			if node == nil {
				if tp.Equal(p) {
					if items, err = e.ancestorItems(ctx, p, items); err != nil {
						return err
					}
				}
				if items, err = e.subtreeItems(ctx, tp, items); err != nil {
					return err
				}
				continue
			}
			e.remember(r.ID(), tp, node.Hash)
			if !node.OutOfSync {
				continue
			}
			more, err := e.diffForPush(ctx, r, tp, node, &items)
			if err != nil {
				return err
			}
			next = append(next, more...)
		}
		targets = next
	}

	if len(items) == 0 {
		res.State = StateInSync
		return nil
	}
	res.State = StateTransferring
	var resp remote.PushResponse
	err = e.call(ctx, "push", func(ctx context.Context) error {
		var err error
		resp, err = r.Push(ctx, remote.PushRequest{Root: e.store.StorageRoot(), Path: p, Items: items})
		return err
	})
	if err != nil {
		return err
	}
	skipped := make(map[string]bool, len(resp.Skipped))
	for _, sp := range resp.Skipped {
		skipped[sp.String()] = true
	}
	for _, it := range items {
		res.Sent = append(res.Sent, it.Path)
		if h, ok := sentHash(it); ok && !skipped[it.Path.String()] {
			e.remember(r.ID(), it.Path, h)
		}
	}
	if len(resp.Skipped) > 0 {
		e.logger.Info("remote kept newer files", "path", p.String(), "remote", r.ID(), "files", len(resp.Skipped))
	}
	e.remember(r.ID(), p, resp.Hash)
	res.State = StateApplied
	return nil
}

// sentHash is the hash r holds for it once it is applied.
func sentHash(it remote.PushItem) (canon.Hash, bool) {
	switch {
	case it.Deleted:
		id, _ := it.Path.Last()
		return canon.TombstoneHash(string(id)), true
	case it.Type == ident.KindFile:
		return canon.FileHash(it.Data), true
	}
	return "", false
}

// diffForPush queues the items of one out-of-sync path and returns the
// differing child containers to compare next.
func (e *Engine) diffForPush(ctx context.Context, r remote.Remote, p ident.Path, node *remote.PullDiffNode, items *[]remote.PushItem) ([]ident.Path, error) {
	rec, err := e.store.Record(ctx, p)
	if err != nil {
		return nil, err
	}
	switch {
	case node.Deleted && !rec.Deleted:
		e.logger.Debug("remote deleted item, not pushing", "path", p.String())
		return nil, nil
	case rec.Deleted || rec.Kind == ident.KindFile:
		*items = append(*items, pushItem(p, rec))
		return nil, nil
	}

	if !p.IsRoot() && !rec.Meta.Equal(node.Meta) {
		*items = append(*items, pushItem(p, rec))
	}
	children, err := e.store.ChildHashes(ctx, p)
	if err != nil {
		return nil, err
	}
	var next []ident.Path
	for _, id := range slices.Sorted(maps.Keys(children)) {
		lh := children[id]
		rh, has := node.HashesByID[id]
		cp := p.Append(id)
		if has && rh == lh {
			e.remember(r.ID(), cp, rh)
			continue
		}
		switch {
		case !has:
			if *items, err = e.subtreeItems(ctx, cp, *items); err != nil {
				return nil, err
			}
		case rh == canon.TombstoneHash(string(id)):
			e.logger.Debug("remote deleted item, not pushing", "path", cp.String())
		case id.Kind().IsContainer() && lh != canon.TombstoneHash(string(id)):
			next = append(next, cp)
		case e.unchangedSince(r.ID(), cp, lh):
			e.logger.Debug("remote changed item since last sync, not pushing", "path", cp.String(), "remote", r.ID())
		default:
			crec, err := e.store.Record(ctx, cp)
			if err != nil {
				return nil, err
			}
			*items = append(*items, pushItem(cp, crec))
		}
	}
	return next, nil
}

// unchangedSince reports whether the local hash at p is still the one r was
// last seen holding.
func (e *Engine) unchangedSince(remoteID string, p ident.Path, local canon.Hash) bool {
	known, ok := e.LastKnown(remoteID, p)
	return ok && known == local
}

// subtreeItems appends p and everything beneath it, tombstones included,
// parents first.
func (e *Engine) subtreeItems(ctx context.Context, p ident.Path, items []remote.PushItem) ([]remote.PushItem, error) {
	rec, err := e.store.Record(ctx, p)
	if err != nil {
		return nil, err
	}
	if !p.IsRoot() {
		items = append(items, pushItem(p, rec))
	}
	if rec.Deleted || !rec.Kind.IsContainer() {
		return items, nil
	}
	children, err := e.store.ChildHashes(ctx, p)
	if err != nil {
		return nil, err
	}
	for _, id := range slices.Sorted(maps.Keys(children)) {
		if items, err = e.subtreeItems(ctx, p.Append(id), items); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// ancestorItems appends the containers above p, outermost first, so a
// remote that lacks them can place p.
func (e *Engine) ancestorItems(ctx context.Context, p ident.Path, items []remote.PushItem) ([]remote.PushItem, error) {
	for _, a := range slices.Backward(p.Ancestors()) {
		if a.IsRoot() {
			continue
		}
		rec, err := e.store.Record(ctx, a)
		if err != nil {
			return nil, err
		}
		items = append(items, pushItem(a, rec))
	}
	return items, nil
}

func pushItem(p ident.Path, rec store.Record) remote.PushItem {
	it := remote.PushItem{Path: p, Type: rec.Kind, Deleted: rec.Deleted, Meta: rec.Meta}
	if rec.Kind == ident.KindFile && !rec.Deleted {
		it.Data = rec.Data
	}
	return it
}
