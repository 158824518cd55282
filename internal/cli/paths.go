package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/store"
)

// splitNames turns "mail/storage/email1" into its names. "", "/" and "."
// name the root.
func splitNames(arg string) []string {
	return strings.FieldsFunc(arg, func(r rune) bool { return r == '/' })
}

// lookup finds the live item named name under parent, trying kinds in
// order.
func lookup(ctx context.Context, st *store.Store, parent ident.Path, name string, kinds ...ident.Kind) (ident.Path, error) {
	for _, kind := range kinds {
		id, err := ident.Plain(kind, name)
		if err != nil {
			return ident.Path{}, WrapExitError(ExitCommandError, "bad name", err)
		}
		p := parent.Append(id)
		_, deleted, err := st.Stat(ctx, p)
		if failure.Is(err, failure.KindNotFound) || (err == nil && deleted) {
			continue
		}
		if err != nil {
			return ident.Path{}, err
		}
		return p, nil
	}
	return ident.Path{}, failure.Wrap(failure.KindNotFound, "cli.lookup", parent.String(), fmt.Errorf("no item named %q", name))
}

// resolve maps a user path to a stored one. Arguments containing ":/" are
// parsed as full paths. Otherwise every name is looked up among existing
// items; kinds lists the kinds tried for the last name.
func resolve(ctx context.Context, st *store.Store, arg string, kinds ...ident.Kind) (ident.Path, error) {
	if strings.Contains(arg, ":/") {
		p, err := ident.ParsePath(arg)
		if err != nil {
			return ident.Path{}, WrapExitError(ExitCommandError, "bad path", err)
		}
		return p, nil
	}
	if len(kinds) == 0 {
		kinds = []ident.Kind{ident.KindFolder, ident.KindBundle, ident.KindFile}
	}
	p := st.Root()
	names := splitNames(arg)
	for i, name := range names {
		try := []ident.Kind{ident.KindFolder, ident.KindBundle}
		if i == len(names)-1 {
			try = kinds
		}
		next, err := lookup(ctx, st, p, name, try...)
		if err != nil {
			return ident.Path{}, err
		}
		p = next
	}
	return p, nil
}

// resolveParent resolves everything but the last name and builds the id of
// the last name with kind. It is used when creating items.
func resolveParent(ctx context.Context, st *store.Store, arg string, kind ident.Kind) (ident.Path, ident.SyncableID, error) {
	names := splitNames(arg)
	if len(names) == 0 {
		return ident.Path{}, "", NewExitError(ExitCommandError, "path names the root")
	}
	parent, err := resolve(ctx, st, strings.Join(names[:len(names)-1], "/"), ident.KindFolder, ident.KindBundle)
	if err != nil {
		return ident.Path{}, "", err
	}
	id, err := ident.Plain(kind, names[len(names)-1])
	if err != nil {
		return ident.Path{}, "", WrapExitError(ExitCommandError, "bad name", err)
	}
	return parent, id, nil
}

// remotePath builds a path for an item that may not exist locally yet:
// names found locally keep their kind and the rest are assumed to be
// folders, except that last may override the kind of the final name.
func remotePath(ctx context.Context, st *store.Store, arg string, last ident.Kind) (ident.Path, error) {
	if strings.Contains(arg, ":/") {
		return resolve(ctx, st, arg)
	}
	p := st.Root()
	names := splitNames(arg)
	for i, name := range names {
		next, err := lookup(ctx, st, p, name, ident.KindFolder, ident.KindBundle, ident.KindFile)
		if err == nil {
			p = next
			continue
		}
		if !failure.Is(err, failure.KindNotFound) {
			return ident.Path{}, err
		}
		kind := ident.KindFolder
		if i == len(names)-1 && last != "" {
			kind = last
		}
		id, err := ident.Plain(kind, name)
		if err != nil {
			return ident.Path{}, WrapExitError(ExitCommandError, "bad name", err)
		}
		p = p.Append(id)
	}
	return p, nil
}
