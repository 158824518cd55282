package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/vault"
)

// Entry is one line of ls output.
type Entry struct {
	Name string     `json:"name"`
	Kind ident.Kind `json:"kind"`
	ID   string     `json:"id"`
}

// NewMkdirCommand creates the mkdir command.
func NewMkdirCommand(rootOpts *RootOptions) *cobra.Command {
	var bundle bool
	cmd := &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder (with its own access list) or a bundle",
		Long: `Create a folder or, with --bundle, a bundle.

A folder carries an access-control file naming its members; you are its
first admin. A bundle groups files under the nearest folder's access list.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				kind := ident.KindFolder
				if bundle {
					kind = ident.KindBundle
				}
				parent, id, err := resolveParent(ctx, a.store, args[0], kind)
				if err != nil {
					return err
				}
				create := a.vault.CreateFolder
				if bundle {
					create = a.vault.CreateBundle
				}
				item, err := create(ctx, parent, id)
				if err != nil {
					return err
				}
				return f.Success(item.Path.String(), nil)
			})
		},
	}
	cmd.Flags().BoolVar(&bundle, "bundle", false, "create a bundle instead of a folder")
	return cmd
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "put <path> [file]",
		Short:         "Encrypt and store a file (reads stdin without [file])",
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				var (
					data []byte
					err  error
				)
				if len(args) == 2 {
					data, err = os.ReadFile(args[1])
				} else {
					data, err = io.ReadAll(cmd.InOrStdin())
				}
				if err != nil {
					return WrapExitError(ExitCommandError, "read input", err)
				}
				parent, id, err := resolveParent(ctx, a.store, args[0], ident.KindFile)
				if err != nil {
					return err
				}
				item, err := a.vault.WriteFile(ctx, parent.Append(id), data)
				if err != nil {
					return err
				}
				return f.Success(map[string]any{"path": item.Path.String(), "hash": item.Meta.ContentHash}, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s\n", item.Meta.ContentHash.Short(), item.Path)
				})
			})
		},
	}
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <path>",
		Short:         "Decrypt a file to stdout",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				p, err := resolve(ctx, a.store, args[0], ident.KindFile)
				if err != nil {
					return err
				}
				data, err := a.vault.ReadFile(ctx, p)
				if err != nil {
					return err
				}
				return f.Success(map[string]any{"path": p.String(), "data": data}, func(w io.Writer) {
					w.Write(data)
				})
			})
		},
	}
}

// NewLsCommand creates the ls command.
func NewLsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "ls [path]",
		Short:         "List a folder or bundle",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				arg := ""
				if len(args) == 1 {
					arg = args[0]
				}
				p, err := resolve(ctx, a.store, arg, ident.KindFolder, ident.KindBundle)
				if err != nil {
					return err
				}
				ids, err := a.store.List(ctx, p)
				if err != nil {
					return err
				}
				entries := make([]Entry, 0, len(ids))
				for _, id := range ids {
					if id == vault.AccessID {
						continue
					}
					entries = append(entries, Entry{Name: id.Body(), Kind: id.Kind(), ID: string(id)})
				}
				return f.Success(entries, func(w io.Writer) {
					for _, e := range entries {
						fmt.Fprintf(w, "%-6s %s\n", e.Kind, e.Name)
					}
				})
			})
		},
	}
}

// NewRmCommand creates the rm command.
func NewRmCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "rm <path>",
		Short:         "Delete an item, leaving a tombstone that syncs",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				p, err := resolve(ctx, a.store, args[0])
				if err != nil {
					return err
				}
				if err := a.store.Delete(ctx, p); err != nil {
					return err
				}
				return f.Success(p.String(), nil)
			})
		},
	}
}

// NewHashCommand creates the hash command.
func NewHashCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "hash [path]",
		Short:         "Print the content hash of an item",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				arg := ""
				if len(args) == 1 {
					arg = args[0]
				}
				p, err := resolve(ctx, a.store, arg)
				if err != nil {
					return err
				}
				h, err := a.store.Hash(ctx, p)
				if err != nil {
					return err
				}
				return f.Success(map[string]any{"path": p.String(), "hash": h}, func(w io.Writer) {
					fmt.Fprintln(w, h)
				})
			})
		},
	}
}

// marshalIndent renders v for text output of structured results.
func marshalIndent(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
