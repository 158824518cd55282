package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/syncvault/internal/acl"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/keys"
)

// Member is one line of members output.
type Member struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// NewShareCommand creates the share command.
func NewShareCommand(rootOpts *RootOptions) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "share <folder> <identity>",
		Short: "Give a member a role on a folder",
		Long: `Add the member whose identity string is given (as printed by init) to
the folder's access list, or change the role of an existing member.
Readers receive the folder's current content key.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				folder, err := resolve(ctx, a.store, args[0], ident.KindFolder)
				if err != nil {
					return err
				}
				pub, err := keys.ParsePublicIdentity(args[1])
				if err != nil {
					return WrapExitError(ExitCommandError, "bad identity", err)
				}
				r, err := acl.ParseStandardRole(role)
				if err != nil {
					return WrapExitError(ExitCommandError, "bad role", err)
				}
				doc, err := a.vault.ACL(ctx, folder)
				if err != nil {
					return err
				}
				if _, ok := doc.Member(pub.MemberID()); ok {
					err = a.vault.ChangeRole(ctx, folder, pub.MemberID(), r)
				} else {
					err = a.vault.Share(ctx, folder, pub, r)
				}
				if err != nil {
					return err
				}
				return f.Success(Member{ID: string(pub.MemberID()), Role: string(r)}, func(w io.Writer) {
					fmt.Fprintf(w, "%s is now %s of %s\n", pub.MemberID(), r, args[0])
				})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(acl.RoleReader), "role to grant (admin|writer|reader|none)")
	return cmd
}

// NewRevokeCommand creates the revoke command.
func NewRevokeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "revoke <folder> <member>",
		Short:         "Remove a member and rotate the folder key",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				folder, err := resolve(ctx, a.store, args[0], ident.KindFolder)
				if err != nil {
					return err
				}
				if err := a.vault.Revoke(ctx, folder, keys.MemberID(args[1])); err != nil {
					return err
				}
				return f.Success(args[1], nil)
			})
		},
	}
}

// NewMembersCommand creates the members command.
func NewMembersCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "members <folder>",
		Short:         "List a folder's members",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				folder, err := resolve(ctx, a.store, args[0], ident.KindFolder)
				if err != nil {
					return err
				}
				doc, err := a.vault.ACL(ctx, folder)
				if err != nil {
					return err
				}
				var members []Member
				for id, role := range doc.Members() {
					members = append(members, Member{ID: string(id), Role: string(role)})
				}
				slices.SortFunc(members, func(a, b Member) int { return strings.Compare(a.ID, b.ID) })
				return f.Success(members, func(w io.Writer) {
					for _, m := range members {
						fmt.Fprintf(w, "%-8s %s\n", m.Role, m.ID)
					}
				})
			})
		},
	}
}
