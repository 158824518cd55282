package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/keys"
	"github.com/roach88/syncvault/internal/transport"
)

// NewCredentialCommand creates the credential command group.
func NewCredentialCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Back up or restore the password-wrapped identity on a remote",
	}
	cmd.AddCommand(newCredentialBackupCommand(rootOpts), newCredentialRestoreCommand(rootOpts))
	return cmd
}

func newCredentialBackupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "backup <remote>",
		Short:         "Store the wrapped identity on a remote",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				blob, err := afero.ReadFile(rootOpts.Fs, filepath.Join(a.cfg.DataDir, identityFile))
				if err != nil {
					return err
				}
				c, _, err := a.dial(args[0])
				if err != nil {
					return err
				}
				if err := c.StoreCredential(ctx, a.identity.MemberID(), blob); err != nil {
					return err
				}
				return f.Success(string(a.identity.MemberID()), func(w io.Writer) {
					fmt.Fprintf(w, "stored credential for %s on %s\n", a.identity.MemberID(), args[0])
				})
			})
		},
	}
}

func newCredentialRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "restore <remote> <member>",
		Short:         "Fetch a wrapped identity from a remote and install it locally",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return reportErr(f, restoreCredential(cmd.Context(), rootOpts, cmd, args[0], keys.MemberID(args[1]), f))
		},
	}
}

func restoreCredential(ctx context.Context, o *RootOptions, cmd *cobra.Command, remoteID string, member keys.MemberID, f *OutputFormatter) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	path := filepath.Join(cfg.DataDir, identityFile)
	if exists, _ := afero.Exists(o.Fs, path); exists {
		return NewExitError(ExitCommandError, "identity already exists at "+path)
	}
	rc, ok := cfg.Remote(remoteID)
	if !ok {
		return WrapExitError(ExitCommandError, "unknown remote", failure.New(failure.KindNotFound, "cli.restore", remoteID))
	}
	c, err := transport.Dial(rc.ID, rc.Address)
	if err != nil {
		return err
	}
	defer c.Close()
	blob, err := c.RetrieveCredential(ctx, member)
	if err != nil {
		return err
	}
	password, err := o.Password(cmd, "Password: ")
	if err != nil {
		return WrapExitError(ExitCommandError, "read password", err)
	}
	id, err := keys.UnwrapCredential(password, blob)
	if err != nil {
		return WrapExitError(ExitCommandError, "unlock identity", err)
	}
	if id.MemberID() != member {
		return failure.Wrap(failure.KindUntrusted, "cli.restore", string(member), fmt.Errorf("credential belongs to %s", id.MemberID()))
	}
	if err := o.Fs.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}
	if err := afero.WriteFile(o.Fs, path, blob, 0o600); err != nil {
		return err
	}
	return f.Success(string(member), func(w io.Writer) {
		fmt.Fprintf(w, "restored identity %s\n", member)
	})
}
