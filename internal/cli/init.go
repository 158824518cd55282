package cli

import (
	"crypto/rand"
	"errors"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/roach88/syncvault/internal/config"
	"github.com/roach88/syncvault/internal/keys"
)

// InitResult is the output of init.
type InitResult struct {
	Config   string `json:"config"`
	Member   string `json:"member"`
	Identity string `json:"identity"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		root    string
		dataDir string
		backing string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a config and a password-protected identity",
		Long: `Create the config file (unless it exists) and a new identity.

The identity is encrypted with a key stretched from the password and stored
in the data directory. The printed identity string is what other members
pass to "syncvault share".`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			res, err := runInit(rootOpts, cmd, root, dataDir, backing)
			if err != nil {
				return reportErr(f, err)
			}
			return f.Success(res, func(w io.Writer) {
				writeLines(w, "config:   "+res.Config, "member:   "+res.Member, "identity: "+res.Identity)
			})
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "storage root id of this replica (required for a new config)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.syncvault)")
	cmd.Flags().StringVar(&backing, "backing", "", "backing store (memory|sqlite|fs)")
	return cmd
}

func runInit(o *RootOptions, cmd *cobra.Command, root, dataDir, backing string) (InitResult, error) {
	cfg, err := config.Load(o.Fs, o.ConfigPath)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		if root == "" {
			return InitResult{}, NewExitError(ExitCommandError, "--root is required to create a config")
		}
		cfg = config.Default()
		cfg.Root = root
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if backing != "" {
			cfg.Backing = backing
		}
		if err := cfg.Validate(); err != nil {
			return InitResult{}, WrapExitError(ExitCommandError, "config", err)
		}
		if err := config.Write(o.Fs, o.ConfigPath, cfg); err != nil {
			return InitResult{}, err
		}
		if cfg, err = config.Load(o.Fs, o.ConfigPath); err != nil {
			return InitResult{}, err
		}
	default:
		return InitResult{}, WrapExitError(ExitCommandError, "load config", err)
	}

	path := filepath.Join(cfg.DataDir, identityFile)
	if exists, _ := afero.Exists(o.Fs, path); exists {
		return InitResult{}, NewExitError(ExitCommandError, "identity already exists at "+path)
	}
	password, err := o.Password(cmd, "New password: ")
	if err != nil {
		return InitResult{}, WrapExitError(ExitCommandError, "read password", err)
	}
	if len(password) == 0 {
		return InitResult{}, NewExitError(ExitCommandError, "empty password")
	}
	id, err := keys.GenerateIdentity(rand.Reader)
	if err != nil {
		return InitResult{}, err
	}
	if err := saveIdentity(o.Fs, path, password, id); err != nil {
		return InitResult{}, err
	}
	return InitResult{
		Config:   o.ConfigPath,
		Member:   string(id.MemberID()),
		Identity: id.Public().Encode(),
	}, nil
}

func saveIdentity(fsys afero.Fs, path string, password []byte, id *keys.PrivateIdentity) error {
	blob, err := keys.WrapCredential(password, id, keys.DefaultCredentialParams)
	if err != nil {
		return err
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return afero.WriteFile(fsys, path, blob, 0o600)
}

func writeLines(w io.Writer, lines ...string) {
	for _, l := range lines {
		io.WriteString(w, l+"\n")
	}
}
