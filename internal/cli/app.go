package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/roach88/syncvault/internal/config"
	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/keys"
	"github.com/roach88/syncvault/internal/remote"
	"github.com/roach88/syncvault/internal/service"
	"github.com/roach88/syncvault/internal/store"
	"github.com/roach88/syncvault/internal/syncer"
	"github.com/roach88/syncvault/internal/transport"
	"github.com/roach88/syncvault/internal/trustedtime"
	"github.com/roach88/syncvault/internal/vault"
)

const (
	identityFile = "identity.cred"
	storeFile    = "store.db"
	itemsDir     = "items"
)

// app is everything a command needs once the config is loaded and the
// identity unlocked.
type app struct {
	cfg      config.Config
	identity *keys.PrivateIdentity
	store    *store.Store
	backing  store.Backing
	vault    *vault.Vault
	engine   *syncer.Engine
	logger   *slog.Logger
	clients  []*transport.Client
}

func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.Fs, o.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "load config", err)
	}
	if cfg.Debug {
		o.Verbose = true
	}
	return cfg, nil
}

// open loads the config, unlocks the identity and opens the store.
func (o *RootOptions) open(cmd *cobra.Command) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if o.Verbose {
		setupLogging(cmd.ErrOrStderr(), true)
	}
	blob, err := afero.ReadFile(o.Fs, filepath.Join(cfg.DataDir, identityFile))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "read identity (run syncvault init first)", err)
	}
	password, err := o.Password(cmd, "Password: ")
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "read password", err)
	}
	id, err := keys.UnwrapCredential(password, blob)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "unlock identity", err)
	}
	return openApp(cfg, id, slog.Default())
}

func openApp(cfg config.Config, id *keys.PrivateIdentity, logger *slog.Logger) (*app, error) {
	backing, err := openBacking(cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open store", err)
	}
	times := trustedtime.NewSource(id, clockwork.NewRealClock())
	st := store.New(ident.StorageRootID(cfg.Root), backing,
		store.WithTimeSource(times),
		store.WithLockTimeout(cfg.LockTimeout.Std()),
		store.WithLogger(logger))
	v := vault.New(st, times, vault.WithLogger(logger))
	retrier := remote.NewRetrier(remote.Backoff{
		Unit:     cfg.Retry.Unit.Std(),
		Initial:  cfg.Retry.InitialUnits,
		Max:      cfg.Retry.MaxUnits,
		TotalCap: cfg.Retry.TotalCapUnits,
	}, remote.WithRetryLogger(logger))
	engine := syncer.New(st,
		syncer.WithRetrier(retrier),
		syncer.WithMerger(v.Merger()),
		syncer.WithVerifier(v),
		syncer.WithLogger(logger))
	return &app{
		cfg:      cfg,
		identity: id,
		store:    st,
		backing:  backing,
		vault:    v,
		engine:   engine,
		logger:   logger,
	}, nil
}

func openBacking(cfg config.Config) (store.Backing, error) {
	switch cfg.Backing {
	case config.BackingMemory:
		return store.NewMemoryBacking(), nil
	case config.BackingFS:
		return store.NewFSBacking(afero.NewOsFs(), filepath.Join(cfg.DataDir, itemsDir))
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return store.OpenSQLite(filepath.Join(cfg.DataDir, storeFile))
	}
}

// dial connects to the configured remote id.
func (a *app) dial(id string) (*transport.Client, config.Remote, error) {
	rc, ok := a.cfg.Remote(id)
	if !ok {
		return nil, config.Remote{}, WrapExitError(ExitCommandError, "unknown remote",
			failure.New(failure.KindNotFound, "cli.dial", id))
	}
	c, err := transport.Dial(rc.ID, rc.Address)
	if err != nil {
		return nil, rc, err
	}
	a.clients = append(a.clients, c)
	return c, rc, nil
}

// service builds a sync service over every configured remote.
func (a *app) service() (*service.Service, error) {
	svc := service.New(a.engine,
		service.WithInterval(a.cfg.SyncInterval.Std()),
		service.WithDeviceID(string(a.identity.MemberID())),
		service.WithLogger(a.logger))
	for _, rc := range a.cfg.Remotes {
		c, _, err := a.dial(rc.ID)
		if err != nil {
			return nil, err
		}
		if err := svc.AddRemote(c, service.Named(rc.Pull...), service.Named(rc.Push...)); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

func (a *app) Close() error {
	var errs []error
	for _, c := range a.clients {
		errs = append(errs, c.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

// readPassword prompts on the terminal without echo, or reads one line
// from the command's input when it is not a terminal.
func readPassword(cmd *cobra.Command, prompt string) ([]byte, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		defer fmt.Fprintln(cmd.ErrOrStderr())
		return term.ReadPassword(int(f.Fd()))
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("no password on input: %w", err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

// reportErr prints err and converts it into an ExitError carrying the
// exit code.
func reportErr(f *OutputFormatter, err error) error {
	if err == nil {
		return nil
	}
	_ = f.Error(err)
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	return WrapExitError(ExitFailure, "command failed", err)
}

func withApp(o *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, a *app, f *OutputFormatter) error) error {
	f := o.formatter(cmd)
	a, err := o.open(cmd)
	if err != nil {
		return reportErr(f, err)
	}
	defer a.Close()
	return reportErr(f, fn(cmd.Context(), a, f))
}
