package cli

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/remote"
	"github.com/roach88/syncvault/internal/store"
	"github.com/roach88/syncvault/internal/transport"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve this store to other devices over gRPC",
		Long: `Serve pull, push, notify and credential requests for this store.

Notifications received are handled by the sync service, which pulls the
notified path from the configured remotes when it differs locally. The
configured paths are also synced every sync_interval.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				if listen == "" {
					listen = a.cfg.Listen
				}
				creds, err := credentialsFor(a.backing)
				if err != nil {
					return err
				}
				svc, err := a.service()
				if err != nil {
					return err
				}
				h := remote.NewHandler(a.store,
					remote.WithCredentials(creds),
					remote.WithNotifySink(svc.HandleNotification),
					remote.WithHandlerLogger(a.logger))
				srv := transport.NewServer(h, a.logger)

				lis, err := net.Listen("tcp", listen)
				if err != nil {
					return WrapExitError(ExitCommandError, "listen", err)
				}
				f.VerboseLog("listening on %s", lis.Addr())

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return srv.Serve(lis) })
				g.Go(func() error { return svc.Run(gctx, []ident.Path{a.store.Root()}) })
				g.Go(func() error {
					<-gctx.Done()
					svc.Close()
					srv.Stop()
					return nil
				})
				if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (default from config)")
	return cmd
}

// credentialsFor keeps credentials in the store's database when there is
// one, and in memory otherwise.
func credentialsFor(b store.Backing) (remote.CredentialStore, error) {
	if s, ok := b.(*store.SQLiteBacking); ok {
		return remote.NewSQLiteCredentials(s.DB())
	}
	return remote.NewMemoryCredentials(), nil
}
