package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/syncer"
)

// SyncReport is the output of one pull or push.
type SyncReport struct {
	Path    string   `json:"path"`
	Remote  string   `json:"remote"`
	State   string   `json:"state"`
	Written []string `json:"written,omitempty"`
	Sent    []string `json:"sent,omitempty"`
	Rounds  int      `json:"rounds"`
}

func reportOf(res syncer.Result) SyncReport {
	r := SyncReport{Path: res.Path.String(), Remote: res.Remote, State: string(res.State), Rounds: res.Rounds}
	for _, p := range res.Written {
		r.Written = append(r.Written, p.String())
	}
	for _, p := range res.Sent {
		r.Sent = append(r.Sent, p.String())
	}
	return r
}

func writeReports(w io.Writer, reports []SyncReport) {
	for _, r := range reports {
		fmt.Fprintf(w, "%-6s %-12s %s (written %d, sent %d, rounds %d)\n",
			r.Remote, r.State, r.Path, len(r.Written), len(r.Sent), r.Rounds)
	}
}

func pathArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	var bundle bool
	cmd := &cobra.Command{
		Use:   "pull <remote> [path]",
		Short: "Pull a path from a remote",
		Long: `Pull the path (default: everything) from a configured remote.

Only subtrees whose hashes differ are transferred. Names that do not exist
locally are assumed to be folders; use --bundle when the last one is a
bundle.`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				last := ident.Kind("")
				if bundle {
					last = ident.KindBundle
				}
				p, err := remotePath(ctx, a.store, pathArg(args, 1), last)
				if err != nil {
					return err
				}
				c, _, err := a.dial(args[0])
				if err != nil {
					return err
				}
				res, err := a.engine.Pull(ctx, c, p)
				if err != nil {
					return err
				}
				report := reportOf(res)
				return f.Success(report, func(w io.Writer) { writeReports(w, []SyncReport{report}) })
			})
		},
	}
	cmd.Flags().BoolVar(&bundle, "bundle", false, "the last name is a bundle")
	return cmd
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	var notify bool
	cmd := &cobra.Command{
		Use:           "push <remote> [path]",
		Short:         "Push a path to a remote",
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				p, err := resolve(ctx, a.store, pathArg(args, 1))
				if err != nil {
					return err
				}
				c, _, err := a.dial(args[0])
				if err != nil {
					return err
				}
				res, err := a.engine.Push(ctx, c, p)
				if err != nil {
					return err
				}
				if notify && res.State == syncer.StateApplied {
					svc, err := a.service()
					if err != nil {
						return err
					}
					if err := svc.Notify(ctx, p); err != nil {
						f.VerboseLog("notify failed: %v", err)
					}
				}
				report := reportOf(res)
				return f.Success(report, func(w io.Writer) { writeReports(w, []SyncReport{report}) })
			})
		},
	}
	cmd.Flags().BoolVar(&notify, "notify", false, "notify configured remotes after a push that changed something")
	return cmd
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sync [path...]",
		Short: "Pull from and push to every configured remote",
		Long: `Sync the given paths (default: everything) with every configured remote,
honouring each remote's pull and push prefixes. With --watch, keep syncing
every sync_interval until interrupted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				if len(args) == 0 {
					args = []string{""}
				}
				paths := make([]ident.Path, 0, len(args))
				for _, arg := range args {
					p, err := resolve(ctx, a.store, arg)
					if err != nil {
						return err
					}
					paths = append(paths, p)
				}
				svc, err := a.service()
				if err != nil {
					return err
				}
				if watch {
					ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
					defer stop()
					if err := svc.Run(ctx, paths); err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return f.Success(svc.Events(), nil)
				}
				var (
					reports []SyncReport
					errs    []error
				)
				for _, p := range paths {
					results, err := svc.SyncPath(ctx, p)
					for _, res := range results {
						reports = append(reports, reportOf(res))
					}
					errs = append(errs, err)
				}
				if err := errors.Join(errs...); err != nil {
					return err
				}
				return f.Success(reports, func(w io.Writer) { writeReports(w, reports) })
			})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep syncing until interrupted")
	return cmd
}
