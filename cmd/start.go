package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"sync"
	"tunnel/internal/app"
	"tunnel/internal/selector"
	"tunnel/internal/session"
	"tunnel/internal/target"
	"tunnel/pkg/logging"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// copyToClipboard is replaced in tests.
var copyToClipboard = clipboard.WriteAll

func newStartCmd(v *viper.Viper) *cobra.Command {
	var (
		queries   []string
		localPort int
		copyHint  bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Open tunnels to one or more targets",
		Long: `Open a tunnel to each target and keep it open until interrupted.

Targets are given by ID (e.g. rds/orders-prod) or by a name that fuzzy-matches a
single target. Without --target an interactive list lets you pick one.`,
		Example: `  tunnel start
  tunnel start --target rds/orders-prod --local-port 5432 --copy
  tunnel start -t orders -t elasticache/sessions`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if localPort != 0 && len(queries) > 1 {
				return errors.New("--local-port can only be used with a single --target")
			}
			if localPort < 0 || localPort > 65535 {
				return fmt.Errorf("invalid --local-port %d", localPort)
			}
			ctx := cmd.Context()

			a, err := app.NewApplication(ctx, appConfig(v), app.Needs{Cluster: true, AWS: true, Registry: true})
			if err != nil {
				return err
			}
			defer a.Close()

			targets, err := resolveTargets(ctx, a.Resolver().Targets, queries)
			if err != nil {
				return err
			}

			return a.RunSessions(ctx, app.RunOptions{
				Targets:   targets,
				LocalPort: localPort,
				OnActive:  announcer(cmd.OutOrStdout(), copyHint),
			})
		},
	}
	cmd.Flags().StringSliceVarP(&queries, "target", "t", nil, "Target ID or name; repeat for several targets")
	cmd.Flags().IntVarP(&localPort, "local-port", "p", 0, "Local port for the tunnel (default: first free port of the configured range)")
	cmd.Flags().BoolVar(&copyHint, "copy", false, "Copy the connection address of the first tunnel to the clipboard")
	return cmd
}

// resolveTargets looks every query up in the catalog, or lets the user pick one target
// interactively when there is no query. The catalog is listed once, however many
// queries there are.
func resolveTargets(ctx context.Context, list func(context.Context) iter.Seq2[target.Target, error], queries []string) ([]target.Target, error) {
	switch len(queries) {
	case 0:
		// keep log lines from tearing the list apart
		release := logging.Hold()
		t, err := selector.Select(ctx, list(ctx), selector.Options{Title: "Select a target to tunnel to"})
		release()
		if err != nil {
			return nil, err
		}
		return []target.Target{t}, nil
	case 1:
		// an exact ID stops the listing early
		t, err := target.Find(list(ctx), queries[0])
		if err != nil {
			return nil, err
		}
		return []target.Target{t}, nil
	}

	all, lookupErrs, err := target.Collect(list(ctx))
	if err != nil {
		return nil, err
	}
	snapshot := replay(all, lookupErrs)
	targets := make([]target.Target, 0, len(queries))
	for _, q := range queries {
		t, err := target.Find(snapshot, q)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// replay yields a collected catalog again, failed sources included.
func replay(targets []target.Target, errs []error) iter.Seq2[target.Target, error] {
	return func(yield func(target.Target, error) bool) {
		for _, t := range targets {
			if !yield(t, nil) {
				return
			}
		}
		for _, err := range errs {
			if !yield(target.Target{}, err) {
				return
			}
		}
	}
}

// announcer prints a line per tunnel that becomes active and copies the first
// connection hint when asked to.
func announcer(out io.Writer, copyHint bool) func(session.Info) {
	var (
		mu     sync.Mutex
		copied bool
	)
	return func(info session.Info) {
		host, _, err := net.SplitHostPort(info.LocalAddr)
		if err != nil {
			host = "127.0.0.1"
		}
		hint := info.Target.ConnectionHint(host, info.LocalPort)

		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "%s (%s) -> %s\n", info.Target.DisplayName, info.Target.ID, hint)
		if copyHint && !copied {
			copied = true
			if err := copyToClipboard(hint); err != nil {
				logging.Warn("CLI", "Could not copy to clipboard: %v", err)
				return
			}
			fmt.Fprintf(out, "Copied %s to the clipboard\n", hint)
		}
	}
}
