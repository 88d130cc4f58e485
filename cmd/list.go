package cmd

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"strconv"
	"text/tabwriter"
	"tunnel/internal/app"
	"tunnel/internal/registry"
	"tunnel/internal/target"
	"tunnel/internal/tunnelerr"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newListCmd(v *viper.Viper) *cobra.Command {
	var (
		active  bool
		sources []string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tunnel targets, or the running tunnels with --active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if active {
				a, err := app.NewApplication(ctx, appConfig(v), app.Needs{Registry: true})
				if err != nil {
					return err
				}
				defer a.Close()
				entries, err := a.Registry.Active(ctx)
				if err != nil {
					return err
				}
				printSessions(cmd.OutOrStdout(), entries)
				return nil
			}

			a, err := app.NewApplication(ctx, appConfig(v), app.Needs{AWS: true})
			if err != nil {
				return err
			}
			defer a.Close()
			return printCatalog(cmd.OutOrStdout(), cmd.ErrOrStderr(), target.Filter(a.Resolver().Targets(ctx), sources...))
		},
	}
	cmd.Flags().BoolVar(&active, "active", false, "Show the tunnels running on this machine")
	cmd.Flags().StringSliceVar(&sources, "source", nil, "Only list targets from these sources (rds, rds-cluster, elasticache, elb, static)")
	return cmd
}

// printCatalog prints targets as they are discovered. Failed sources are reported on
// errOut; the listing carries on and the failure is returned at the end.
func printCatalog(out, errOut io.Writer, seq iter.Seq2[target.Target, error]) error {
	var failures []error
	count := 0
	fmt.Fprintf(out, "%-40s %-10s %s\n", "ID", "PROTOCOL", "REMOTE")
	for t, err := range seq {
		if err != nil {
			if tunnelerr.IsAuth(err) {
				return err
			}
			fmt.Fprintf(errOut, "Warning: %v\n", err)
			failures = append(failures, err)
			continue
		}
		count++
		fmt.Fprintf(out, "%-40s %-10s %s\n", t.ID, t.Protocol, t.Address())
	}
	if len(failures) > 0 {
		return tunnelerr.Lookup("list targets", fmt.Errorf("%d source(s) failed, %d target(s) listed: %w", len(failures), count, errors.Join(failures...)))
	}
	if count == 0 {
		fmt.Fprintln(errOut, "No targets found.")
	}
	return nil
}

func printSessions(out io.Writer, entries []registry.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No active tunnels.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tLOCAL\tSTATE\tSTARTED\tPID\tRELAY")
	for _, e := range entries {
		local := e.LocalAddr
		if local == "" {
			local = net.JoinHostPort("127.0.0.1", strconv.Itoa(e.LocalPort))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", e.TargetID, local, e.State, e.Age(), e.PID, e.Relay)
	}
	_ = w.Flush()
}
