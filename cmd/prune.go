package cmd

import (
	"fmt"
	"io"
	"tunnel/internal/app"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newPruneCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete orphaned relay pods and stale session records",
		Long: `Delete relay pods in the namespace that no running tunnel uses, for example
after a tunnel process was killed, and drop registry records of tunnels whose
process is gone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.NewApplication(ctx, appConfig(v), app.Needs{Cluster: true, Registry: true})
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Prune(ctx)
			printPruneReport(cmd.OutOrStdout(), report)
			return err
		},
	}
}

func printPruneReport(out io.Writer, r app.PruneReport) {
	where := r.Namespace
	if r.Context != "" {
		where = fmt.Sprintf("%s (context %s)", r.Namespace, r.Context)
	}
	fmt.Fprintf(out, "Deleted %d relay pod(s) in %s, removed %d stale session record(s)\n",
		len(r.DeletedPods), where, r.PrunedSessions)
	for _, name := range r.DeletedPods {
		fmt.Fprintf(out, "  %s\n", name)
	}
}
