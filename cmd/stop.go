package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"
	"tunnel/internal/app"
	"tunnel/internal/registry"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStopCmd(v *viper.Viper) *cobra.Command {
	var (
		targetID string
		all      bool
		wait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop running tunnels",
		Long: `Ask the tunnel processes on this machine to stop the tunnels of a target,
or all tunnels with --all. The owning process closes the tunnel and deletes its
relay pod.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (targetID == "") == !all {
				return errors.New("specify exactly one of --target or --all")
			}
			ctx := cmd.Context()
			a, err := app.NewApplication(ctx, appConfig(v), app.Needs{Registry: true})
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Registry.RequestStop(ctx, targetID)
			if err != nil {
				return err
			}
			if n == 0 {
				if all {
					fmt.Fprintln(cmd.OutOrStdout(), "No active tunnels.")
					return nil
				}
				return fmt.Errorf("no active tunnel for target %s", targetID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requested stop of %d tunnel(s)\n", n)
			return waitStopped(ctx, a.Registry, targetID, wait)
		},
	}
	cmd.Flags().StringVarP(&targetID, "target", "t", "", "Target ID whose tunnels to stop")
	cmd.Flags().BoolVar(&all, "all", false, "Stop every tunnel")
	cmd.Flags().DurationVar(&wait, "wait", 15*time.Second, "How long to wait for the tunnels to close; 0 returns immediately")
	return cmd
}

// waitStopped polls the registry until no live session of targetID (any target when
// empty) is left or the timeout expires.
func waitStopped(ctx context.Context, reg *registry.Registry, targetID string, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		entries, err := reg.Active(ctx)
		if err != nil {
			return err
		}
		remaining := 0
		for _, e := range entries {
			if targetID == "" || e.TargetID == targetID {
				remaining++
			}
		}
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d tunnel(s) still running after %s", remaining, timeout)
		case <-ticker.C:
		}
	}
}
