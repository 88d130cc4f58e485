package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"tunnel/internal/app"
	"tunnel/internal/tunnelerr"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// envPrefix prefixes the environment variable of every global flag, e.g. TUNNEL_CONTEXT.
const envPrefix = "TUNNEL"

var version = "dev"

// rootCmd represents the base command when called without any subcommands
var rootCmd = newRootCmd(viper.New())

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Open tunnels to internal AWS services through a Kubernetes cluster",
		Long: `tunnel reaches internal AWS endpoints (RDS databases, ElastiCache clusters,
internal load balancers) from your workstation by relaying through a pod in a
Kubernetes cluster you have access to.

Every flag can also be set with a TUNNEL_ prefixed environment variable,
e.g. TUNNEL_CONTEXT=staging or TUNNEL_LOG_LEVEL=debug.`,
		Version: version,
		// SilenceUsage is set to true to prevent printing usage message on errors
		// handled by us (e.g. failed connections)
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindEnv(v, cmd)
		},
	}
	cmd.SetVersionTemplate(`{{printf "tunnel version %s\n" .Version}}`)

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Additional configuration file, layered over ~/.config/tunnel and ./.tunnel")
	flags.String("kubeconfig", "", "Path to the kubeconfig file (default: $KUBECONFIG or ~/.kube/config)")
	flags.String("context", "", "Kubernetes context running the relay pods (default: current context)")
	flags.StringP("namespace", "n", "", "Namespace for relay pods")
	flags.String("profile", "", "AWS shared config profile")
	flags.String("region", "", "AWS region")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-file", "", "Also write JSON logs to this file, rotated")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. 127.0.0.1:9090")

	cmd.AddCommand(newStartCmd(v))
	cmd.AddCommand(newListCmd(v))
	cmd.AddCommand(newStopCmd(v))
	cmd.AddCommand(newPruneCmd(v))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// bindEnv lets TUNNEL_* environment variables fill flags that were not given.
func bindEnv(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix(envPrefix)
	// automatically translate dashes in flags to underscores in environment vars
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	if err := v.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	v.AutomaticEnv()
	return nil
}

// appConfig reads the global settings from flags and environment.
func appConfig(v *viper.Viper) *app.Config {
	return &app.Config{
		ConfigPath:  v.GetString("config"),
		Kubeconfig:  v.GetString("kubeconfig"),
		Context:     v.GetString("context"),
		Namespace:   v.GetString("namespace"),
		Profile:     v.GetString("profile"),
		Region:      v.GetString("region"),
		LogLevel:    v.GetString("log-level"),
		LogFile:     v.GetString("log-file"),
		MetricsAddr: v.GetString("metrics-addr"),
	}
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	err := rootCmd.ExecuteContext(context.Background())
	switch {
	case err == nil:
	case tunnelerr.IsUserCancelled(err):
		fmt.Fprintln(os.Stderr, "Cancelled.")
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return app.ExitCode(err)
}
