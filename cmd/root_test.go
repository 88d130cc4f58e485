package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	root := newRootCmd(viper.New())
	assert.Equal(t, "tunnel", root.Use)
	assert.NotEmpty(t, root.Short)
	assert.True(t, root.SilenceUsage)

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "list", "stop", "prune", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestVersionOutput(t *testing.T) {
	root := newRootCmd(viper.New())
	root.Version = "1.2.3"
	root.SetVersionTemplate(`{{printf "tunnel version %s\n" .Version}}`)

	for _, args := range [][]string{{"--version"}, {"version"}} {
		var buf bytes.Buffer
		root.SetOut(&buf)
		root.SetArgs(args)
		require.NoError(t, root.Execute())
		assert.Equal(t, "tunnel version 1.2.3\n", buf.String(), args)
	}
}

// probeCmd adds a subcommand that captures the resolved global settings.
func probeCmd(root *cobra.Command, v *viper.Viper, got **string) {
	root.AddCommand(&cobra.Command{
		Use: "probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := appConfig(v)
			*got = &cfg.Context
			return nil
		},
	})
}

func TestGlobalFlagsFromEnvironment(t *testing.T) {
	t.Setenv("TUNNEL_CONTEXT", "from-env")
	t.Setenv("TUNNEL_LOG_LEVEL", "debug")

	v := viper.New()
	root := newRootCmd(v)
	var got *string
	probeCmd(root, v, &got)

	root.SetArgs([]string{"probe"})
	require.NoError(t, root.Execute())
	require.NotNil(t, got)
	assert.Equal(t, "from-env", *got)
	assert.Equal(t, "debug", appConfig(v).LogLevel)
}

func TestFlagOverridesEnvironment(t *testing.T) {
	t.Setenv("TUNNEL_CONTEXT", "from-env")

	v := viper.New()
	root := newRootCmd(v)
	var got *string
	probeCmd(root, v, &got)

	root.SetArgs([]string{"probe", "--context", "from-flag"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "from-flag", *got)
}

func TestStopRequiresExactlyOneSelector(t *testing.T) {
	root := newRootCmd(viper.New())
	root.SetArgs([]string{"stop"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of --target or --all")
}

func TestStartRejectsLocalPortWithSeveralTargets(t *testing.T) {
	root := newRootCmd(viper.New())
	root.SetArgs([]string{"start", "-t", "a", "-t", "b", "--local-port", "5432"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--local-port")
}

func TestStopAll_NoActiveTunnels(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(t.TempDir())

	cfgPath := filepath.Join(home, "tunnel.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("sessions:\n  registryPath: "+filepath.Join(home, "sessions.db")+"\n"), 0o600))

	root := newRootCmd(viper.New())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"stop", "--all", "--config", cfgPath})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "No active tunnels.")
}
