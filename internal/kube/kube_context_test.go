package kube

import (
	"context"
	"path/filepath"
	"testing"
	"tunnel/internal/tunnelerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/clientcmd/api"
)

func writeKubeconfig(t *testing.T, cfg api.Config) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "kubeconfig")
	require.NoError(t, clientcmd.WriteToFile(cfg, p))
	return p
}

func TestGetCurrentKubeContext(t *testing.T) {
	tests := []struct {
		name        string
		config      *api.Config
		wantContext string
		wantErr     bool
	}{
		{
			name: "current context set",
			config: &api.Config{
				CurrentContext: "staging",
				Contexts:       map[string]*api.Context{"staging": {Cluster: "staging"}},
				Clusters:       map[string]*api.Cluster{"staging": {Server: "https://localhost:6443"}},
			},
			wantContext: "staging",
		},
		{
			name: "current context not set",
			config: &api.Config{
				Contexts: map[string]*api.Context{"other": {Cluster: "other"}},
				Clusters: map[string]*api.Cluster{"other": {Server: "https://localhost:6444"}},
			},
			wantErr: true,
		},
		{
			name:    "kubeconfig missing",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "does-not-exist")
			if tt.config != nil {
				path = writeKubeconfig(t, *tt.config)
			}
			// the explicit path must not be shadowed by the developer's environment
			t.Setenv("KUBECONFIG", path)

			got, err := GetCurrentKubeContext(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantContext, got)
		})
	}
}

func TestGetAvailableContexts(t *testing.T) {
	path := writeKubeconfig(t, api.Config{
		CurrentContext: "b",
		Contexts:       map[string]*api.Context{"b": {Cluster: "c"}, "a": {Cluster: "c"}},
		Clusters:       map[string]*api.Cluster{"c": {Server: "https://localhost:6443"}},
	})
	t.Setenv("KUBECONFIG", path)

	got, err := GetAvailableContexts(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestConnect_UnknownContextListsAvailable(t *testing.T) {
	path := writeKubeconfig(t, api.Config{
		CurrentContext: "dev",
		Contexts:       map[string]*api.Context{"dev": {Cluster: "c"}, "prod": {Cluster: "c"}},
		Clusters:       map[string]*api.Cluster{"c": {Server: "https://localhost:6443"}},
	})
	t.Setenv("KUBECONFIG", path)

	_, err := Connect(context.Background(), Options{Kubeconfig: path, Context: "staging"})
	require.Error(t, err)
	assert.True(t, tunnelerr.IsAuth(err))
	assert.Contains(t, err.Error(), `context "staging" not found`)
	assert.Contains(t, err.Error(), "dev, prod")
}

func TestCheckContext(t *testing.T) {
	path := writeKubeconfig(t, api.Config{
		Contexts: map[string]*api.Context{"dev": {Cluster: "c"}},
		Clusters: map[string]*api.Cluster{"c": {Server: "https://localhost:6443"}},
	})
	t.Setenv("KUBECONFIG", path)

	assert.NoError(t, checkContext(path, "dev"))
	assert.Error(t, checkContext(path, "prod"))
	// unreadable kubeconfigs are reported by the loader instead
	assert.NoError(t, checkContext(filepath.Join(t.TempDir(), "missing"), "dev"))
}
