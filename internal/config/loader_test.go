package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withConfigPaths points the user/project lookups into dir for the duration of a test.
func withConfigPaths(t *testing.T, dir string) {
	t.Helper()
	originalGetUserConfigPath := getUserConfigPath
	originalGetProjectConfigPath := getProjectConfigPath
	originalOsUserHomeDir := osUserHomeDir
	t.Cleanup(func() {
		getUserConfigPath = originalGetUserConfigPath
		getProjectConfigPath = originalGetProjectConfigPath
		osUserHomeDir = originalOsUserHomeDir
	})

	osUserHomeDir = func() (string, error) { return dir, nil }
	getUserConfigPath = func() (string, error) {
		return filepath.Join(dir, userConfigDir, configFileName), nil
	}
	getProjectConfigPath = func() (string, error) {
		return filepath.Join(dir, "project", projectConfigDir, configFileName), nil
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadConfig_DefaultOnly(t *testing.T) {
	tempDir := t.TempDir()
	withConfigPaths(t, tempDir)

	loaded, err := LoadConfig("")
	require.NoError(t, err)

	def := GetDefaultConfig()
	assert.Equal(t, def.Relay, loaded.Relay)
	assert.Equal(t, def.AWS.Sources, loaded.AWS.Sources)
	assert.Equal(t, filepath.Join(tempDir, userConfigDir, registryFileName), loaded.Sessions.RegistryPath)
}

func TestLoadConfig_LayersOverride(t *testing.T) {
	tempDir := t.TempDir()
	withConfigPaths(t, tempDir)

	writeFile(t, filepath.Join(tempDir, userConfigDir, configFileName), `
kubernetes:
  context: user-ctx
  namespace: user-ns
aws:
  profile: dev
relay:
  ttl: 2h
  podLabels:
    team: data
targets:
  - name: legacy
    host: 10.0.0.1
    port: 5432
`)
	writeFile(t, filepath.Join(tempDir, "project", projectConfigDir, configFileName), `
kubernetes:
  namespace: project-ns
aws:
  sources: [rds]
relay:
  podLabels:
    cost-center: "42"
targets:
  - name: legacy
    host: 10.0.0.2
    port: 5433
  - name: cache
    host: 10.0.0.3
    port: 6379
    protocol: redis
`)
	explicit := filepath.Join(tempDir, "explicit.yaml")
	writeFile(t, explicit, `
sessions:
  portRangeStart: 20000
  portRangeEnd: 20010
  allowDuplicateTargets: true
`)

	cfg, err := LoadConfig(explicit)
	require.NoError(t, err)

	assert.Equal(t, "user-ctx", cfg.Kubernetes.Context)
	assert.Equal(t, "project-ns", cfg.Kubernetes.Namespace)
	assert.Equal(t, "dev", cfg.AWS.Profile)
	assert.Equal(t, []string{"rds"}, cfg.AWS.Sources)
	assert.Equal(t, 2*time.Hour, cfg.Relay.TTL)
	assert.Equal(t, map[string]string{"team": "data", "cost-center": "42"}, cfg.Relay.PodLabels)
	assert.Equal(t, 20000, cfg.Sessions.PortRangeStart)
	assert.Equal(t, 20010, cfg.Sessions.PortRangeEnd)
	assert.True(t, cfg.Sessions.AllowDuplicateTargets)
	require.Len(t, cfg.Targets, 2)
	assert.Equal(t, "10.0.0.2", cfg.Targets[0].Host)
	assert.Equal(t, "cache", cfg.Targets[1].Name)
	// untouched defaults survive
	assert.Equal(t, GetDefaultConfig().Relay.Image, cfg.Relay.Image)
}

func TestLoadConfig_EmptySourcesDisableAWS(t *testing.T) {
	tempDir := t.TempDir()
	withConfigPaths(t, tempDir)

	writeFile(t, filepath.Join(tempDir, userConfigDir, configFileName), `
aws:
  sources: []
targets:
  - name: legacy-mysql
    host: 10.20.0.15
    port: 3306
`)

	loaded, err := LoadConfig("")
	require.NoError(t, err)
	assert.NotNil(t, loaded.AWS.Sources)
	assert.Empty(t, loaded.AWS.Sources)
}

func TestLoadConfig_OmittedSourcesKeepBase(t *testing.T) {
	tempDir := t.TempDir()
	withConfigPaths(t, tempDir)

	writeFile(t, filepath.Join(tempDir, userConfigDir, configFileName), `
aws:
  sources: [rds]
`)
	writeFile(t, filepath.Join(tempDir, "project", projectConfigDir, configFileName), `
aws:
  profile: dev
`)

	loaded, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, []string{"rds"}, loaded.AWS.Sources)
	assert.Equal(t, "dev", loaded.AWS.Profile)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tempDir := t.TempDir()
	withConfigPaths(t, tempDir)
	writeFile(t, filepath.Join(tempDir, userConfigDir, configFileName), "kubernetes: [not, a, map")

	_, err := LoadConfig("")
	assert.Error(t, err)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	withConfigPaths(t, t.TempDir())
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *TunnelConfig)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *TunnelConfig) {}},
		{
			name:    "inverted port range",
			mutate:  func(c *TunnelConfig) { c.Sessions.PortRangeStart, c.Sessions.PortRangeEnd = 20000, 10000 },
			wantErr: "invalid local port range",
		},
		{
			name:    "unknown source",
			mutate:  func(c *TunnelConfig) { c.AWS.Sources = []string{"dynamodb"} },
			wantErr: `unknown aws source "dynamodb"`,
		},
		{
			name: "duplicate static target",
			mutate: func(c *TunnelConfig) {
				c.Targets = []StaticTarget{{Name: "a", Host: "h", Port: 1}, {Name: "a", Host: "h", Port: 2}}
			},
			wantErr: `duplicate static target "a"`,
		},
		{
			name:    "static target port out of range",
			mutate:  func(c *TunnelConfig) { c.Targets = []StaticTarget{{Name: "a", Host: "h", Port: 70000}} },
			wantErr: "invalid port 70000",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
