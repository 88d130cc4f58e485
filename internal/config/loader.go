package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// For mocking in tests
var osUserHomeDir = os.UserHomeDir
var osGetwd = os.Getwd

const (
	userConfigDir    = ".config/tunnel"
	projectConfigDir = ".tunnel"
	configFileName   = "config.yaml"
	registryFileName = "sessions.db"
)

// LoadConfig loads the tunnel configuration by layering default, user, project and
// (optionally) an explicit file given with --config.
func LoadConfig(explicitPath string) (TunnelConfig, error) {
	config := GetDefaultConfig()

	userConfigPath, err := getUserConfigPath()
	if err != nil {
		// user config is optional
		fmt.Fprintf(os.Stderr, "Warning: Could not determine user config path: %v\n", err)
	} else if config, err = mergeFileIfExists(config, userConfigPath); err != nil {
		return TunnelConfig{}, fmt.Errorf("error loading user config from %s: %w", userConfigPath, err)
	}

	projectConfigPath, err := getProjectConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not determine project config path: %v\n", err)
	} else if config, err = mergeFileIfExists(config, projectConfigPath); err != nil {
		return TunnelConfig{}, fmt.Errorf("error loading project config from %s: %w", projectConfigPath, err)
	}

	if explicitPath != "" {
		explicit, err := loadConfigFromFile(explicitPath)
		if err != nil {
			return TunnelConfig{}, fmt.Errorf("error loading config from %s: %w", explicitPath, err)
		}
		config = mergeConfigs(config, explicit)
	}

	if config.Sessions.RegistryPath == "" {
		dir, err := GetUserConfigDir()
		if err == nil {
			config.Sessions.RegistryPath = filepath.Join(dir, registryFileName)
		}
	}

	if err := config.Validate(); err != nil {
		return TunnelConfig{}, err
	}
	return config, nil
}

func mergeFileIfExists(base TunnelConfig, path string) (TunnelConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return base, nil
	}
	overlay, err := loadConfigFromFile(path)
	if err != nil {
		return base, err
	}
	return mergeConfigs(base, overlay), nil
}

var getUserConfigPath = func() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

var getProjectConfigPath = func() (string, error) {
	wd, err := osGetwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigDir, configFileName), nil
}

// loadConfigFromFile loads a TunnelConfig from a YAML file.
func loadConfigFromFile(filePath string) (TunnelConfig, error) {
	var config TunnelConfig
	data, err := os.ReadFile(filePath)
	if err != nil {
		return TunnelConfig{}, err
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return TunnelConfig{}, err
	}
	return config, nil
}

// mergeConfigs merges 'overlay' config into 'base' config. Non-zero overlay values win.
func mergeConfigs(base, overlay TunnelConfig) TunnelConfig {
	merged := base

	k := overlay.Kubernetes
	setString(&merged.Kubernetes.Kubeconfig, k.Kubeconfig)
	setString(&merged.Kubernetes.Context, k.Context)
	setString(&merged.Kubernetes.Namespace, k.Namespace)
	if k.RequestTimeout > 0 {
		merged.Kubernetes.RequestTimeout = k.RequestTimeout
	}

	a := overlay.AWS
	setString(&merged.AWS.Profile, a.Profile)
	setString(&merged.AWS.Region, a.Region)
	setString(&merged.AWS.AssumeRoleARN, a.AssumeRoleARN)
	// an explicit empty list turns AWS discovery off
	if a.Sources != nil {
		merged.AWS.Sources = append([]string{}, a.Sources...)
	}

	r := overlay.Relay
	setString(&merged.Relay.Image, r.Image)
	setString(&merged.Relay.BindAddress, r.BindAddress)
	setString(&merged.Relay.CPURequest, r.CPURequest)
	setString(&merged.Relay.MemoryRequest, r.MemoryRequest)
	setString(&merged.Relay.MemoryLimit, r.MemoryLimit)
	setString(&merged.Relay.ServiceAccount, r.ServiceAccount)
	if r.ReadyTimeout > 0 {
		merged.Relay.ReadyTimeout = r.ReadyTimeout
	}
	if r.TTL > 0 {
		merged.Relay.TTL = r.TTL
	}
	if r.ProbeTimeout > 0 {
		merged.Relay.ProbeTimeout = r.ProbeTimeout
	}
	if r.GracePeriod > 0 {
		merged.Relay.GracePeriod = r.GracePeriod
	}
	if len(r.PodLabels) > 0 {
		labels := make(map[string]string, len(base.Relay.PodLabels)+len(r.PodLabels))
		for key, v := range base.Relay.PodLabels {
			labels[key] = v
		}
		for key, v := range r.PodLabels {
			labels[key] = v
		}
		merged.Relay.PodLabels = labels
	}

	s := overlay.Sessions
	if s.PortRangeStart > 0 {
		merged.Sessions.PortRangeStart = s.PortRangeStart
	}
	if s.PortRangeEnd > 0 {
		merged.Sessions.PortRangeEnd = s.PortRangeEnd
	}
	if s.MaxConnectAttempts > 0 {
		merged.Sessions.MaxConnectAttempts = s.MaxConnectAttempts
	}
	if s.InitialBackoff > 0 {
		merged.Sessions.InitialBackoff = s.InitialBackoff
	}
	if s.MaxBackoff > 0 {
		merged.Sessions.MaxBackoff = s.MaxBackoff
	}
	if s.AllowDuplicateTargets {
		merged.Sessions.AllowDuplicateTargets = true
	}
	setString(&merged.Sessions.RegistryPath, s.RegistryPath)

	// Static targets: replace by name, otherwise append
	byName := make(map[string]int, len(merged.Targets))
	targets := append([]StaticTarget(nil), merged.Targets...)
	for i, t := range targets {
		byName[t.Name] = i
	}
	for _, t := range overlay.Targets {
		if i, ok := byName[t.Name]; ok {
			targets[i] = t
			continue
		}
		byName[t.Name] = len(targets)
		targets = append(targets, t)
	}
	merged.Targets = targets

	l := overlay.Logging
	setString(&merged.Logging.Level, l.Level)
	setString(&merged.Logging.File, l.File)
	if l.MaxSizeMB > 0 {
		merged.Logging.MaxSizeMB = l.MaxSizeMB
	}
	if l.MaxBackups > 0 {
		merged.Logging.MaxBackups = l.MaxBackups
	}

	return merged
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks cross-field constraints of a merged configuration.
func (c TunnelConfig) Validate() error {
	var problems []string

	s := c.Sessions
	if s.PortRangeStart <= 0 || s.PortRangeEnd > 65535 || s.PortRangeStart > s.PortRangeEnd {
		problems = append(problems, fmt.Sprintf("invalid local port range %d-%d", s.PortRangeStart, s.PortRangeEnd))
	}
	if s.MaxConnectAttempts <= 0 {
		problems = append(problems, "sessions.maxConnectAttempts must be positive")
	}
	if c.Relay.Image == "" {
		problems = append(problems, "relay.image must not be empty")
	}

	known := make(map[string]bool, len(AllSources))
	for _, src := range AllSources {
		known[src] = true
	}
	for _, src := range c.AWS.Sources {
		if !known[src] {
			problems = append(problems, fmt.Sprintf("unknown aws source %q (known: %s)", src, strings.Join(AllSources, ", ")))
		}
	}

	seen := make(map[string]bool, len(c.Targets))
	for _, t := range c.Targets {
		switch {
		case t.Name == "":
			problems = append(problems, "static target without name")
		case seen[t.Name]:
			problems = append(problems, fmt.Sprintf("duplicate static target %q", t.Name))
		case t.Host == "":
			problems = append(problems, fmt.Sprintf("static target %q has no host", t.Name))
		case t.Port <= 0 || t.Port > 65535:
			problems = append(problems, fmt.Sprintf("static target %q has invalid port %d", t.Name, t.Port))
		}
		seen[t.Name] = true
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// GetUserConfigDir returns the user configuration directory path
func GetUserConfigDir() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir), nil
}
