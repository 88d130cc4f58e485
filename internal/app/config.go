package app

import (
	"time"
	"tunnel/internal/config"
)

// Config holds the settings given on the command line. Non-empty fields override the
// layered configuration files.
type Config struct {
	ConfigPath string

	Kubeconfig string
	Context    string
	Namespace  string

	Profile string
	Region  string

	LogLevel    string
	LogFile     string
	MetricsAddr string
}

// Needs selects which collaborators NewApplication connects. Commands only pay for
// what they use: listing targets does not need a cluster, stopping needs neither.
type Needs struct {
	Cluster  bool
	AWS      bool
	Registry bool
}

// apply layers the command line settings over the loaded configuration.
func (c *Config) apply(tc *config.TunnelConfig) {
	setString(&tc.Kubernetes.Kubeconfig, c.Kubeconfig)
	setString(&tc.Kubernetes.Context, c.Context)
	setString(&tc.Kubernetes.Namespace, c.Namespace)
	setString(&tc.AWS.Profile, c.Profile)
	setString(&tc.AWS.Region, c.Region)
	setString(&tc.Logging.Level, c.LogLevel)
	setString(&tc.Logging.File, c.LogFile)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// registryRetention is how long terminal registry rows are kept before prune removes them.
const registryRetention = 24 * time.Hour
