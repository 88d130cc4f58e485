package config

import (
	"time"
)

// TunnelConfig is the top-level configuration structure for tunnel.
type TunnelConfig struct {
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	AWS        AWSConfig        `yaml:"aws"`
	Relay      RelayConfig      `yaml:"relay"`
	Sessions   SessionConfig    `yaml:"sessions"`
	// Targets are extra, statically known endpoints offered next to the discovered ones.
	Targets []StaticTarget `yaml:"targets,omitempty"`
	Logging LoggingConfig  `yaml:"logging"`
}

// KubernetesConfig selects the cluster used as relay.
type KubernetesConfig struct {
	Kubeconfig string `yaml:"kubeconfig,omitempty"` // Empty means the default loading rules ($KUBECONFIG, ~/.kube/config)
	Context    string `yaml:"context,omitempty"`    // Empty means the current context
	Namespace  string `yaml:"namespace,omitempty"`  // Namespace where relay pods are created
	// RequestTimeout bounds individual API calls (not the long-lived streams).
	RequestTimeout time.Duration `yaml:"requestTimeout,omitempty"`
}

// AWSConfig controls how the AWS inventory is queried.
type AWSConfig struct {
	Profile       string `yaml:"profile,omitempty"`
	Region        string `yaml:"region,omitempty"`
	AssumeRoleARN string `yaml:"assumeRoleArn,omitempty"`
	// Sources enables discovery per service: rds, rds-cluster, elasticache, elb.
	Sources []string `yaml:"sources,omitempty"`
}

// RelayConfig describes the in-cluster relay pod and the local side of the tunnel.
type RelayConfig struct {
	Image          string            `yaml:"image,omitempty"`
	PodLabels      map[string]string `yaml:"podLabels,omitempty"`
	ReadyTimeout   time.Duration     `yaml:"readyTimeout,omitempty"`
	TTL            time.Duration     `yaml:"ttl,omitempty"` // activeDeadlineSeconds of relay pods
	BindAddress    string            `yaml:"bindAddress,omitempty"`
	ProbeTimeout   time.Duration     `yaml:"probeTimeout,omitempty"`
	GracePeriod    time.Duration     `yaml:"gracePeriod,omitempty"`
	CPURequest     string            `yaml:"cpuRequest,omitempty"`
	MemoryRequest  string            `yaml:"memoryRequest,omitempty"`
	MemoryLimit    string            `yaml:"memoryLimit,omitempty"`
	ServiceAccount string            `yaml:"serviceAccount,omitempty"`
}

// SessionConfig governs local port allocation and retries.
type SessionConfig struct {
	PortRangeStart        int           `yaml:"portRangeStart,omitempty"`
	PortRangeEnd          int           `yaml:"portRangeEnd,omitempty"`
	MaxConnectAttempts    int           `yaml:"maxConnectAttempts,omitempty"`
	InitialBackoff        time.Duration `yaml:"initialBackoff,omitempty"`
	MaxBackoff            time.Duration `yaml:"maxBackoff,omitempty"`
	AllowDuplicateTargets bool          `yaml:"allowDuplicateTargets,omitempty"`
	RegistryPath          string        `yaml:"registryPath,omitempty"`
}

// StaticTarget is a user-declared endpoint reachable from inside the cluster.
type StaticTarget struct {
	Name        string `yaml:"name"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Protocol    string `yaml:"protocol,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// LoggingConfig holds log sink settings.
type LoggingConfig struct {
	Level      string `yaml:"level,omitempty"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"maxSizeMB,omitempty"`
	MaxBackups int    `yaml:"maxBackups,omitempty"`
}
