package config

import (
	"time"
)

const (
	SourceRDS         = "rds"
	SourceRDSCluster  = "rds-cluster"
	SourceElastiCache = "elasticache"
	SourceELB         = "elb"
)

// AllSources lists every discovery source in display order.
var AllSources = []string{SourceRDS, SourceRDSCluster, SourceElastiCache, SourceELB}

// GetDefaultConfig returns the built-in configuration every layer is merged onto.
func GetDefaultConfig() TunnelConfig {
	return TunnelConfig{
		Kubernetes: KubernetesConfig{
			Namespace:      "default",
			RequestTimeout: 15 * time.Second,
		},
		AWS: AWSConfig{
			Sources: append([]string(nil), AllSources...),
		},
		Relay: RelayConfig{
			Image:         "alpine/socat:1.8.0.1",
			ReadyTimeout:  90 * time.Second,
			TTL:           12 * time.Hour,
			BindAddress:   "127.0.0.1",
			ProbeTimeout:  2 * time.Second,
			GracePeriod:   5 * time.Second,
			CPURequest:    "10m",
			MemoryRequest: "16Mi",
			MemoryLimit:   "64Mi",
		},
		Sessions: SessionConfig{
			PortRangeStart:     15000,
			PortRangeEnd:       15999,
			MaxConnectAttempts: 5,
			InitialBackoff:     500 * time.Millisecond,
			MaxBackoff:         10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}
