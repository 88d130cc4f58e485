package app

import (
	"context"
	"fmt"
	"os"
	"tunnel/internal/config"
	"tunnel/internal/kube"
	"tunnel/internal/metrics"
	"tunnel/internal/registry"
	"tunnel/internal/target"
	"tunnel/pkg/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"golang.org/x/sync/errgroup"
)

// Application is the process-wide context: configuration, the authenticated cluster
// handle and the AWS configuration. It is built once at startup and shared read-only.
type Application struct {
	Config   config.TunnelConfig
	Cluster  *kube.Handle
	AWS      aws.Config
	Identity string
	Metrics  *metrics.Metrics
	Registry *registry.Registry
}

// LoadSettings loads the layered configuration, applies the command line on top and
// initializes logging.
func LoadSettings(cfg *Config) (config.TunnelConfig, error) {
	tc, err := config.LoadConfig(cfg.ConfigPath)
	if err != nil {
		return config.TunnelConfig{}, fmt.Errorf("failed to load tunnel configuration: %w", err)
	}
	cfg.apply(&tc)

	level, err := logging.ParseLevel(tc.Logging.Level)
	if err != nil {
		return config.TunnelConfig{}, err
	}
	logging.Init(logging.Options{
		Level:      level,
		Output:     os.Stderr,
		FilePath:   tc.Logging.File,
		MaxSizeMB:  tc.Logging.MaxSizeMB,
		MaxBackups: tc.Logging.MaxBackups,
	})
	return tc, nil
}

// NewApplication loads the settings and connects what needs asks for. The cluster and
// AWS are connected concurrently; the first auth failure aborts the other. AWS is
// skipped when no discovery source is enabled.
func NewApplication(ctx context.Context, cfg *Config, needs Needs) (*Application, error) {
	tc, err := LoadSettings(cfg)
	if err != nil {
		return nil, err
	}
	a := &Application{Config: tc, Metrics: metrics.New()}

	g, gctx := errgroup.WithContext(ctx)
	if needs.Cluster {
		g.Go(func() error {
			h, err := kube.Connect(gctx, kube.Options{
				Kubeconfig:     tc.Kubernetes.Kubeconfig,
				Context:        tc.Kubernetes.Context,
				Namespace:      tc.Kubernetes.Namespace,
				RequestTimeout: tc.Kubernetes.RequestTimeout,
				Relay:          tc.Relay,
			})
			if err != nil {
				return err
			}
			a.Cluster = h
			return nil
		})
	}
	if needs.AWS && len(tc.AWS.Sources) > 0 {
		g.Go(func() error {
			awsCfg, err := target.LoadAWSConfig(gctx, tc.AWS)
			if err != nil {
				return err
			}
			identity, err := target.VerifyIdentity(gctx, sts.NewFromConfig(awsCfg))
			if err != nil {
				return err
			}
			logging.Info("Bootstrap", "Using AWS identity %s in %s", identity, awsCfg.Region)
			a.AWS = awsCfg
			a.Identity = identity
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize")
		return nil, err
	}

	if needs.Registry {
		reg, err := registry.Open(ctx, tc.Sessions.RegistryPath)
		if err != nil {
			return nil, err
		}
		a.Registry = reg
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := a.Metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				logging.Error("Bootstrap", err, "Metrics server stopped")
			}
		}()
	}
	return a, nil
}

// Resolver returns the target catalog: static targets plus the enabled AWS sources.
// Without an AWS configuration only the static targets are offered.
func (a *Application) Resolver() *target.Resolver {
	var sources []target.Source
	if len(a.Config.Targets) > 0 {
		sources = append(sources, target.NewStaticSource(a.Config.Targets))
	}
	if a.AWS.Region != "" {
		sources = append(sources, target.NewAWSSources(a.AWS, a.Config.AWS.Sources)...)
	}
	return target.NewResolver(sources...)
}

// Close releases the registry and flushes the log file.
func (a *Application) Close() error {
	if a.Registry != nil {
		if err := a.Registry.Close(); err != nil {
			logging.Warn("Bootstrap", "Closing session registry: %v", err)
		}
	}
	return logging.Close()
}
