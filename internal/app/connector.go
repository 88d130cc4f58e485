package app

import (
	"context"
	"fmt"
	"time"
	"tunnel/internal/config"
	"tunnel/internal/kube"
	"tunnel/internal/portforwarding"
	"tunnel/internal/session"
	"tunnel/internal/target"
	"tunnel/pkg/logging"

	"github.com/hashicorp/go-multierror"
)

// cluster is the part of kube.Handle the connector uses.
type cluster interface {
	EnsureRelay(ctx context.Context, t target.Target) (kube.RelayEndpoint, error)
	Dialer(pod string) (portforwarding.Dialer, error)
	RelayExists(ctx context.Context, name string) (bool, error)
	DeleteRelay(ctx context.Context, name string) error
	Revalidate(ctx context.Context) error
}

// relayCleanupTimeout bounds relay pod deletion, which runs after the session context
// is already gone.
const relayCleanupTimeout = 10 * time.Second

// clusterConnector opens relays as a relay pod plus a local tunnel to it.
type clusterConnector struct {
	cluster  cluster
	relay    config.RelayConfig
	observer portforwarding.Observer
}

// NewConnector returns the session connector backed by the cluster handle.
func NewConnector(h *kube.Handle, relay config.RelayConfig, observer portforwarding.Observer) session.Connector {
	return &clusterConnector{cluster: h, relay: relay, observer: observer}
}

func (c *clusterConnector) Revalidate(ctx context.Context) error {
	return c.cluster.Revalidate(ctx)
}

func (c *clusterConnector) Open(ctx context.Context, t target.Target, localAddr string) (session.Relay, error) {
	endpoint, err := c.cluster.EnsureRelay(ctx, t)
	if err != nil {
		return nil, err
	}
	dialer, err := c.cluster.Dialer(endpoint.Pod)
	if err != nil {
		c.deletePod(t.ID, endpoint.Pod)
		return nil, err
	}
	tunnel, err := portforwarding.Open(ctx, dialer, endpoint.Port, localAddr, portforwarding.Options{
		Label:        t.ID,
		GracePeriod:  c.relay.GracePeriod,
		ProbeTimeout: c.relay.ProbeTimeout,
		Observer:     c.observer,
	})
	if err != nil {
		c.deletePod(t.ID, endpoint.Pod)
		return nil, err
	}
	return &podRelay{tunnel: tunnel, cluster: c.cluster, pod: endpoint.Pod}, nil
}

func (c *clusterConnector) deletePod(targetID, pod string) {
	ctx, cancel := context.WithTimeout(context.Background(), relayCleanupTimeout)
	defer cancel()
	if err := c.cluster.DeleteRelay(ctx, pod); err != nil {
		logging.Warn("Relay-"+targetID, "Failed to delete relay pod %s: %v", pod, err)
	}
}

// tunnel is the part of portforwarding.Tunnel a relay uses.
type tunnel interface {
	Wait() error
	Reconnect(ctx context.Context) error
	Close() error
}

// podRelay is a tunnel together with the pod it forwards through.
type podRelay struct {
	tunnel  tunnel
	cluster cluster
	pod     string
}

func (r *podRelay) Wait() error                         { return r.tunnel.Wait() }
func (r *podRelay) Reconnect(ctx context.Context) error { return r.tunnel.Reconnect(ctx) }
func (r *podRelay) Name() string                        { return r.pod }

func (r *podRelay) Exists(ctx context.Context) (bool, error) {
	return r.cluster.RelayExists(ctx, r.pod)
}

// Close shuts the tunnel down and deletes the relay pod.
func (r *podRelay) Close() error {
	var result *multierror.Error
	if err := r.tunnel.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayCleanupTimeout)
	defer cancel()
	if err := r.cluster.DeleteRelay(ctx, r.pod); err != nil {
		result = multierror.Append(result, fmt.Errorf("deleting relay pod %s: %w", r.pod, err))
	}
	return result.ErrorOrNil()
}
