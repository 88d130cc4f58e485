package app

import (
	"context"
	"errors"
	"tunnel/pkg/logging"
)

// PruneReport summarizes a prune run.
type PruneReport struct {
	Context        string
	Namespace      string
	DeletedPods    []string
	PrunedSessions int
}

// Prune drops stale registry rows and deletes the relay pods no live session uses.
func (a *Application) Prune(ctx context.Context) (PruneReport, error) {
	if a.Cluster == nil || a.Registry == nil {
		return PruneReport{}, errors.New("prune needs a cluster connection and the session registry")
	}
	report := PruneReport{Context: a.Cluster.ContextName(), Namespace: a.Cluster.Namespace()}

	n, err := a.Registry.Prune(ctx, registryRetention)
	if err != nil {
		return report, err
	}
	report.PrunedSessions = n

	active, err := a.Registry.Active(ctx)
	if err != nil {
		return report, err
	}
	keep := make(map[string]bool, len(active))
	for _, e := range active {
		if e.Relay != "" {
			keep[e.Relay] = true
		}
	}
	logging.Debug("Prune", "Keeping %d relay pod(s) of running tunnels", len(keep))

	report.DeletedPods, err = a.Cluster.PruneRelays(ctx, keep)
	return report, err
}
