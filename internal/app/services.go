package app

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"
	"tunnel/internal/registry"
	"tunnel/internal/session"
	"tunnel/pkg/logging"
)

// registryWriteTimeout bounds one registry write from a state change callback.
const registryWriteTimeout = 5 * time.Second

// NewSupervisor wires a supervisor to the cluster, metrics and (when open) the registry.
func (a *Application) NewSupervisor() (*session.Supervisor, error) {
	if a.Cluster == nil {
		return nil, errors.New("no cluster connection")
	}
	opts := session.OptionsFromConfig(a.Config)
	opts.Recorder = a.Metrics
	sup := session.NewSupervisor(NewConnector(a.Cluster, a.Config.Relay, a.Metrics), opts)
	if a.Registry != nil {
		sup.Subscribe(recordTo(a.Registry, os.Getpid()))
	}
	return sup, nil
}

// recordTo mirrors every session transition into the registry.
func recordTo(reg *registry.Registry, pid int) session.StateChangeCallback {
	return func(info session.Info, _, to session.State, err error) {
		entry := registry.Entry{
			SessionID:  info.ID,
			TargetID:   info.Target.ID,
			TargetName: info.Target.DisplayName,
			LocalAddr:  info.LocalAddr,
			LocalPort:  info.LocalPort,
			PID:        pid,
			State:      strings.ToLower(string(to)),
			Relay:      info.Relay,
			StartedAt:  info.StartTime,
		}
		if err != nil {
			entry.LastError = err.Error()
		}
		ctx, cancel := context.WithTimeout(context.Background(), registryWriteTimeout)
		defer cancel()
		if werr := reg.Upsert(ctx, entry); werr != nil {
			logging.Warn("Registry", "Recording session %s: %v", info.ID, werr)
		}
	}
}

// watchStopRequests stops this process's sessions that another process flagged for
// stopping, until ctx is done.
func watchStopRequests(ctx context.Context, reg *registry.Registry, sup *session.Supervisor, pid int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ids, err := reg.StopRequests(ctx, pid)
		if err != nil {
			logging.Debug("Registry", "Polling stop requests: %v", err)
			continue
		}
		for _, id := range ids {
			logging.Info("Registry", "Stop requested for session %s", id)
			go func() {
				if err := sup.Stop(ctx, id); err != nil {
					logging.Warn("Registry", "Stopping session %s: %v", id, err)
				}
			}()
		}
	}
}
