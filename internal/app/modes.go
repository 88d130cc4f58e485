package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	"tunnel/internal/registry"
	"tunnel/internal/session"
	"tunnel/internal/target"
	"tunnel/pkg/logging"

	"github.com/hashicorp/go-multierror"
)

// RunOptions configure RunSessions.
type RunOptions struct {
	Targets []target.Target
	// LocalPort applies to the first target only; the rest are auto-allocated.
	LocalPort int
	// OnActive is called each time a session becomes active.
	OnActive func(session.Info)
	// StopPollInterval is how often the registry is checked for stop requests.
	StopPollInterval time.Duration
}

// RunSessions opens a session per target and blocks until every session has ended,
// SIGINT/SIGTERM is received or ctx is done. It returns the errors of sessions that
// ended in Error.
func (a *Application) RunSessions(ctx context.Context, opts RunOptions) error {
	sup, err := a.NewSupervisor()
	if err != nil {
		return err
	}
	grace := 10 * time.Second
	if a.Config.Relay.GracePeriod > 0 {
		grace = 2 * a.Config.Relay.GracePeriod
	}
	return runSessions(ctx, sup, a.Registry, grace, opts)
}

func runSessions(ctx context.Context, sup *session.Supervisor, reg *registry.Registry, grace time.Duration, opts RunOptions) error {
	ctx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if opts.OnActive != nil {
		sup.Subscribe(func(info session.Info, _, to session.State, _ error) {
			if to == session.StateActive {
				opts.OnActive(info)
			}
		})
	}

	if reg != nil {
		interval := opts.StopPollInterval
		if interval <= 0 {
			interval = time.Second
		}
		go watchStopRequests(ctx, reg, sup, os.Getpid(), interval)
	}

	var (
		sessions []*session.Session
		result   *multierror.Error
	)
	for i, t := range opts.Targets {
		port := 0
		if i == 0 {
			port = opts.LocalPort
		}
		sess, err := sup.Start(ctx, t, port)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		sessions = append(sessions, sess)
	}

	allDone := make(chan struct{})
	go func() {
		sup.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
		logging.Info("Sessions", "Shutting down %d session(s)", len(sessions))
		stopCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := sup.StopAll(stopCtx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	for _, sess := range sessions {
		if err := sess.Err(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result == nil {
		return nil
	}
	if len(result.Errors) == 1 {
		return result.Errors[0]
	}
	result.ErrorFormat = func(errs []error) string {
		return fmt.Sprintf("%d sessions failed: %v", len(errs), errs)
	}
	return result
}
