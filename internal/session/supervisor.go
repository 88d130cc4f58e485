package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
	"tunnel/internal/config"
	"tunnel/internal/portforwarding"
	"tunnel/internal/target"
	"tunnel/internal/tunnelerr"
	"tunnel/pkg/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Recorder receives lifecycle events for metrics.
type Recorder interface {
	SessionTransition(from, to string)
	ConnectAttempt(target, result string)
}

type nopRecorder struct{}

func (nopRecorder) SessionTransition(string, string) {}
func (nopRecorder) ConnectAttempt(string, string)    {}

// Options configure a Supervisor.
type Options struct {
	BindAddress           string
	PortRangeStart        int
	PortRangeEnd          int
	MaxConnectAttempts    int
	InitialBackoff        time.Duration
	MaxBackoff            time.Duration
	AllowDuplicateTargets bool
	Recorder              Recorder
}

// OptionsFromConfig builds supervisor options from the loaded configuration.
func OptionsFromConfig(cfg config.TunnelConfig) Options {
	return Options{
		BindAddress:           cfg.Relay.BindAddress,
		PortRangeStart:        cfg.Sessions.PortRangeStart,
		PortRangeEnd:          cfg.Sessions.PortRangeEnd,
		MaxConnectAttempts:    cfg.Sessions.MaxConnectAttempts,
		InitialBackoff:        cfg.Sessions.InitialBackoff,
		MaxBackoff:            cfg.Sessions.MaxBackoff,
		AllowDuplicateTargets: cfg.Sessions.AllowDuplicateTargets,
	}
}

func (o Options) withDefaults() Options {
	if o.BindAddress == "" {
		o.BindAddress = "127.0.0.1"
	}
	if o.PortRangeStart == 0 {
		o.PortRangeStart = 15000
	}
	if o.PortRangeEnd < o.PortRangeStart {
		o.PortRangeEnd = o.PortRangeStart + 999
	}
	if o.MaxConnectAttempts <= 0 {
		o.MaxConnectAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = 10 * o.InitialBackoff
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	return o
}

// Supervisor owns every session of the process.
type Supervisor struct {
	connector Connector
	opts      Options
	ports     *PortTable

	mu        sync.Mutex
	sessions  map[string]*Session
	callbacks []StateChangeCallback
	wg        sync.WaitGroup
}

// NewSupervisor creates a supervisor opening relays through connector.
func NewSupervisor(connector Connector, opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		connector: connector,
		opts:      opts,
		ports:     NewPortTable(opts.PortRangeStart, opts.PortRangeEnd, opts.BindAddress),
		sessions:  make(map[string]*Session),
	}
}

// Subscribe registers a callback for every state transition of every session.
func (s *Supervisor) Subscribe(cb StateChangeCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Start creates a session for t and starts connecting it in the background. localPort 0
// auto-allocates a port. Unless duplicates are allowed, a target that already has a live
// session gets that session back.
func (s *Supervisor) Start(ctx context.Context, t target.Target, localPort int) (*Session, error) {
	if err := t.Validate(); err != nil {
		return nil, tunnelerr.ForTarget(tunnelerr.Connect("start session", err), t.ID, "")
	}

	id := uuid.NewString()

	s.mu.Lock()
	if !s.opts.AllowDuplicateTargets {
		for _, existing := range s.sessions {
			if existing.target.ID == t.ID && !existing.State().Terminal() {
				s.mu.Unlock()
				logging.Info("Supervisor", "Target %s already has session %s on port %d", t.ID, existing.id, existing.localPort)
				return existing, nil
			}
		}
	}
	port, err := s.ports.Reserve(id, localPort)
	if err != nil {
		s.mu.Unlock()
		return nil, tunnelerr.ForTarget(tunnelerr.Connect("reserve local port", err), t.ID, "")
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &Session{
		id:        id,
		target:    t,
		localPort: port,
		localAddr: net.JoinHostPort(s.opts.BindAddress, strconv.Itoa(port)),
		startTime: time.Now(),
		state:     StatePending,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.sessions[id] = sess
	s.wg.Add(1)
	s.mu.Unlock()

	s.opts.Recorder.SessionTransition("", string(StatePending))
	s.notify(sess.Info(), "", StatePending, nil)

	go s.run(sessCtx, sess)
	return sess, nil
}

// Get returns the session with the given ID.
func (s *Supervisor) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Sessions returns snapshots of all sessions, oldest first.
func (s *Supervisor) Sessions() []Info {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()

	infos := make([]Info, 0, len(all))
	for _, sess := range all {
		infos = append(infos, sess.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartTime.Before(infos[j].StartTime) })
	return infos
}

// Stop cancels a session and waits for it to reach a terminal state.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	sess, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("no session %s", id)
	}
	sess.cancel()
	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session %s did not stop: %w", id, ctx.Err())
	}
}

// StopTarget stops every live session of the target and returns how many were stopped.
func (s *Supervisor) StopTarget(ctx context.Context, targetID string) (int, error) {
	var ids []string
	for _, info := range s.Sessions() {
		if info.Target.ID == targetID && !info.State.Terminal() {
			ids = append(ids, info.ID)
		}
	}
	var result *multierror.Error
	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return len(ids), result.ErrorOrNil()
}

// StopAll cancels every session and waits for all of them. Sessions that do not stop
// before ctx is done are reported in the returned error.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()

	for _, sess := range all {
		sess.cancel()
	}
	var result *multierror.Error
	for _, sess := range all {
		select {
		case <-sess.done:
		case <-ctx.Done():
			result = multierror.Append(result, fmt.Errorf("session %s (%s) did not stop: %w", sess.id, sess.target.ID, ctx.Err()))
		}
	}
	return result.ErrorOrNil()
}

// Wait blocks until every session started so far has reached a terminal state.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) notify(info Info, from, to State, err error) {
	s.mu.Lock()
	callbacks := append([]StateChangeCallback(nil), s.callbacks...)
	s.mu.Unlock()
	for _, cb := range callbacks {
		cb(info, from, to, err)
	}
}

// move performs a transition and fans it out. Illegal transitions are logged and
// ignored.
func (s *Supervisor) move(sess *Session, next State, err error) bool {
	if err != nil {
		err = tunnelerr.ForTarget(err, sess.target.ID, string(sess.State()))
	}
	info, prev, terr := sess.transition(next, err)
	if terr != nil {
		logging.Error("Supervisor", terr, "Session %s (%s)", sess.id, sess.target.ID)
		return false
	}
	subsystem := "Session-" + sess.target.ID
	if err != nil {
		logging.Error(subsystem, err, "%s -> %s", prev, next)
	} else {
		logging.Debug(subsystem, "%s -> %s", prev, next)
	}
	s.opts.Recorder.SessionTransition(string(prev), string(next))
	s.notify(info, prev, next, err)
	return true
}

// run drives one session through the state machine until it is terminal.
func (s *Supervisor) run(ctx context.Context, sess *Session) {
	defer s.wg.Done()
	defer close(sess.done)
	defer sess.cancel()
	defer s.ports.Release(sess.id, sess.localPort)

	subsystem := "Session-" + sess.target.ID
	s.move(sess, StateConnecting, nil)

	relay, err := s.connect(ctx, sess)
	if err != nil {
		if ctx.Err() != nil && !tunnelerr.IsAuth(err) {
			s.move(sess, StateClosing, nil)
			s.move(sess, StateClosed, nil)
			return
		}
		s.move(sess, StateError, err)
		return
	}
	sess.setRelay(relay.Name())
	s.move(sess, StateActive, nil)
	logging.Info(subsystem, "Tunnel ready on %s (session %s)", sess.localAddr, sess.id)

	for {
		waitErr := relay.Wait()
		if waitErr == nil || ctx.Err() != nil {
			break
		}
		if !errors.Is(waitErr, portforwarding.ErrRemoteReset) {
			s.fail(sess, relay, tunnelerr.Connect("relay", waitErr))
			return
		}

		exists, err := relay.Exists(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if tunnelerr.IsAuth(err) {
				s.fail(sess, relay, err)
				return
			}
			// unknown; try to reconnect anyway
			logging.Warn(subsystem, "Could not check relay %s: %v", relay.Name(), err)
			exists = true
		}
		if !exists {
			logging.Info(subsystem, "Relay %s is gone, closing session", relay.Name())
			break
		}

		logging.Warn(subsystem, "Relay connection dropped, reconnecting")
		if err := s.reconnect(ctx, sess, relay); err != nil {
			if ctx.Err() != nil && !tunnelerr.IsAuth(err) {
				break
			}
			s.fail(sess, relay, err)
			return
		}
	}

	s.move(sess, StateClosing, nil)
	if err := relay.Close(); err != nil {
		sess.recordError(err)
		logging.Warn(subsystem, "Closing relay: %v", err)
	}
	s.ports.Release(sess.id, sess.localPort)
	logging.Debug(subsystem, "Released local port %d, %d port(s) still reserved", sess.localPort, s.ports.Len())
	s.move(sess, StateClosed, nil)
}

// fail tears the relay down and moves the session to Error.
func (s *Supervisor) fail(sess *Session, relay Relay, err error) {
	if cerr := relay.Close(); cerr != nil {
		logging.Warn("Session-"+sess.target.ID, "Closing relay after failure: %v", cerr)
	}
	s.ports.Release(sess.id, sess.localPort)
	s.move(sess, StateError, err)
}

func (s *Supervisor) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialBackoff
	b.MaxInterval = s.opts.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.MaxConnectAttempts-1)), ctx)
}

// connect opens the relay with bounded exponential backoff. Auth errors stop the retries.
func (s *Supervisor) connect(ctx context.Context, sess *Session) (Relay, error) {
	var (
		relay    Relay
		attempts int
	)
	op := func() error {
		attempts++
		sess.setAttempts(attempts)
		r, err := s.connector.Open(ctx, sess.target, sess.localAddr)
		if err != nil {
			s.recordAttempt(sess, err)
			if tunnelerr.IsAuth(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			sess.recordError(err)
			return err
		}
		s.recordAttempt(sess, nil)
		relay = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logging.Warn("Session-"+sess.target.ID, "Connect attempt %d/%d failed, retrying in %s: %v",
			attempts, s.opts.MaxConnectAttempts, wait.Round(time.Millisecond), err)
	}
	if err := backoff.RetryNotify(op, s.newBackOff(ctx), notify); err != nil {
		if tunnelerr.KindOf(err) == "" && ctx.Err() == nil {
			err = tunnelerr.Connect("open relay", err)
		}
		return nil, err
	}
	return relay, nil
}

// reconnect revalidates credentials and re-dials the relay with bounded backoff.
func (s *Supervisor) reconnect(ctx context.Context, sess *Session, relay Relay) error {
	attempts := 0
	op := func() error {
		attempts++
		if err := s.connector.Revalidate(ctx); err != nil {
			s.recordAttempt(sess, err)
			if tunnelerr.IsAuth(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		err := relay.Reconnect(ctx)
		s.recordAttempt(sess, err)
		if err != nil && (tunnelerr.IsAuth(err) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logging.Warn("Session-"+sess.target.ID, "Reconnect attempt %d/%d failed, retrying in %s: %v",
			attempts, s.opts.MaxConnectAttempts, wait.Round(time.Millisecond), err)
	}
	err := backoff.RetryNotify(op, s.newBackOff(ctx), notify)
	if err != nil && tunnelerr.KindOf(err) == "" && ctx.Err() == nil {
		err = tunnelerr.Connect("reconnect relay", err)
	}
	return err
}

func (s *Supervisor) recordAttempt(sess *Session, err error) {
	result := "success"
	switch {
	case err == nil:
	case tunnelerr.IsAuth(err):
		result = "auth_error"
	default:
		result = "connect_error"
	}
	s.opts.Recorder.ConnectAttempt(sess.target.ID, result)
}
