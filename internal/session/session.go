package session

import (
	"context"
	"sync"
	"time"
	"tunnel/internal/target"
)

// Relay is an open tunnel to a target, as returned by a Connector.
type Relay interface {
	// Wait blocks until the tunnel is closed locally (nil) or the relay connection is
	// lost (portforwarding.ErrRemoteReset).
	Wait() error
	// Reconnect re-establishes a lost relay connection, keeping the local port bound.
	Reconnect(ctx context.Context) error
	// Exists reports whether the in-cluster side of the relay is still there.
	Exists(ctx context.Context) (bool, error)
	// Close stops forwarding, releases the local listener and removes the relay.
	Close() error
	// Name identifies the in-cluster relay, e.g. the relay pod name.
	Name() string
}

// Connector opens relays. It is backed by the cluster handle in production.
type Connector interface {
	Open(ctx context.Context, t target.Target, localAddr string) (Relay, error)
	// Revalidate re-checks the shared credentials before a reconnect.
	Revalidate(ctx context.Context) error
}

// Info is a point-in-time copy of a session.
type Info struct {
	ID        string
	Target    target.Target
	LocalPort int
	LocalAddr string
	State     State
	StartTime time.Time
	LastError error
	Attempts  int
	Relay     string
}

// Session is one tunnel to one target on one local port. Its state is only changed by
// the supervisor, through the state machine.
type Session struct {
	id        string
	target    target.Target
	localPort int
	localAddr string
	startTime time.Time

	mu       sync.Mutex
	state    State
	lastErr  error
	attempts int
	relay    string

	cancel context.CancelFunc
	done   chan struct{}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Target returns the target the session tunnels to.
func (s *Session) Target() target.Target { return s.target }

// LocalPort returns the local port the session holds.
func (s *Session) LocalPort() int { return s.localPort }

// Done is closed once the session reaches Closed or Error.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to Error, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateError {
		return nil
	}
	return s.lastErr
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() Info {
	return Info{
		ID:        s.id,
		Target:    s.target,
		LocalPort: s.localPort,
		LocalAddr: s.localAddr,
		State:     s.state,
		StartTime: s.startTime,
		LastError: s.lastErr,
		Attempts:  s.attempts,
		Relay:     s.relay,
	}
}

// transition moves the session to next if the state machine allows it.
func (s *Session) transition(next State, err error) (Info, State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	if !CanTransition(prev, next) {
		return s.infoLocked(), prev, &TransitionError{From: prev, To: next}
	}
	s.state = next
	if err != nil {
		s.lastErr = err
	}
	return s.infoLocked(), prev, nil
}

func (s *Session) setAttempts(n int) {
	s.mu.Lock()
	s.attempts = n
	s.mu.Unlock()
}

func (s *Session) setRelay(name string) {
	s.mu.Lock()
	s.relay = name
	s.mu.Unlock()
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}
