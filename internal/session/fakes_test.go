package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"tunnel/internal/portforwarding"
	"tunnel/internal/target"
	"tunnel/internal/tunnelerr"

	"github.com/stretchr/testify/require"
)

type fakeRelay struct {
	name     string
	listener net.Listener

	resets    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	exists       bool
	existsErr    error
	reconnectErr error
	reconnects   int
}

func (r *fakeRelay) Wait() error {
	select {
	case <-r.closed:
		return nil
	case <-r.resets:
		return portforwarding.ErrRemoteReset
	}
}

func (r *fakeRelay) Reconnect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnects++
	return r.reconnectErr
}

func (r *fakeRelay) Exists(context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exists, r.existsErr
}

func (r *fakeRelay) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		_ = r.listener.Close()
	})
	return nil
}

func (r *fakeRelay) Name() string { return r.name }

func (r *fakeRelay) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// reset simulates the relay connection being dropped by the remote end.
func (r *fakeRelay) reset() { r.resets <- struct{}{} }

type fakeConnector struct {
	mu sync.Mutex
	// openErr, when set, is returned by every Open
	openErr       error
	revalidateErr error
	relays        []*fakeRelay
	opens         atomic.Int32
}

func (c *fakeConnector) Open(ctx context.Context, t target.Target, localAddr string) (Relay, error) {
	c.opens.Add(1)
	c.mu.Lock()
	openErr := c.openErr
	c.mu.Unlock()
	if openErr != nil {
		return nil, openErr
	}
	l, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, tunnelerr.Connect("bind local listener", err)
	}
	r := &fakeRelay{
		name:     "relay-" + t.DisplayName,
		listener: l,
		resets:   make(chan struct{}),
		closed:   make(chan struct{}),
		exists:   true,
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = r.Close()
		case <-r.closed:
		}
	}()
	c.mu.Lock()
	c.relays = append(c.relays, r)
	c.mu.Unlock()
	return r, nil
}

func (c *fakeConnector) Revalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revalidateErr
}

func (c *fakeConnector) lastRelay() *fakeRelay {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.relays) == 0 {
		return nil
	}
	return c.relays[len(c.relays)-1]
}

// stateLog records every transition per session.
type stateLog struct {
	mu     sync.Mutex
	states map[string][]State
}

func newStateLog(s *Supervisor) *stateLog {
	l := &stateLog{states: map[string][]State{}}
	s.Subscribe(func(info Info, _, to State, _ error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.states[info.ID] = append(l.states[info.ID], to)
	})
	return l
}

func (l *stateLog) get(id string) []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states[id]...)
}

var errProbe = errors.New("error forwarding port 1 to pod relay: connection refused")

func testTarget(name string) target.Target {
	return target.Target{
		ID:          "static/" + name,
		DisplayName: name,
		Protocol:    target.ProtocolTCP,
		RemoteHost:  name + ".internal",
		RemotePort:  5432,
		Source:      "static",
	}
}

func testOptions(start int) Options {
	return Options{
		BindAddress:        "127.0.0.1",
		PortRangeStart:     start,
		PortRangeEnd:       start + 49,
		MaxConnectAttempts: 3,
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
	}
}

func waitForState(t *testing.T, sess *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return sess.State() == want }, 3*time.Second, 2*time.Millisecond,
		"session stuck in %s, want %s", sess.State(), want)
}
