package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"tunnel/internal/session"
	"tunnel/internal/target"
	"tunnel/internal/tunnelerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingRelay stays up until it is closed.
type blockingRelay struct {
	closed chan struct{}
	once   sync.Once
}

func (r *blockingRelay) Wait() error                          { <-r.closed; return nil }
func (r *blockingRelay) Reconnect(context.Context) error      { return nil }
func (r *blockingRelay) Exists(context.Context) (bool, error) { return true, nil }
func (r *blockingRelay) Name() string                         { return "relay" }

func (r *blockingRelay) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

type stubConnector struct {
	openErr map[string]error
}

func (c *stubConnector) Open(ctx context.Context, t target.Target, _ string) (session.Relay, error) {
	if err := c.openErr[t.ID]; err != nil {
		return nil, err
	}
	r := &blockingRelay{closed: make(chan struct{})}
	go func() {
		<-ctx.Done()
		_ = r.Close()
	}()
	return r, nil
}

func (c *stubConnector) Revalidate(context.Context) error { return nil }

func testSupervisor(c session.Connector) *session.Supervisor {
	return session.NewSupervisor(c, session.Options{
		BindAddress:        "127.0.0.1",
		PortRangeStart:     43100,
		PortRangeEnd:       43149,
		MaxConnectAttempts: 2,
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         2 * time.Millisecond,
	})
}

func TestRunSessions_CancelStopsCleanly(t *testing.T) {
	sup := testSupervisor(&stubConnector{})
	ctx, cancel := context.WithCancel(context.Background())

	var active []session.Info
	var mu sync.Mutex
	onActive := func(info session.Info) {
		mu.Lock()
		active = append(active, info)
		n := len(active)
		mu.Unlock()
		if n == 2 {
			cancel()
		}
	}

	billing := ordersTarget()
	billing.ID, billing.DisplayName = "rds/billing", "billing"
	err := runSessions(ctx, sup, nil, time.Second, RunOptions{
		Targets:   []target.Target{ordersTarget(), billing},
		LocalPort: 43140,
		OnActive:  onActive,
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, active, 2)
	ports := map[string]int{}
	for _, info := range active {
		ports[info.Target.ID] = info.LocalPort
	}
	assert.Equal(t, 43140, ports["rds/orders"])
	assert.NotEqual(t, 43140, ports["rds/billing"])
	for _, info := range sup.Sessions() {
		assert.Equal(t, session.StateClosed, info.State)
	}
}

func TestRunSessions_ReturnsSessionFailure(t *testing.T) {
	sup := testSupervisor(&stubConnector{openErr: map[string]error{
		"rds/orders": tunnelerr.Auth("upgrade portforward connection", errors.New("Unauthorized")),
	}})

	err := runSessions(context.Background(), sup, nil, time.Second, RunOptions{Targets: []target.Target{ordersTarget()}})
	require.Error(t, err)
	assert.Equal(t, ExitAuth, ExitCode(err))

	var te *tunnelerr.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "rds/orders", te.TargetID)
}
