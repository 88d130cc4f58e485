package portforwarding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
	"tunnel/internal/tunnelerr"
	"tunnel/pkg/logging"
)

// Tunnel forwards connections accepted on a local listener to a port behind the relay.
// All forwarded connections share one upgraded connection.
type Tunnel struct {
	opts       Options
	dialer     Dialer
	remotePort int
	listener   net.Listener
	subsystem  string

	mu     sync.Mutex
	conn   Conn
	lost   chan struct{}
	active map[*pair]struct{}

	copies    sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// pair is one forwarded connection.
type pair struct {
	local  net.Conn
	stream Stream
	once   sync.Once
}

func (p *pair) close() {
	p.once.Do(func() {
		_ = p.local.Close()
		_ = p.stream.Close()
	})
}

// Open binds localAddr, dials the relay and probes remotePort. It returns once the tunnel
// is serving. Cancelling ctx closes the tunnel.
func Open(ctx context.Context, dialer Dialer, remotePort int, localAddr string, opts Options) (*Tunnel, error) {
	opts = opts.withDefaults()
	subsystem := "Relay-" + opts.Label

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", localAddr)
	if err != nil {
		return nil, tunnelerr.Connect("bind local listener", fmt.Errorf("listen on %s: %w", localAddr, err))
	}

	conn, err := dialAndProbe(ctx, dialer, remotePort, opts.ProbeTimeout)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	t := &Tunnel{
		opts:       opts,
		dialer:     dialer,
		remotePort: remotePort,
		listener:   listener,
		subsystem:  subsystem,
		conn:       conn,
		lost:       make(chan struct{}),
		active:     make(map[*pair]struct{}),
		closed:     make(chan struct{}),
	}
	go t.monitor(conn, t.lost)
	go t.serve()
	go func() {
		select {
		case <-ctx.Done():
			_ = t.Close()
		case <-t.closed:
		}
	}()

	logging.Info(subsystem, "Forwarding %s -> relay port %d", listener.Addr(), remotePort)
	return t, nil
}

// dialAndProbe dials the relay and confirms the remote port accepts connections.
func dialAndProbe(ctx context.Context, dialer Dialer, remotePort int, probeTimeout time.Duration) (Conn, error) {
	conn, err := dialer.Dial(ctx)
	if err != nil {
		var te *tunnelerr.Error
		if errors.As(err, &te) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, tunnelerr.Connect("dial relay", err)
	}
	if err := probe(ctx, conn, remotePort, probeTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// probe opens one stream pair and waits for the kubelet or the relay to reject it. A
// stream that stays open, or that receives data, for the probe timeout counts as healthy.
func probe(ctx context.Context, conn Conn, remotePort int, timeout time.Duration) error {
	stream, err := conn.OpenStream(remotePort)
	if err != nil {
		return err
	}
	defer stream.Close()

	readDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		_, err := stream.Read(buf)
		readDone <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err, ok := <-stream.Err():
		if ok && err != nil {
			return tunnelerr.Connect("probe remote port", err)
		}
		return nil
	case err := <-readDone:
		if err == nil {
			return nil
		}
		// the relay closes the connection when it cannot reach the target; give the
		// kubelet error a moment to arrive since it is the more precise message
		select {
		case kerr, ok := <-stream.Err():
			if ok && kerr != nil {
				return tunnelerr.Connect("probe remote port", kerr)
			}
		case <-time.After(100 * time.Millisecond):
		}
		if errors.Is(err, io.EOF) {
			return tunnelerr.Connect("probe remote port", fmt.Errorf("relay closed the connection to port %d", remotePort))
		}
		return tunnelerr.Connect("probe remote port", err)
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-conn.CloseChan():
		return tunnelerr.Connect("probe remote port", ErrRemoteReset)
	}
}

// LocalAddr returns the bound local address.
func (t *Tunnel) LocalAddr() net.Addr { return t.listener.Addr() }

// LocalPort returns the bound local TCP port.
func (t *Tunnel) LocalPort() int {
	if addr, ok := t.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// ActiveConnections returns the number of forwarded connections currently open.
func (t *Tunnel) ActiveConnections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

func (t *Tunnel) monitor(conn Conn, lost chan struct{}) {
	select {
	case <-conn.CloseChan():
	case <-t.closed:
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != conn {
		return
	}
	select {
	case <-t.closed:
		return
	default:
	}
	logging.Warn(t.subsystem, "Upgraded connection to relay lost")
	t.conn = nil
	close(lost)
	// forwarded connections cannot survive the loss of their streams
	for p := range t.active {
		go p.close()
	}
}

// Wait blocks until the tunnel is closed locally, returning nil, or until the relay
// connection is lost, returning ErrRemoteReset.
func (t *Tunnel) Wait() error {
	t.mu.Lock()
	lost := t.lost
	t.mu.Unlock()

	select {
	case <-t.closed:
		return nil
	case <-lost:
		select {
		case <-t.closed:
			return nil
		default:
			return ErrRemoteReset
		}
	}
}

// Reconnect dials a new upgraded connection and probes it, keeping the local listener
// bound throughout.
func (t *Tunnel) Reconnect(ctx context.Context) error {
	select {
	case <-t.closed:
		return ErrTunnelClosed
	default:
	}

	conn, err := dialAndProbe(ctx, t.dialer, t.remotePort, t.opts.ProbeTimeout)
	if err != nil {
		return err
	}

	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		_ = conn.Close()
		return ErrTunnelClosed
	default:
	}
	old := t.conn
	t.conn = conn
	t.lost = make(chan struct{})
	lost := t.lost
	t.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	go t.monitor(conn, lost)
	logging.Info(t.subsystem, "Reconnected to relay")
	return nil
}

func (t *Tunnel) serve() {
	for {
		local, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			logging.Error(t.subsystem, err, "Accepting local connection failed")
			return
		}
		go t.handle(local)
	}
}

func (t *Tunnel) handle(local net.Conn) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		logging.Warn(t.subsystem, "Rejecting %s while the relay is reconnecting", local.RemoteAddr())
		_ = local.Close()
		return
	}

	stream, err := conn.OpenStream(t.remotePort)
	if err != nil {
		logging.Error(t.subsystem, err, "Opening stream for %s failed", local.RemoteAddr())
		_ = local.Close()
		return
	}

	p := &pair{local: local, stream: stream}
	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		p.close()
		return
	default:
	}
	t.active[p] = struct{}{}
	t.copies.Add(1)
	t.mu.Unlock()

	go t.forward(p)
}

// forward copies both directions until either side finishes, then tears the pair down.
func (t *Tunnel) forward(p *pair) {
	defer t.copies.Done()
	label := t.opts.Label
	obs := t.opts.Observer
	obs.ConnectionOpened(label)
	logging.Debug(t.subsystem, "Forwarding connection from %s", p.local.RemoteAddr())

	upDone := make(chan struct{})
	downDone := make(chan struct{})

	go func() {
		defer close(upDone)
		_, err := io.Copy(&countingWriter{w: p.stream, obs: obs, label: label, dir: DirectionUpstream}, p.local)
		if err != nil && !isClosedError(err) {
			logging.Debug(t.subsystem, "Copy to relay ended: %v", err)
		}
		_ = p.stream.CloseWrite()
	}()
	go func() {
		defer close(downDone)
		_, err := io.Copy(&countingWriter{w: p.local, obs: obs, label: label, dir: DirectionDownstream}, p.stream)
		if err != nil && !isClosedError(err) {
			logging.Debug(t.subsystem, "Copy from relay ended: %v", err)
		}
		if cw, ok := p.local.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}()

	select {
	case <-downDone:
		// the remote finished; the local side gets the grace period to finish writing
		select {
		case <-upDone:
		case <-time.After(t.opts.GracePeriod):
		case <-t.closed:
		}
	case err, ok := <-p.stream.Err():
		if ok && err != nil {
			logging.Warn(t.subsystem, "Relay reported an error: %v", err)
		}
		<-downDone
	}

	p.close()
	<-upDone
	<-downDone

	t.mu.Lock()
	delete(t.active, p)
	t.mu.Unlock()
	obs.ConnectionClosed(label)
}

// Close stops accepting, closes every forwarded connection and the relay connection. Copy
// loops that do not finish within the grace period are abandoned.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		close(t.closed)
		pairs := make([]*pair, 0, len(t.active))
		for p := range t.active {
			pairs = append(pairs, p)
		}
		conn := t.conn
		t.conn = nil
		t.mu.Unlock()

		if err := t.listener.Close(); err != nil && !isClosedError(err) {
			t.closeErr = fmt.Errorf("closing listener: %w", err)
		}
		for _, p := range pairs {
			p.close()
		}

		done := make(chan struct{})
		go func() {
			t.copies.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(t.opts.GracePeriod):
			logging.Warn(t.subsystem, "Copy loops did not finish within %s, closing relay connection", t.opts.GracePeriod)
		}

		if conn != nil {
			_ = conn.Close()
		}
		logging.Debug(t.subsystem, "Tunnel closed")
	})
	return t.closeErr
}

func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

type countingWriter struct {
	w     io.Writer
	obs   Observer
	label string
	dir   string
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.obs.BytesTransferred(c.label, c.dir, n)
	}
	return n, err
}
