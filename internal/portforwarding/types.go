package portforwarding

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrRemoteReset is returned by Tunnel.Wait when the upgraded connection to the relay was
// lost without a local Close. The listener stays bound so the caller can Reconnect.
var ErrRemoteReset = errors.New("relay connection reset by remote")

// ErrTunnelClosed is returned when operating on a tunnel that was already closed.
var ErrTunnelClosed = errors.New("tunnel closed")

// Dialer opens upgraded connections to the relay pod's portforward endpoint.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one upgraded connection to the relay. It multiplexes any number of streams.
type Conn interface {
	// OpenStream creates the error and data stream pair for one forwarded connection.
	OpenStream(remotePort int) (Stream, error)
	// CloseChan is closed when the connection is lost or closed.
	CloseChan() <-chan bool
	Close() error
}

// Stream is the data half of a forwarded connection. Failures reported by the kubelet on
// the paired error stream are delivered on Err.
type Stream interface {
	io.ReadWriter
	// CloseWrite half-closes the stream, signalling EOF to the remote side.
	CloseWrite() error
	// Err yields at most one error reported by the remote end and is closed afterwards.
	Err() <-chan error
	// Close resets the stream and releases it from the connection.
	Close() error
}

// Observer receives traffic events for metrics.
type Observer interface {
	ConnectionOpened(label string)
	ConnectionClosed(label string)
	BytesTransferred(label, direction string, n int)
}

// Directions reported to Observer.BytesTransferred.
const (
	DirectionUpstream   = "upstream"
	DirectionDownstream = "downstream"
)

type nopObserver struct{}

func (nopObserver) ConnectionOpened(string)                {}
func (nopObserver) ConnectionClosed(string)                {}
func (nopObserver) BytesTransferred(string, string, int) {}

// Options tune a Tunnel.
type Options struct {
	// Label identifies the tunnel in logs and metrics, usually the target ID.
	Label string
	// GracePeriod bounds how long Close waits for copy loops before forcing them shut.
	GracePeriod time.Duration
	// ProbeTimeout is how long the remote port probe waits for a kubelet error.
	ProbeTimeout time.Duration
	Observer     Observer
}

func (o Options) withDefaults() Options {
	if o.GracePeriod <= 0 {
		o.GracePeriod = 5 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 2 * time.Second
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Label == "" {
		o.Label = "tunnel"
	}
	return o
}
