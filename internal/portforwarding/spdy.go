package portforwarding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"tunnel/internal/tunnelerr"
	"tunnel/pkg/logging"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/httpstream"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"
)

// SPDYDialer dials the pods/portforward subresource with the SPDY upgrade protocol.
type SPDYDialer struct {
	restConfig *rest.Config
	url        *url.URL
}

// NewSPDYDialer returns a dialer for the given portforward URL, authenticated with restConfig.
func NewSPDYDialer(restConfig *rest.Config, portForwardURL *url.URL) *SPDYDialer {
	return &SPDYDialer{restConfig: restConfig, url: portForwardURL}
}

// URL returns the portforward endpoint the dialer upgrades.
func (d *SPDYDialer) URL() string { return d.url.String() }

// Dial performs the upgrade. The underlying client-go dialer is not context aware, so a
// connection that completes after ctx is done is closed immediately.
func (d *SPDYDialer) Dial(ctx context.Context) (Conn, error) {
	transport, upgrader, err := spdy.RoundTripperFor(d.restConfig)
	if err != nil {
		return nil, tunnelerr.Connect("create spdy round tripper", err)
	}
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, d.url)

	type result struct {
		conn httpstream.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, _, err := dialer.Dial(portforward.PortForwardProtocolV1Name)
		ch <- result{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, classifyUpgradeError(r.err)
		}
		return newSPDYConn(r.conn), nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// classifyUpgradeError maps a failed upgrade to an AuthError for 401/403 responses and a
// ConnectError otherwise.
func classifyUpgradeError(err error) error {
	if apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err) {
		return tunnelerr.Auth("upgrade portforward connection", err)
	}
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		code := status.Status().Code
		if code == http.StatusUnauthorized || code == http.StatusForbidden {
			return tunnelerr.Auth("upgrade portforward connection", err)
		}
	}
	// upgrade failures without a decodable Status body only carry the text
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, " 401") || strings.Contains(msg, " 403") {
		return tunnelerr.Auth("upgrade portforward connection", err)
	}
	return tunnelerr.Connect("upgrade portforward connection", err)
}

type spdyConn struct {
	conn      httpstream.Connection
	requestID atomic.Int64
}

func newSPDYConn(conn httpstream.Connection) *spdyConn {
	return &spdyConn{conn: conn}
}

func (c *spdyConn) CloseChan() <-chan bool { return c.conn.CloseChan() }

func (c *spdyConn) Close() error { return c.conn.Close() }

// OpenStream creates the error stream first and the data stream second, sharing one
// request ID, as the kubelet expects.
func (c *spdyConn) OpenStream(remotePort int) (Stream, error) {
	requestID := strconv.FormatInt(c.requestID.Add(1)-1, 10)

	headers := http.Header{}
	headers.Set(corev1.StreamType, corev1.StreamTypeError)
	headers.Set(corev1.PortHeader, strconv.Itoa(remotePort))
	headers.Set(corev1.PortForwardRequestIDHeader, requestID)
	errorStream, err := c.conn.CreateStream(headers)
	if err != nil {
		return nil, tunnelerr.Connect("create error stream", err)
	}
	// the error stream is read-only from our side
	_ = errorStream.Close()

	headers.Set(corev1.StreamType, corev1.StreamTypeData)
	dataStream, err := c.conn.CreateStream(headers)
	if err != nil {
		c.conn.RemoveStreams(errorStream)
		return nil, tunnelerr.Connect("create data stream", err)
	}

	s := &spdyStream{
		conn:        c.conn,
		data:        dataStream,
		errorStream: errorStream,
		errCh:       make(chan error, 1),
		remotePort:  remotePort,
	}
	go s.readErrors()
	return s, nil
}

type spdyStream struct {
	conn        httpstream.Connection
	data        httpstream.Stream
	errorStream httpstream.Stream
	errCh       chan error
	remotePort  int
	closeOnce   sync.Once
}

func (s *spdyStream) readErrors() {
	defer close(s.errCh)
	msg, err := io.ReadAll(s.errorStream)
	switch {
	case err != nil && !isClosedStreamError(err):
		s.errCh <- fmt.Errorf("reading error stream for port %d: %w", s.remotePort, err)
	case len(msg) > 0:
		s.errCh <- fmt.Errorf("remote port %d: %s", s.remotePort, strings.TrimSpace(string(msg)))
	}
}

func isClosedStreamError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "stream reset") || strings.Contains(msg, "use of closed network connection")
}

func (s *spdyStream) Read(p []byte) (int, error)  { return s.data.Read(p) }
func (s *spdyStream) Write(p []byte) (int, error) { return s.data.Write(p) }
func (s *spdyStream) CloseWrite() error           { return s.data.Close() }
func (s *spdyStream) Err() <-chan error           { return s.errCh }

func (s *spdyStream) Close() error {
	s.closeOnce.Do(func() {
		if err := s.data.Reset(); err != nil {
			logging.Debug("Relay", "Resetting data stream for port %d: %v", s.remotePort, err)
		}
		_ = s.errorStream.Reset()
		s.conn.RemoveStreams(s.data, s.errorStream)
	})
	return nil
}
