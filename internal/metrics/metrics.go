// Package metrics exposes tunnel traffic and session lifecycle counters in the
// Prometheus format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
	"tunnel/pkg/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace        = "tunnel"
	relaySubsystem   = "relay"
	sessionSubsystem = "session"

	TargetLabel    = "target"
	DirectionLabel = "direction"
	StateLabel     = "state"
	ResultLabel    = "result"
)

// Metrics holds the collectors of one process. The zero value is not usable; use New.
type Metrics struct {
	registry *prometheus.Registry

	connections     *prometheus.GaugeVec
	connectionsSeen *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	sessions        *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	connectAttempts *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.connections = registerGauge(m.registry, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: relaySubsystem,
		Name:      "active_connections",
		Help:      "Number of local connections currently forwarded through a relay",
	}, []string{TargetLabel}))

	m.connectionsSeen = registerCounter(m.registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: relaySubsystem,
		Name:      "connections_total",
		Help:      "Number of local connections forwarded through a relay",
	}, []string{TargetLabel}))

	m.bytes = registerCounter(m.registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: relaySubsystem,
		Name:      "bytes_total",
		Help:      "Bytes copied through a relay, by direction",
	}, []string{TargetLabel, DirectionLabel}))

	m.sessions = registerGauge(m.registry, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: sessionSubsystem,
		Name:      "sessions",
		Help:      "Number of sessions per state",
	}, []string{StateLabel}))

	m.transitions = registerCounter(m.registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: sessionSubsystem,
		Name:      "transitions_total",
		Help:      "Session state transitions, by target state",
	}, []string{StateLabel}))

	m.connectAttempts = registerCounter(m.registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: sessionSubsystem,
		Name:      "connect_attempts_total",
		Help:      "Relay connect attempts, by result",
	}, []string{TargetLabel, ResultLabel}))

	m.registry.MustRegister(collectors.NewGoCollector())
	return m
}

func registerGauge(r *prometheus.Registry, gauge *prometheus.GaugeVec) *prometheus.GaugeVec {
	if err := r.Register(gauge); err != nil {
		var existsErr prometheus.AlreadyRegisteredError
		if errors.As(err, &existsErr) {
			return existsErr.ExistingCollector.(*prometheus.GaugeVec)
		}
		panic(fmt.Errorf("failed to register gauge: %w", err))
	}
	return gauge
}

func registerCounter(r *prometheus.Registry, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := r.Register(counter); err != nil {
		var existsErr prometheus.AlreadyRegisteredError
		if errors.As(err, &existsErr) {
			return existsErr.ExistingCollector.(*prometheus.CounterVec)
		}
		panic(fmt.Errorf("failed to register counter: %w", err))
	}
	return counter
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ConnectionOpened records a new forwarded connection.
func (m *Metrics) ConnectionOpened(target string) {
	m.connections.WithLabelValues(target).Inc()
	m.connectionsSeen.WithLabelValues(target).Inc()
}

// ConnectionClosed records the end of a forwarded connection.
func (m *Metrics) ConnectionClosed(target string) {
	m.connections.WithLabelValues(target).Dec()
}

// BytesTransferred adds n bytes copied in direction.
func (m *Metrics) BytesTransferred(target, direction string, n int) {
	m.bytes.WithLabelValues(target, direction).Add(float64(n))
}

// SessionTransition moves one session from one state gauge to another. An empty from
// means the session is new.
func (m *Metrics) SessionTransition(from, to string) {
	if from != "" {
		m.sessions.WithLabelValues(from).Dec()
	}
	m.sessions.WithLabelValues(to).Inc()
	m.transitions.WithLabelValues(to).Inc()
}

// ConnectAttempt records the result of one relay connect attempt.
func (m *Metrics) ConnectAttempt(target, result string) {
	m.connectAttempts.WithLabelValues(target, result).Inc()
}

// Serve exposes the registry on addr under /metrics until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Info("Metrics", "Serving metrics on http://%s/metrics", listener.Addr())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
