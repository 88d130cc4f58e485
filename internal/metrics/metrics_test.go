package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionMetrics(t *testing.T) {
	m := New()
	m.ConnectionOpened("rds/orders")
	m.ConnectionOpened("rds/orders")
	m.ConnectionClosed("rds/orders")
	m.BytesTransferred("rds/orders", "upstream", 10)
	m.BytesTransferred("rds/orders", "upstream", 5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections.WithLabelValues("rds/orders")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connectionsSeen.WithLabelValues("rds/orders")))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.bytes.WithLabelValues("rds/orders", "upstream")))
}

func TestSessionTransition(t *testing.T) {
	m := New()
	m.SessionTransition("", "Pending")
	m.SessionTransition("Pending", "Connecting")
	m.SessionTransition("Connecting", "Active")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessions.WithLabelValues("Pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("Active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("Connecting")))
}

func TestRegistryGathers(t *testing.T) {
	m := New()
	m.ConnectAttempt("rds/orders", "auth_error")
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["tunnel_session_connect_attempts_total"])
}
