package target

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocol is the application protocol spoken by a target, used for display and for
// building connection hints.
type Protocol string

const (
	ProtocolTCP       Protocol = "tcp"
	ProtocolPostgres  Protocol = "postgres"
	ProtocolMySQL     Protocol = "mysql"
	ProtocolRedis     Protocol = "redis"
	ProtocolMemcached Protocol = "memcached"
	ProtocolHTTP      Protocol = "http"
	ProtocolHTTPS     Protocol = "https"
)

// Target is a named network endpoint reachable from inside the cluster.
// Values are immutable once resolved.
type Target struct {
	ID          string
	DisplayName string
	Protocol    Protocol
	RemoteHost  string
	RemotePort  int
	Source      string
	Description string
}

// Address returns host:port of the remote endpoint.
func (t Target) Address() string {
	return net.JoinHostPort(t.RemoteHost, strconv.Itoa(t.RemotePort))
}

// Validate checks that the target can be relayed at all.
func (t Target) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("target has no id")
	}
	if strings.TrimSpace(t.RemoteHost) == "" {
		return fmt.Errorf("target %s has no remote host", t.ID)
	}
	if t.RemotePort <= 0 || t.RemotePort > 65535 {
		return fmt.Errorf("target %s has invalid remote port %d", t.ID, t.RemotePort)
	}
	return nil
}

// ConnectionHint returns a short string telling the user how to reach the target locally.
func (t Target) ConnectionHint(localHost string, localPort int) string {
	addr := net.JoinHostPort(localHost, strconv.Itoa(localPort))
	switch t.Protocol {
	case ProtocolPostgres:
		return "postgres://" + addr
	case ProtocolMySQL:
		return "mysql://" + addr
	case ProtocolRedis:
		return "redis://" + addr
	case ProtocolHTTP:
		return "http://" + addr
	case ProtocolHTTPS:
		return "https://" + addr
	default:
		return addr
	}
}

// Source produces targets of one kind. List calls yield for each discovered target in
// discovery order and stops early when yield returns false.
type Source interface {
	Name() string
	List(ctx context.Context, yield func(Target) bool) error
}

func protocolForEngine(engine string) Protocol {
	e := strings.ToLower(engine)
	switch {
	case strings.Contains(e, "postgres"):
		return ProtocolPostgres
	case strings.Contains(e, "mysql"), strings.Contains(e, "mariadb"):
		return ProtocolMySQL
	case strings.Contains(e, "redis"), strings.Contains(e, "valkey"):
		return ProtocolRedis
	case strings.Contains(e, "memcached"):
		return ProtocolMemcached
	default:
		return ProtocolTCP
	}
}
