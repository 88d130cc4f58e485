package session

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrPortInUse is returned when a requested local port is held by another session or
// cannot be bound.
var ErrPortInUse = errors.New("local port in use")

// ErrNoFreePort is returned when every port of the range is taken.
var ErrNoFreePort = errors.New("no free local port in range")

// PortTable hands out local ports so that no two live sessions share one. Reserve and
// Release are its only critical sections.
type PortTable struct {
	mu    sync.Mutex
	start int
	end   int
	next  int
	owner map[int]string
	// bindable reports whether the OS would let us listen on the port right now
	bindable func(port int) bool
}

// NewPortTable creates a table that auto-allocates from [start, end] on bindAddress.
func NewPortTable(start, end int, bindAddress string) *PortTable {
	return &PortTable{
		start: start,
		end:   end,
		next:  start,
		owner: make(map[int]string),
		bindable: func(port int) bool {
			l, err := net.Listen("tcp", net.JoinHostPort(bindAddress, strconv.Itoa(port)))
			if err != nil {
				return false
			}
			_ = l.Close()
			return true
		},
	}
}

// Reserve assigns a port to owner. A requested port of 0 picks the next free port of the
// range, round robin, so a port released a moment ago is not reused straight away.
func (p *PortTable) Reserve(owner string, requested int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if requested != 0 {
		if requested < 1 || requested > 65535 {
			return 0, fmt.Errorf("invalid local port %d", requested)
		}
		if holder, taken := p.owner[requested]; taken {
			return 0, fmt.Errorf("%w: %d is held by session %s", ErrPortInUse, requested, holder)
		}
		if !p.bindable(requested) {
			return 0, fmt.Errorf("%w: %d is used by another process", ErrPortInUse, requested)
		}
		p.owner[requested] = owner
		return requested, nil
	}

	size := p.end - p.start + 1
	for i := 0; i < size; i++ {
		port := p.next
		p.next++
		if p.next > p.end {
			p.next = p.start
		}
		if _, taken := p.owner[port]; taken {
			continue
		}
		if !p.bindable(port) {
			continue
		}
		p.owner[port] = owner
		return port, nil
	}
	return 0, fmt.Errorf("%w %d-%d", ErrNoFreePort, p.start, p.end)
}

// Release frees port if owner holds it.
func (p *PortTable) Release(owner string, port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.owner[port] == owner {
		delete(p.owner, port)
	}
}

// Len returns the number of reserved ports.
func (p *PortTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owner)
}
