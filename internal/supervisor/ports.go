package supervisor

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrNoPorts indicates the configured port range is exhausted.
var ErrNoPorts = errors.New("supervisor: no free ports")

// PortPool hands out ports from a fixed range. Ports never used before are
// preferred; released ports go to the back of the line so a port is not
// reused while stale connections may still target it.
type PortPool struct {
	mu       sync.Mutex
	next     int
	end      int
	released []int
	inUse    map[int]struct{}
	probe    func(port int) bool
}

// NewPortPool covers [start, end].
func NewPortPool(start, end int) (*PortPool, error) {
	if start <= 0 || end < start || end > 65535 {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	return &PortPool{
		next:  start,
		end:   end,
		inUse: make(map[int]struct{}),
		probe: portAvailable,
	}, nil
}

// Allocate reserves a port.
func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.next <= p.end {
		port := p.next
		p.next++
		if p.probe(port) {
			p.inUse[port] = struct{}{}
			return port, nil
		}
	}
	for i := 0; i < len(p.released); i++ {
		port := p.released[0]
		p.released = p.released[1:]
		if p.probe(port) {
			p.inUse[port] = struct{}{}
			return port, nil
		}
		p.released = append(p.released, port)
	}
	return 0, ErrNoPorts
}

// Release returns port to the pool. Releasing an unknown port is a no-op.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[port]; !ok {
		return
	}
	delete(p.inUse, port)
	p.released = append(p.released, port)
}

// InUse reports how many ports are reserved.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

func portAvailable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
