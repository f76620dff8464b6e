package server

import (
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// PortPool hands out listening sockets for passive data connections. It is
// shared by every session of a Server. Released ports are reused first, in
// release order; otherwise a counter walks the configured range.
//
// With an empty range (the zero value) the operating system chooses the
// port and nothing is pooled.
type PortPool struct {
	mu       sync.Mutex
	min, max int
	next     int
	released []int
	pooled   map[int]struct{}
}

// NewPortPool returns a pool over the inclusive range [min, max].
// NewPortPool(0, 0) lets the operating system choose ports.
func NewPortPool(min, max int) (*PortPool, error) {
	if min < 0 || max > 65535 || min > max || (min == 0) != (max == 0) {
		return nil, errors.Errorf("invalid passive port range [%d, %d]", min, max)
	}
	return &PortPool{
		min:    min,
		max:    max,
		next:   min,
		pooled: make(map[int]struct{}),
	}, nil
}

func (p *PortPool) ephemeral() bool {
	return p.max == 0
}

// Acquire binds a listener on ip and returns it with its port.
func (p *PortPool) Acquire(ip net.IP) (*net.TCPListener, int, error) {
	network := "tcp6"
	if ip.To4() != nil {
		network = "tcp4"
	}

	if p.ephemeral() {
		ln, err := listenTCP(network, ip, 0)
		if err != nil {
			return nil, 0, errors.Wrap(err, "listen for passive connection")
		}
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Released ports first. A port still bound elsewhere goes to the back.
	for range len(p.released) {
		port := p.released[0]
		p.released = p.released[1:]
		ln, err := listenTCP(network, ip, port)
		if err == nil {
			delete(p.pooled, port)
			return ln, port, nil
		}
		p.released = append(p.released, port)
	}

	for range p.max - p.min + 1 {
		port := p.next
		p.next++
		if p.next > p.max {
			p.next = p.min
		}
		if _, ok := p.pooled[port]; ok {
			continue
		}
		ln, err := listenTCP(network, ip, port)
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, errors.Errorf("no available ports in range [%d, %d]", p.min, p.max)
}

// Release returns port to the pool. Callers release a port only after every
// socket bound to it has been closed.
func (p *PortPool) Release(port int) {
	if p.ephemeral() || port < p.min || port > p.max {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pooled[port]; ok {
		return
	}
	p.pooled[port] = struct{}{}
	p.released = append(p.released, port)
}

// Released returns the pooled ports in the order they will be reused.
func (p *PortPool) Released() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.released))
	copy(out, p.released)
	return out
}

func listenTCP(network string, ip net.IP, port int) (*net.TCPListener, error) {
	addr, err := net.ResolveTCPAddr(network, net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return net.ListenTCP(network, addr)
}
