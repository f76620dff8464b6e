package server

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/gonzalop/ftpd/internal/ratelimit"
)

// RFC 2428 network protocol numbers.
const (
	ProtocolIPv4 = 1
	ProtocolIPv6 = 2
)

// DataConnection is the transport for one session's file data. It is
// either idle, listening for the client (passive mode) or connected.
type DataConnection interface {
	// Listen opens a passive listening socket on an IPv4 or IPv6 address,
	// tearing down whatever the connection held before.
	Listen() (*net.TCPAddr, error)
	// ExtendedListen is Listen for EPSV. It fails with
	// ErrUnsupportedProtocol if protocol does not match the local address.
	ExtendedListen(protocol int) (*net.TCPAddr, error)
	// PassiveProtocols lists the protocol numbers ExtendedListen accepts.
	PassiveProtocols() []int
	// ConnectActive dials the client (PORT/EPRT).
	ConnectActive(ctx context.Context, ip net.IP, port, protocol int) error
	// Accept waits for the client to connect to the listening socket.
	// It fails with ErrInvalidState when not listening and with
	// ErrOperationCancelled when the socket is replaced meanwhile.
	Accept(ctx context.Context) error
	IsConnected() bool
	// Send copies r to the peer.
	Send(ctx context.Context, r io.Reader) (int64, error)
	// Receive copies everything the peer sends to w.
	Receive(ctx context.Context, w io.Writer) (int64, error)
	// Disconnect closes the current socket. It is idempotent.
	Disconnect() error
	// Close disconnects for good.
	Close() error
}

// TLSDataConnection is a DataConnection that can protect an established
// connection with TLS (PROT P).
type TLSDataConnection interface {
	DataConnection
	UpgradeToTLS(config *tls.Config) error
}

// DataConnectionFactory creates the data connection of a new session.
// localIP is the server address of the control connection.
type DataConnectionFactory interface {
	New(localIP net.IP) DataConnection
}

// LocalDataConnectionFactory creates TCP data connections that listen on
// ports from a shared PortPool.
type LocalDataConnectionFactory struct {
	Pool *PortPool

	// Global throttles every connection created by the factory.
	Global *ratelimit.Limiter
	// PerConnection is the rate each connection gets on its own, in bytes
	// per second. Zero means unlimited.
	PerConnection int64
}

// New implements DataConnectionFactory.
func (f *LocalDataConnectionFactory) New(localIP net.IP) DataConnection {
	return &localDataConn{
		ip:      localIP,
		pool:    f.Pool,
		global:  f.Global,
		session: ratelimit.New(f.PerConnection),
	}
}

type dataState int

const (
	dataIdle dataState = iota
	dataListening
	dataConnecting
	dataConnected
)

// pendingAccept is one passive listening socket and its accept goroutine.
type pendingAccept struct {
	ln        *net.TCPListener
	port      int
	done      chan struct{}
	conn      net.Conn
	err       error
	cancelled atomic.Bool
}

type localDataConn struct {
	ip      net.IP
	pool    *PortPool
	global  *ratelimit.Limiter
	session *ratelimit.Limiter

	mu      sync.Mutex
	state   dataState
	pending *pendingAccept
	conn    net.Conn
	// port is the pooled port the connected socket was accepted on.
	port   int
	closed bool
	// gen changes on every teardown so a slow dial can tell it lost.
	gen uint64
}

func (d *localDataConn) localProtocol() int {
	if d.ip.To4() != nil {
		return ProtocolIPv4
	}
	return ProtocolIPv6
}

func (d *localDataConn) PassiveProtocols() []int {
	return []int{d.localProtocol()}
}

func (d *localDataConn) Listen() (*net.TCPAddr, error) {
	// The new port is bound before the old one is released, so a
	// repeated PASV always moves to a different port.
	ln, port, err := d.pool.Acquire(d.ip)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		ln.Close()
		d.pool.Release(port)
		return nil, net.ErrClosed
	}

	d.teardownLocked()

	p := &pendingAccept{ln: ln, port: port, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		conn, err := ln.Accept()
		ln.Close()
		if p.cancelled.Load() {
			if conn != nil {
				conn.Close()
			}
			p.err = ErrOperationCancelled
			return
		}
		p.conn, p.err = conn, err
	}()

	d.pending = p
	d.state = dataListening
	return ln.Addr().(*net.TCPAddr), nil
}

func (d *localDataConn) ExtendedListen(protocol int) (*net.TCPAddr, error) {
	if protocol != d.localProtocol() {
		return nil, errors.Wrapf(ErrUnsupportedProtocol, "protocol %d", protocol)
	}
	return d.Listen()
}

func (d *localDataConn) Accept(ctx context.Context) error {
	d.mu.Lock()
	if d.state != dataListening || d.pending == nil {
		d.mu.Unlock()
		return ErrInvalidState
	}
	p := d.pending
	d.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		d.mu.Lock()
		if d.pending == p {
			d.teardownLocked()
		}
		d.mu.Unlock()
		return ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != p || p.cancelled.Load() {
		return ErrOperationCancelled
	}
	d.pending = nil
	if p.err != nil {
		d.state = dataIdle
		d.pool.Release(p.port)
		return errors.Wrap(p.err, "accept data connection")
	}
	d.conn = p.conn
	d.port = p.port
	d.state = dataConnected
	return nil
}

func (d *localDataConn) ConnectActive(ctx context.Context, ip net.IP, port, protocol int) error {
	var network string
	switch protocol {
	case ProtocolIPv4:
		network = "tcp4"
	case ProtocolIPv6:
		network = "tcp6"
	default:
		return errors.Wrapf(ErrUnsupportedProtocol, "protocol %d", protocol)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return net.ErrClosed
	}
	d.teardownLocked()
	d.state = dataConnecting
	gen := d.gen
	d.mu.Unlock()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), strconv.Itoa(port)))

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen != gen {
		// Superseded by Listen, Disconnect or another ConnectActive.
		if conn != nil {
			conn.Close()
		}
		return ErrOperationCancelled
	}
	if err != nil {
		d.state = dataIdle
		return errors.Wrap(err, "connect to client")
	}
	d.conn = conn
	d.state = dataConnected
	return nil
}

func (d *localDataConn) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == dataConnected
}

// UpgradeToTLS performs the handshake right away so that an empty
// transfer still ends with a proper TLS close.
func (d *localDataConn) UpgradeToTLS(config *tls.Config) error {
	conn, err := d.connected()
	if err != nil {
		return err
	}
	// The server is always the TLS server, whichever side dialled.
	tlsConn := tls.Server(conn, config)
	if err := tlsConn.Handshake(); err != nil {
		return errors.Wrap(err, "data connection TLS handshake")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != conn {
		return ErrOperationCancelled
	}
	d.conn = tlsConn
	return nil
}

func (d *localDataConn) connected() (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != dataConnected {
		return nil, ErrInvalidState
	}
	return d.conn, nil
}

func (d *localDataConn) Send(ctx context.Context, r io.Reader) (int64, error) {
	conn, err := d.connected()
	if err != nil {
		return 0, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	w := ratelimit.NewWriter(ctx, ratelimit.NewWriter(ctx, conn, d.session), d.global)
	n, err := io.Copy(w, r)
	if err != nil {
		return n, errors.Wrap(err, "send data")
	}
	return n, nil
}

func (d *localDataConn) Receive(ctx context.Context, w io.Writer) (int64, error) {
	conn, err := d.connected()
	if err != nil {
		return 0, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r := ratelimit.NewReader(ctx, ratelimit.NewReader(ctx, conn, d.session), d.global)
	n, err := io.Copy(w, r)
	if err != nil {
		return n, errors.Wrap(err, "receive data")
	}
	return n, nil
}

func (d *localDataConn) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.teardownLocked()
}

func (d *localDataConn) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return d.teardownLocked()
}

// teardownLocked returns the connection to idle. A pending accept is
// cancelled and its port released once the accept goroutine has closed
// the listener; a connected socket's port is released after it is closed.
func (d *localDataConn) teardownLocked() error {
	var result *multierror.Error
	d.gen++

	if p := d.pending; p != nil {
		d.pending = nil
		p.cancelled.Store(true)
		if err := p.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
		go func() {
			<-p.done
			if p.conn != nil {
				p.conn.Close()
			}
			d.pool.Release(p.port)
		}()
	}

	if d.conn != nil {
		if err := d.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
		d.conn = nil
		if d.port != 0 {
			d.pool.Release(d.port)
			d.port = 0
		}
	}

	d.state = dataIdle
	return result.ErrorOrNil()
}
