package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/gonzalop/ftpd/internal/ratelimit"
)

// Server is the FTP server.
//
// It accepts control connections and runs one session per connection,
// each in its own goroutine. Sessions are independent: they share only the
// passive port pool, the collaborators and the set of connected clients.
//
// Lifecycle:
//  1. Create server with NewServer()
//  2. Start with ListenAndServe() or Serve(), possibly on several listeners
//  3. Cancelling the context passed to Serve stops accepting; running
//     sessions continue
//  4. Shutdown() waits for sessions to finish, Close() ends them at once
//
// Basic example:
//
//	fsys, _ := server.NewFSProviderFactory("/srv/ftp")
//	s, err := server.NewServer(":21", server.WithFileProviderFactory(fsys))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe(ctx))
type Server struct {
	// addr is the TCP address used by ListenAndServe (e.g., ":21").
	addr string

	authenticator Authenticator
	providers     FileProviderFactory
	dataFactory   DataConnectionFactory

	// portPool is shared by all sessions of the default data connection
	// factory.
	portPool *PortPool

	// tlsConfig protects data connections after PROT P. tlsUpgrader
	// handles AUTH TLS. Both nil means FTPS is disabled.
	tlsConfig   *tls.Config
	tlsUpgrader TLSUpgrader

	logger *slog.Logger
	tracer Tracer

	// welcomeMessage is the text of the 220 greeting.
	welcomeMessage string

	// serverName is the system type returned by the SYST command.
	serverName string

	listFormat ListFormat

	// maxIdleTime is how long a control connection may stay silent.
	// Zero disables the timeout.
	maxIdleTime time.Duration

	maxConnections      int
	maxConnectionsPerIP int

	// publicHost is the address advertised in PASV replies.
	publicHost string

	globalLimit  int64
	sessionLimit int64

	disabledCommands map[string]struct{}
	asciiTranslation bool

	transferLog   io.Writer
	transferLogMu sync.Mutex

	// baseCtx is the parent of every session context; Close cancels it.
	baseCtx        context.Context
	cancelSessions context.CancelFunc
	sessions       sync.WaitGroup

	mu         sync.Mutex
	listeners  map[net.Listener]struct{}
	conns      map[net.Conn]struct{}
	connsByIP  map[string]int
	inShutdown atomic.Bool
}

// NewServer creates a new FTP server with the given address and options.
// The address should be in the form ":port" or "host:port".
// A FileProviderFactory must be provided via WithFileProviderFactory.
//
// Default values:
//   - Authenticator: AnonymousAuthenticator
//   - Logger: slog.Default()
//   - Passive ports: chosen by the operating system
//   - MaxIdleTime, MaxConnections, bandwidth: unlimited
//   - TLS: disabled
//
// With TLS (Explicit FTPS) and a user list:
//
//	cert, _ := tls.LoadX509KeyPair("server.crt", "server.key")
//	s, _ := server.NewServer(":21",
//	    server.WithFileProviderFactory(fsys),
//	    server.WithAuthenticator(server.NewHybridAuthenticator(users, false)),
//	    server.WithTLS(&tls.Config{Certificates: []tls.Certificate{cert}}),
//	)
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:             addr,
		authenticator:    AnonymousAuthenticator{},
		logger:           slog.Default(),
		welcomeMessage:   "FTP Server Ready",
		serverName:       defaultSystemType(),
		disabledCommands: make(map[string]struct{}),
		listeners:        make(map[net.Listener]struct{}),
		conns:            make(map[net.Conn]struct{}),
		connsByIP:        make(map[string]int),
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.providers == nil {
		return nil, errors.New("file provider factory is required (use WithFileProviderFactory option)")
	}

	if s.portPool == nil {
		s.portPool, _ = NewPortPool(0, 0)
	}
	if s.dataFactory == nil {
		s.dataFactory = &LocalDataConnectionFactory{
			Pool:          s.portPool,
			Global:        ratelimit.New(s.globalLimit),
			PerConnection: s.sessionLimit,
		}
	}

	s.baseCtx, s.cancelSessions = context.WithCancel(context.Background())
	return s, nil
}

// PortPool returns the passive port pool shared by the sessions.
func (s *Server) PortPool() *PortPool {
	return s.portPool
}

// ListenAndServe listens on the configured address and calls Serve.
// Failing to bind is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.addr)
	}

	s.logger.Info("server_listening", "addr", ln.Addr().String())
	return s.Serve(ctx, ln)
}

// Serve accepts connections on l until ctx is cancelled or the server is
// shut down, and then returns ErrServerClosed. Sessions already running
// are not affected by ctx.
//
// Serve may be called concurrently for several listeners.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	if !s.trackListener(l, true) {
		l.Close()
		return ErrServerClosed
	}
	defer s.trackListener(l, false)

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() || ctx.Err() != nil {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return errors.Wrap(err, "accept")
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay = min(2*tempDelay, time.Second)
			}
			s.logger.Error("accept_error", "error", err, "retry_in", tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		if !s.startSession() {
			conn.Close()
			return ErrServerClosed
		}
		go s.handleConnection(conn)
	}
}

// Shutdown stops accepting connections and waits for the running sessions
// to end. When ctx expires first, the remaining sessions are closed and
// ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.stopListening()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		s.closeSessions()
		<-done
		return ctx.Err()
	}
}

// Close stops accepting connections and ends every session immediately.
func (s *Server) Close() error {
	err := s.stopListening()
	s.closeSessions()
	return err
}

// ConnectedClients returns the remote addresses of the open control
// connections.
func (s *Server) ConnectedClients() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.conns))
	for c := range s.conns {
		addrs = append(addrs, c.RemoteAddr())
	}
	return addrs
}

func (s *Server) stopListening() error {
	s.mu.Lock()
	s.inShutdown.Store(true)
	listeners := make([]net.Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	var result *multierror.Error
	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (s *Server) closeSessions() {
	s.cancelSessions()

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// trackListener returns false if we're shutting down.
func (s *Server) trackListener(l net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.inShutdown.Load() {
			return false
		}
		s.listeners[l] = struct{}{}
		return true
	}
	delete(s.listeners, l)
	return true
}

// startSession registers a session with the shutdown wait group unless
// the server is shutting down.
func (s *Server) startSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inShutdown.Load() {
		return false
	}
	s.sessions.Add(1)
	return true
}

func remoteIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// admit enforces the connection limits and records conn. It returns the
// 421 text when conn is rejected.
func (s *Server) admit(conn net.Conn) (reason, message string) {
	ip := remoteIP(conn.RemoteAddr())

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxConnections > 0 && len(s.conns) >= s.maxConnections {
		return "global_limit_reached", "Too many users, sorry."
	}
	if s.maxConnectionsPerIP > 0 && s.connsByIP[ip] >= s.maxConnectionsPerIP {
		return "per_ip_limit_reached", "Too many connections from your IP address."
	}

	s.conns[conn] = struct{}{}
	s.connsByIP[ip]++
	return "", ""
}

func (s *Server) forget(conn net.Conn) {
	ip := remoteIP(conn.RemoteAddr())

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	if s.connsByIP[ip]--; s.connsByIP[ip] <= 0 {
		delete(s.connsByIP, ip)
	}
}

// handleConnection runs one control connection to completion.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.sessions.Done()

	if reason, msg := s.admit(conn); reason != "" {
		s.logger.Warn("connection_rejected",
			"remote_ip", remoteIP(conn.RemoteAddr()),
			"reason", reason,
		)
		fmt.Fprintf(conn, "421 %s\r\n", msg)
		conn.Close()
		return
	}
	defer s.forget(conn)

	remote := conn.RemoteAddr()
	s.trace(func(t Tracer) { t.OnConnect(remote) })
	defer s.trace(func(t Tracer) { t.OnDisconnect(remote) })

	newSession(s, conn).serve(s.baseCtx)
}
