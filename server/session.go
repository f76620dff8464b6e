package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/text/transform"
)

// authState is one of unauthenticated, userProvided or authenticated.
type authState interface {
	isAuthState()
}

type unauthenticated struct{}

type userProvided struct {
	name string
}

type authenticated struct {
	name string
	fs   FileProvider
}

func (unauthenticated) isAuthState() {}
func (userProvided) isAuthState()    {}
func (authenticated) isAuthState()   {}

// dataMode is activeMode or passiveMode.
type dataMode interface {
	isDataMode()
}

// activeMode is where the server connects to for the next transfer.
type activeMode struct {
	ip       net.IP
	port     int
	protocol int
}

type passiveMode struct{}

func (activeMode) isDataMode()  {}
func (passiveMode) isDataMode() {}

// session is one control connection. Commands are processed strictly one
// after another; a transfer completes before the next line is read.
type session struct {
	server *Server
	ctx    context.Context

	// rawConn is the accepted socket, conn the one in use: it differs
	// after AUTH TLS.
	rawConn net.Conn
	conn    net.Conn
	lines   *lineReader
	writer  *bufio.Writer

	sessionID string
	remote    net.Addr
	remoteIP  net.IP
	localIP   net.IP

	encoding     Encoding
	auth         authState
	mode         dataMode
	transferType byte
	renameFrom   *string
	data         DataConnection

	tlsActive bool
	prot      byte
	epsvAll   bool

	closeOnce sync.Once
}

// generateSessionID generates a unique 8-character session ID.
func generateSessionID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%08x", b)
}

func addrIP(addr net.Addr) net.IP {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	return net.ParseIP(remoteIP(addr))
}

func addrPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

func protocolOf(ip net.IP) int {
	if ip.To4() != nil {
		return ProtocolIPv4
	}
	return ProtocolIPv6
}

// newSession creates a new session.
func newSession(server *Server, conn net.Conn) *session {
	remote := conn.RemoteAddr()
	rip := addrIP(remote)
	lip := addrIP(conn.LocalAddr())

	s := &session{
		server:       server,
		ctx:          context.Background(),
		rawConn:      conn,
		conn:         conn,
		lines:        newLineReader(transform.NewReader(conn, newTelnetFilter())),
		writer:       bufio.NewWriter(conn),
		sessionID:    generateSessionID(),
		remote:       remote,
		remoteIP:     rip,
		localIP:      lip,
		encoding:     EncodingUTF8,
		auth:         unauthenticated{},
		mode:         activeMode{ip: rip, port: addrPort(remote), protocol: protocolOf(rip)},
		transferType: 'A',
		data:         server.dataFactory.New(lip),
		prot:         'C',
	}

	// Implicit FTPS: the listener already speaks TLS.
	if _, ok := conn.(*tls.Conn); ok && server.tlsConfig != nil {
		s.prot = 'P'
	}
	return s
}

func (s *session) currentEncoding() Encoding {
	return s.encoding
}

// logger returns the server logger annotated with the session identity.
func (s *session) logger() *slog.Logger {
	l := s.server.logger.With("session_id", s.sessionID, "remote_ip", s.remoteIP.String())
	if u := s.userName(); u != "" {
		l = l.With("user", u)
	}
	return l
}

// serve runs the session until the client quits, the connection fails or
// ctx is cancelled.
func (s *session) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx

	stop := context.AfterFunc(ctx, func() { s.rawConn.Close() })
	defer stop()
	defer s.close()

	s.logger().Info("session_started")

	if err := s.reply(220, s.server.welcomeMessage); err != nil {
		return
	}

	s.setIdleDeadline()
	for line, err := range s.lines.Lines(s.currentEncoding) {
		if err != nil {
			switch {
			case errors.Is(err, ErrCommandTooLong):
				_ = s.reply(500, "Command line too long.")
			case errors.Is(err, ErrEndOfStream), errors.Is(err, net.ErrClosed), ctx.Err() != nil:
			default:
				s.logger().Warn("read_error", "error", err)
			}
			return
		}

		if err := s.handleCommand(line); err != nil {
			if !errors.Is(err, errQuit) {
				s.logger().Debug("session_aborted", "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.setIdleDeadline()
	}
}

func (s *session) setIdleDeadline() {
	if s.server.maxIdleTime > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.server.maxIdleTime))
	}
}

// close releases everything the session holds. It runs once.
func (s *session) close() {
	s.closeOnce.Do(func() {
		var result *multierror.Error
		if err := s.data.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := s.setAuth(unauthenticated{}); err != nil {
			result = multierror.Append(result, err)
		}
		if s.tlsActive {
			if err := s.server.tlsUpgrader.Downgrade(s.conn); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}

		s.logger().Info("session_closed", "error", result.ErrorOrNil())
	})
}

// handleCommand parses and dispatches one command line. A returned error
// ends the session.
func (s *session) handleCommand(line string) error {
	verb, arg, _ := strings.Cut(line, " ")
	verb = strings.ToUpper(verb)

	traced, logArg := line, arg
	if verb == "PASS" {
		traced, logArg = "PASS ***", "***"
	}
	s.server.trace(func(t Tracer) { t.OnCommand(traced, s.remote) })
	s.logger().Debug("command_received", "cmd", verb, "arg", logArg)

	// After RNFR the next command must be RNTO.
	if s.renameFrom != nil && verb != "RNTO" {
		s.renameFrom = nil
		return s.reply(503, "Bad sequence of commands, rename aborted.")
	}

	return s.dispatch(verb, arg)
}

func (s *session) dispatch(verb, arg string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger().Error("command_panic", "cmd", verb, "panic", r)
			err = s.reply(451, fmt.Sprintf("Requested action aborted: local error in processing: %v", r))
		}
	}()

	if _, disabled := s.server.disabledCommands[verb]; disabled {
		return s.reply(502, "Command not implemented.")
	}

	cmd, ok := commandTable[verb]
	if !ok {
		if _, known := unimplementedCommands[verb]; known {
			return s.reply(502, "Command not implemented.")
		}
		return s.reply(500, "Can't recognize this command.")
	}

	if cmd.login && s.provider() == nil {
		return s.reply(530, "Not logged in.")
	}
	if cmd.arg && arg == "" {
		return s.reply(501, "Syntax error in parameters or arguments.")
	}

	err = cmd.handler(s, arg)
	if err == nil || errors.Is(err, errQuit) {
		return err
	}
	var te *transportError
	if errors.As(err, &te) {
		return err
	}
	return s.replyError(verb, err)
}

// dataConnError means the data connection could not be established.
type dataConnError struct{ err error }

func (e *dataConnError) Error() string { return "open data connection: " + e.err.Error() }
func (e *dataConnError) Unwrap() error { return e.err }

// transferError means the data connection failed during a transfer.
type transferError struct{ err error }

func (e *transferError) Error() string { return "transfer: " + e.err.Error() }
func (e *transferError) Unwrap() error { return e.err }

// replyError answers a failed command according to the error's tier.
func (s *session) replyError(verb string, err error) error {
	var dce *dataConnError
	var xfe *transferError
	switch {
	case errors.As(err, &dce):
		s.logger().Info("data_connection_failed", "cmd", verb, "error", err)
		return s.reply(425, "Can't open data connection.")
	case errors.As(err, &xfe):
		s.logger().Info("transfer_aborted", "cmd", verb, "error", err)
		return s.reply(426, "Connection closed; transfer aborted.")
	case errors.Is(err, ErrBusy):
		s.logger().Info("file_busy", "cmd", verb, "error", err)
		return s.reply(450, "Requested file action not taken: "+err.Error())
	case isNoAccess(err):
		s.logger().Info("file_access_denied", "cmd", verb, "error", err)
		return s.reply(550, noAccessText(err))
	}
	s.logger().Warn("command_failed", "cmd", verb, "error", err)
	return s.reply(451, "Requested action aborted: local error in processing: "+err.Error())
}

func noAccessText(err error) string {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "File not found."
	case errors.Is(err, fs.ErrPermission):
		return "Permission denied."
	case errors.Is(err, fs.ErrExist):
		return "File already exists."
	}
	return "Requested action not taken: " + err.Error()
}

// reply sends a single-line response to the client.
func (s *session) reply(code int, text string) error {
	return s.send(code, formatReply(code, text))
}

// replyMultiline sends a multi-line response to the client.
func (s *session) replyMultiline(code int, text string) error {
	return s.send(code, formatMultilineReply(code, text))
}

func (s *session) send(code int, raw string) error {
	b, err := s.encoding.Encode(raw)
	if err != nil {
		return &transportError{err}
	}
	if _, err := s.writer.Write(b); err != nil {
		return &transportError{err}
	}
	if err := s.writer.Flush(); err != nil {
		return &transportError{err}
	}
	s.server.trace(func(t Tracer) { t.OnReply(code, s.remote) })
	return nil
}

// provider returns the logged-in user's file system, or nil.
func (s *session) provider() FileProvider {
	if a, ok := s.auth.(authenticated); ok {
		return a.fs
	}
	return nil
}

func (s *session) userName() string {
	switch a := s.auth.(type) {
	case userProvided:
		return a.name
	case authenticated:
		return a.name
	}
	return ""
}

// setAuth replaces the authentication state, closing the file system of
// the previous login.
func (s *session) setAuth(state authState) error {
	prev, ok := s.auth.(authenticated)
	s.auth = state
	if ok {
		if c, ok := prev.fs.(io.Closer); ok {
			return c.Close()
		}
	}
	return nil
}
