package server

import (
	"crypto/tls"
	"net"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/transform"
)

// TLSUpgrader secures the control connection after AUTH TLS.
type TLSUpgrader interface {
	// Upgrade runs the server side of the TLS handshake on conn and
	// returns the secured connection.
	Upgrade(conn net.Conn) (net.Conn, error)
	// Downgrade ends the TLS layer of a connection returned by Upgrade.
	// It is called before the connection is closed.
	Downgrade(conn net.Conn) error
}

type tlsUpgrader struct {
	config *tls.Config
}

// NewTLSUpgrader returns a TLSUpgrader backed by crypto/tls.
func NewTLSUpgrader(config *tls.Config) TLSUpgrader {
	return &tlsUpgrader{config: config}
}

func (u *tlsUpgrader) Upgrade(conn net.Conn) (net.Conn, error) {
	tlsConn := tls.Server(conn, u.config)
	if err := tlsConn.Handshake(); err != nil {
		return nil, errors.Wrap(err, "TLS handshake")
	}
	return tlsConn, nil
}

// Downgrade sends close_notify; the socket itself stays open.
func (u *tlsUpgrader) Downgrade(conn net.Conn) error {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return nil
	}
	if err := tlsConn.CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "TLS close")
	}
	return nil
}

// handleAUTH handles authentication mechanisms, specifically TLS (RFC 4217).
func (s *session) handleAUTH(arg string) error {
	if s.server.tlsUpgrader == nil {
		return s.reply(502, "TLS not configured.")
	}
	if s.tlsActive {
		return s.reply(503, "TLS already active.")
	}
	switch strings.ToUpper(arg) {
	case "TLS", "TLS-C", "SSL":
	default:
		return s.reply(504, "Only AUTH TLS is supported.")
	}

	if err := s.reply(234, "AUTH TLS successful."); err != nil {
		return err
	}

	conn, err := s.server.tlsUpgrader.Upgrade(s.conn)
	if err != nil {
		s.logger().Warn("tls_handshake_failed", "error", err)
		return &transportError{err}
	}

	s.conn = conn
	s.tlsActive = true
	s.lines.Reset(transform.NewReader(conn, newTelnetFilter()))
	s.writer.Reset(conn)
	s.setIdleDeadline()
	return nil
}

func (s *session) handlePBSZ(_ string) error {
	if s.server.tlsUpgrader == nil {
		return s.reply(502, "TLS not configured.")
	}
	// Only a buffer size of 0 makes sense for TLS.
	return s.reply(200, "PBSZ=0")
}

func (s *session) handlePROT(arg string) error {
	if s.server.tlsUpgrader == nil {
		return s.reply(502, "TLS not configured.")
	}
	// RFC 4217
	// P - Private (TLS)
	// C - Clear (No TLS)
	switch strings.ToUpper(arg) {
	case "P":
		if s.server.tlsConfig == nil {
			return s.reply(536, "Requested PROT level not supported by mechanism.")
		}
		s.prot = 'P'
		return s.reply(200, "PROT P OK.")
	case "C":
		s.prot = 'C'
		return s.reply(200, "PROT C OK.")
	}
	return s.reply(504, "PROT not implemented.")
}
