package server

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/text/transform"
)

// openDataConnection makes the data connection ready for a transfer. A
// connection established earlier (PORT) is announced with 125; otherwise
// 150 is sent and the connection is made according to the data mode.
func (s *session) openDataConnection() error {
	if s.data.IsConnected() {
		if err := s.reply(125, "Data connection already open; transfer starting."); err != nil {
			return err
		}
	} else {
		if err := s.reply(150, "File status okay; about to open data connection."); err != nil {
			return err
		}

		var err error
		switch m := s.mode.(type) {
		case activeMode:
			err = s.data.ConnectActive(s.ctx, m.ip, m.port, m.protocol)
		case passiveMode:
			err = s.data.Accept(s.ctx)
		}
		if err != nil {
			return &dataConnError{err}
		}
	}

	if s.prot == 'P' {
		td, ok := s.data.(TLSDataConnection)
		if !ok {
			s.disconnectData()
			return &dataConnError{errors.New("data connection does not support TLS")}
		}
		if err := td.UpgradeToTLS(s.server.tlsConfig); err != nil {
			s.disconnectData()
			return &dataConnError{err}
		}
	}
	return nil
}

// disconnectData returns the data connection to idle. Failures only
// concern a socket that is already gone, so they are logged and dropped.
func (s *session) disconnectData() {
	if err := s.data.Disconnect(); err != nil {
		s.logger().Debug("data_disconnect_failed", "error", err)
	}
}

// asciiTranslation reports whether line endings are converted for the
// current transfer type.
func (s *session) asciiTranslation() bool {
	return s.server.asciiTranslation && s.transferType == 'A'
}

// sendPayload sends a listing over the data connection in the session's
// encoding.
func (s *session) sendPayload(payload string) error {
	b, err := s.encoding.Encode(payload)
	if err != nil {
		return err
	}
	if err := s.openDataConnection(); err != nil {
		return err
	}
	defer s.disconnectData()

	_, err = s.data.Send(s.ctx, bytes.NewReader(b))
	s.disconnectData()
	if err != nil {
		return &transferError{err}
	}
	return s.reply(226, "Transfer complete.")
}

func (s *session) handleRETR(path string) error {
	file, err := s.provider().OpenForRead(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := s.openDataConnection(); err != nil {
		return err
	}
	// A panicking reader must not leave the socket open for the next
	// transfer.
	defer s.disconnectData()

	startTime := time.Now()
	var src io.Reader = file
	if s.asciiTranslation() {
		src = transform.NewReader(file, newCRLFEncoder())
	}

	n, err := s.data.Send(s.ctx, src)
	s.disconnectData()
	if err != nil {
		return &transferError{err}
	}

	s.logTransfer("RETR", path, n, time.Since(startTime))
	return s.reply(226, "Transfer complete.")
}

func (s *session) handleSTOR(path string) error {
	file, err := s.provider().OpenForWrite(path)
	if err != nil {
		return err
	}

	if err := s.openDataConnection(); err != nil {
		file.Close()
		return err
	}
	defer s.disconnectData()

	startTime := time.Now()
	var dst io.Writer = file
	var flush io.Closer
	if s.asciiTranslation() {
		tw := transform.NewWriter(file, newCRLFDecoder())
		dst, flush = tw, tw
	}

	n, recvErr := s.data.Receive(s.ctx, dst)
	s.disconnectData()
	if recvErr == nil && flush != nil {
		if err := flush.Close(); err != nil {
			file.Close()
			return err
		}
	}
	closeErr := file.Close()
	if recvErr != nil {
		return &transferError{recvErr}
	}
	if closeErr != nil {
		return closeErr
	}

	s.logTransfer("STOR", path, n, time.Since(startTime))
	return s.reply(226, "Transfer complete.")
}

// handleABOR has nothing to abort: transfers finish before the next
// command is read.
func (s *session) handleABOR(_ string) error {
	return s.reply(226, "ABOR command successful; no transfer in progress.")
}

func (s *session) handleTYPE(arg string) error {
	// The type is recorded; data is only translated with
	// WithASCIITranslation.
	switch strings.ToUpper(arg) {
	case "A", "A N":
		s.transferType = 'A'
		return s.reply(200, "Type set to A.")
	case "I", "L 8":
		s.transferType = 'I'
		return s.reply(200, "Type set to I.")
	}
	return s.reply(504, "Command not implemented for that parameter.")
}

// validateActiveIP ensures the data connection target matches the control connection source.
// This prevents FTP bounce attacks.
func (s *session) validateActiveIP(ip net.IP) bool {
	return s.remoteIP != nil && ip.Equal(s.remoteIP)
}

// connectActive switches to active mode and connects right away, so a
// following transfer command finds the data connection open.
func (s *session) connectActive(ip net.IP, port, protocol int) error {
	s.mode = activeMode{ip: ip, port: port, protocol: protocol}
	if err := s.data.ConnectActive(s.ctx, ip, port, protocol); err != nil {
		return &dataConnError{err}
	}
	return nil
}

func (s *session) handlePORT(arg string) error {
	if s.epsvAll {
		return s.reply(503, "PORT not allowed after EPSV ALL.")
	}

	// Format: h1,h2,h3,h4,p1,p2
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		return s.reply(501, "Syntax error in parameters or arguments.")
	}
	var nums [6]byte
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil {
			return s.reply(501, "Syntax error in parameters or arguments.")
		}
		nums[i] = byte(n)
	}

	ip := net.IPv4(nums[0], nums[1], nums[2], nums[3])
	port := int(nums[4])<<8 | int(nums[5])

	if !s.validateActiveIP(ip) {
		s.logger().Warn("active_ip_rejected", "cmd", "PORT", "target", ip.String())
		return s.reply(500, "Illegal PORT command.")
	}

	if err := s.connectActive(ip, port, ProtocolIPv4); err != nil {
		return err
	}
	return s.reply(200, "PORT command successful.")
}

func (s *session) handleEPRT(arg string) error {
	if s.epsvAll {
		return s.reply(503, "EPRT not allowed after EPSV ALL.")
	}
	if len(arg) < 4 {
		return s.reply(501, "Syntax error in parameters or arguments.")
	}

	// Expected format: <d><proto><d><ip><d><port><d>
	parts := strings.Split(arg, string(arg[0]))
	if len(parts) != 5 {
		return s.reply(501, "Syntax error in parameters or arguments.")
	}

	proto, err := strconv.Atoi(parts[1])
	if err != nil || (proto != ProtocolIPv4 && proto != ProtocolIPv6) {
		return s.reply(522, "Network protocol not supported, use (1,2).")
	}

	ip := net.ParseIP(parts[2])
	if ip == nil || (proto == ProtocolIPv4) != (ip.To4() != nil) {
		return s.reply(501, "Invalid network address.")
	}

	port, err := strconv.Atoi(parts[3])
	if err != nil || port < 1 || port > 65535 {
		return s.reply(501, "Invalid port number.")
	}

	if !s.validateActiveIP(ip) {
		s.logger().Warn("active_ip_rejected", "cmd", "EPRT", "target", ip.String())
		return s.reply(500, "Illegal EPRT command.")
	}

	if err := s.connectActive(ip, port, proto); err != nil {
		return err
	}
	return s.reply(200, "EPRT command successful.")
}

// passiveIP returns the IPv4 address advertised by PASV.
func (s *session) passiveIP() net.IP {
	ip := s.localIP
	if host := s.server.publicHost; host != "" {
		ip = net.ParseIP(host)
		if ip == nil {
			addrs, err := net.DefaultResolver.LookupIP(s.ctx, "ip4", host)
			if err != nil || len(addrs) == 0 {
				s.logger().Warn("public_host_unresolved", "host", host, "error", err)
				return nil
			}
			ip = addrs[0]
		}
	}
	return ip.To4()
}

func (s *session) handlePASV(_ string) error {
	if s.epsvAll {
		return s.reply(503, "PASV not allowed after EPSV ALL.")
	}

	ip := s.passiveIP()
	if ip == nil {
		return s.reply(425, "Can't open passive connection: PASV requires IPv4, use EPSV.")
	}

	addr, err := s.data.Listen()
	if err != nil {
		s.logger().Warn("passive_listen_failed", "error", err)
		return s.reply(425, "Can't open passive connection.")
	}
	s.mode = passiveMode{}

	return s.reply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d).",
		ip[0], ip[1], ip[2], ip[3], addr.Port>>8, addr.Port&0xFF))
}

func (s *session) handleEPSV(arg string) error {
	var (
		addr *net.TCPAddr
		err  error
	)
	switch strings.ToUpper(arg) {
	case "":
		addr, err = s.data.Listen()
	case "ALL":
		s.epsvAll = true
		return s.reply(200, "EPSV ALL command successful.")
	default:
		proto, perr := strconv.Atoi(arg)
		if perr != nil {
			return s.reply(501, "Syntax error in parameters or arguments.")
		}
		addr, err = s.data.ExtendedListen(proto)
	}

	if errors.Is(err, ErrUnsupportedProtocol) {
		var supported []string
		for _, p := range s.data.PassiveProtocols() {
			supported = append(supported, strconv.Itoa(p))
		}
		return s.reply(522, fmt.Sprintf("Network protocol not supported, use (%s).", strings.Join(supported, ",")))
	}
	if err != nil {
		s.logger().Warn("passive_listen_failed", "error", err)
		return s.reply(425, "Can't open passive connection.")
	}
	s.mode = passiveMode{}

	return s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", addr.Port))
}

// logTransfer logs a completed transfer, and writes it in xferlog format
// when a transfer log is configured.
func (s *session) logTransfer(cmd, filename string, bytes int64, duration time.Duration) {
	throughputMBps := float64(0)
	if duration.Seconds() > 0 {
		throughputMBps = float64(bytes) / duration.Seconds() / 1024 / 1024
	}
	s.logger().Info("transfer_complete",
		"operation", cmd,
		"path", filename,
		"bytes", bytes,
		"duration_ms", duration.Milliseconds(),
		"throughput_mbps", fmt.Sprintf("%.2f", throughputMBps),
	)

	if s.server.transferLog == nil {
		return
	}

	transferTime := max(int64(duration.Seconds()), 1)

	tType := "b"
	if s.transferType == 'A' {
		tType = "a"
	}
	direction := "o"
	if cmd == "STOR" {
		direction = "i"
	}
	accessMode := "r"
	if isAnonymousName(s.userName()) {
		accessMode = "a"
	}

	// Mon Dec 25 15:04:05 2025 1 127.0.0.1 1024 /file.txt b _ o a anonymous ftp 0 * c
	line := fmt.Sprintf("%s %d %s %d %s %s _ %s %s %s ftp 0 * c\n",
		time.Now().Format("Mon Jan 02 15:04:05 2006"),
		transferTime,
		s.remoteIP,
		bytes,
		filename,
		tType,
		direction,
		accessMode,
		s.userName(),
	)

	s.server.transferLogMu.Lock()
	defer s.server.transferLogMu.Unlock()
	_, _ = io.WriteString(s.server.transferLog, line)
}
