package server

import (
	"crypto/tls"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// WithAuthenticator sets the credential check for USER/PASS.
// If not specified, only anonymous logins are accepted.
//
// Example:
//
//	s, _ := server.NewServer(":21",
//	    server.WithFileProviderFactory(fsys),
//	    server.WithAuthenticator(server.SimpleAuthenticator{Username: "joe", Password: "secret"}),
//	)
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) error {
		if a == nil {
			return errors.New("authenticator is nil")
		}
		s.authenticator = a
		return nil
	}
}

// WithFileProviderFactory sets where authenticated users get their file
// system from. This option is required.
//
// Example:
//
//	fsys, _ := server.NewFSProviderFactory("/srv/ftp")
//	s, _ := server.NewServer(":21", server.WithFileProviderFactory(fsys))
func WithFileProviderFactory(f FileProviderFactory) Option {
	return func(s *Server) error {
		if s.providers != nil {
			return errors.New("file provider factory already set")
		}
		s.providers = f
		return nil
	}
}

// WithDataConnectionFactory replaces the TCP data connections. When set,
// WithPassivePortRange and WithBandwidthLimit have no effect.
func WithDataConnectionFactory(f DataConnectionFactory) Option {
	return func(s *Server) error {
		s.dataFactory = f
		return nil
	}
}

// WithTLS enables explicit FTPS (AUTH TLS, PBSZ, PROT) with the provided
// configuration. Protected data connections use the same configuration.
//
// Example:
//
//	cert, _ := tls.LoadX509KeyPair("server.crt", "server.key")
//	s, _ := server.NewServer(":21",
//	    server.WithFileProviderFactory(fsys),
//	    server.WithTLS(&tls.Config{
//	        Certificates: []tls.Certificate{cert},
//	        MinVersion:   tls.VersionTLS12,
//	    }),
//	)
func WithTLS(config *tls.Config) Option {
	return func(s *Server) error {
		if config == nil {
			return errors.New("TLS config is nil")
		}
		s.tlsConfig = config
		s.tlsUpgrader = NewTLSUpgrader(config)
		return nil
	}
}

// WithTLSUpgrader sets a custom upgrader for AUTH TLS. PROT P is only
// available when a configuration was given with WithTLS.
func WithTLSUpgrader(u TLSUpgrader) Option {
	return func(s *Server) error {
		s.tlsUpgrader = u
		return nil
	}
}

// WithLogger sets a custom logger for the server.
// If not specified, slog.Default() is used.
//
// Example with debug logging:
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	s, _ := server.NewServer(":21",
//	    server.WithFileProviderFactory(fsys),
//	    server.WithLogger(logger),
//	)
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithTracer sets a sink for protocol events.
func WithTracer(t Tracer) Option {
	return func(s *Server) error {
		s.tracer = t
		return nil
	}
}

// WithWelcomeMessage sets the text of the 220 greeting.
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		s.welcomeMessage = msg
		return nil
	}
}

// WithServerName sets the system type returned by SYST.
// Defaults to "UNIX Type: L8" ("Windows_NT" on Windows).
func WithServerName(name string) Option {
	return func(s *Server) error {
		s.serverName = name
		return nil
	}
}

// WithListFormat selects the LIST layout. Defaults to ListFormatUnix.
func WithListFormat(f ListFormat) Option {
	return func(s *Server) error {
		s.listFormat = f
		return nil
	}
}

// WithMaxIdleTime closes control connections that send nothing for
// duration. Zero, the default, disables the timeout.
func WithMaxIdleTime(duration time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = duration
		return nil
	}
}

// WithMaxConnections sets the maximum number of simultaneous connections,
// in total and per client IP. Zero means no limit.
//
// When a limit is reached, new connections receive a 421 reply and are closed.
func WithMaxConnections(total, perIP int) Option {
	return func(s *Server) error {
		if total < 0 || perIP < 0 {
			return errors.New("connection limits must not be negative")
		}
		s.maxConnections = total
		s.maxConnectionsPerIP = perIP
		return nil
	}
}

// WithPassivePortRange restricts passive data connections to the inclusive
// range [min, max]. By default the operating system picks ports.
//
// Example:
//
//	server.WithPassivePortRange(30000, 30100)
func WithPassivePortRange(min, max int) Option {
	return func(s *Server) error {
		pool, err := NewPortPool(min, max)
		if err != nil {
			return err
		}
		s.portPool = pool
		return nil
	}
}

// WithPublicHost sets the IPv4 address advertised in PASV replies. It is
// needed behind NAT, where the control connection's local address is not
// reachable by clients.
func WithPublicHost(host string) Option {
	return func(s *Server) error {
		s.publicHost = host
		return nil
	}
}

// WithBandwidthLimit throttles data transfers, in bytes per second, for
// the whole server and for each session. Zero means no limit.
func WithBandwidthLimit(global, perSession int64) Option {
	return func(s *Server) error {
		if global < 0 || perSession < 0 {
			return errors.New("bandwidth limits must not be negative")
		}
		s.globalLimit = global
		s.sessionLimit = perSession
		return nil
	}
}

// WithDisableCommands makes the server answer 502 to the given verbs.
// See the command groups in commands.go.
//
// Example, a read-only server:
//
//	server.WithDisableCommands(server.WriteCommands...)
func WithDisableCommands(cmds ...string) Option {
	return func(s *Server) error {
		for _, c := range cmds {
			s.disabledCommands[strings.ToUpper(c)] = struct{}{}
		}
		return nil
	}
}

// WithASCIITranslation converts line endings for TYPE A transfers. By
// default every transfer is sent as is, whatever the type.
func WithASCIITranslation(enable bool) Option {
	return func(s *Server) error {
		s.asciiTranslation = enable
		return nil
	}
}

// WithTransferLog writes one xferlog-style line per completed transfer.
func WithTransferLog(w io.Writer) Option {
	return func(s *Server) error {
		s.transferLog = w
		return nil
	}
}
