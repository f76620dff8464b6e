// Package server implements an embeddable FTP server.
//
// # Overview
//
// A Server accepts control connections and runs one session per
// connection. A session reads CRLF-terminated command lines, answers each
// with a numeric reply and moves file data over a separate data
// connection, opened by the client (passive mode, PASV/EPSV) or by the
// server (active mode, PORT/EPRT). Commands of a session are handled one
// at a time: a transfer ends before the next command is read.
//
// The server delegates the decisions that depend on the deployment:
//   - An Authenticator checks USER/PASS.
//   - A FileProviderFactory gives each logged-in user a FileProvider, the
//     user's view of a file system.
//   - A DataConnectionFactory creates the data connection of a session.
//     The default one listens on ports from a PortPool shared by all
//     sessions.
//   - A TLSUpgrader secures the control channel after AUTH TLS.
//   - A Tracer observes commands and replies.
//
// # Getting Started
//
// Serve a local directory to anonymous users:
//
//	package main
//
//	import (
//	    "context"
//	    "log"
//
//	    "github.com/gonzalop/ftpd/server"
//	)
//
//	func main() {
//	    fsys, err := server.NewFSProviderFactory("/srv/ftp", server.WithReadOnly(true))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    s, err := server.NewServer(":21", server.WithFileProviderFactory(fsys))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    log.Fatal(s.ListenAndServe(context.Background()))
//	}
//
// # Authentication
//
// AnonymousAuthenticator (the default) accepts "anonymous" and "ftp".
// SimpleAuthenticator checks a single account. HybridAuthenticator checks a
// user list, optionally together with anonymous access; passwords may be
// stored as bcrypt hashes (see HashPassword).
//
// # FTPS Support
//
// Explicit FTPS (RFC 4217) is enabled with WithTLS. After AUTH TLS the
// control channel is encrypted; PBSZ 0 and PROT P then encrypt data
// connections as well.
//
//	cert, _ := tls.LoadX509KeyPair("server.crt", "server.key")
//	s, _ := server.NewServer(":21",
//	    server.WithFileProviderFactory(fsys),
//	    server.WithTLS(&tls.Config{Certificates: []tls.Certificate{cert}}),
//	)
//
// Implicit FTPS works by serving a TLS listener; data connections are
// then protected from the start:
//
//	l, _ := tls.Listen("tcp", ":990", tlsConfig)
//	s.Serve(ctx, l)
//
// # Errors
//
// FileProvider implementations report failures with NewBusyError (a
// transient condition, answered with 450) or NewNoAccessError (permanent,
// answered with 550). Other errors, and panics inside a command, are
// answered with 451 and the session continues. Only a failure of the
// control connection itself ends a session early.
//
// # Character Encoding
//
// Control traffic is UTF-8 (RFC 2640) until the client sends
// OPTS UTF8 OFF, after which non-ASCII characters are sent and read as
// '?'. File names in LIST and NLST output follow the same encoding.
package server
