package server

import (
	"io/fs"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrServerClosed is returned by Serve and ListenAndServe after a call
	// to Shutdown or Close, or once their context is cancelled.
	ErrServerClosed = errors.New("ftp: Server closed")

	// ErrBusy marks a transient file-system failure; the client may retry.
	ErrBusy = errors.New("resource busy")

	// ErrNoAccess marks a permanent failure: missing path, permissions,
	// or a path outside the user's root.
	ErrNoAccess = errors.New("no access")

	// ErrInvalidState is returned by a DataConnection operation that is not
	// valid in its current state, such as Accept while not listening.
	ErrInvalidState = errors.New("data connection in invalid state")

	// ErrOperationCancelled is delivered to a pending Accept when the
	// listening socket is replaced or torn down.
	ErrOperationCancelled = errors.New("data connection operation cancelled")

	// ErrUnsupportedProtocol is returned when an RFC 2428 protocol number
	// does not match what the data connection can serve.
	ErrUnsupportedProtocol = errors.New("network protocol not supported")

	// ErrEndOfStream is returned by the line framer when the peer closes
	// the connection in the middle of a command line.
	ErrEndOfStream = errors.New("connection closed in the middle of a line")

	// ErrCommandTooLong is returned by the line framer when a line exceeds
	// MaxCommandLength.
	ErrCommandTooLong = errors.New("command line too long")
)

// FileError is the error type FileProvider implementations return to tell
// a transient failure (Busy) from a permanent one.
type FileError struct {
	Op   string
	Path string
	Err  error
	Busy bool
}

func (e *FileError) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FileError) Unwrap() error { return e.Err }

// Is reports ErrBusy or ErrNoAccess depending on the Busy flag.
func (e *FileError) Is(target error) bool {
	switch target {
	case ErrBusy:
		return e.Busy
	case ErrNoAccess:
		return !e.Busy
	}
	return false
}

// NewBusyError wraps err as a transient failure of op on path.
func NewBusyError(op, path string, err error) error {
	return &FileError{Op: op, Path: path, Err: err, Busy: true}
}

// NewNoAccessError wraps err as a permanent failure of op on path.
func NewNoAccessError(op, path string, err error) error {
	return &FileError{Op: op, Path: path, Err: err}
}

// isNoAccess reports whether err should be answered with 550.
func isNoAccess(err error) bool {
	return errors.Is(err, ErrNoAccess) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, fs.ErrExist)
}

// transportError marks a failure on the control connection itself. The
// session ends instead of replying.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return "control connection: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// errQuit ends the command loop without a reply.
var errQuit = errors.New("quit")

var singleLine = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// sanitizeMessage flattens msg onto a single reply line.
func sanitizeMessage(msg string) string {
	return singleLine.Replace(msg)
}
