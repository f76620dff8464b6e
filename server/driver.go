package server

import (
	"io"
	"time"
)

// Authenticator validates credentials sent with USER and PASS.
type Authenticator interface {
	Authenticate(username, password string) bool
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(username, password string) bool

func (f AuthenticatorFunc) Authenticate(username, password string) bool {
	return f(username, password)
}

// FileProviderFactory creates the file-system view of an authenticated
// user. It is called once per successful login.
type FileProviderFactory interface {
	Provider(username string) (FileProvider, error)
}

// FileProviderFactoryFunc adapts a function to FileProviderFactory.
type FileProviderFactoryFunc func(username string) (FileProvider, error)

func (f FileProviderFactoryFunc) Provider(username string) (FileProvider, error) {
	return f(username)
}

// FileProvider is one user's view of a file system. Paths use forward
// slashes; absolute paths start at the user's root and relative paths are
// resolved against the working directory.
//
// Errors should be built with NewBusyError for transient failures and
// NewNoAccessError for permanent ones; the session answers 450 and 550
// respectively. fs.ErrNotExist, fs.ErrPermission and fs.ErrExist are
// treated as permanent. Any other error is reported as a local processing
// error (451).
//
// A provider that also implements io.Closer is closed when the session
// ends or the user logs in again.
//
// A provider is used by a single session at a time.
type FileProvider interface {
	// WorkingDirectory returns the current directory as an absolute path.
	WorkingDirectory() string
	// SetWorkingDirectory changes the current directory and reports
	// whether the target exists.
	SetWorkingDirectory(path string) bool

	CreateDirectory(path string) error
	DeleteDirectory(path string) error
	Delete(path string) error
	Rename(from, to string) error

	OpenForRead(path string) (io.ReadCloser, error)
	// OpenForWrite creates the file, or truncates it if it exists.
	OpenForWrite(path string) (io.WriteCloser, error)

	// ListNames returns the entry names of the directory at path.
	ListNames(path string) ([]string, error)
	// ListEntries returns the entries of the directory at path.
	ListEntries(path string) ([]FileEntry, error)
}

// FileEntry describes one directory entry for LIST.
type FileEntry struct {
	Name     string
	IsDir    bool
	Size     int64
	ReadOnly bool
	ModTime  time.Time
}
