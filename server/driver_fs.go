package server

import (
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// FSProviderFactory serves users from the local file system.
//
// Every provider is jailed with os.Root: paths are resolved inside the
// user's root and symbolic links cannot lead out of it. By default all
// users share the base directory.
type FSProviderFactory struct {
	basePath string
	perUser  bool
	readOnly bool
}

// FSOption configures an FSProviderFactory.
type FSOption func(*FSProviderFactory)

// WithPerUserDirectories roots each user at <base>/<username>, creating the
// directory on first login.
func WithPerUserDirectories(enable bool) FSOption {
	return func(f *FSProviderFactory) {
		f.perUser = enable
	}
}

// WithReadOnly rejects every operation that would modify the file system.
func WithReadOnly(readOnly bool) FSOption {
	return func(f *FSProviderFactory) {
		f.readOnly = readOnly
	}
}

// NewFSProviderFactory returns a factory rooted at basePath, which must be
// an existing directory.
func NewFSProviderFactory(basePath string, options ...FSOption) (*FSProviderFactory, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, errors.Wrap(err, "base directory")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("base directory is not a directory: %s", basePath)
	}
	basePath, err = filepath.EvalSymlinks(basePath)
	if err != nil {
		return nil, errors.Wrap(err, "resolve base directory")
	}

	f := &FSProviderFactory{basePath: basePath}
	for _, opt := range options {
		opt(f)
	}
	return f, nil
}

// Provider implements FileProviderFactory.
func (f *FSProviderFactory) Provider(username string) (FileProvider, error) {
	rootPath := f.basePath
	if f.perUser {
		name := strings.ToLower(username)
		if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
			return nil, errors.Errorf("invalid user name %q", username)
		}
		rootPath = filepath.Join(f.basePath, name)
		if err := os.MkdirAll(rootPath, 0755); err != nil {
			return nil, errors.Wrap(err, "create user directory")
		}
	}

	root, err := os.OpenRoot(rootPath)
	if err != nil {
		return nil, errors.Wrap(err, "open user root")
	}
	return &fsProvider{root: root, cwd: "/", readOnly: f.readOnly}, nil
}

// fsProvider implements FileProvider on an os.Root.
type fsProvider struct {
	root     *os.Root
	cwd      string
	readOnly bool
}

// Close releases the root directory handle.
func (p *fsProvider) Close() error {
	return p.root.Close()
}

// virtual returns the absolute virtual path of name.
func (p *fsProvider) virtual(name string) string {
	if !strings.HasPrefix(name, "/") {
		name = path.Join(p.cwd, name)
	}
	return path.Clean("/" + name)
}

// resolve returns name relative to the root handle; "/" becomes ".".
func (p *fsProvider) resolve(name string) string {
	rel := strings.TrimPrefix(p.virtual(name), "/")
	if rel == "" {
		return "."
	}
	return filepath.FromSlash(rel)
}

func (p *fsProvider) checkWritable(op, name string) error {
	if p.readOnly {
		return NewNoAccessError(op, name, fs.ErrPermission)
	}
	return nil
}

func (p *fsProvider) WorkingDirectory() string {
	return p.cwd
}

func (p *fsProvider) SetWorkingDirectory(name string) bool {
	info, err := p.root.Stat(p.resolve(name))
	if err != nil || !info.IsDir() {
		return false
	}
	p.cwd = p.virtual(name)
	return true
}

func (p *fsProvider) CreateDirectory(name string) error {
	if err := p.checkWritable("mkdir", name); err != nil {
		return err
	}
	return classifyFSError("mkdir", name, p.root.Mkdir(p.resolve(name), 0755))
}

func (p *fsProvider) DeleteDirectory(name string) error {
	if err := p.checkWritable("rmdir", name); err != nil {
		return err
	}
	rel := p.resolve(name)
	if rel == "." {
		return NewNoAccessError("rmdir", name, errors.New("cannot remove the root directory"))
	}
	info, err := p.root.Lstat(rel)
	if err != nil {
		return classifyFSError("rmdir", name, err)
	}
	if !info.IsDir() {
		return NewNoAccessError("rmdir", name, syscall.ENOTDIR)
	}
	return classifyFSError("rmdir", name, p.root.Remove(rel))
}

func (p *fsProvider) Delete(name string) error {
	if err := p.checkWritable("delete", name); err != nil {
		return err
	}
	rel := p.resolve(name)
	info, err := p.root.Lstat(rel)
	if err != nil {
		return classifyFSError("delete", name, err)
	}
	if info.IsDir() {
		return NewNoAccessError("delete", name, syscall.EISDIR)
	}
	return classifyFSError("delete", name, p.root.Remove(rel))
}

func (p *fsProvider) Rename(from, to string) error {
	if err := p.checkWritable("rename", from); err != nil {
		return err
	}
	if p.resolve(from) == "." {
		return NewNoAccessError("rename", from, errors.New("cannot rename the root directory"))
	}
	return classifyFSError("rename", from, p.root.Rename(p.resolve(from), p.resolve(to)))
}

func (p *fsProvider) OpenForRead(name string) (io.ReadCloser, error) {
	rel := p.resolve(name)
	f, err := p.root.Open(rel)
	if err != nil {
		return nil, classifyFSError("open", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, classifyFSError("open", name, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, NewNoAccessError("open", name, syscall.EISDIR)
	}
	return f, nil
}

func (p *fsProvider) OpenForWrite(name string) (io.WriteCloser, error) {
	if err := p.checkWritable("create", name); err != nil {
		return nil, err
	}
	f, err := p.root.OpenFile(p.resolve(name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, classifyFSError("create", name, err)
	}
	return f, nil
}

func (p *fsProvider) readDir(name string) ([]fs.DirEntry, error) {
	f, err := p.root.Open(p.resolve(name))
	if err != nil {
		return nil, classifyFSError("list", name, err)
	}
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, classifyFSError("list", name, err)
	}
	return entries, nil
}

func (p *fsProvider) ListNames(name string) ([]string, error) {
	entries, err := p.readDir(name)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (p *fsProvider) ListEntries(name string) ([]FileEntry, error) {
	entries, err := p.readDir(name)
	if err != nil {
		return nil, err
	}
	out := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// Removed while listing.
			continue
		}
		out = append(out, FileEntry{
			Name:     e.Name(),
			IsDir:    info.IsDir(),
			Size:     info.Size(),
			ReadOnly: info.Mode().Perm()&0200 == 0,
			ModTime:  info.ModTime(),
		})
	}
	return out, nil
}

// classifyFSError sorts an operating system error into the busy and
// no-access tiers. The message carries the virtual path only, never the
// location on disk.
func classifyFSError(op, name string, err error) error {
	if err == nil {
		return nil
	}

	var cause error = err
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	switch {
	case errors.As(err, &pathErr):
		cause = pathErr.Err
	case errors.As(err, &linkErr):
		cause = linkErr.Err
	}

	switch {
	case errors.Is(cause, syscall.EBUSY), errors.Is(cause, syscall.EAGAIN), errors.Is(cause, syscall.ETXTBSY):
		return NewBusyError(op, name, cause)
	case pathErr != nil, linkErr != nil:
		return NewNoAccessError(op, name, cause)
	}
	return errors.Wrapf(err, "%s %s", op, name)
}
