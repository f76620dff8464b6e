package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func fatalIfErr(t *testing.T, err error, format string, args ...interface{}) {
	t.Helper()
	if err != nil {
		t.Fatalf(format+": %v", append(args, err)...)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer serves on a random loopback port until the test ends.
func startServer(t *testing.T, options ...Option) (*Server, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "listen")

	s, err := NewServer(ln.Addr().String(), append([]Option{WithLogger(discardLogger())}, options...)...)
	fatalIfErr(t, err, "NewServer")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		s.Close()
		if err := <-done; err != ErrServerClosed {
			t.Errorf("Serve returned %v, want ErrServerClosed", err)
		}
	})
	return s, ln.Addr().String()
}

// memFS is an in-memory FileProvider with failure injection.
type memFS struct {
	mu      sync.Mutex
	cwd     string
	dirs    map[string]bool
	files   map[string][]byte
	busy    map[string]bool
	panicOn string
	// panicRead names a file whose reader panics once read.
	panicRead string
	closed    int
}

func newMemFS() *memFS {
	return &memFS{
		cwd:   "/",
		dirs:  map[string]bool{"/": true},
		files: make(map[string][]byte),
		busy:  make(map[string]bool),
	}
}

func (m *memFS) factory() FileProviderFactory {
	return FileProviderFactoryFunc(func(string) (FileProvider, error) { return m, nil })
}

func (m *memFS) abs(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = path.Join(m.cwd, p)
	}
	return path.Clean("/" + p)
}

func (m *memFS) check(op, p string) error {
	if m.panicOn != "" && m.panicOn == p {
		panic("boom\r\nsecond line")
	}
	if m.busy[p] {
		return NewBusyError(op, p, nil)
	}
	return nil
}

func (m *memFS) file(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[m.abs(p)]
	return b, ok
}

func (m *memFS) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *memFS) WorkingDirectory() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cwd
}

func (m *memFS) SetWorkingDirectory(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.abs(p)
	if !m.dirs[a] {
		return false
	}
	m.cwd = a
	return true
}

func (m *memFS) CreateDirectory(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("mkdir", p); err != nil {
		return err
	}
	a := m.abs(p)
	if m.dirs[a] {
		return NewNoAccessError("mkdir", p, nil)
	}
	m.dirs[a] = true
	return nil
}

func (m *memFS) DeleteDirectory(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("rmdir", p); err != nil {
		return err
	}
	a := m.abs(p)
	if !m.dirs[a] || a == "/" {
		return NewNoAccessError("rmdir", p, nil)
	}
	delete(m.dirs, a)
	return nil
}

func (m *memFS) Delete(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete", p); err != nil {
		return err
	}
	a := m.abs(p)
	if _, ok := m.files[a]; !ok {
		return NewNoAccessError("delete", p, nil)
	}
	delete(m.files, a)
	return nil
}

func (m *memFS) Rename(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("rename", from); err != nil {
		return err
	}
	a, b := m.abs(from), m.abs(to)
	data, ok := m.files[a]
	if !ok {
		return NewNoAccessError("rename", from, nil)
	}
	delete(m.files, a)
	m.files[b] = data
	return nil
}

func (m *memFS) OpenForRead(p string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("open", p); err != nil {
		return nil, err
	}
	data, ok := m.files[m.abs(p)]
	if !ok {
		return nil, NewNoAccessError("open", p, nil)
	}
	if m.panicRead != "" && m.panicRead == p {
		return io.NopCloser(panicReader{}), nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type panicReader struct{}

func (panicReader) Read([]byte) (int, error) { panic("read failed") }

type memWriter struct {
	bytes.Buffer
	m    *memFS
	path string
}

func (w *memWriter) Close() error {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	w.m.files[w.path] = w.Bytes()
	return nil
}

func (m *memFS) OpenForWrite(p string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("create", p); err != nil {
		return nil, err
	}
	return &memWriter{m: m, path: m.abs(p)}, nil
}

func (m *memFS) children(p string) ([]string, error) {
	dir := m.abs(p)
	if err := m.check("list", p); err != nil {
		return nil, err
	}
	if !m.dirs[dir] {
		return nil, NewNoAccessError("list", p, nil)
	}
	var names []string
	for d := range m.dirs {
		if d != "/" && path.Dir(d) == dir {
			names = append(names, path.Base(d))
		}
	}
	for f := range m.files {
		if path.Dir(f) == dir {
			names = append(names, path.Base(f))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *memFS) ListNames(p string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.children(p)
}

func (m *memFS) ListEntries(p string) ([]FileEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names, err := m.children(p)
	if err != nil {
		return nil, err
	}
	dir := m.abs(p)
	entries := make([]FileEntry, 0, len(names))
	for _, n := range names {
		full := path.Join(dir, n)
		entries = append(entries, FileEntry{
			Name:    n,
			IsDir:   m.dirs[full],
			Size:    int64(len(m.files[full])),
			ModTime: time.Date(2020, time.March, 4, 5, 6, 0, 0, time.UTC),
		})
	}
	return entries, nil
}

// rawClient speaks FTP over a plain TCP connection for exact reply checks.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	fatalIfErr(t, err, "dial")
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() { conn.Close() })

	c := &rawClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	if code, msg := c.readReply(); code != 220 {
		t.Fatalf("greeting: got %d %q", code, msg)
	}
	return c
}

// readReply returns the code and the full text of the next reply,
// including every line of a multi-line reply.
func (c *rawClient) readReply() (int, string) {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	fatalIfErr(c.t, err, "read reply")
	if len(line) < 4 {
		c.t.Fatalf("short reply %q", line)
	}
	code, err := strconv.Atoi(line[:3])
	fatalIfErr(c.t, err, "reply code in %q", line)

	full := line
	if line[3] == '-' {
		for {
			line, err = c.r.ReadString('\n')
			fatalIfErr(c.t, err, "read multi-line reply")
			full += line
			if strings.HasPrefix(line, strconv.Itoa(code)+" ") {
				break
			}
		}
	}
	return code, strings.TrimRight(full, "\r\n")
}

func (c *rawClient) sendCmd(cmd string) (int, string) {
	c.t.Helper()
	_, err := fmt.Fprintf(c.conn, "%s\r\n", cmd)
	fatalIfErr(c.t, err, "send %q", cmd)
	return c.readReply()
}

func (c *rawClient) expect(cmd string, want int) string {
	c.t.Helper()
	code, msg := c.sendCmd(cmd)
	if code != want {
		c.t.Fatalf("%s: got %d %q, want %d", cmd, code, msg, want)
	}
	return msg
}

// expectReply reads the next reply without sending anything.
func (c *rawClient) expectReply(want int) string {
	c.t.Helper()
	code, msg := c.readReply()
	if code != want {
		c.t.Fatalf("got %d %q, want %d", code, msg, want)
	}
	return msg
}

func (c *rawClient) login() {
	c.t.Helper()
	c.expect("USER anonymous", 331)
	c.expect("PASS guest", 230)
}

// pasv issues PASV and dials the announced port.
func (c *rawClient) pasv() net.Conn {
	c.t.Helper()
	msg := c.expect("PASV", 227)
	start, end := strings.Index(msg, "("), strings.Index(msg, ")")
	parts := strings.Split(msg[start+1:end], ",")
	if len(parts) != 6 {
		c.t.Fatalf("bad PASV reply %q", msg)
	}
	p1, _ := strconv.Atoi(parts[4])
	p2, _ := strconv.Atoi(parts[5])
	host := strings.Join(parts[:4], ".")

	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(p1*256+p2)))
	fatalIfErr(c.t, err, "dial passive port")
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	c.t.Cleanup(func() { conn.Close() })
	return conn
}

// epsvPort issues EPSV and returns the announced port.
func (c *rawClient) epsvPort() int {
	c.t.Helper()
	msg := c.expect("EPSV", 229)
	start, end := strings.Index(msg, "(|||"), strings.LastIndex(msg, "|)")
	port, err := strconv.Atoi(msg[start+4 : end])
	fatalIfErr(c.t, err, "EPSV port in %q", msg)
	return port
}

// selfSignedTLS returns a server configuration with a fresh certificate
// for 127.0.0.1.
func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	fatalIfErr(t, err, "generate key")

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ftpd test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	fatalIfErr(t, err, "create certificate")

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}
