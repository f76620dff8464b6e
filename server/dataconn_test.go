package server

import (
	"context"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func newTestDataConn(t *testing.T, pool *PortPool) DataConnection {
	t.Helper()
	if pool == nil {
		var err error
		pool, err = NewPortPool(0, 0)
		fatalIfErr(t, err, "NewPortPool")
	}
	d := (&LocalDataConnectionFactory{Pool: pool}).New(loopback)
	t.Cleanup(func() { d.Close() })
	return d
}

func dialAddr(t *testing.T, addr *net.TCPAddr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	fatalIfErr(t, err, "dial %s", addr)
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDataConn_AcceptWhenIdle(t *testing.T) {
	t.Parallel()

	d := newTestDataConn(t, nil)
	if err := d.Accept(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := d.Send(context.Background(), strings.NewReader("x")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Send while idle: expected ErrInvalidState, got %v", err)
	}
}

func TestDataConn_PassiveSendReceive(t *testing.T) {
	t.Parallel()

	d := newTestDataConn(t, nil)
	ctx := context.Background()

	addr, err := d.Listen()
	fatalIfErr(t, err, "Listen")
	client := dialAddr(t, addr)
	fatalIfErr(t, d.Accept(ctx), "Accept")
	if !d.IsConnected() {
		t.Fatal("expected connected state")
	}

	n, err := d.Send(ctx, strings.NewReader("hello"))
	fatalIfErr(t, err, "Send")
	if n != 5 {
		t.Errorf("sent %d bytes", n)
	}
	fatalIfErr(t, d.Disconnect(), "Disconnect")
	fatalIfErr(t, d.Disconnect(), "second Disconnect")

	got, err := io.ReadAll(client)
	fatalIfErr(t, err, "read")
	if string(got) != "hello" {
		t.Errorf("client got %q", got)
	}

	addr, err = d.Listen()
	fatalIfErr(t, err, "second Listen")
	client = dialAddr(t, addr)
	fatalIfErr(t, d.Accept(ctx), "second Accept")
	go func() {
		io.WriteString(client, "upload")
		client.Close()
	}()
	var sb strings.Builder
	_, err = d.Receive(ctx, &sb)
	fatalIfErr(t, err, "Receive")
	if sb.String() != "upload" {
		t.Errorf("received %q", sb.String())
	}
}

func TestDataConn_RelistenCancelsPendingAccept(t *testing.T) {
	t.Parallel()

	pool, err := NewPortPool(31040, 31049)
	fatalIfErr(t, err, "NewPortPool")
	d := newTestDataConn(t, pool)

	first, err := d.Listen()
	fatalIfErr(t, err, "first Listen")

	errCh := make(chan error, 1)
	go func() { errCh <- d.Accept(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	second, err := d.Listen()
	fatalIfErr(t, err, "second Listen")
	if first.Port == second.Port {
		t.Fatalf("second Listen reused port %d", first.Port)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrOperationCancelled) {
			t.Fatalf("expected ErrOperationCancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending Accept was not cancelled")
	}

	deadline := time.Now().Add(5 * time.Second)
	for !slices.Contains(pool.Released(), first.Port) {
		if time.Now().After(deadline) {
			t.Fatalf("port %d never released, pool has %v", first.Port, pool.Released())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if slices.Contains(pool.Released(), second.Port) {
		t.Errorf("active port %d released", second.Port)
	}

	// The second socket is still usable.
	dialAddr(t, second)
	fatalIfErr(t, d.Accept(context.Background()), "Accept on second socket")
}

func TestDataConn_StateChangesCancelPendingAccept(t *testing.T) {
	t.Parallel()

	target, err := net.Listen("tcp4", "127.0.0.1:0")
	fatalIfErr(t, err, "listen")
	t.Cleanup(func() { target.Close() })
	go func() {
		for {
			conn, err := target.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	targetPort := target.Addr().(*net.TCPAddr).Port

	tests := []struct {
		name      string
		min, max  int
		change    func(DataConnection) error
		connected bool
	}{
		{
			name: "ConnectActive",
			min:  31070, max: 31079,
			change: func(d DataConnection) error {
				return d.ConnectActive(context.Background(), loopback, targetPort, ProtocolIPv4)
			},
			connected: true,
		},
		{
			name: "Disconnect",
			min:  31080, max: 31089,
			change: func(d DataConnection) error {
				return d.Disconnect()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pool, err := NewPortPool(tt.min, tt.max)
			fatalIfErr(t, err, "NewPortPool")
			d := newTestDataConn(t, pool)

			addr, err := d.Listen()
			fatalIfErr(t, err, "Listen")

			errCh := make(chan error, 1)
			go func() { errCh <- d.Accept(context.Background()) }()
			time.Sleep(50 * time.Millisecond)

			fatalIfErr(t, tt.change(d), "state change")

			select {
			case err := <-errCh:
				if !errors.Is(err, ErrOperationCancelled) {
					t.Fatalf("expected ErrOperationCancelled, got %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("pending Accept was not cancelled")
			}
			if d.IsConnected() != tt.connected {
				t.Errorf("IsConnected = %v, want %v", d.IsConnected(), tt.connected)
			}

			deadline := time.Now().Add(5 * time.Second)
			for !slices.Contains(pool.Released(), addr.Port) {
				if time.Now().After(deadline) {
					t.Fatalf("port %d never released, pool has %v", addr.Port, pool.Released())
				}
				time.Sleep(10 * time.Millisecond)
			}
		})
	}
}

func TestDataConn_AcceptContextCancel(t *testing.T) {
	t.Parallel()

	d := newTestDataConn(t, nil)
	_, err := d.Listen()
	fatalIfErr(t, err, "Listen")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if d.IsConnected() {
		t.Error("should not be connected")
	}
}

func TestDataConn_ConnectActive(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	fatalIfErr(t, err, "listen")
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	d := newTestDataConn(t, nil)
	ctx := context.Background()
	if err := d.ConnectActive(ctx, loopback, port, 3); !errors.Is(err, ErrUnsupportedProtocol) {
		t.Fatalf("protocol 3: expected ErrUnsupportedProtocol, got %v", err)
	}
	fatalIfErr(t, d.ConnectActive(ctx, loopback, port, ProtocolIPv4), "ConnectActive")
	if !d.IsConnected() {
		t.Fatal("expected connected state")
	}

	peer := <-accepted
	defer peer.Close()
	_, err = d.Send(ctx, strings.NewReader("active"))
	fatalIfErr(t, err, "Send")
	fatalIfErr(t, d.Disconnect(), "Disconnect")

	got, err := io.ReadAll(peer)
	fatalIfErr(t, err, "read")
	if string(got) != "active" {
		t.Errorf("peer got %q", got)
	}
}

func TestDataConn_ExtendedListen(t *testing.T) {
	t.Parallel()

	d := newTestDataConn(t, nil)
	if got := d.PassiveProtocols(); !slices.Equal(got, []int{ProtocolIPv4}) {
		t.Errorf("PassiveProtocols() = %v", got)
	}
	if _, err := d.ExtendedListen(ProtocolIPv6); !errors.Is(err, ErrUnsupportedProtocol) {
		t.Fatalf("expected ErrUnsupportedProtocol, got %v", err)
	}
	addr, err := d.ExtendedListen(ProtocolIPv4)
	fatalIfErr(t, err, "ExtendedListen")
	if addr.Port == 0 || !addr.IP.Equal(loopback) {
		t.Errorf("unexpected address %s", addr)
	}
}

func TestDataConn_ClosedRefusesWork(t *testing.T) {
	t.Parallel()

	d := newTestDataConn(t, nil)
	fatalIfErr(t, d.Close(), "Close")
	if _, err := d.Listen(); err == nil {
		t.Error("Listen after Close should fail")
	}
	if err := d.ConnectActive(context.Background(), loopback, 1, ProtocolIPv4); err == nil {
		t.Error("ConnectActive after Close should fail")
	}
}

func TestDataConn_ConnectedPortIsReleasedOnDisconnect(t *testing.T) {
	t.Parallel()

	pool, err := NewPortPool(31060, 31069)
	fatalIfErr(t, err, "NewPortPool")
	d := newTestDataConn(t, pool)

	addr, err := d.Listen()
	fatalIfErr(t, err, "Listen")
	dialAddr(t, addr)
	fatalIfErr(t, d.Accept(context.Background()), "Accept")
	if len(pool.Released()) != 0 {
		t.Fatalf("port released while connected: %v", pool.Released())
	}
	fatalIfErr(t, d.Disconnect(), "Disconnect")
	if got := pool.Released(); !slices.Equal(got, []int{addr.Port}) {
		t.Errorf("Released() = %v, want [%s]", got, strconv.Itoa(addr.Port))
	}
}
