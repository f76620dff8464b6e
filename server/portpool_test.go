package server

import (
	"net"
	"testing"
)

var loopback = net.ParseIP("127.0.0.1")

func TestNewPortPool_Validation(t *testing.T) {
	t.Parallel()

	for _, r := range [][2]int{{-1, 10}, {10, 5}, {0, 10}, {10, 0}, {1000, 70000}} {
		if _, err := NewPortPool(r[0], r[1]); err == nil {
			t.Errorf("NewPortPool(%d, %d) should fail", r[0], r[1])
		}
	}
	if _, err := NewPortPool(0, 0); err != nil {
		t.Errorf("ephemeral pool: %v", err)
	}
}

func TestPortPool_ReleasedPortsAreReusedFirst(t *testing.T) {
	t.Parallel()

	pool, err := NewPortPool(31000, 31009)
	fatalIfErr(t, err, "NewPortPool")

	ln1, p1, err := pool.Acquire(loopback)
	fatalIfErr(t, err, "first acquire")
	ln2, p2, err := pool.Acquire(loopback)
	fatalIfErr(t, err, "second acquire")
	defer ln2.Close()

	if p1 == p2 {
		t.Fatalf("got the same port twice: %d", p1)
	}
	if p1 < 31000 || p1 > 31009 || p2 < 31000 || p2 > 31009 {
		t.Fatalf("ports %d, %d outside the range", p1, p2)
	}

	ln1.Close()
	pool.Release(p1)
	pool.Release(p1)
	if got := pool.Released(); len(got) != 1 || got[0] != p1 {
		t.Fatalf("Released() = %v, want [%d]", got, p1)
	}

	ln3, p3, err := pool.Acquire(loopback)
	fatalIfErr(t, err, "third acquire")
	defer ln3.Close()
	if p3 != p1 {
		t.Errorf("expected released port %d to be reused, got %d", p1, p3)
	}
	if got := pool.Released(); len(got) != 0 {
		t.Errorf("Released() = %v after reuse", got)
	}
}

func TestPortPool_Exhausted(t *testing.T) {
	t.Parallel()

	pool, err := NewPortPool(31020, 31021)
	fatalIfErr(t, err, "NewPortPool")

	for range 2 {
		ln, _, err := pool.Acquire(loopback)
		fatalIfErr(t, err, "acquire")
		defer ln.Close()
	}
	if _, _, err := pool.Acquire(loopback); err == nil {
		t.Fatal("expected an error once the range is exhausted")
	}
}

func TestPortPool_Ephemeral(t *testing.T) {
	t.Parallel()

	pool, err := NewPortPool(0, 0)
	fatalIfErr(t, err, "NewPortPool")

	ln, port, err := pool.Acquire(loopback)
	fatalIfErr(t, err, "acquire")
	defer ln.Close()
	if port == 0 {
		t.Fatal("expected a real port")
	}
	pool.Release(port)
	if got := pool.Released(); len(got) != 0 {
		t.Errorf("ephemeral pool should not keep ports, got %v", got)
	}
}
