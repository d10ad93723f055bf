package supervisor

import (
	"errors"
	"testing"
)

func newTestPool(t *testing.T, start, end int) *PortPool {
	t.Helper()
	pool, err := NewPortPool(start, end)
	if err != nil {
		t.Fatalf("NewPortPool error: %v", err)
	}
	pool.probe = func(int) bool { return true }
	return pool
}

func TestPortPoolReusesReleasedPortsLast(t *testing.T) {
	pool := newTestPool(t, 100, 102)
	a, _ := pool.Allocate()
	b, _ := pool.Allocate()
	pool.Release(a)
	c, _ := pool.Allocate()
	if a != 100 || b != 101 || c != 102 {
		t.Fatalf("expected fresh ports first, got %d %d %d", a, b, c)
	}
	d, err := pool.Allocate()
	if err != nil || d != 100 {
		t.Fatalf("expected released port 100, got %d (%v)", d, err)
	}
	if _, err := pool.Allocate(); !errors.Is(err, ErrNoPorts) {
		t.Fatalf("expected ErrNoPorts, got %v", err)
	}
	if pool.InUse() != 3 {
		t.Fatalf("expected 3 ports in use, got %d", pool.InUse())
	}
}

func TestPortPoolSkipsBusyPorts(t *testing.T) {
	pool := newTestPool(t, 200, 202)
	pool.probe = func(port int) bool { return port != 200 }
	port, err := pool.Allocate()
	if err != nil || port != 201 {
		t.Fatalf("expected 201, got %d (%v)", port, err)
	}
}

func TestNewPortPoolRejectsBadRange(t *testing.T) {
	if _, err := NewPortPool(10, 5); err == nil {
		t.Fatalf("expected error for inverted range")
	}
}
