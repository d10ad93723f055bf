package supervisor

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/events"
	"github.com/splax/shipyard/internal/routing"
)

// routedSupervisor wires a supervisor to a real bus and routing table.
func routedSupervisor(t *testing.T, opts Options) (*Supervisor, *routing.Table, *routing.Proxy) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)
	table := routing.NewTable(logger)
	bus.Subscribe("routing", table.Apply, events.ApplicationReady, events.ApplicationDown)

	if opts.PortStart == 0 {
		opts.PortStart, opts.PortEnd = 18200, 18299
	}
	if opts.StartTimeout == 0 {
		opts.StartTimeout = 5 * time.Second
	}
	if opts.StopTimeout == 0 {
		opts.StopTimeout = 2 * time.Second
	}
	sup, err := New(bus, logger, opts)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { sup.Shutdown(context.Background()) })
	return sup, table, routing.NewProxy(table, "example.com", &routing.RequestCounts{}, nil, logger)
}

func killRunning(t *testing.T, sup *Supervisor, name string) domain.Application {
	t.Helper()
	snap, err := sup.Application(name, 0)
	if err != nil || snap.PID == 0 {
		t.Fatalf("expected a running process, got %+v (%v)", snap, err)
	}
	if err := syscall.Kill(snap.PID, syscall.SIGKILL); err != nil {
		t.Fatalf("kill error: %v", err)
	}
	return snap
}

func waitRestarted(t *testing.T, sup *Supervisor, name string, oldPID, restarts int) domain.Application {
	t.Helper()
	var snap domain.Application
	waitFor(t, 5*time.Second, func() bool {
		snap, _ = sup.Application(name, 0)
		return snap.Status == domain.AppRunning && snap.PID != 0 && snap.PID != oldPID && snap.Restarts == restarts
	}, "restart")
	return snap
}

func proxyGet(proxy *routing.Proxy, host string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://"+host+"/", nil))
	return rec
}

func TestCrashRestoresRoute(t *testing.T) {
	sup, table, proxy := routedSupervisor(t, Options{MaxRestarts: 3, RestartBackoff: 20 * time.Millisecond})
	if _, err := sup.Deploy(context.Background(), helperSpec("web", "d1", "serve", "hello")); err != nil {
		t.Fatalf("Deploy error: %v", err)
	}
	if rec := proxyGet(proxy, "web.example.com"); rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("expected routed response, got %d %q", rec.Code, rec.Body.String())
	}

	before := killRunning(t, sup, "web")
	after := waitRestarted(t, sup, "web", before.PID, 1)

	waitFor(t, 2*time.Second, func() bool {
		entry, err := table.Lookup("web")
		return err == nil && entry.Port == after.Port
	}, "route restored with the new port")
	if rec := proxyGet(proxy, "web.example.com"); rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("expected routed response after restart, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestStableRunStartsFreshRestartBudget(t *testing.T) {
	sup, _, _ := routedSupervisor(t, Options{
		MaxRestarts:    1,
		RestartBackoff: 20 * time.Millisecond,
		StableAfter:    300 * time.Millisecond,
	})
	if _, err := sup.Deploy(context.Background(), helperSpec("web", "d1", "serve", "ok")); err != nil {
		t.Fatalf("Deploy error: %v", err)
	}

	first := killRunning(t, sup, "web")
	restarted := waitRestarted(t, sup, "web", first.PID, 1)

	time.Sleep(500 * time.Millisecond)
	killRunning(t, sup, "web")
	snap := waitRestarted(t, sup, "web", restarted.PID, 2)
	if snap.Status != domain.AppRunning {
		t.Fatalf("expected running after a crash following a stable run, got %s", snap.Status)
	}
}
