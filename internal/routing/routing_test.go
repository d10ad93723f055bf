package routing

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestSubdomain(t *testing.T) {
	cases := []struct {
		host string
		want string
		ok   bool
	}{
		{"myapp.example.com", "myapp", true},
		{"MyApp.Example.com:8080", "myapp", true},
		{"myapp.example.com.", "myapp", true},
		{"example.com", DefaultBucket, true},
		{"example.com:8080", DefaultBucket, true},
		{"localhost", DefaultBucket, true},
		{"127.0.0.1:8000", DefaultBucket, true},
		{".example.com", "", false},
		{"a.b.example.com", "", false},
		{"myapp.other.com", "", false},
		{"evilexample.com", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.host, func(t *testing.T) {
			got, ok := Subdomain(tc.host, "example.com")
			if got != tc.want || ok != tc.ok {
				t.Fatalf("expected (%q, %v), got (%q, %v)", tc.want, tc.ok, got, ok)
			}
		})
	}
}

func TestTableCopyOnWrite(t *testing.T) {
	table := NewTable(discardLogger())
	table.Set(domain.RoutingEntry{Subdomain: "blog", Port: 10001})
	snapshot := *table.current.Load()

	table.Set(domain.RoutingEntry{Subdomain: "shop", Port: 10002})
	table.Remove("blog", 0)

	if _, ok := snapshot["blog"]; !ok {
		t.Fatalf("earlier snapshot must not observe later writes")
	}
	if _, ok := snapshot["shop"]; ok {
		t.Fatalf("earlier snapshot must not observe later writes")
	}
	if _, err := table.Lookup("blog"); !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("expected ErrRouteNotFound, got %v", err)
	}
}

func TestTableConcurrentReadersAndWriters(t *testing.T) {
	table := NewTable(discardLogger())
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				table.Set(domain.RoutingEntry{Subdomain: "app", Port: 10000 + w})
				table.Remove("app", 10000+w)
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_, _ = table.Lookup("app")
				_ = table.Entries()
			}
		}()
	}
	wg.Wait()
}

func TestApplyIgnoresStaleDownEvents(t *testing.T) {
	table := NewTable(discardLogger())
	ctx := context.Background()
	table.Apply(ctx, events.Event{Type: events.ApplicationReady, Application: "blog", Port: 10001, DeploymentID: "d1"})
	table.Apply(ctx, events.Event{Type: events.ApplicationReady, Application: "blog", Port: 10002, DeploymentID: "d2"})
	table.Apply(ctx, events.Event{Type: events.ApplicationDown, Application: "blog", Port: 10001})

	entry, err := table.Lookup("blog")
	if err != nil || entry.Port != 10002 || entry.DeploymentID != "d2" {
		t.Fatalf("expected d2 on 10002, got %+v (%v)", entry, err)
	}
	table.Apply(ctx, events.Event{Type: events.ApplicationDown, Application: "blog", Port: 10002})
	if _, err := table.Lookup("blog"); !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("expected route removed, got %v", err)
	}
}

func upstreamPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	return srv.Listener.Addr().(*net.TCPAddr).Port
}

func TestProxyRejectsUnknownRoute(t *testing.T) {
	proxy := NewProxy(NewTable(discardLogger()), "example.com", nil, nil, discardLogger())
	req := httptest.NewRequest(http.MethodGet, "http://ghost.example.com/", nil)
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if rec.Body.String() != "route does not exist" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestProxyForwardsOnceRouted(t *testing.T) {
	payload := []byte("<html><body>hello from index.html</body></html>\n")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-Host") != "myapp.example.com" {
			t.Errorf("missing forwarded host, got %q", r.Header.Get("X-Forwarded-Host"))
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write(payload)
	}))
	defer upstream.Close()

	table := NewTable(discardLogger())
	counts := &RequestCounts{}
	proxy := NewProxy(table, "example.com", counts, nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "http://myapp.example.com/", nil)
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 before route exists, got %d", rec.Code)
	}

	table.Apply(context.Background(), events.Event{Type: events.ApplicationReady, Application: "myapp", Port: upstreamPort(t, upstream), DeploymentID: "d1"})

	req = httptest.NewRequest(http.MethodGet, "http://myapp.example.com/", nil)
	rec = httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Fatalf("expected byte-identical body, got %q", rec.Body.String())
	}

	flushed := map[string]int64{}
	counts.Flush(func(id string, n int64) { flushed[id] += n })
	if flushed["d1"] != 1 {
		t.Fatalf("expected one counted request for d1, got %v", flushed)
	}
}

func TestProxyUpstreamFailureReturns502AndCorrects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	port := upstreamPort(t, upstream)
	upstream.Close()

	table := NewTable(discardLogger())
	table.Set(domain.RoutingEntry{Subdomain: "dead", Port: port, DeploymentID: "d9"})

	var calls int
	var gotApp string
	proxy := NewProxy(table, "example.com", nil, func(application, deploymentID string, p int) {
		calls++
		gotApp = application
		table.Remove(application, p)
	}, discardLogger())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "http://dead.example.com/", nil)
		rec := httptest.NewRecorder()
		proxy.ServeHTTP(rec, req)
		want := http.StatusBadGateway
		if i == 1 {
			want = http.StatusForbidden
		}
		if rec.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, rec.Code)
		}
	}
	if calls != 1 || gotApp != "dead" {
		t.Fatalf("expected one correction for dead, got %d (%q)", calls, gotApp)
	}
}

func TestProxyDefaultBucket(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "landing")
	}))
	defer upstream.Close()

	table := NewTable(discardLogger())
	proxy := NewProxy(table, "example.com", &RequestCounts{}, nil, discardLogger())
	serve := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
		return rec
	}

	table.Apply(context.Background(), events.Event{Type: events.ApplicationReady, Application: "landing", Port: upstreamPort(t, upstream), DeploymentID: "d1"})
	if rec := serve(); rec.Code != http.StatusForbidden || rec.Body.String() != "route does not exist" {
		t.Fatalf("expected 403 while the bucket is unbound, got %d %q", rec.Code, rec.Body.String())
	}

	table.SetDefault("landing")
	if rec := serve(); rec.Code != http.StatusOK || rec.Body.String() != "landing" {
		t.Fatalf("expected default application, got %d %q", rec.Code, rec.Body.String())
	}

	table.Apply(context.Background(), events.Event{Type: events.ApplicationDown, Application: "landing", Port: upstreamPort(t, upstream)})
	if rec := serve(); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 once the default application is down, got %d", rec.Code)
	}

	table.Set(domain.RoutingEntry{Subdomain: DefaultBucket, Port: upstreamPort(t, upstream), DeploymentID: "d2"})
	if rec := serve(); rec.Code != http.StatusOK {
		t.Fatalf("expected entry installed under the bucket key to serve, got %d", rec.Code)
	}
}
