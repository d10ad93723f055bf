package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/shipyard/internal/credentials"
	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/service/auth"
	"github.com/splax/shipyard/internal/service/deploy"
	"github.com/splax/shipyard/internal/supervisor"
	"github.com/splax/shipyard/internal/ws"
)

type fakeDeployments struct {
	mu       sync.Mutex
	list     []domain.Deployment
	live     map[string]*domain.Deployment
	uploads  map[string][]byte
	deleted  []string
	listApps []string
}

func (f *fakeDeployments) List(ctx context.Context, application string, limit int) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listApps = append(f.listApps, application)
	var out []domain.Deployment
	for _, d := range f.list {
		if application == "" || d.Application == application {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDeployments) Live(ctx context.Context, application string) (*domain.Deployment, error) {
	if d, ok := f.live[application]; ok {
		return d, nil
	}
	return nil, deploy.ErrNoDeployment
}

func (f *fakeDeployments) Upload(ctx context.Context, application string, archive io.Reader) (string, error) {
	data, err := io.ReadAll(archive)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploads == nil {
		f.uploads = make(map[string][]byte)
	}
	f.uploads[application] = data
	return "abc123", nil
}

func (f *fakeDeployments) Delete(ctx context.Context, application string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, application)
	return nil
}

type fakeProcesses struct {
	apps []domain.Application
	logs map[string][]domain.LogLine
}

func (f *fakeProcesses) Snapshot(logLimit int) []domain.Application { return f.apps }

func (f *fakeProcesses) Logs(name string, limit int) ([]domain.LogLine, error) {
	lines, ok := f.logs[name]
	if !ok {
		return nil, supervisor.ErrNotFound
	}
	return lines, nil
}

type fakeStreams struct {
	registered chan ws.Subscriber
}

func (f *fakeStreams) Register(application string, client ws.Subscriber) error {
	f.registered <- client
	return nil
}

func (f *fakeStreams) Unregister(application string, client ws.Subscriber) {}

type harness struct {
	router  *Router
	auth    auth.Service
	deploys *fakeDeployments
	procs   *fakeProcesses
	streams *fakeStreams
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func newHarness(t *testing.T, dbHealth func(context.Context) error) *harness {
	t.Helper()
	dir := t.TempDir()
	users := `{"users":[{"username":"admin","password":"admin-secret"},{"username":"alice","password":"alice-secret"},{"username":"bob","password":"bob-secret"}]}`
	repos := `[{"name":"web","anonRead":false,"users":[{"user":"alice","permissions":["R","W"]}]},{"name":"api","anonRead":false,"users":[]}]`
	if err := os.WriteFile(filepath.Join(dir, "users.json"), []byte(users), 0o600); err != nil {
		t.Fatalf("write users: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "repos.json"), []byte(repos), 0o600); err != nil {
		t.Fatalf("write repos: %v", err)
	}
	store, err := credentials.Open(dir, discardLogger())
	if err != nil {
		t.Fatalf("open credentials: %v", err)
	}
	h := &harness{
		auth:    auth.New(store, discardLogger(), "test-secret", time.Hour),
		deploys: &fakeDeployments{live: map[string]*domain.Deployment{}},
		procs:   &fakeProcesses{logs: map[string][]domain.LogLine{}},
		streams: &fakeStreams{registered: make(chan ws.Subscriber, 1)},
	}
	appURL := func(name string) string { return "http://" + name + ".localhost:8080" }
	h.router = NewRouter(discardLogger(), h.auth, store, h.deploys, h.procs, h.streams, NewMemoryRateLimiter(), appURL, dbHealth)
	t.Cleanup(h.router.Close)
	return h
}

func (h *harness) token(t *testing.T, username string) string {
	t.Helper()
	tok, err := h.auth.Login(context.Background(), username, username+"-secret")
	if err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return tok.AccessToken
}

func (h *harness) do(method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthzReportsDatabase(t *testing.T) {
	h := newHarness(t, func(context.Context) error { return errors.New("connection refused") })
	rec := h.do(http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	payload := decodeBody[map[string]any](t, rec)
	if payload["status"] != "degraded" {
		t.Fatalf("unexpected payload %v", payload)
	}

	h = newHarness(t, nil)
	if rec := h.do(http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without database, got %d", rec.Code)
	}
}

func TestProcessJSONRequiresAdmin(t *testing.T) {
	h := newHarness(t, nil)
	h.procs.apps = []domain.Application{{
		Name:   "web",
		Status: domain.AppRunning,
		PID:    42,
		Port:   10000,
		Usage: []domain.Usage{
			{Memory: 100, CPU: 1.5},
			{Memory: 2048, CPU: 12.5},
		},
	}}

	if rec := h.do(http.MethodGet, "/process/json", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 anonymous, got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/process/json", h.token(t, "alice"), nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/process/json", nil)
	req.SetBasicAuth("admin", "wrong")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad basic auth, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/process/json", nil)
	req.SetBasicAuth("admin", "admin-secret")
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	views := decodeBody[[]processView](t, rec)
	if len(views) != 1 || views[0].Name != "web" || views[0].PID != 42 {
		t.Fatalf("unexpected views %+v", views)
	}
	if views[0].Monit.Memory != 2048 || views[0].Monit.CPU != 12.5 {
		t.Fatalf("expected latest usage sample, got %+v", views[0].Monit)
	}
	if views[0].Logs == nil {
		t.Fatalf("expected empty log slice, got nil")
	}

	if rec := h.do(http.MethodGet, "/process/json", h.token(t, "admin"), nil); rec.Code != http.StatusOK {
		t.Fatalf("expected admin bearer token to be accepted, got %d", rec.Code)
	}
}

func TestSettingsRejectsMalformedDocument(t *testing.T) {
	h := newHarness(t, nil)
	admin := h.token(t, "admin")

	rec := h.do(http.MethodPost, "/settings", admin, strings.NewReader(`{"users": [`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = h.do(http.MethodPost, "/settings", admin, strings.NewReader(`{"users":[{"username":"alice"}],"repositories":[]}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without admin user, got %d", rec.Code)
	}

	rec = h.do(http.MethodGet, "/settings", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	settings := decodeBody[domain.Settings](t, rec)
	if len(settings.Users) != 3 || len(settings.Repositories) != 2 {
		t.Fatalf("settings changed after rejected update: %+v", settings)
	}
	for _, u := range settings.Users {
		if u.Password != "" {
			t.Fatalf("password hash leaked for %s", u.Username)
		}
	}
}

func TestSettingsReplace(t *testing.T) {
	h := newHarness(t, nil)
	admin := h.token(t, "admin")
	doc := `{"users":[{"username":"admin"},{"username":"alice"}],"repositories":[{"name":"web","anonRead":true,"users":[{"user":"alice","permissions":["R"]}]}]}`
	rec := h.do(http.MethodPost, "/settings", admin, strings.NewReader(doc))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	settings := decodeBody[domain.Settings](t, rec)
	if len(settings.Users) != 2 || len(settings.Repositories) != 1 || !settings.Repositories[0].AnonRead {
		t.Fatalf("unexpected settings %+v", settings)
	}
}

func TestRegisterLoginLogout(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/api/register", "", strings.NewReader(`{"username":"carol","password":"carol-secret"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	token := decodeBody[auth.Token](t, rec)
	if token.AccessToken == "" {
		t.Fatalf("expected access token")
	}

	rec = h.do(http.MethodPost, "/api/register", "", strings.NewReader(`{"username":"carol","password":"other"}`))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate user, got %d", rec.Code)
	}

	rec = h.do(http.MethodGet, "/api/whoami", token.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	who := decodeBody[map[string]any](t, rec)
	if who["username"] != "carol" || who["admin"] != false {
		t.Fatalf("unexpected whoami %v", who)
	}

	if rec := h.do(http.MethodPost, "/api/logout", token.AccessToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 logout, got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/api/whoami", token.AccessToken, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to be rejected, got %d", rec.Code)
	}

	rec = h.do(http.MethodPost, "/api/login", "", strings.NewReader(`{"username":"carol","password":"nope"}`))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", rec.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	h := newHarness(t, nil)
	var last *httptest.ResponseRecorder
	for i := 0; i <= rateLimitLogin; i++ {
		last = h.do(http.MethodPost, "/api/login", "", strings.NewReader(`not json`))
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d attempts, got %d", rateLimitLogin+1, last.Code)
	}
	if last.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected remaining header 0, got %q", last.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRegisterApplication(t *testing.T) {
	h := newHarness(t, nil)
	bob := h.token(t, "bob")
	rec := h.do(http.MethodPost, "/api/apps", bob, strings.NewReader(`{"name":"blog"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	app := decodeBody[appView](t, rec)
	if app.Name != "blog" || app.URL != "http://blog.localhost:8080" {
		t.Fatalf("unexpected app %+v", app)
	}
	if rec := h.do(http.MethodPost, "/api/apps", bob, strings.NewReader(`{"name":"blog"}`)); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/api/apps", bob, strings.NewReader(`{"name":"Not Valid!"}`)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid name, got %d", rec.Code)
	}

	rec = h.do(http.MethodGet, "/api/apps", bob, nil)
	apps := decodeBody[[]appView](t, rec)
	if len(apps) != 1 || apps[0].Name != "blog" {
		t.Fatalf("expected bob to see only blog, got %+v", apps)
	}
}

func TestUploadRequiresWritePermission(t *testing.T) {
	h := newHarness(t, nil)
	if rec := h.do(http.MethodPost, "/api/apps/web/deploy", h.token(t, "bob"), strings.NewReader("tarball")); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/api/apps/missing/deploy", h.token(t, "alice"), strings.NewReader("tarball")); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown app, got %d", rec.Code)
	}
	rec := h.do(http.MethodPost, "/api/apps/web/deploy", h.token(t, "alice"), strings.NewReader("tarball"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[map[string]string](t, rec)["commit"]; got != "abc123" {
		t.Fatalf("unexpected commit %q", got)
	}
	if string(h.deploys.uploads["web"]) != "tarball" {
		t.Fatalf("upload body not forwarded: %q", h.deploys.uploads["web"])
	}
}

func TestDeploymentsFilteredByAccess(t *testing.T) {
	h := newHarness(t, nil)
	h.deploys.list = []domain.Deployment{
		{ID: "d2", Application: "api", Repository: "api", Status: domain.DeploymentLive},
		{ID: "d1", Application: "web", Repository: "web", CommitRef: "abc", Status: domain.DeploymentFailed, Message: "build failed"},
	}

	rec := h.do(http.MethodGet, "/api/deployments", h.token(t, "alice"), nil)
	views := decodeBody[[]deploymentView](t, rec)
	if len(views) != 1 || views[0].ID != "d1" || views[0].Commit != "abc" || views[0].Message != "build failed" {
		t.Fatalf("unexpected deployments for alice: %+v", views)
	}

	rec = h.do(http.MethodGet, "/api/deployments", h.token(t, "admin"), nil)
	if views := decodeBody[[]deploymentView](t, rec); len(views) != 2 {
		t.Fatalf("expected admin to see all deployments, got %+v", views)
	}

	if rec := h.do(http.MethodGet, "/api/deployments?app=api", h.token(t, "alice"), nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 filtering by foreign app, got %d", rec.Code)
	}
}

func TestApplicationURL(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.token(t, "alice")
	if rec := h.do(http.MethodGet, "/api/apps/web/url", alice, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before first deployment, got %d", rec.Code)
	}
	h.deploys.live["web"] = &domain.Deployment{ID: "d1", Application: "web", CommitRef: "abc", Status: domain.DeploymentLive}
	rec := h.do(http.MethodGet, "/api/apps/web/url", alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]string](t, rec)
	if body["url"] != "http://web.localhost:8080" || body["deploymentId"] != "d1" {
		t.Fatalf("unexpected url payload %v", body)
	}
}

func TestLogsForApplication(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.token(t, "alice")
	rec := h.do(http.MethodGet, "/api/apps/web/logs", alice, nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty log list, got %d %q", rec.Code, rec.Body.String())
	}
	h.procs.logs["web"] = []domain.LogLine{{ID: 1, Stream: "stdout", Text: "listening"}}
	rec = h.do(http.MethodGet, "/api/apps/web/logs?lines=10", alice, nil)
	lines := decodeBody[[]domain.LogLine](t, rec)
	if len(lines) != 1 || lines[0].Text != "listening" {
		t.Fatalf("unexpected lines %+v", lines)
	}
	if rec := h.do(http.MethodGet, "/api/apps/web/logs", h.token(t, "bob"), nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for bob, got %d", rec.Code)
	}
}

func TestDeleteApplication(t *testing.T) {
	h := newHarness(t, nil)
	if rec := h.do(http.MethodGet, "/api/apps/web", h.token(t, "alice"), nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec := h.do(http.MethodDelete, "/api/apps/web", h.token(t, "alice"), nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(h.deploys.deleted) != 1 || h.deploys.deleted[0] != "web" {
		t.Fatalf("expected web deleted, got %v", h.deploys.deleted)
	}
}

func TestLogsWebsocketStreamsLines(t *testing.T) {
	h := newHarness(t, nil)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.token(t, "alice"))
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/apps/web/logs/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var client ws.Subscriber
	select {
	case client = <-h.streams.registered:
	case <-time.After(2 * time.Second):
		t.Fatal("client never registered")
	}
	if err := client.Send([]byte(`{"text":"hello"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != `{"text":"hello"}` {
		t.Fatalf("unexpected message %s", msg)
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()
	for i := 0; i < 2; i++ {
		if d := rl.Allow("k", 2, time.Minute); !d.allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if d := rl.Allow("k", 2, time.Minute); d.allowed || d.count != 2 {
		t.Fatalf("expected third request denied, got %+v", d)
	}
	if d := rl.Allow("other", 2, time.Minute); !d.allowed {
		t.Fatalf("keys must be independent")
	}
}

func TestRateMetricKey(t *testing.T) {
	cases := map[string]string{
		"ip:10.0.0.1": "ip",
		"user:alice":  "user",
		"":            "unknown",
		"plain":       "plain",
	}
	for in, want := range cases {
		if got := rateMetricKey(in); got != want {
			t.Fatalf("rateMetricKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAccessLogRecordsStatus(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := AccessLog(logger, "git", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	req := httptest.NewRequest(http.MethodPost, "/web.git/git-receive-pack", nil)
	req.SetBasicAuth("bob", "x")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	line := buf.String()
	if !strings.Contains(line, `"msg":"http_request"`) || !strings.Contains(line, `"status":403`) || !strings.Contains(line, `"username":"bob"`) {
		t.Fatalf("unexpected audit line %s", line)
	}
}
