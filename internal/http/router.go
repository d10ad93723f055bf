package httpx

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/service/auth"
	"github.com/splax/shipyard/internal/ws"
)

// Credentials is the credential store surface used by the API.
type Credentials interface {
	Authenticate(username, password string) error
	Authorize(repo, username string, perm domain.Permission) error
	RegisterRepository(name, owner string) (domain.Repository, error)
	Repository(name string) (domain.Repository, error)
	Repositories() []domain.Repository
	Settings() domain.Settings
	Replace(raw []byte) error
}

// Deployments is the deployment service surface used by the API.
type Deployments interface {
	List(ctx context.Context, application string, limit int) ([]domain.Deployment, error)
	Live(ctx context.Context, application string) (*domain.Deployment, error)
	Upload(ctx context.Context, application string, archive io.Reader) (string, error)
	Delete(ctx context.Context, application string) error
}

// Processes exposes supervised application state.
type Processes interface {
	Snapshot(logLimit int) []domain.Application
	Logs(name string, limit int) ([]domain.LogLine, error)
}

// LogStreams fans live log lines out to streaming clients.
type LogStreams interface {
	Register(application string, client ws.Subscriber) error
	Unregister(application string, client ws.Subscriber)
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	auth      auth.Service
	creds     Credentials
	deploy    Deployments
	processes Processes
	streams   LogStreams
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	appURL    func(string) string
	dbHealth  func(context.Context) error
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitRegister  = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitUpload    = 20
	rateLimitWebsocket = 30
	rateLimitAdmin     = 120
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	maxSettingsBytes   = 1 << 20
	maxUploadBytes     = 512 << 20
)

// NewRouter assembles routes with dependencies. appURL maps an application
// name to its public URL; dbHealth may be nil when no database is configured.
func NewRouter(logger *slog.Logger, authSvc auth.Service, creds Credentials, deploySvc Deployments, processes Processes, streams LogStreams, limiter RateLimiter, appURL func(string) string, dbHealth func(context.Context) error) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "api"),
		auth:      authSvc,
		creds:     creds,
		deploy:    deploySvc,
		processes: processes,
		streams:   streams,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		appURL:   appURL,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/process/json", r.audit("/process/json", r.requireAdmin(r.withRateLimit("/process/json", rateLimitAdmin, rateWindowDefault, rateLimitKeyUser, r.handleProcesses))))
	r.mux.HandleFunc("/settings", r.audit("/settings", r.requireAdmin(r.withRateLimit("/settings", rateLimitAdmin, rateWindowDefault, rateLimitKeyUser, r.handleSettings))))
	r.mux.HandleFunc("/api/register", r.audit("/api/register", r.withRateLimit("/api/register", rateLimitRegister, rateWindowDefault, rateLimitKeyIP, r.handleRegister)))
	r.mux.HandleFunc("/api/login", r.audit("/api/login", r.withRateLimit("/api/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/api/logout", r.audit("/api/logout", r.handlerAuthRate("/api/logout", rateLimitUserWrite, rateWindowDefault, r.handleLogout)))
	r.mux.HandleFunc("/api/whoami", r.audit("/api/whoami", r.handlerAuthRate("/api/whoami", rateLimitUserRead, rateWindowDefault, r.handleWhoami)))
	r.mux.HandleFunc("/api/deployments", r.audit("/api/deployments", r.handlerAuthRate("/api/deployments", rateLimitUserRead, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/api/apps", r.audit("/api/apps", r.handlerAuthRate("/api/apps", rateLimitUserWrite, rateWindowDefault, r.handleApps)))
	r.mux.HandleFunc("/api/apps/", r.audit("/api/apps/{name}", r.requireAuth(r.handleAppSubroutes)))
}

func (r *Router) handleRegister(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	creds, ok := decodeCredentials(w, req)
	if !ok {
		return
	}
	token, err := r.auth.Register(req.Context(), creds.Username, creds.Password)
	if err != nil {
		r.writeCredentialError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	creds, ok := decodeCredentials(w, req)
	if !ok {
		return
	}
	token, err := r.auth.Login(req.Context(), creds.Username, creds.Password)
	if err != nil {
		r.logger.Warn("login failed", "username", creds.Username, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	if err := r.auth.Logout(req.Context(), info.Username); err != nil {
		r.logger.Error("logout failed", "username", info.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (r *Router) handleWhoami(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	writeJSON(w, http.StatusOK, map[string]any{"username": info.Username, "admin": info.Admin})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)
		duration := time.Since(start)
		status := recorder.statusCode()
		recordRequestMetrics(req.Method, route, status, duration)

		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		actor := "anonymous"
		var extra []any
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			if info.Admin {
				actor = "admin"
			}
			extra = append(extra, "username", info.Username)
		}
		logRequest(r.logger, req, recorder, duration, actor, extra...)
	}
}

// AccessLog wraps next with the request audit line and request metrics used
// by the API, labelling every request with route.
func AccessLog(logger *slog.Logger, route string, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	initMetrics()
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(recorder, req)
		duration := time.Since(start)
		recordRequestMetrics(req.Method, route, recorder.statusCode(), duration)
		actor := "anonymous"
		var extra []any
		if username, _, ok := req.BasicAuth(); ok {
			actor = "user"
			extra = append(extra, "username", username)
		}
		logRequest(logger, req, recorder, duration, actor, extra...)
	})
}

func logRequest(logger *slog.Logger, req *http.Request, recorder *statusRecorder, duration time.Duration, actor string, extra ...any) {
	status := recorder.statusCode()
	fields := []any{
		"method", req.Method,
		"path", req.URL.Path,
		"status", status,
		"bytes", recorder.bytes,
		"duration_ms", duration.Milliseconds(),
	}
	if ip := clientIP(req); ip != "" {
		fields = append(fields, "ip", ip)
	}
	if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
		fields = append(fields, "request_id", reqID)
	}
	fields = append(fields, extra...)
	fields = append(fields, "actor", actor)

	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("http_request", fields...)
	case status >= http.StatusBadRequest:
		logger.Warn("http_request", fields...)
	default:
		logger.Info("http_request", fields...)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) statusCode() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
