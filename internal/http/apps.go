package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/splax/shipyard/internal/credentials"
	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/service/deploy"
	"github.com/splax/shipyard/internal/supervisor"
	"github.com/splax/shipyard/internal/ws"
)

const (
	defaultLogLines        = 100
	defaultDeploymentLimit = 50
)

type deploymentView struct {
	ID          string                  `json:"id"`
	Application string                  `json:"application"`
	Repository  string                  `json:"repository"`
	Commit      string                  `json:"commit"`
	Status      domain.DeploymentStatus `json:"status"`
	BuildType   domain.BuildType        `json:"buildType,omitempty"`
	Message     string                  `json:"message,omitempty"`
	Requests    int64                   `json:"requests"`
	CreatedAt   time.Time               `json:"createdAt"`
	UpdatedAt   time.Time               `json:"updatedAt"`
}

func newDeploymentView(d domain.Deployment) deploymentView {
	return deploymentView{
		ID:          d.ID,
		Application: d.Application,
		Repository:  d.Repository,
		Commit:      d.CommitRef,
		Status:      d.Status,
		BuildType:   d.BuildType,
		Message:     d.Message,
		Requests:    d.Requests,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

type appView struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (r *Router) handleApps(w http.ResponseWriter, req *http.Request) {
	info, _ := authInfoFromContext(req.Context())
	switch req.Method {
	case http.MethodGet:
		out := make([]appView, 0)
		for _, repo := range r.visibleRepositories(info) {
			out = append(out, appView{Name: repo.Name, URL: r.urlFor(repo.Name)})
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		repo, err := r.creds.RegisterRepository(payload.Name, info.Username)
		if err != nil {
			r.writeCredentialError(w, err)
			return
		}
		r.logger.Info("application registered", "application", repo.Name, "username", info.Username)
		writeJSON(w, http.StatusCreated, appView{Name: repo.Name, URL: r.urlFor(repo.Name)})
	default:
		methodNotAllowed(w)
	}
}

// handleAppSubroutes serves /api/apps/{name}[/deploy|/logs|/logs/ws|/url].
func (r *Router) handleAppSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/apps/"), "/")
	name, action, _ := strings.Cut(trimmed, "/")
	if name == "" {
		notFound(w)
		return
	}
	switch action {
	case "":
		if req.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		if !r.allow(w, req, "/api/apps/{name}", rateLimitUserWrite, rateWindowDefault, rateLimitKeyUser) {
			return
		}
		if !r.authorizeApp(w, req, name, domain.PermWrite) {
			return
		}
		r.handleDelete(w, req, name)
	case "deploy":
		if req.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if !r.allow(w, req, "/api/apps/{name}/deploy", rateLimitUpload, rateWindowDefault, rateLimitKeyUser) {
			return
		}
		if !r.authorizeApp(w, req, name, domain.PermWrite) {
			return
		}
		r.handleUpload(w, req, name)
	case "logs":
		if req.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		if !r.allow(w, req, "/api/apps/{name}/logs", rateLimitUserRead, rateWindowDefault, rateLimitKeyUser) {
			return
		}
		if !r.authorizeApp(w, req, name, domain.PermRead) {
			return
		}
		r.handleLogs(w, req, name)
	case "logs/ws":
		if req.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		if !r.allow(w, req, "/api/apps/{name}/logs/ws", rateLimitWebsocket, rateWindowRealtime, rateLimitKeyUser) {
			return
		}
		if !r.authorizeApp(w, req, name, domain.PermRead) {
			return
		}
		r.handleLogsWS(w, req, name)
	case "url":
		if req.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		if !r.allow(w, req, "/api/apps/{name}/url", rateLimitUserRead, rateWindowDefault, rateLimitKeyUser) {
			return
		}
		if !r.authorizeApp(w, req, name, domain.PermRead) {
			return
		}
		r.handleURL(w, req, name)
	default:
		notFound(w)
	}
}

func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request, name string) {
	if err := r.deploy.Delete(req.Context(), name); err != nil {
		r.logger.Error("delete application failed", "application", name, "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "application": name})
}

func (r *Router) handleUpload(w http.ResponseWriter, req *http.Request, name string) {
	body := http.MaxBytesReader(w, req.Body, maxUploadBytes)
	commit, err := r.deploy.Upload(req.Context(), name, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "archive too large")
		case commit == "":
			r.logger.Warn("upload rejected", "application", name, "error", err)
			writeError(w, http.StatusBadRequest, "invalid source archive")
		default:
			r.logger.Error("upload not queued", "application", name, "commit", commit, "error", err)
			writeError(w, http.StatusInternalServerError, "deployment request failed")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"application": name, "commit": commit})
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request, name string) {
	query := req.URL.Query()
	lines, _ := strconv.Atoi(query.Get("lines"))
	if lines <= 0 {
		lines = defaultLogLines
	}
	if follow, _ := strconv.ParseBool(query.Get("follow")); follow {
		r.streamLogs(w, req, name)
		return
	}
	entries, err := r.processes.Logs(name, lines)
	if err != nil && !errors.Is(err, supervisor.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []domain.LogLine{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// streamLogs follows the application log as Server-Sent Events until the
// client disconnects.
func (r *Router) streamLogs(w http.ResponseWriter, req *http.Request, name string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if _, err := r.processes.Logs(name, 1); errors.Is(err, supervisor.ErrNotFound) {
		writeError(w, http.StatusNotFound, "application has no logs yet")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger)
	if err := client.Heartbeat(); err != nil {
		return
	}
	if err := r.streams.Register(name, client); err != nil {
		r.logger.Warn("log stream unavailable", "application", name, "error", err)
		client.Close()
		return
	}
	defer func() {
		r.streams.Unregister(name, client)
		client.Close()
	}()

	client.Stream(req.Context(), sseHeartbeat)
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request, name string) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	if err := r.streams.Register(name, client); err != nil {
		r.logger.Warn("log stream unavailable", "application", name, "error", err)
		client.Close()
		return
	}
	go func() {
		defer func() {
			r.streams.Unregister(name, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleURL(w http.ResponseWriter, req *http.Request, name string) {
	live, err := r.deploy.Live(req.Context(), name)
	if errors.Is(err, deploy.ErrNoDeployment) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no live deployment", "url": r.urlFor(name)})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"application":  name,
		"url":          r.urlFor(name),
		"deploymentId": live.ID,
		"commit":       live.CommitRef,
	})
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = defaultDeploymentLimit
	}
	application := strings.TrimSpace(query.Get("app"))
	if application != "" && !r.authorizeApp(w, req, application, domain.PermRead) {
		return
	}
	deployments, err := r.deploy.List(req.Context(), application, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	info, _ := authInfoFromContext(req.Context())
	visible := make(map[string]bool)
	for _, repo := range r.visibleRepositories(info) {
		visible[repo.Name] = true
	}
	out := make([]deploymentView, 0, len(deployments))
	for _, d := range deployments {
		if info.Admin || visible[d.Repository] {
			out = append(out, newDeploymentView(d))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) visibleRepositories(info authInfo) []domain.Repository {
	all := r.creds.Repositories()
	if info.Admin {
		return all
	}
	out := make([]domain.Repository, 0, len(all))
	for _, repo := range all {
		if repo.AnonRead || repo.Allows(info.Username, domain.PermRead) {
			out = append(out, repo)
		}
	}
	return out
}

func (r *Router) urlFor(application string) string {
	if r.appURL == nil {
		return ""
	}
	return r.appURL(application)
}

type credentialsPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func decodeCredentials(w http.ResponseWriter, req *http.Request) (credentialsPayload, bool) {
	var payload credentialsPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return payload, false
	}
	payload.Username = strings.TrimSpace(payload.Username)
	if payload.Username == "" || payload.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return payload, false
	}
	return payload, true
}

func (r *Router) writeCredentialError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, credentials.ErrUserExists), errors.Is(err, credentials.ErrRepositoryExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, credentials.ErrInvalidName), errors.Is(err, credentials.ErrMalformedConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, credentials.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "authentication required")
	default:
		r.logger.Error("credential store error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
