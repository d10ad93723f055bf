package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/splax/shipyard/internal/credentials"
	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/events"
)

const realm = `Basic realm="shipyard"`

// Credentials authenticates users and authorizes repository operations.
type Credentials interface {
	Authenticate(username, password string) error
	Authorize(repo, username string, perm domain.Permission) error
}

// Repositories hosts the bare git repositories.
type Repositories interface {
	Exists(name string) bool
	Init(ctx context.Context, name string) error
	HeadBranch(ctx context.Context, name string) (string, error)
	Resolve(ctx context.Context, name, ref string) (string, error)
	Serve(ctx context.Context, name, service string, advertise bool, stdin io.Reader, stdout io.Writer) error
}

// Publisher emits deploy requests.
type Publisher interface {
	Publish(events.Event) <-chan struct{}
}

// Gateway serves the git smart HTTP protocol and requests a deployment after
// every successful push.
type Gateway struct {
	creds Credentials
	repos Repositories
	bus   Publisher
	log   *slog.Logger
}

// New constructs a Gateway.
func New(creds Credentials, repos Repositories, bus Publisher, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{creds: creds, repos: repos, bus: bus, log: logger.With("component", "gateway")}
}

type route struct {
	repo    string
	action  string
	service string
}

func parseRoute(req *http.Request) (route, bool) {
	path := strings.TrimPrefix(req.URL.Path, "/")
	for _, action := range []string{"info/refs", "git-upload-pack", "git-receive-pack"} {
		if !strings.HasSuffix(path, "/"+action) {
			continue
		}
		repo := strings.TrimSuffix(strings.TrimSuffix(path, "/"+action), ".git")
		if repo == "" || strings.Contains(repo, "/") {
			return route{}, false
		}
		r := route{repo: repo, action: action, service: action}
		if action == "info/refs" {
			r.service = req.URL.Query().Get("service")
		}
		return r, true
	}
	return route{}, false
}

// ServeHTTP dispatches git smart HTTP requests.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rt, ok := parseRoute(req)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	var perm domain.Permission
	switch rt.service {
	case "git-upload-pack":
		perm = domain.PermRead
	case "git-receive-pack":
		perm = domain.PermWrite
	default:
		http.Error(w, "unsupported service", http.StatusForbidden)
		return
	}
	user, ok := g.authorize(w, req, rt.repo, perm)
	if !ok {
		return
	}
	switch {
	case rt.action == "info/refs" && req.Method == http.MethodGet:
		g.advertise(w, req, rt)
	case rt.action == "git-upload-pack" && req.Method == http.MethodPost:
		g.uploadPack(w, req, rt)
	case rt.action == "git-receive-pack" && req.Method == http.MethodPost:
		g.receivePack(w, req, rt, user)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// authorize resolves the caller from HTTP Basic credentials and checks perm
// on repo. Anonymous callers pass only where the repository allows it.
func (g *Gateway) authorize(w http.ResponseWriter, req *http.Request, repo string, perm domain.Permission) (string, bool) {
	username, password, hasAuth := req.BasicAuth()
	if hasAuth {
		if err := g.creds.Authenticate(username, password); err != nil {
			g.log.Warn("git authentication failed", "repository", repo, "user", username)
			challenge(w)
			return "", false
		}
	} else {
		username = ""
	}
	if err := g.creds.Authorize(repo, username, perm); err != nil {
		g.deny(w, repo, username, err)
		return "", false
	}
	return username, true
}

func (g *Gateway) deny(w http.ResponseWriter, repo, username string, err error) {
	switch {
	case errors.Is(err, credentials.ErrUnknownRepository):
		http.Error(w, "repository not found", http.StatusNotFound)
	case errors.Is(err, credentials.ErrUnauthenticated):
		challenge(w)
	case errors.Is(err, credentials.ErrForbidden):
		g.log.Warn("git operation forbidden", "repository", repo, "user", username, "error", err)
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		g.log.Error("git authorization failed", "repository", repo, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", realm)
	http.Error(w, "authentication required", http.StatusUnauthorized)
}

func (g *Gateway) advertise(w http.ResponseWriter, req *http.Request, rt route) {
	if rt.service == "git-receive-pack" {
		if err := g.repos.Init(req.Context(), rt.repo); err != nil {
			g.log.Error("create repository failed", "repository", rt.repo, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	} else if !g.repos.Exists(rt.repo) {
		http.Error(w, "repository is empty", http.StatusNotFound)
		return
	}
	var refs bytes.Buffer
	if err := g.repos.Serve(req.Context(), rt.repo, strings.TrimPrefix(rt.service, "git-"), true, nil, &refs); err != nil {
		g.log.Error("advertise refs failed", "repository", rt.repo, "service", rt.service, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	noCache(w)
	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-advertisement", rt.service))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, pktLine("# service="+rt.service+"\n"))
	io.WriteString(w, pktFlush)
	w.Write(refs.Bytes())
}

func (g *Gateway) uploadPack(w http.ResponseWriter, req *http.Request, rt route) {
	if !g.repos.Exists(rt.repo) {
		http.Error(w, "repository is empty", http.StatusNotFound)
		return
	}
	body, err := requestBody(req)
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	defer body.Close()
	noCache(w)
	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	if err := g.repos.Serve(req.Context(), rt.repo, "upload-pack", false, body, w); err != nil {
		g.log.Error("upload-pack failed", "repository", rt.repo, "error", err)
	}
}

func (g *Gateway) receivePack(w http.ResponseWriter, req *http.Request, rt route, user string) {
	body, err := requestBody(req)
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	defer body.Close()
	reader := bufio.NewReader(body)
	updates, raw, err := readCommands(reader)
	if err != nil {
		g.log.Warn("malformed push", "repository", rt.repo, "user", user, "error", err)
		http.Error(w, "malformed push request", http.StatusBadRequest)
		return
	}
	for _, update := range updates {
		if err := g.checkUpdate(rt.repo, user, update); err != nil {
			g.log.Warn("ref update rejected", "repository", rt.repo, "user", user, "ref", update.Ref, "error", err)
			g.deny(w, rt.repo, user, err)
			return
		}
	}
	if err := g.repos.Init(req.Context(), rt.repo); err != nil {
		g.log.Error("create repository failed", "repository", rt.repo, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	noCache(w)
	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	if err := g.repos.Serve(req.Context(), rt.repo, "receive-pack", false, io.MultiReader(bytes.NewReader(raw), reader), w); err != nil {
		g.log.Error("receive-pack failed", "repository", rt.repo, "user", user, "error", err)
		return
	}
	g.log.Info("push received", "repository", rt.repo, "user", user, "refs", len(updates))
	g.afterPush(req.Context(), rt.repo, updates)
}

// checkUpdate authorizes a single ref update before git applies it.
func (g *Gateway) checkUpdate(repo, user string, update RefUpdate) error {
	if !strings.HasPrefix(update.Ref, "refs/") {
		return fmt.Errorf("%w: invalid ref %s", credentials.ErrForbidden, update.Ref)
	}
	return g.creds.Authorize(repo, user, domain.PermWrite)
}

// afterPush requests a deployment of the pushed branch, preferring the
// default branch when several were updated. Branch deletions never deploy.
func (g *Gateway) afterPush(ctx context.Context, repo string, updates []RefUpdate) {
	var candidates []RefUpdate
	for _, update := range updates {
		if update.Branch() && !update.Delete() {
			candidates = append(candidates, update)
		}
	}
	if len(candidates) == 0 {
		return
	}
	chosen := candidates[0]
	if head, err := g.repos.HeadBranch(ctx, repo); err == nil {
		for _, update := range candidates {
			if update.Ref == head {
				chosen = update
				break
			}
		}
	}
	current, err := g.repos.Resolve(ctx, repo, chosen.Ref)
	if err != nil || current != chosen.New {
		g.log.Warn("pushed ref not applied, skipping deploy", "repository", repo, "ref", chosen.Ref, "error", err)
		return
	}
	g.bus.Publish(events.Event{
		Type:        events.DeployRequested,
		Application: repo,
		Repository:  repo,
		CommitRef:   chosen.New,
		Message:     chosen.Ref,
		At:          time.Now().UTC(),
	})
}

func requestBody(req *http.Request) (io.ReadCloser, error) {
	if req.Header.Get("Content-Encoding") != "gzip" {
		return req.Body, nil
	}
	return gzip.NewReader(req.Body)
}

func noCache(w http.ResponseWriter) {
	w.Header().Set("Expires", "Fri, 01 Jan 1980 00:00:00 GMT")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Cache-Control", "no-cache, max-age=0, must-revalidate")
}
