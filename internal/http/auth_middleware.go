package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/shipyard/internal/credentials"
	"github.com/splax/shipyard/internal/domain"
)

type authContextKey string

type authInfo struct {
	Username string
	Admin    bool
}

const contextKeyAuth authContextKey = "shipyard-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request has a valid bearer token before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		next(w, withAuthContext(w, req, ctx))
	}
}

// requireAdmin accepts HTTP Basic credentials of the admin user or a bearer
// token issued to the admin user.
func (r *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var (
			ctx  context.Context
			info authInfo
		)
		if username, password, ok := req.BasicAuth(); ok {
			if err := r.creds.Authenticate(username, password); err != nil {
				r.logger.Warn("admin basic auth failed", "username", username, "path", req.URL.Path)
				w.Header().Set("WWW-Authenticate", `Basic realm="shipyard"`)
				writeError(w, http.StatusUnauthorized, "authentication failed")
				return
			}
			info = authInfo{Username: username, Admin: r.auth.Admin(username)}
			ctx = context.WithValue(req.Context(), contextKeyAuth, info)
		} else {
			var ok bool
			ctx, info, ok = r.ensureAuth(w, req)
			if !ok {
				return
			}
		}
		req = withAuthContext(w, req, ctx)
		if !info.Admin {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next(w, req)
	}
}

// ensureAuth validates the Authorization header and enriches the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, authInfo, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), authInfo{}, false
	}
	username, err := r.auth.Authorize(req.Context(), token)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), authInfo{}, false
	}
	info := authInfo{Username: username, Admin: r.auth.Admin(username)}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	return ctx, info, true
}

// authorizeApp checks the caller's permission on the repository backing
// application. The admin may act on every application.
func (r *Router) authorizeApp(w http.ResponseWriter, req *http.Request, application string, perm domain.Permission) bool {
	info, _ := authInfoFromContext(req.Context())
	if info.Admin {
		if _, err := r.creds.Repository(application); err != nil {
			notFound(w)
			return false
		}
		return true
	}
	err := r.creds.Authorize(application, info.Username, perm)
	switch {
	case err == nil:
		return true
	case errors.Is(err, credentials.ErrUnknownRepository):
		notFound(w)
	case errors.Is(err, credentials.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "authentication required")
	default:
		writeError(w, http.StatusForbidden, "permission denied")
	}
	return false
}

func withAuthContext(w http.ResponseWriter, req *http.Request, ctx context.Context) *http.Request {
	if setter, ok := w.(contextSetter); ok {
		setter.SetContext(ctx)
	}
	return req.WithContext(ctx)
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
