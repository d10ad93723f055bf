package routing

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	routeMissingBody   = "route does not exist"
	correctionInterval = time.Second
)

// UnavailableFunc is called when a routed upstream cannot be reached.
type UnavailableFunc func(application, deploymentID string, port int)

type entryKey struct{}

type routedEntry struct {
	application  string
	deploymentID string
	port         int
}

// Proxy forwards requests for <app>.<base> to the application's port.
type Proxy struct {
	table   *Table
	base    string
	log     *slog.Logger
	counts  *RequestCounts
	metrics *proxyMetrics

	mu      sync.Mutex
	proxies map[int]*httputil.ReverseProxy

	onUnavailable UnavailableFunc
	correctedMu   sync.Mutex
	corrected     map[int]time.Time
}

// NewProxy constructs a Proxy. onUnavailable may be nil.
func NewProxy(table *Table, base string, counts *RequestCounts, onUnavailable UnavailableFunc, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	if counts == nil {
		counts = &RequestCounts{}
	}
	return &Proxy{
		table:         table,
		base:          base,
		log:           logger.With("component", "proxy"),
		counts:        counts,
		metrics:       newProxyMetrics(),
		proxies:       make(map[int]*httputil.ReverseProxy),
		onUnavailable: onUnavailable,
		corrected:     make(map[int]time.Time),
	}
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	recorder := &statusRecorder{ResponseWriter: w}
	application := ""
	defer func() {
		p.logRequest(req, application, recorder, time.Since(start))
	}()

	sub, ok := Subdomain(req.Host, p.base)
	if !ok {
		p.reject(recorder)
		return
	}
	application = sub
	entry, err := p.table.Lookup(sub)
	if err != nil {
		p.reject(recorder)
		return
	}
	application = entry.Subdomain

	ctx := context.WithValue(req.Context(), entryKey{}, routedEntry{application: application, deploymentID: entry.DeploymentID, port: entry.Port})
	req = req.WithContext(ctx)
	req.Header.Set("X-Forwarded-Host", req.Host)
	req.Header.Set("X-Forwarded-Proto", forwardedProto(req))

	p.upstream(entry.Port).ServeHTTP(recorder, req)

	p.counts.Inc(entry.DeploymentID)
	p.metrics.observe(application, recorder.statusCode(), time.Since(start))
}

func (p *Proxy) reject(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(routeMissingBody))
	p.metrics.observe("", http.StatusForbidden, 0)
}

// upstream returns the cached reverse proxy for port, creating it on first use.
func (p *Proxy) upstream(port int) *httputil.ReverseProxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rp, ok := p.proxies[port]; ok {
		return rp
	}
	rp := p.createProxy(port)
	p.proxies[port] = rp
	return rp
}

func (p *Proxy) createProxy(port int) *httputil.ReverseProxy {
	target := &url.URL{Scheme: "http", Host: net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	rp.ErrorHandler = p.handleUpstreamError
	return rp
}

func (p *Proxy) handleUpstreamError(w http.ResponseWriter, req *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		w.WriteHeader(499)
		return
	}
	entry, _ := req.Context().Value(entryKey{}).(routedEntry)
	p.log.Warn("upstream unavailable", "application", entry.application, "port", entry.port, "error", err)
	http.Error(w, "upstream unavailable", http.StatusBadGateway)
	if entry.application != "" && p.onUnavailable != nil && p.shouldCorrect(entry.port) {
		p.onUnavailable(entry.application, entry.deploymentID, entry.port)
	}
}

// shouldCorrect limits corrections to one per port per interval.
func (p *Proxy) shouldCorrect(port int) bool {
	p.correctedMu.Lock()
	defer p.correctedMu.Unlock()
	now := time.Now()
	if last, ok := p.corrected[port]; ok && now.Sub(last) < correctionInterval {
		return false
	}
	p.corrected[port] = now
	return true
}

func (p *Proxy) logRequest(req *http.Request, application string, rec *statusRecorder, duration time.Duration) {
	status := rec.statusCode()
	fields := []any{
		"method", req.Method,
		"host", req.Host,
		"path", req.URL.Path,
		"status", status,
		"bytes", rec.bytes,
		"duration_ms", duration.Milliseconds(),
		"actor", "proxy",
	}
	if application != "" {
		fields = append(fields, "application", application)
	}
	if ip := clientIP(req); ip != "" {
		fields = append(fields, "ip", ip)
	}
	switch {
	case status >= http.StatusInternalServerError:
		p.log.Error("http_request", fields...)
	case status >= http.StatusBadRequest:
		p.log.Warn("http_request", fields...)
	default:
		p.log.Info("http_request", fields...)
	}
}

func forwardedProto(req *http.Request) string {
	if proto := req.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if req.TLS != nil {
		return "https"
	}
	return "http"
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
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

func (sr *statusRecorder) statusCode() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
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

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}
