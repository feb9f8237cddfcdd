// Package httpapi is the management surface: site inventory, backend
// control, preview routes, proxy reload and log streaming, behind a single
// admin token.
package httpapi

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/suburbhost/suburb/internal/domain"
	"github.com/suburbhost/suburb/internal/ingress"
	"github.com/suburbhost/suburb/internal/loghub"
)

// SiteSource exposes the current site snapshot.
type SiteSource interface {
	Sites() []domain.SiteDescriptor
}

// RouteTable is the proxy route surface the API drives.
type RouteTable interface {
	Status(ctx context.Context) ingress.Status
	DynamicRoutes() []domain.DynamicRoute
	AddDynamicRoute(sessionID string, site domain.SiteDescriptor, targetPort int, ttl time.Duration) (domain.DynamicRoute, error)
	CleanupExpired() int
	Reload(ctx context.Context) error
}

// Backends is the supervisor surface the API drives.
type Backends interface {
	EnsureBackend(ctx context.Context, site domain.SiteDescriptor) (domain.Backend, error)
	StopBackend(ctx context.Context, site domain.SiteDescriptor) error
	Records(statuses ...domain.ProcessStatus) []domain.ProcessRecord
}

// Router wires management endpoints to the host's subsystems.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	token      string
	sites      SiteSource
	routes     RouteTable
	backends   Backends
	hub        *loghub.Hub
	rescan     func(context.Context) error
	defaultTTL time.Duration
	limiter    RateLimiter
	upgrader   websocket.Upgrader
	metrics    *apiMetrics
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitRead      = 120
	rateLimitWrite     = 60
	rateLimitWebsocket = 30
)

// NewRouter assembles routes with dependencies. rescan may be nil when
// on-demand discovery is not available.
func NewRouter(logger *slog.Logger, token string, sites SiteSource, routes RouteTable, backends Backends, hub *loghub.Hub, rescan func(context.Context) error, defaultTTL time.Duration, limiter RateLimiter) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		token:      strings.TrimSpace(token),
		sites:      sites,
		routes:     routes,
		backends:   backends,
		hub:        hub,
		rescan:     rescan,
		defaultTTL: defaultTTL,
		limiter:    limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: newAPIMetrics(),
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.defaultTTL <= 0 {
		r.defaultTTL = time.Hour
	}
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
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/sites", r.audit(r.authRate(rateLimitRead, rateWindowDefault, r.handleSites)))
	r.mux.HandleFunc("/status", r.audit(r.authRate(rateLimitRead, rateWindowDefault, r.handleStatus)))
	r.mux.HandleFunc("/backends", r.audit(r.authRate(rateLimitRead, rateWindowDefault, r.handleBackends)))
	r.mux.HandleFunc("/backends/", r.audit(r.authRate(rateLimitWrite, rateWindowDefault, r.handleBackendAction)))
	r.mux.HandleFunc("/routes", r.audit(r.authRate(rateLimitWrite, rateWindowDefault, r.handleRoutes)))
	r.mux.HandleFunc("/routes/cleanup", r.audit(r.authRate(rateLimitWrite, rateWindowDefault, r.handleRoutesCleanup)))
	r.mux.HandleFunc("/reload", r.audit(r.authRate(rateLimitWrite, rateWindowDefault, r.handleReload)))
	r.mux.HandleFunc("/rescan", r.audit(r.authRate(rateLimitWrite, rateWindowDefault, r.handleRescan)))
	r.mux.HandleFunc("/logs/", r.audit(r.authRate(rateLimitRead, rateWindowDefault, r.handleLogs)))
	r.mux.HandleFunc("/ws/logs", r.audit(r.authRate(rateLimitWebsocket, rateWindowRealtime, r.handleLogsWS)))
}

func (r *Router) authRate(limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return r.requireToken(r.withRateLimit(limit, window, next))
}

// requireToken checks the admin bearer token. Websocket callers may pass it
// as a query parameter since browsers cannot set headers on upgrades.
func (r *Router) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.token == "" {
			writeError(w, http.StatusServiceUnavailable, "admin token not configured")
			return
		}
		presented := strings.TrimSpace(strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer"))
		if presented == "" {
			presented = strings.TrimSpace(req.URL.Query().Get("token"))
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(r.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next(w, req)
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()

	payload := map[string]any{"status": "ok"}
	if r.routes != nil {
		status := r.routes.Status(ctx)
		payload["proxy_healthy"] = status.ProxyHealthy
		if status.LastError != "" {
			payload["proxy_error"] = status.LastError
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleSites(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": r.sites.Sites()})
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status := r.routes.Status(req.Context())
	records := r.backends.Records()
	running := 0
	for _, rec := range records {
		if rec.Status == domain.ProcessRunning {
			running++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proxy":            status,
		"sites":            len(r.sites.Sites()),
		"backends_total":   len(records),
		"backends_running": running,
	})
}

func (r *Router) handleBackends(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	var statuses []domain.ProcessStatus
	if raw := strings.TrimSpace(req.URL.Query().Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, domain.ProcessStatus(strings.TrimSpace(part)))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"backends": r.backends.Records(statuses...)})
}

// handleBackendAction serves POST /backends/{site}/stop.
func (r *Router) handleBackendAction(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/backends/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "stop" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	site, ok := r.siteByName(parts[0])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown site "+parts[0])
		return
	}
	if err := r.backends.StopBackend(req.Context(), site); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "site": site.Name})
}

func (r *Router) handleRoutes(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"routes": r.routes.DynamicRoutes()})
	case http.MethodPost:
		var payload struct {
			Site       string `json:"site"`
			SessionID  string `json:"session_id"`
			TTLSeconds int    `json:"ttl_seconds"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		site, ok := r.siteByName(payload.Site)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown site "+payload.Site)
			return
		}
		backend, err := r.backends.EnsureBackend(req.Context(), site)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		ttl := r.defaultTTL
		if payload.TTLSeconds > 0 {
			ttl = time.Duration(payload.TTLSeconds) * time.Second
		}
		route, err := r.routes.AddDynamicRoute(payload.SessionID, site, backend.Port, ttl)
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if err := r.routes.Reload(req.Context()); err != nil {
			r.logger.Error("proxy reload after route add failed", "error", err)
		}
		writeJSON(w, http.StatusCreated, map[string]any{"route": route})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleRoutesCleanup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	removed := r.routes.CleanupExpired()
	if removed > 0 {
		if err := r.routes.Reload(req.Context()); err != nil {
			r.logger.Error("proxy reload after cleanup failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (r *Router) handleReload(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.routes.Reload(req.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (r *Router) handleRescan(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.rescan == nil {
		writeError(w, http.StatusServiceUnavailable, "rescan not available")
		return
	}
	if err := r.rescan(req.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "rescanned", "sites": len(r.sites.Sites())})
}

// handleLogs serves GET /logs/{site}: the retained output history.
func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	site := strings.TrimPrefix(req.URL.Path, "/logs/")
	if site == "" || strings.Contains(site, "/") {
		r.notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"site": site, "entries": r.hub.History(site)})
}

func (r *Router) siteByName(name string) (domain.SiteDescriptor, bool) {
	name = strings.TrimSpace(name)
	for _, site := range r.sites.Sites() {
		if site.Name == name {
			return site, true
		}
	}
	return domain.SiteDescriptor{}, false
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
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
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.metrics.recordRequest(req.Method, req.URL.Path, status, duration)
	}
}

func clientIP(req *http.Request) string {
	if fwd := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); fwd != "" {
		if idx := strings.IndexRune(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += n
	return n, err
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
