// Package dispatch routes an incoming request to the serving strategy its
// site descriptor demands: local files, an in-process handler, or a managed
// backend behind a reverse proxy.
package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"

	"log/slog"

	"github.com/spf13/afero"

	"github.com/suburbhost/suburb/internal/domain"
	"github.com/suburbhost/suburb/internal/registry"
)

// Backends provisions and returns a live backend for a site that needs one.
type Backends interface {
	EnsureBackend(ctx context.Context, site domain.SiteDescriptor) (domain.Backend, error)
}

// Builder keeps static-build sites' output fresh before they are served.
type Builder interface {
	EnsureFresh(ctx context.Context, site domain.SiteDescriptor) (bool, error)
}

// Dispatcher serves one request for one already-resolved site.
type Dispatcher struct {
	fs       afero.Fs
	builder  Builder
	backends Backends
	builtins *registry.BuiltinTable
	logger   *slog.Logger
	metrics  *metrics
}

// NewDispatcher wires the dispatcher. builder and backends may be nil when
// the corresponding site types are not in play (tests, degraded mode).
func NewDispatcher(fs afero.Fs, builder Builder, backends Backends, builtins *registry.BuiltinTable, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		fs:       fs,
		builder:  builder,
		backends: backends,
		builtins: builtins,
		logger:   logger,
		metrics:  newMetrics(),
	}
}

// Dispatch serves r according to the site's type. Every SiteType has an arm
// here; an unrecognized value is a server error, not a silent fallthrough.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, site domain.SiteDescriptor) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		d.metrics.record(site.Name, string(site.Type), rec.status)
	}()

	switch site.Type {
	case domain.SiteStatic:
		serveStatic(d.fs, site.DocRoot(), rec, r)
	case domain.SiteStaticBuild:
		d.serveStaticBuild(rec, r, site)
	case domain.SiteDynamic:
		d.serveDynamic(rec, r, site)
	case domain.SitePassthrough, domain.SiteDocker:
		d.serveBackend(rec, r, site)
	case domain.SiteBuiltin:
		d.serveBuiltin(rec, r, site)
	default:
		d.logger.Error("unroutable site type", "site", site.Name, "type", site.Type)
		http.Error(rec, fmt.Sprintf("site %s has unroutable type %q", site.Name, site.Type), http.StatusInternalServerError)
	}
}

// serveStaticBuild rebuilds stale output before serving it. A failed rebuild
// degrades to the previous output with a warning header instead of taking
// the site down.
func (d *Dispatcher) serveStaticBuild(w http.ResponseWriter, r *http.Request, site domain.SiteDescriptor) {
	if d.builder != nil {
		built, err := d.builder.EnsureFresh(r.Context(), site)
		if err != nil {
			d.logger.Warn("serving stale output after failed build", "site", site.Name, "error", err)
			w.Header().Set("X-Suburb-Stale", "build-failed")
		} else if built {
			d.logger.Info("site rebuilt on demand", "site", site.Name)
		}
	}
	serveStatic(d.fs, site.DocRoot(), w, r)
}

// serveDynamic runs the site's registered entry-point handler in-process.
func (d *Dispatcher) serveDynamic(w http.ResponseWriter, r *http.Request, site domain.SiteDescriptor) {
	if d.builtins == nil {
		http.Error(w, fmt.Sprintf("no handler table for dynamic site %s", site.Name), http.StatusInternalServerError)
		return
	}
	handler, ok := d.builtins.Handler(site.EntryPoint)
	if !ok {
		d.logger.Error("dynamic site entry point not registered", "site", site.Name, "entry_point", site.EntryPoint)
		http.Error(w, fmt.Sprintf("entry point %q for site %s is not registered", site.EntryPoint, site.Name), http.StatusInternalServerError)
		return
	}
	handler.ServeHTTP(w, r)
}

// serveBackend provisions (or reuses) the site's process or container and
// proxies the request to it.
func (d *Dispatcher) serveBackend(w http.ResponseWriter, r *http.Request, site domain.SiteDescriptor) {
	if d.backends == nil {
		http.Error(w, fmt.Sprintf("backends unavailable for site %s", site.Name), http.StatusBadGateway)
		return
	}
	backend, err := d.backends.EnsureBackend(r.Context(), site)
	if err != nil {
		d.logger.Error("backend unavailable", "site", site.Name, "error", err)
		http.Error(w, fmt.Sprintf("site %s backend unavailable: %v", site.Name, err), http.StatusBadGateway)
		return
	}
	d.proxyTo(w, r, site, backend)
}

func (d *Dispatcher) serveBuiltin(w http.ResponseWriter, r *http.Request, site domain.SiteDescriptor) {
	if d.builtins != nil {
		if handler, ok := d.builtins.Handler(site.Subdomain); ok {
			handler.ServeHTTP(w, r)
			return
		}
	}
	d.logger.Error("built-in site has no handler", "site", site.Name, "subdomain", site.Subdomain)
	http.Error(w, fmt.Sprintf("built-in site %s is not registered", site.Name), http.StatusInternalServerError)
}

func (d *Dispatcher) proxyTo(w http.ResponseWriter, r *http.Request, site domain.SiteDescriptor, backend domain.Backend) {
	target := &url.URL{Scheme: "http", Host: backend.Addr()}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		d.logger.Error("proxy to backend failed", "site", site.Name, "target", target.Host, "error", err)
		http.Error(w, fmt.Sprintf("site %s backend did not respond", site.Name), http.StatusBadGateway)
	}
	proxy.ServeHTTP(w, r)
}

// statusRecorder captures the final status code for metrics. Flush and
// Hijack pass through so proxied upgrades and streamed responses keep
// working behind the wrapper.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
