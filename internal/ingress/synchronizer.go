// Package ingress keeps the external reverse proxy's routing table in step
// with the site registry, live backends and ephemeral preview routes.
package ingress

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/suburbhost/suburb/internal/domain"
)

// Synchronizer owns the proxy route table. All mutation and regeneration
// happens under a single mutex so concurrent reloads cannot interleave and
// corrupt the configuration file.
type Synchronizer struct {
	configPath string
	rootDomain string
	frontDoor  string
	statusURL  string
	reloader   Reloader
	logger     *slog.Logger
	httpClient *http.Client

	mu         sync.Mutex
	sites      []domain.SiteDescriptor
	backends   map[string]string
	dynamic    map[string]domain.DynamicRoute
	lastReload time.Time
	lastError  string
}

// Status is the synchronizer health report for the management surface.
type Status struct {
	ConfigPath    string    `json:"config_path"`
	RootDomain    string    `json:"root_domain"`
	SiteRoutes    int       `json:"site_routes"`
	DynamicRoutes int       `json:"dynamic_routes"`
	LastReload    time.Time `json:"last_reload,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	ProxyHealthy  bool      `json:"proxy_healthy"`
}

// New creates a synchronizer writing configPath and signalling reloader.
// frontDoorAddr is the default target for sites without a live backend.
func New(configPath, rootDomain, frontDoorAddr, statusURL string, reloader Reloader, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		configPath: configPath,
		rootDomain: rootDomain,
		frontDoor:  normalizeTarget(frontDoorAddr),
		statusURL:  statusURL,
		reloader:   reloader,
		logger:     logger,
		httpClient: &http.Client{Timeout: 2 * time.Second},
		backends:   map[string]string{},
		dynamic:    map[string]domain.DynamicRoute{},
	}
}

// SetSites replaces the site snapshot after a discovery pass. Backend
// overrides for sites that no longer exist are dropped.
func (s *Synchronizer) SetSites(sites []domain.SiteDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites = make([]domain.SiteDescriptor, len(sites))
	copy(s.sites, sites)

	known := make(map[string]struct{}, len(sites))
	for _, site := range sites {
		known[site.Name] = struct{}{}
	}
	for name := range s.backends {
		if _, ok := known[name]; !ok {
			delete(s.backends, name)
		}
	}
}

// SyncRoute upserts the stable route for a site to point at a live backend.
func (s *Synchronizer) SyncRoute(site domain.SiteDescriptor, backend domain.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends[site.Name] = backend.Addr()
}

// DropRoute reverts a site's route to the front door after its backend
// stopped.
func (s *Synchronizer) DropRoute(site domain.SiteDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backends, site.Name)
}

// AddDynamicRoute creates a time-boxed preview route for a session under a
// session-derived subdomain. The subdomain is unique among active routes.
func (s *Synchronizer) AddDynamicRoute(sessionID string, site domain.SiteDescriptor, targetPort int, ttl time.Duration) (domain.DynamicRoute, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if targetPort <= 0 {
		return domain.DynamicRoute{}, fmt.Errorf("target port required")
	}
	if ttl <= 0 {
		return domain.DynamicRoute{}, fmt.Errorf("ttl must be positive")
	}

	subdomain := previewSubdomain(site.Subdomain, sessionID)
	now := time.Now().UTC()
	route := domain.DynamicRoute{
		Subdomain:  subdomain,
		SessionID:  sessionID,
		SiteName:   site.Name,
		TargetPort: targetPort,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.dynamic[subdomain]; ok && existing.SessionID != sessionID && !existing.Expired(now) {
		return domain.DynamicRoute{}, fmt.Errorf("subdomain %s already routed for session %s", subdomain, existing.SessionID)
	}
	s.dynamic[subdomain] = route
	return route, nil
}

// DynamicRoutes returns the active routes sorted by subdomain.
func (s *Synchronizer) DynamicRoutes() []domain.DynamicRoute {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DynamicRoute, 0, len(s.dynamic))
	for _, route := range s.dynamic {
		out = append(out, route)
	}
	sortRoutes(out)
	return out
}

// CleanupExpired removes every dynamic route past its expiry and returns how
// many were removed.
func (s *Synchronizer) CleanupExpired() int {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for subdomain, route := range s.dynamic {
		if route.Expired(now) {
			delete(s.dynamic, subdomain)
			removed++
		}
	}
	return removed
}

// Reload regenerates the proxy configuration from current state, writes it
// atomically and signals the proxy. Failures are reported to the caller and
// left for the next explicit Reload; in-memory state is never rolled back.
func (s *Synchronizer) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked(ctx)
}

func (s *Synchronizer) reloadLocked(ctx context.Context) error {
	config, err := renderConfig(s.blocksLocked())
	if err != nil {
		s.lastError = err.Error()
		return err
	}
	if err := writeFileAtomic(s.configPath, config); err != nil {
		s.lastError = err.Error()
		return fmt.Errorf("write proxy config: %w", err)
	}
	if s.reloader != nil {
		if err := s.reloader.Reload(ctx); err != nil {
			s.lastError = err.Error()
			s.logger.Error("proxy reload failed", "config", s.configPath, "error", err)
			return err
		}
	}
	s.lastReload = time.Now().UTC()
	s.lastError = ""
	s.logger.Info("proxy configuration reloaded", "config", s.configPath, "sites", len(s.sites), "dynamic_routes", len(s.dynamic))
	return nil
}

func (s *Synchronizer) blocksLocked() []block {
	blocks := make([]block, 0, len(s.sites)+len(s.dynamic))
	for _, site := range s.sites {
		target := s.frontDoor
		comment := fmt.Sprintf("site %s (%s)", site.Name, site.Type)
		if addr, ok := s.backends[site.Name]; ok {
			target = addr
			comment = fmt.Sprintf("site %s (%s) -> backend", site.Name, site.Type)
		}
		blocks = append(blocks, block{Domain: site.Domain, Target: target, Comment: comment})
	}
	for _, route := range s.dynamic {
		blocks = append(blocks, block{
			Domain:  route.Subdomain + "." + s.rootDomain,
			Target:  fmt.Sprintf("127.0.0.1:%d", route.TargetPort),
			Comment: fmt.Sprintf("preview session %s for site %s", route.SessionID, route.SiteName),
		})
	}
	return blocks
}

// CheckHealth probes the proxy's status endpoint.
func (s *Synchronizer) CheckHealth(ctx context.Context) bool {
	if s.statusURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.statusURL, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Status reports the synchronizer's current view for operators.
func (s *Synchronizer) Status(ctx context.Context) Status {
	healthy := s.CheckHealth(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ConfigPath:    s.configPath,
		RootDomain:    s.rootDomain,
		SiteRoutes:    len(s.sites),
		DynamicRoutes: len(s.dynamic),
		LastReload:    s.lastReload,
		LastError:     s.lastError,
		ProxyHealthy:  healthy,
	}
}

// BackendStarted implements the supervisor's route notifier: the stable
// route flips to the live backend and the proxy is reloaded.
func (s *Synchronizer) BackendStarted(site domain.SiteDescriptor, backend domain.Backend) {
	s.SyncRoute(site, backend)
	s.reloadDetached()
}

// BackendStopped reverts the site's route to the front door.
func (s *Synchronizer) BackendStopped(site domain.SiteDescriptor) {
	s.DropRoute(site)
	s.reloadDetached()
}

func (s *Synchronizer) reloadDetached() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Reload(ctx); err != nil {
		s.logger.Warn("route update reload failed", "error", err)
	}
}

// RunSweeper removes expired dynamic routes on an interval, reloading the
// proxy only when something was actually removed. Blocks until ctx ends.
func (s *Synchronizer) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.CleanupExpired(); removed > 0 {
				s.logger.Info("expired preview routes removed", "count", removed)
				s.reloadDetached()
			}
		}
	}
}

func previewSubdomain(siteSubdomain, sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	short = strings.ToLower(strings.ReplaceAll(short, "-", ""))
	return fmt.Sprintf("%s-%s", siteSubdomain, short)
}

func sortRoutes(routes []domain.DynamicRoute) {
	sort.Slice(routes, func(i, j int) bool { return routes[i].Subdomain < routes[j].Subdomain })
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
