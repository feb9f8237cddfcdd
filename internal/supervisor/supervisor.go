// Package supervisor spawns, probes and stops the process and container
// backends that fulfil dynamic, docker and passthrough sites.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/suburbhost/suburb/internal/docker"
	"github.com/suburbhost/suburb/internal/domain"
	"github.com/suburbhost/suburb/internal/loghub"
	"github.com/suburbhost/suburb/pkg/config"
)

// ErrDockerUnavailable is returned for container-backed sites when no Docker
// daemon is reachable.
var ErrDockerUnavailable = errors.New("docker daemon unavailable")

// RouteNotifier receives backend lifecycle events so the route synchronizer
// can keep the reverse proxy in step.
type RouteNotifier interface {
	BackendStarted(site domain.SiteDescriptor, backend domain.Backend)
	BackendStopped(site domain.SiteDescriptor)
}

// Supervisor allocates ports and manages backend lifecycles. EnsureBackend
// is idempotent and safe under concurrent first-requests: one spawn attempt
// per site/type is in flight at a time and concurrent callers share its
// result.
type Supervisor struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	docker   *docker.Client
	inv      *Inventory
	hub      *loghub.Hub
	notifier RouteNotifier

	flights singleflight.Group
	probe   func(ctx context.Context, port int) error

	mu       sync.Mutex
	procs    map[string]*managedProcess
	failures map[string]failedSpawn
}

type failedSpawn struct {
	err   error
	until time.Time
}

// New creates a supervisor. dockerClient may be nil when no daemon is
// reachable; container-backed sites then fail with ErrDockerUnavailable.
// notifier may be nil.
func New(cfg config.ServerConfig, dockerClient *docker.Client, inv *Inventory, hub *loghub.Hub, notifier RouteNotifier, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		logger:   logger,
		docker:   dockerClient,
		inv:      inv,
		hub:      hub,
		notifier: notifier,
		procs:    map[string]*managedProcess{},
		failures: map[string]failedSpawn{},
	}
	s.probe = s.httpProbe
	return s
}

// EnsureBackend returns connection info for a live backend of the site,
// spawning one if necessary.
func (s *Supervisor) EnsureBackend(ctx context.Context, site domain.SiteDescriptor) (domain.Backend, error) {
	if site.ProxyPort != 0 && site.RunCommand == "" {
		// Static target port: nothing to manage.
		return domain.Backend{Port: site.ProxyPort}, nil
	}

	key := domain.BackendKey(site.Name, site.Type)
	if backend, ok := s.liveBackend(key); ok {
		return backend, nil
	}
	if err := s.recentFailure(key); err != nil {
		return domain.Backend{}, err
	}

	result, err, _ := s.flights.Do(key, func() (any, error) {
		if backend, ok := s.liveBackend(key); ok {
			return backend, nil
		}
		// The spawn outlives the triggering request: a client disconnect
		// must not abort a startup that other waiters share. The liveness
		// grace window bounds the wait instead.
		backend, err := s.spawn(context.WithoutCancel(ctx), site, key)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.recordFailure(key, err)
			}
			return domain.Backend{}, err
		}
		return backend, nil
	})
	if err != nil {
		return domain.Backend{}, err
	}
	return result.(domain.Backend), nil
}

func (s *Supervisor) liveBackend(key string) (domain.Backend, bool) {
	rec, ok := s.inv.Get(key)
	if !ok || rec.Status != domain.ProcessRunning {
		return domain.Backend{}, false
	}
	return domain.Backend{Port: rec.Port, PID: rec.PID, ContainerID: rec.ContainerID}, true
}

func (s *Supervisor) recentFailure(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	failure, ok := s.failures[key]
	if !ok {
		return nil
	}
	if time.Now().After(failure.until) {
		delete(s.failures, key)
		return nil
	}
	return fmt.Errorf("backend %s failed recently, retry later: %w", key, failure.err)
}

func (s *Supervisor) recordFailure(key string, err error) {
	ttl := s.cfg.SpawnFailTTL
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	s.mu.Lock()
	s.failures[key] = failedSpawn{err: err, until: time.Now().Add(ttl)}
	s.mu.Unlock()
}

func (s *Supervisor) clearFailure(key string) {
	s.mu.Lock()
	delete(s.failures, key)
	s.mu.Unlock()
}

func (s *Supervisor) spawn(ctx context.Context, site domain.SiteDescriptor, key string) (domain.Backend, error) {
	port, err := s.allocatePort()
	if err != nil {
		return domain.Backend{}, err
	}

	useContainer := site.Type == domain.SiteDocker || (site.Type == domain.SitePassthrough && site.UseContainers)
	var rec domain.ProcessRecord
	if useContainer {
		rec, err = s.startContainer(ctx, site, key, port)
	} else {
		rec, err = s.startProcess(ctx, site, key, port)
	}
	if err != nil {
		return domain.Backend{}, err
	}

	if err := s.awaitLiveness(ctx, site, rec); err != nil {
		s.logger.Error("backend failed liveness probe", "site", site.Name, "type", site.Type, "port", rec.Port, "error", err)
		s.teardown(context.Background(), rec)
		rec.Status = domain.ProcessCrashed
		if invErr := s.inv.Put(rec); invErr != nil {
			s.logger.Warn("persist crashed record failed", "site", site.Name, "error", invErr)
		}
		return domain.Backend{}, fmt.Errorf("backend %s did not become ready: %w", key, err)
	}

	if cur, ok := s.inv.Get(key); ok && (cur.Status == domain.ProcessCrashed || cur.Status == domain.ProcessStopped) {
		return domain.Backend{}, fmt.Errorf("backend %s exited during startup", key)
	}
	rec.Status = domain.ProcessRunning
	if err := s.inv.Put(rec); err != nil {
		s.logger.Warn("persist running record failed", "site", site.Name, "error", err)
	}
	s.clearFailure(key)
	backend := domain.Backend{Port: rec.Port, PID: rec.PID, ContainerID: rec.ContainerID}
	s.logger.Info("backend running", "site", site.Name, "type", site.Type, "port", backend.Port, "pid", backend.PID, "container_id", backend.ContainerID)
	if s.notifier != nil {
		s.notifier.BackendStarted(site, backend)
	}
	return backend, nil
}

// awaitLiveness waits for the first successful HTTP response from the
// backend port, probing at a fixed interval within the startup grace window.
// Any HTTP status counts as alive; the probe only proves the socket accepts
// and speaks HTTP.
func (s *Supervisor) awaitLiveness(ctx context.Context, site domain.SiteDescriptor, rec domain.ProcessRecord) error {
	grace := s.cfg.StartupGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	interval := s.cfg.LivenessProbe
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	backoff := retry.WithMaxDuration(grace, retry.NewConstant(interval))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.probe(ctx, rec.Port); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (s *Supervisor) httpProbe(ctx context.Context, port int) error {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/", port), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// StopBackend gracefully stops the site's backend, force-killing after the
// stop grace period.
func (s *Supervisor) StopBackend(ctx context.Context, site domain.SiteDescriptor) error {
	key := domain.BackendKey(site.Name, site.Type)
	rec, ok := s.inv.Get(key)
	if !ok || (rec.Status != domain.ProcessRunning && rec.Status != domain.ProcessStarting) {
		return nil
	}

	var err error
	if rec.ContainerID != "" {
		err = s.stopContainer(ctx, rec)
	} else {
		err = s.stopProcess(rec)
	}
	if err != nil {
		return err
	}
	if err := s.inv.SetStatus(key, domain.ProcessStopped); err != nil {
		s.logger.Warn("persist stopped record failed", "site", site.Name, "error", err)
	}
	s.logger.Info("backend stopped", "site", site.Name, "type", site.Type, "port", rec.Port)
	if s.notifier != nil {
		s.notifier.BackendStopped(site)
	}
	return nil
}

// StopAll stops every live backend; used during server shutdown.
func (s *Supervisor) StopAll(ctx context.Context, sites []domain.SiteDescriptor) {
	for _, site := range sites {
		if !site.Type.NeedsBackend() {
			continue
		}
		if err := s.StopBackend(ctx, site); err != nil {
			s.logger.Warn("stop backend failed", "site", site.Name, "error", err)
		}
	}
}

// Reconcile checks every live inventory record against observed OS state and
// marks records with dead PIDs or missing containers as stopped. Run at
// startup before trusting the persisted inventory.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	for _, rec := range s.inv.List(domain.ProcessStarting, domain.ProcessRunning) {
		alive := false
		switch {
		case rec.ContainerID != "":
			if s.docker != nil {
				running, err := s.docker.IsRunning(ctx, rec.ContainerID)
				if err != nil {
					s.logger.Warn("reconcile container check failed", "id", rec.ID, "error", err)
					continue
				}
				alive = running
			}
		case rec.PID > 0:
			alive = pidAlive(rec.PID)
		}
		if alive {
			s.logger.Info("reconciled live backend", "id", rec.ID, "port", rec.Port)
			continue
		}
		s.logger.Info("marking dead backend stopped", "id", rec.ID, "pid", rec.PID, "container_id", rec.ContainerID)
		if err := s.inv.SetStatus(rec.ID, domain.ProcessStopped); err != nil {
			return err
		}
	}
	return nil
}

// Records exposes the current inventory for the management surface.
func (s *Supervisor) Records(statuses ...domain.ProcessStatus) []domain.ProcessRecord {
	return s.inv.List(statuses...)
}
