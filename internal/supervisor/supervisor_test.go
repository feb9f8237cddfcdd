package supervisor

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/suburbhost/suburb/internal/domain"
	"github.com/suburbhost/suburb/internal/loghub"
	"github.com/suburbhost/suburb/pkg/config"
)

type recordingNotifier struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (n *recordingNotifier) BackendStarted(site domain.SiteDescriptor, backend domain.Backend) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = append(n.started, site.Name)
}

func (n *recordingNotifier) BackendStopped(site domain.SiteDescriptor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = append(n.stopped, site.Name)
}

func testSupervisor(t *testing.T, notifier RouteNotifier) *Supervisor {
	t.Helper()
	base := freePortBase(t)
	cfg := config.ServerConfig{
		PortRangeFrom: base,
		PortRangeTo:   base + 20,
		StartupGrace:  3 * time.Second,
		LivenessProbe: 10 * time.Millisecond,
		StopGrace:     time.Second,
		SpawnFailTTL:  5 * time.Second,
	}
	inv, err := NewInventory(filepath.Join(t.TempDir(), "inventory.json"), testLogger())
	if err != nil {
		t.Fatalf("new inventory: %v", err)
	}
	s := New(cfg, nil, inv, loghub.NewHub(100), notifier, testLogger())
	s.probe = func(ctx context.Context, port int) error { return nil }
	return s
}

// freePortBase finds a currently-unused port to anchor the test range.
func freePortBase(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port + 1
}

func legacySite(name string) domain.SiteDescriptor {
	return domain.SiteDescriptor{
		Name:       name,
		Subdomain:  name,
		Type:       domain.SitePassthrough,
		Path:       "/tmp",
		RunCommand: "sleep 30",
	}
}

func TestEnsureBackendSingleFlight(t *testing.T) {
	s := testSupervisor(t, nil)
	s.probe = func(ctx context.Context, port int) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}
	site := legacySite("api")
	defer s.StopBackend(context.Background(), site)

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		backends []domain.Backend
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			backend, err := s.EnsureBackend(context.Background(), site)
			if err != nil {
				t.Errorf("ensure backend: %v", err)
				return
			}
			mu.Lock()
			backends = append(backends, backend)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	if len(backends) != callers {
		t.Fatalf("expected %d results, got %d", callers, len(backends))
	}
	for _, backend := range backends[1:] {
		if backend.Port != backends[0].Port || backend.PID != backends[0].PID {
			t.Fatalf("callers must share one backend: %+v vs %+v", backends[0], backend)
		}
	}
	live := s.Records(domain.ProcessRunning)
	if len(live) != 1 {
		t.Fatalf("expected exactly one running record, got %+v", live)
	}
}

func TestEnsureBackendIdempotent(t *testing.T) {
	s := testSupervisor(t, nil)
	site := legacySite("api")
	defer s.StopBackend(context.Background(), site)

	first, err := s.EnsureBackend(context.Background(), site)
	if err != nil {
		t.Fatalf("ensure backend: %v", err)
	}
	second, err := s.EnsureBackend(context.Background(), site)
	if err != nil {
		t.Fatalf("ensure backend: %v", err)
	}
	if first.Port != second.Port || first.PID != second.PID {
		t.Fatalf("expected the running backend to be reused: %+v vs %+v", first, second)
	}
}

func TestEnsureBackendStaticProxyPort(t *testing.T) {
	s := testSupervisor(t, nil)
	site := domain.SiteDescriptor{
		Name:      "legacyapp",
		Subdomain: "legacyapp",
		Type:      domain.SitePassthrough,
		ProxyPort: 9999,
	}
	backend, err := s.EnsureBackend(context.Background(), site)
	if err != nil {
		t.Fatalf("ensure backend: %v", err)
	}
	if backend.Port != 9999 || backend.PID != 0 {
		t.Fatalf("expected static target port passthrough, got %+v", backend)
	}
	if len(s.Records()) != 0 {
		t.Fatalf("static targets must not enter the inventory")
	}
}

func TestStopBackendTerminatesProcess(t *testing.T) {
	notifier := &recordingNotifier{}
	s := testSupervisor(t, notifier)
	site := legacySite("api")

	backend, err := s.EnsureBackend(context.Background(), site)
	if err != nil {
		t.Fatalf("ensure backend: %v", err)
	}
	if err := s.StopBackend(context.Background(), site); err != nil {
		t.Fatalf("stop backend: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return !pidAlive(backend.PID) })
	rec, ok := s.inv.Get(domain.BackendKey(site.Name, site.Type))
	if !ok || rec.Status != domain.ProcessStopped {
		t.Fatalf("expected stopped record, got %+v ok=%v", rec, ok)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.started) != 1 || len(notifier.stopped) == 0 {
		t.Fatalf("expected route notifications, started=%v stopped=%v", notifier.started, notifier.stopped)
	}
}

func TestClientDisconnectDoesNotAbortSpawn(t *testing.T) {
	s := testSupervisor(t, nil)
	s.probe = func(ctx context.Context, port int) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}
	site := legacySite("api")
	defer s.StopBackend(context.Background(), site)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	first, err := s.EnsureBackend(ctx, site)
	if err != nil {
		t.Fatalf("spawn must survive the caller's disconnect: %v", err)
	}

	second, err := s.EnsureBackend(context.Background(), site)
	if err != nil {
		t.Fatalf("follow-up request must not hit the failure cache: %v", err)
	}
	if second.Port != first.Port || second.PID != first.PID {
		t.Fatalf("expected the started backend to be reused: %+v vs %+v", first, second)
	}
	if len(s.Records(domain.ProcessRunning)) != 1 {
		t.Fatalf("expected exactly one running record")
	}
}

func TestSpawnFailureIsCachedBriefly(t *testing.T) {
	s := testSupervisor(t, nil)
	site := legacySite("broken")
	site.RunCommand = "definitely-not-a-real-command-xyz"

	if _, err := s.EnsureBackend(context.Background(), site); err == nil {
		t.Fatalf("expected spawn failure")
	}
	_, err := s.EnsureBackend(context.Background(), site)
	if err == nil || !strings.Contains(err.Error(), "retry later") {
		t.Fatalf("expected cached negative result, got %v", err)
	}
}

func TestCrashedProcessIsRecorded(t *testing.T) {
	s := testSupervisor(t, nil)
	site := legacySite("flaky")
	site.RunCommand = "false"

	// The probe is stubbed to succeed, so the spawn may report running even
	// though the process exits immediately; either the spawn notices the
	// early exit or the reaper flips the record to crashed.
	if _, err := s.EnsureBackend(context.Background(), site); err != nil {
		return
	}
	waitFor(t, 2*time.Second, func() bool {
		rec, ok := s.inv.Get(domain.BackendKey(site.Name, site.Type))
		return ok && rec.Status == domain.ProcessCrashed
	})
}

func TestReconcileMarksDeadBackends(t *testing.T) {
	s := testSupervisor(t, nil)

	// A PID that has already been reaped cannot be alive.
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run true: %v", err)
	}
	deadPID := cmd.Process.Pid

	dead := domain.ProcessRecord{
		ID:     domain.BackendKey("ghost", domain.SitePassthrough),
		Site:   "ghost",
		Type:   domain.SitePassthrough,
		Port:   42050,
		PID:    deadPID,
		Status: domain.ProcessRunning,
	}
	if err := s.inv.Put(dead); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	rec, _ := s.inv.Get(dead.ID)
	if rec.Status != domain.ProcessStopped {
		t.Fatalf("expected dead PID marked stopped, got %+v", rec)
	}
}

func TestAllocatePortSkipsBoundPorts(t *testing.T) {
	s := testSupervisor(t, nil)

	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.PortRangeFrom))
	if err != nil {
		t.Skipf("cannot bind anchor port: %v", err)
	}
	defer l.Close()

	port, err := s.allocatePort()
	if err != nil {
		t.Fatalf("allocate port: %v", err)
	}
	if port == s.cfg.PortRangeFrom {
		t.Fatalf("allocator returned a port bound by the OS")
	}
	if port < s.cfg.PortRangeFrom || port > s.cfg.PortRangeTo {
		t.Fatalf("port %d outside configured range", port)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
