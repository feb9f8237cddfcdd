package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/suburbhost/suburb/internal/command"
	"github.com/suburbhost/suburb/internal/domain"
	"github.com/suburbhost/suburb/internal/loghub"
)

type managedProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	readers  sync.WaitGroup
	stopping bool
}

// startProcess spawns the site's run command with the allocated PORT in its
// environment and captures output into the log hub.
func (s *Supervisor) startProcess(ctx context.Context, site domain.SiteDescriptor, key string, port int) (domain.ProcessRecord, error) {
	args, err := command.Split(site.RunCommand)
	if err != nil {
		return domain.ProcessRecord{}, err
	}
	if len(args) == 0 {
		return domain.ProcessRecord{}, fmt.Errorf("site %s has no run command", site.Name)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = site.Path
	cmd.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", port))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return domain.ProcessRecord{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return domain.ProcessRecord{}, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return domain.ProcessRecord{}, fmt.Errorf("start %s: %w", site.RunCommand, err)
	}

	proc := &managedProcess{cmd: cmd, done: make(chan struct{})}
	proc.readers.Add(2)
	go func() {
		defer proc.readers.Done()
		s.captureOutput(site.Name, "stdout", stdout)
	}()
	go func() {
		defer proc.readers.Done()
		s.captureOutput(site.Name, "stderr", stderr)
	}()

	s.mu.Lock()
	s.procs[key] = proc
	s.mu.Unlock()

	rec := domain.ProcessRecord{
		ID:        key,
		Site:      site.Name,
		Type:      site.Type,
		Port:      port,
		PID:       cmd.Process.Pid,
		Command:   site.RunCommand,
		Dir:       site.Path,
		StartedAt: time.Now().UTC(),
		Status:    domain.ProcessStarting,
	}
	if err := s.inv.Put(rec); err != nil {
		s.logger.Warn("persist starting record failed", "site", site.Name, "error", err)
	}
	s.logger.Info("process spawned", "site", site.Name, "pid", rec.PID, "port", port, "command", site.RunCommand)

	go s.reapProcess(site, key, proc)
	return rec, nil
}

// reapProcess waits for process exit and drives the crashed/stopped
// transition from the exit code and whether a stop was requested.
func (s *Supervisor) reapProcess(site domain.SiteDescriptor, key string, proc *managedProcess) {
	proc.readers.Wait()
	err := proc.cmd.Wait()
	close(proc.done)

	s.mu.Lock()
	stopping := proc.stopping
	delete(s.procs, key)
	s.mu.Unlock()

	status := domain.ProcessStopped
	if !stopping && err != nil {
		status = domain.ProcessCrashed
	}
	if rec, ok := s.inv.Get(key); ok && (rec.Status == domain.ProcessRunning || rec.Status == domain.ProcessStarting) {
		if setErr := s.inv.SetStatus(key, status); setErr != nil {
			s.logger.Warn("persist exit status failed", "site", site.Name, "error", setErr)
		}
		if status == domain.ProcessCrashed {
			s.logger.Error("backend process exited", "site", site.Name, "error", err)
			s.recordFailure(key, fmt.Errorf("process exited: %w", err))
		}
		if s.notifier != nil {
			s.notifier.BackendStopped(site)
		}
	}
}

func (s *Supervisor) captureOutput(site, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		if s.hub != nil {
			s.hub.Publish(loghub.Entry{Site: site, Stream: stream, Line: scanner.Text()})
		}
	}
}

// stopProcess signals SIGTERM, waits out the grace period and force-kills if
// the process is still alive.
func (s *Supervisor) stopProcess(rec domain.ProcessRecord) error {
	s.mu.Lock()
	proc, ok := s.procs[rec.ID]
	if ok {
		proc.stopping = true
	}
	s.mu.Unlock()

	grace := s.cfg.StopGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	if !ok {
		// Backend from a previous server run; only the PID is known.
		if rec.PID <= 0 || !pidAlive(rec.PID) {
			return nil
		}
		return killPID(rec.PID, grace)
	}

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal backend: %w", err)
	}
	select {
	case <-proc.done:
		return nil
	case <-time.After(grace):
	}
	if err := proc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill backend: %w", err)
	}
	<-proc.done
	return nil
}

func killPID(pid int, grace time.Duration) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return nil
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return process.Kill()
}

// pidAlive probes a PID with signal 0. EPERM still means the process exists.
func pidAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (s *Supervisor) teardown(ctx context.Context, rec domain.ProcessRecord) {
	if rec.ContainerID != "" {
		if err := s.stopContainer(ctx, rec); err != nil {
			s.logger.Warn("teardown container failed", "id", rec.ID, "error", err)
		}
		return
	}
	if err := s.stopProcess(rec); err != nil {
		s.logger.Warn("teardown process failed", "id", rec.ID, "error", err)
	}
}
