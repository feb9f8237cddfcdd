package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/suburbhost/suburb/internal/command"
	"github.com/suburbhost/suburb/internal/docker"
	"github.com/suburbhost/suburb/internal/domain"
	"github.com/suburbhost/suburb/internal/loghub"
)

// startContainer launches the container strategy for docker and
// container-backed passthrough sites. Docker sites build their image from
// the site's Dockerfile first; passthrough sites run their command in the
// shared runtime image with the site directory mounted.
func (s *Supervisor) startContainer(ctx context.Context, site domain.SiteDescriptor, key string, port int) (domain.ProcessRecord, error) {
	if s.docker == nil {
		return domain.ProcessRecord{}, ErrDockerUnavailable
	}

	containerPort := s.cfg.ContainerPort
	if site.DevPort != 0 {
		containerPort = site.DevPort
	}

	spec := docker.ContainerSpec{
		Name:          "suburb-" + site.Name,
		Env:           []string{fmt.Sprintf("PORT=%d", containerPort)},
		ContainerPort: containerPort,
		HostPort:      port,
	}

	switch site.Type {
	case domain.SiteDocker:
		image := fmt.Sprintf("suburb/%s:latest", site.Name)
		s.logger.Info("building site image", "site", site.Name, "image", image)
		err := s.docker.BuildImage(ctx, site.Path, image, func(line string) {
			if s.hub != nil {
				s.hub.Publish(loghub.Entry{Site: site.Name, Stream: "build", Line: line})
			}
		})
		if err != nil {
			return domain.ProcessRecord{}, fmt.Errorf("build image for %s: %w", site.Name, err)
		}
		spec.Image = image
		if site.RunCommand != "" {
			args, err := command.Split(site.RunCommand)
			if err != nil {
				return domain.ProcessRecord{}, err
			}
			spec.Cmd = args
		}
	default:
		args, err := command.Split(site.RunCommand)
		if err != nil {
			return domain.ProcessRecord{}, err
		}
		if len(args) == 0 {
			return domain.ProcessRecord{}, fmt.Errorf("site %s has no run command", site.Name)
		}
		spec.Image = s.cfg.RuntimeImage
		spec.Cmd = args
		spec.WorkdirMount = site.Path
	}

	containerID, err := s.docker.StartContainer(ctx, spec)
	if err != nil {
		return domain.ProcessRecord{}, fmt.Errorf("start container for %s: %w", site.Name, err)
	}

	rec := domain.ProcessRecord{
		ID:          key,
		Site:        site.Name,
		Type:        site.Type,
		Port:        port,
		ContainerID: containerID,
		Command:     site.RunCommand,
		Dir:         site.Path,
		StartedAt:   time.Now().UTC(),
		Status:      domain.ProcessStarting,
	}
	if err := s.inv.Put(rec); err != nil {
		s.logger.Warn("persist starting record failed", "site", site.Name, "error", err)
	}
	s.logger.Info("container started", "site", site.Name, "container_id", containerID, "port", port)

	go s.watchContainer(site, key, containerID)
	return rec, nil
}

// watchContainer waits for container exit and marks the record crashed or
// stopped from the exit code.
func (s *Supervisor) watchContainer(site domain.SiteDescriptor, key, containerID string) {
	exitCode, err := s.docker.WaitForStop(context.Background(), containerID)
	if err != nil {
		s.logger.Warn("container wait failed", "site", site.Name, "container_id", containerID, "error", err)
		return
	}

	rec, ok := s.inv.Get(key)
	if !ok || rec.ContainerID != containerID {
		return
	}
	if rec.Status != domain.ProcessRunning && rec.Status != domain.ProcessStarting {
		return
	}

	status := domain.ProcessStopped
	if exitCode != 0 {
		status = domain.ProcessCrashed
		s.logger.Error("container exited", "site", site.Name, "container_id", containerID, "exit_code", exitCode)
		s.recordFailure(key, fmt.Errorf("container exited with status %d", exitCode))
	}
	if err := s.inv.SetStatus(key, status); err != nil {
		s.logger.Warn("persist container exit failed", "site", site.Name, "error", err)
	}
	if s.notifier != nil {
		s.notifier.BackendStopped(site)
	}
}

func (s *Supervisor) stopContainer(ctx context.Context, rec domain.ProcessRecord) error {
	if s.docker == nil {
		return ErrDockerUnavailable
	}
	grace := s.cfg.StopGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	if err := s.docker.StopContainer(ctx, rec.ContainerID, grace); err != nil {
		return fmt.Errorf("stop container %s: %w", rec.ContainerID, err)
	}
	return nil
}
