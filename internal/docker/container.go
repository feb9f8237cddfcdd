package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// ContainerSpec describes a site container to start.
type ContainerSpec struct {
	Name          string
	Image         string
	Cmd           []string
	Env           []string
	ContainerPort int
	HostPort      int
	WorkdirMount  string
}

// StartContainer creates and starts a container binding the site's container
// port to a loopback host port. An existing container with the same name is
// replaced.
func (c *Client) StartContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	if err := c.RemoveContainer(ctx, spec.Name); err != nil {
		return "", err
	}

	port, err := nat.NewPort("tcp", fmt.Sprintf("%d", spec.ContainerPort))
	if err != nil {
		return "", fmt.Errorf("container port: %w", err)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		ExposedPorts: map[nat.Port]struct{}{port: {}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", spec.HostPort)}},
		},
	}
	if spec.WorkdirMount != "" {
		hostCfg.Binds = []string{fmt.Sprintf("%s:/app", spec.WorkdirMount)}
		cfg.WorkingDir = "/app"
	}

	r, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return r.ID, nil
}

// StopContainer stops a container with the given grace period and removes it.
func (c *Client) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	seconds := int(grace.Seconds())
	if err := c.inner.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("stop container: %w", err)
		}
	}
	return c.RemoveContainer(ctx, id)
}

// RemoveContainer force-removes a container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// IsRunning reports whether a container exists and is in the running state.
func (c *Client) IsRunning(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, nil
	}
	inspect, err := c.inner.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("container inspect: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// WaitForStop blocks until the container stops and returns the exit code.
func (c *Client) WaitForStop(ctx context.Context, containerID string) (int64, error) {
	if strings.TrimSpace(containerID) == "" {
		return 0, fmt.Errorf("container id cannot be empty")
	}
	statusCh, errCh := c.inner.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	for {
		select {
		case err := <-errCh:
			if err == nil {
				continue
			}
			if client.IsErrNotFound(err) {
				return 0, nil
			}
			return 0, fmt.Errorf("wait for container stop: %w", err)
		case status := <-statusCh:
			return status.StatusCode, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
