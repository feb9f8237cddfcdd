package ingress

import (
	"context"
	"fmt"
	"strings"

	"log/slog"

	"github.com/suburbhost/suburb/internal/command"
	"github.com/suburbhost/suburb/internal/docker"
)

// Reloader signals the external reverse proxy to pick up a rewritten
// configuration without dropping in-flight connections.
type Reloader interface {
	Reload(ctx context.Context) error
}

// CommandReloader shells out to the proxy's reload command, typically
// "nginx -s reload" on the host.
type CommandReloader struct {
	Command string
	Logger  *slog.Logger
}

// Reload runs the configured reload command.
func (r CommandReloader) Reload(ctx context.Context) error {
	if strings.TrimSpace(r.Command) == "" {
		return fmt.Errorf("no reload command configured")
	}
	output, err := command.Run(ctx, r.Command, "", nil, r.Logger)
	if err != nil {
		return fmt.Errorf("proxy reload: %w (output: %s)", err, strings.TrimSpace(output))
	}
	return nil
}

// DockerReloader triggers reloads by signalling HUP to the proxy container.
type DockerReloader struct {
	Client    *docker.Client
	Container string
}

// Reload delivers SIGHUP to the proxy container.
func (r DockerReloader) Reload(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("docker client required for container reload")
	}
	if strings.TrimSpace(r.Container) == "" {
		return fmt.Errorf("proxy container name required")
	}
	return r.Client.Signal(ctx, r.Container, "HUP")
}
