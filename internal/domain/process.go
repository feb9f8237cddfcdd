package domain

import (
	"fmt"
	"time"
)

// ProcessStatus tracks the lifecycle of one spawned backend.
type ProcessStatus string

const (
	ProcessStarting ProcessStatus = "starting"
	ProcessRunning  ProcessStatus = "running"
	ProcessStopped  ProcessStatus = "stopped"
	ProcessCrashed  ProcessStatus = "crashed"
)

// ProcessRecord describes one running backend. At most one record per
// (site, type) pair may be in the running state at any time.
type ProcessRecord struct {
	ID          string        `json:"id"`
	Site        string        `json:"site"`
	Type        SiteType      `json:"type"`
	Port        int           `json:"port"`
	PID         int           `json:"pid,omitempty"`
	ContainerID string        `json:"container_id,omitempty"`
	Command     string        `json:"command,omitempty"`
	Dir         string        `json:"cwd,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Status      ProcessStatus `json:"status"`
}

// BackendKey is the stable inventory key for a site/type pair.
func BackendKey(site string, typ SiteType) string {
	return fmt.Sprintf("%s+%s", site, typ)
}

// Backend is the connection info callers need to reach a live backend.
type Backend struct {
	Port        int    `json:"port"`
	PID         int    `json:"pid,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
}

// Addr returns the host:port the backend listens on.
func (b Backend) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", b.Port)
}
