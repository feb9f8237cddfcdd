package domain

import (
	"fmt"
	"strings"
)

// SiteType selects the serving strategy for a site.
type SiteType string

const (
	SiteStatic      SiteType = "static"
	SiteStaticBuild SiteType = "static-build"
	SiteDynamic     SiteType = "dynamic"
	SitePassthrough SiteType = "passthrough"
	SiteDocker      SiteType = "docker"
	SiteBuiltin     SiteType = "built-in"
)

// ParseSiteType validates a raw type string from a site descriptor file.
func ParseSiteType(raw string) (SiteType, error) {
	switch SiteType(strings.ToLower(strings.TrimSpace(raw))) {
	case SiteStatic:
		return SiteStatic, nil
	case SiteStaticBuild:
		return SiteStaticBuild, nil
	case SiteDynamic:
		return SiteDynamic, nil
	case SitePassthrough:
		return SitePassthrough, nil
	case SiteDocker:
		return SiteDocker, nil
	case SiteBuiltin:
		return SiteBuiltin, nil
	default:
		return "", fmt.Errorf("unknown site type %q", raw)
	}
}

// NeedsBackend reports whether sites of this type are fulfilled by a spawned
// process or container rather than served in-process.
func (t SiteType) NeedsBackend() bool {
	switch t {
	case SiteDocker, SitePassthrough:
		return true
	default:
		return false
	}
}

// SiteDescriptor is the identity and dispatch contract for one site. It is
// constructed once per discovery pass and never mutated afterwards; a rescan
// replaces the whole descriptor set.
type SiteDescriptor struct {
	Name          string   `json:"name" yaml:"name"`
	Subdomain     string   `json:"subdomain" yaml:"subdomain"`
	Type          SiteType `json:"type" yaml:"type"`
	Path          string   `json:"path" yaml:"-"`
	EntryPoint    string   `json:"entry_point,omitempty" yaml:"entry_point"`
	BuildCommand  string   `json:"build_command,omitempty" yaml:"build_command"`
	RunCommand    string   `json:"run_command,omitempty" yaml:"run_command"`
	OutputDir     string   `json:"output_dir,omitempty" yaml:"output_dir"`
	UseContainers bool     `json:"use_containers" yaml:"-"`
	DevPort       int      `json:"dev_port,omitempty" yaml:"dev_port"`
	ProxyPort     int      `json:"proxy_port,omitempty" yaml:"proxy_port"`
	Domain        string   `json:"domain" yaml:"-"`
}

// DocRoot is the directory static content is served from.
func (s SiteDescriptor) DocRoot() string {
	if s.OutputDir == "" {
		return s.Path
	}
	return s.Path + "/" + s.OutputDir
}
