// Package registry discovers site descriptors from the sites directory and
// resolves subdomains to sites for the dispatcher.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"log/slog"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/suburbhost/suburb/internal/domain"
)

// Discovery modes. Serve mode hides directories prefixed with an underscore;
// dev mode includes everything.
const (
	ModeServe = "serve"
	ModeDev   = "dev"
)

const descriptorFile = "site.yml"

// Registry owns the discovered descriptor set. Lookup is a map read; a rescan
// swaps the whole set.
type Registry struct {
	fs         afero.Fs
	logger     *slog.Logger
	rootDomain string
	builtins   *BuiltinTable

	mu       sync.RWMutex
	ordered  []domain.SiteDescriptor
	bySubdom map[string]domain.SiteDescriptor
}

// New creates an empty registry. Built-in sites must be registered on the
// table before Discover runs.
func New(fs afero.Fs, builtins *BuiltinTable, rootDomain string, logger *slog.Logger) *Registry {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if builtins == nil {
		builtins = NewBuiltinTable()
	}
	return &Registry{
		fs:         fs,
		logger:     logger,
		rootDomain: rootDomain,
		builtins:   builtins,
		bySubdom:   map[string]domain.SiteDescriptor{},
	}
}

// siteFile is the optional on-disk descriptor for one site directory.
type siteFile struct {
	Name          string `yaml:"name"`
	Subdomain     string `yaml:"subdomain"`
	Type          string `yaml:"type"`
	EntryPoint    string `yaml:"entry_point"`
	BuildCommand  string `yaml:"build_command"`
	RunCommand    string `yaml:"run_command"`
	OutputDir     string `yaml:"output_dir"`
	UseContainers *bool  `yaml:"use_containers"`
	DevPort       int    `yaml:"dev_port"`
	ProxyPort     int    `yaml:"proxy_port"`
}

// Discover scans rootDir for site directories and rebuilds the descriptor
// set. A malformed site directory is logged and skipped; discovery itself
// only fails when the root cannot be read.
func (r *Registry) Discover(ctx context.Context, rootDir, mode string) ([]domain.SiteDescriptor, error) {
	entries, err := afero.ReadDir(r.fs, rootDir)
	if err != nil {
		return nil, fmt.Errorf("read sites dir %s: %w", rootDir, err)
	}

	var (
		mu    sync.Mutex
		found []domain.SiteDescriptor
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if mode != ModeDev && strings.HasPrefix(name, "_") {
			continue
		}
		dir := filepath.Join(rootDir, name)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			site, err := r.loadSite(dir, name)
			if err != nil {
				r.logger.Warn("skipping malformed site", "site", name, "path", dir, "error", err)
				return nil
			}
			mu.Lock()
			found = append(found, site)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })

	found = append(found, r.builtins.Sites(r.rootDomain)...)

	bySubdom := make(map[string]domain.SiteDescriptor, len(found))
	ordered := make([]domain.SiteDescriptor, 0, len(found))
	for _, site := range found {
		if prev, ok := bySubdom[site.Subdomain]; ok {
			r.logger.Warn("duplicate subdomain, later site wins", "subdomain", site.Subdomain, "replaced", prev.Name, "site", site.Name)
			for i := range ordered {
				if ordered[i].Subdomain == site.Subdomain {
					ordered = append(ordered[:i], ordered[i+1:]...)
					break
				}
			}
		}
		bySubdom[site.Subdomain] = site
		ordered = append(ordered, site)
	}

	r.mu.Lock()
	r.ordered = ordered
	r.bySubdom = bySubdom
	r.mu.Unlock()

	r.logger.Info("site discovery complete", "mode", mode, "sites", len(ordered))
	return ordered, nil
}

func (r *Registry) loadSite(dir, dirName string) (domain.SiteDescriptor, error) {
	var file siteFile
	raw, err := afero.ReadFile(r.fs, filepath.Join(dir, descriptorFile))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return domain.SiteDescriptor{}, fmt.Errorf("parse %s: %w", descriptorFile, err)
		}
	case isNotExist(err):
		// Descriptor file is optional; everything is inferred.
	default:
		return domain.SiteDescriptor{}, fmt.Errorf("read %s: %w", descriptorFile, err)
	}

	site := domain.SiteDescriptor{
		Name:         strings.TrimSpace(file.Name),
		Subdomain:    strings.ToLower(strings.TrimSpace(file.Subdomain)),
		Path:         dir,
		EntryPoint:   strings.TrimSpace(file.EntryPoint),
		BuildCommand: strings.TrimSpace(file.BuildCommand),
		RunCommand:   strings.TrimSpace(file.RunCommand),
		OutputDir:    strings.TrimSpace(file.OutputDir),
		DevPort:      file.DevPort,
		ProxyPort:    file.ProxyPort,
	}
	if site.Name == "" {
		site.Name = dirName
	}
	if site.Subdomain == "" {
		site.Subdomain = strings.ToLower(site.Name)
	}

	if strings.TrimSpace(file.Type) != "" {
		typ, err := domain.ParseSiteType(file.Type)
		if err != nil {
			return domain.SiteDescriptor{}, err
		}
		site.Type = typ
	} else {
		site.Type = r.inferType(dir, site)
	}
	if site.Type == domain.SiteBuiltin {
		return domain.SiteDescriptor{}, fmt.Errorf("built-in sites cannot be declared from the filesystem")
	}

	switch site.Type {
	case domain.SiteDocker:
		// Docker sites always run in a container regardless of descriptor.
		site.UseContainers = true
	case domain.SitePassthrough:
		site.UseContainers = file.UseContainers == nil || *file.UseContainers
	default:
		site.UseContainers = false
	}

	if site.Type == domain.SitePassthrough && site.RunCommand == "" && site.ProxyPort == 0 {
		return domain.SiteDescriptor{}, fmt.Errorf("passthrough site requires run_command or proxy_port")
	}
	if site.Type == domain.SiteDynamic && site.EntryPoint == "" {
		return domain.SiteDescriptor{}, fmt.Errorf("dynamic site requires entry_point")
	}

	site.Domain = site.Subdomain + "." + r.rootDomain
	return site, nil
}

func (r *Registry) inferType(dir string, site domain.SiteDescriptor) domain.SiteType {
	if site.EntryPoint != "" {
		return domain.SiteDynamic
	}
	if ok, _ := afero.Exists(r.fs, filepath.Join(dir, "Dockerfile")); ok {
		return domain.SiteDocker
	}
	if site.BuildCommand != "" {
		return domain.SiteStaticBuild
	}
	if site.RunCommand != "" || site.ProxyPort != 0 {
		return domain.SitePassthrough
	}
	return domain.SiteStatic
}

// Lookup resolves a subdomain to its site descriptor.
func (r *Registry) Lookup(subdomain string) (domain.SiteDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	site, ok := r.bySubdom[strings.ToLower(subdomain)]
	return site, ok
}

// Sites returns the current ordered descriptor set.
func (r *Registry) Sites() []domain.SiteDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.SiteDescriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
