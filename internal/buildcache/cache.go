// Package buildcache decides whether a static-build site must be rebuilt
// before serving, and runs those builds at most once at a time per site.
package buildcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"log/slog"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"github.com/suburbhost/suburb/internal/domain"
)

// Entry is the persisted build state for one site.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	LastBuiltAt time.Time `json:"last_built_at"`
	Success     bool      `json:"success"`
}

// Cache holds per-site build entries, persisted to a single JSON file keyed
// by site name. File writes are guarded by a cross-process flock so a manual
// rebuild invoked beside the server cannot corrupt the file.
type Cache struct {
	fs     afero.Fs
	path   string
	lock   *flock.Flock
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]Entry
}

// NewCache loads the cache file at path, creating parent directories as
// needed. A missing file yields an empty cache.
func NewCache(fs afero.Fs, path string, logger *slog.Logger) (*Cache, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	c := &Cache{
		fs:      fs,
		path:    path,
		lock:    flock.New(path + ".lock"),
		logger:  logger,
		entries: map[string]Entry{},
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("read build cache: %w", err)
	}
	if err := json.Unmarshal(raw, &c.entries); err != nil {
		// A corrupt cache only costs one rebuild per site.
		logger.Warn("build cache unreadable, starting empty", "path", path, "error", err)
		c.entries = map[string]Entry{}
	}
	return c, nil
}

// Entry returns the stored entry for a site, if any.
func (c *Cache) Entry(site string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[normalizeSiteName(site)]
	return entry, ok
}

// NeedsRebuild reports whether the site's current source fingerprint differs
// from the stored one. True when no entry exists, the fingerprint changed, or
// the last build failed.
func (c *Cache) NeedsRebuild(site domain.SiteDescriptor) (bool, error) {
	fingerprint, err := Fingerprint(c.fs, site)
	if err != nil {
		return false, err
	}
	entry, ok := c.Entry(site.Name)
	if !ok {
		return true, nil
	}
	if !entry.Success {
		return true, nil
	}
	return entry.Fingerprint != fingerprint, nil
}

// Update stores the outcome of a build attempt and persists the cache file.
// Failures are recorded distinctly so the next check still reports stale.
func (c *Cache) Update(site domain.SiteDescriptor, fingerprint string, success bool) error {
	c.mu.Lock()
	c.entries[normalizeSiteName(site.Name)] = Entry{
		Fingerprint: fingerprint,
		LastBuiltAt: time.Now().UTC(),
		Success:     success,
	}
	snapshot := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	c.mu.Unlock()

	return c.persist(snapshot)
}

func (c *Cache) persist(snapshot map[string]Entry) error {
	if err := c.lock.Lock(); err != nil {
		return fmt.Errorf("lock build cache: %w", err)
	}
	defer func() {
		if err := c.lock.Unlock(); err != nil && c.logger != nil {
			c.logger.Warn("unlock build cache failed", "error", err)
		}
	}()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode build cache: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write build cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace build cache: %w", err)
	}
	return nil
}
