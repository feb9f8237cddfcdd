package buildcache

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/suburbhost/suburb/internal/command"
	"github.com/suburbhost/suburb/internal/domain"
)

// Builder runs site build commands. Concurrent requests for the same site
// share a single in-flight build.
type Builder struct {
	cache   *Cache
	logger  *slog.Logger
	timeout time.Duration
	flights singleflight.Group
}

// NewBuilder creates a builder recording outcomes in cache.
func NewBuilder(cache *Cache, timeout time.Duration, logger *slog.Logger) *Builder {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Builder{cache: cache, logger: logger, timeout: timeout}
}

// Build runs the site's build command and records the result. The stored
// fingerprint is taken before the build so output writes cannot mask later
// source edits.
func (b *Builder) Build(ctx context.Context, site domain.SiteDescriptor) error {
	// The build outlives the triggering request: a client disconnect must
	// not abort or fail a build other waiters share. The build timeout
	// bounds it instead.
	_, err, _ := b.flights.Do(normalizeSiteName(site.Name), func() (any, error) {
		return nil, b.build(context.WithoutCancel(ctx), site)
	})
	return err
}

// EnsureFresh rebuilds the site when its fingerprint is stale. It returns
// whether a build ran and the build error, if any.
func (b *Builder) EnsureFresh(ctx context.Context, site domain.SiteDescriptor) (bool, error) {
	stale, err := b.cache.NeedsRebuild(site)
	if err != nil {
		return false, err
	}
	if !stale {
		return false, nil
	}
	return true, b.Build(ctx, site)
}

func (b *Builder) build(ctx context.Context, site domain.SiteDescriptor) error {
	if site.BuildCommand == "" {
		return fmt.Errorf("site %s has no build command", site.Name)
	}
	fingerprint, err := Fingerprint(b.cache.fs, site)
	if err != nil {
		return err
	}

	b.logger.Info("building site", "site", site.Name, "command", site.BuildCommand)
	start := time.Now()
	buildCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	output, buildErr := command.Run(buildCtx, site.BuildCommand, site.Path, nil, b.logger.With("site", site.Name))
	if updateErr := b.cache.Update(site, fingerprint, buildErr == nil); updateErr != nil {
		b.logger.Error("persist build cache failed", "site", site.Name, "error", updateErr)
	}
	if buildErr != nil {
		b.logger.Error("site build failed", "site", site.Name, "error", buildErr, "output", output)
		return fmt.Errorf("build %s: %w", site.Name, buildErr)
	}
	b.logger.Info("site build complete", "site", site.Name, "elapsed", time.Since(start))
	return nil
}
