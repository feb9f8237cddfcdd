package buildcache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/spf13/afero"

	"github.com/suburbhost/suburb/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func testSite(t *testing.T) (domain.SiteDescriptor, *Cache) {
	t.Helper()
	siteDir := t.TempDir()
	writeFile(t, siteDir, "index.src", "hello")
	site := domain.SiteDescriptor{
		Name:         "shop",
		Subdomain:    "shop",
		Type:         domain.SiteStaticBuild,
		Path:         siteDir,
		BuildCommand: "true",
	}
	cache, err := NewCache(afero.NewOsFs(), filepath.Join(t.TempDir(), "buildcache.json"), testLogger())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return site, cache
}

func TestNeedsRebuildLifecycle(t *testing.T) {
	site, cache := testSite(t)

	stale, err := cache.NeedsRebuild(site)
	if err != nil {
		t.Fatalf("needs rebuild: %v", err)
	}
	if !stale {
		t.Fatalf("expected rebuild with no cache entry")
	}

	fingerprint, err := Fingerprint(cache.fs, site)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if err := cache.Update(site, fingerprint, true); err != nil {
		t.Fatalf("update: %v", err)
	}
	stale, err = cache.NeedsRebuild(site)
	if err != nil {
		t.Fatalf("needs rebuild: %v", err)
	}
	if stale {
		t.Fatalf("expected fresh after successful build with unchanged fingerprint")
	}

	// Touching a tracked file flips it back to stale.
	writeFile(t, site.Path, "index.src", "hello, edited")
	stale, err = cache.NeedsRebuild(site)
	if err != nil {
		t.Fatalf("needs rebuild: %v", err)
	}
	if !stale {
		t.Fatalf("expected rebuild after source change")
	}
}

func TestFailedBuildStaysStale(t *testing.T) {
	site, cache := testSite(t)
	fingerprint, err := Fingerprint(cache.fs, site)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if err := cache.Update(site, fingerprint, false); err != nil {
		t.Fatalf("update: %v", err)
	}
	stale, err := cache.NeedsRebuild(site)
	if err != nil {
		t.Fatalf("needs rebuild: %v", err)
	}
	if !stale {
		t.Fatalf("a recorded failure must not count as up to date")
	}
}

func TestFingerprintIgnoresOutputDir(t *testing.T) {
	site, cache := testSite(t)
	site.OutputDir = "dist"

	before, err := Fingerprint(cache.fs, site)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	writeFile(t, site.Path, "dist/bundle.js", "artifact")
	after, err := Fingerprint(cache.fs, site)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if before != after {
		t.Fatalf("build artifacts must not change the source fingerprint")
	}
}

func TestCachePersistsAcrossReload(t *testing.T) {
	site, cache := testSite(t)
	fingerprint, err := Fingerprint(cache.fs, site)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if err := cache.Update(site, fingerprint, true); err != nil {
		t.Fatalf("update: %v", err)
	}

	reloaded, err := NewCache(afero.NewOsFs(), cache.path, testLogger())
	if err != nil {
		t.Fatalf("reload cache: %v", err)
	}
	entry, ok := reloaded.Entry(site.Name)
	if !ok || entry.Fingerprint != fingerprint || !entry.Success {
		t.Fatalf("expected persisted entry, got %+v ok=%v", entry, ok)
	}
}

func TestBuilderRecordsOutcome(t *testing.T) {
	site, cache := testSite(t)
	builder := NewBuilder(cache, time.Minute, testLogger())

	built, err := builder.EnsureFresh(context.Background(), site)
	if err != nil {
		t.Fatalf("ensure fresh: %v", err)
	}
	if !built {
		t.Fatalf("expected first check to build")
	}

	built, err = builder.EnsureFresh(context.Background(), site)
	if err != nil {
		t.Fatalf("ensure fresh: %v", err)
	}
	if built {
		t.Fatalf("expected no rebuild while fingerprint unchanged")
	}

	site.BuildCommand = "false"
	writeFile(t, site.Path, "index.src", "force a change")
	if _, err := builder.EnsureFresh(context.Background(), site); err == nil {
		t.Fatalf("expected build failure to propagate")
	}
	entry, ok := cache.Entry(site.Name)
	if !ok || entry.Success {
		t.Fatalf("expected failure recorded in cache, got %+v ok=%v", entry, ok)
	}
}

func TestBuildSurvivesCallerDisconnect(t *testing.T) {
	site, cache := testSite(t)
	script := filepath.Join(site.Path, "build.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 0.2\nmkdir -p dist\necho built > dist/out.txt\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	site.BuildCommand = "/bin/sh " + script
	site.OutputDir = "dist"
	builder := NewBuilder(cache, time.Minute, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := builder.Build(ctx, site); err != nil {
		t.Fatalf("build must survive the caller's disconnect: %v", err)
	}

	entry, ok := cache.Entry(site.Name)
	if !ok || !entry.Success {
		t.Fatalf("expected successful build recorded, got %+v ok=%v", entry, ok)
	}
	stale, err := cache.NeedsRebuild(site)
	if err != nil {
		t.Fatalf("needs rebuild: %v", err)
	}
	if stale {
		t.Fatalf("a completed build must not be treated as failed")
	}
}

func TestBuildSingleFlight(t *testing.T) {
	site, cache := testSite(t)
	script := filepath.Join(site.Path, "build.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 1\necho ran >> builds.log\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	site.BuildCommand = "/bin/sh " + script
	builder := NewBuilder(cache, time.Minute, testLogger())

	const workers = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := builder.Build(context.Background(), site); err != nil {
				t.Errorf("build: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	data, err := os.ReadFile(filepath.Join(site.Path, "builds.log"))
	if err != nil {
		t.Fatalf("read builds.log: %v", err)
	}
	if string(data) != "ran\n" {
		t.Fatalf("expected exactly one build, log: %q", data)
	}
}
