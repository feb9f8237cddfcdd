package registry

import (
	"context"
	"io"
	"net/http"
	"testing"

	"log/slog"

	"github.com/spf13/afero"

	"github.com/suburbhost/suburb/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSite(t *testing.T, fs afero.Fs, dir, descriptor string) {
	t.Helper()
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if descriptor != "" {
		if err := afero.WriteFile(fs, dir+"/site.yml", []byte(descriptor), 0o644); err != nil {
			t.Fatalf("write descriptor: %v", err)
		}
	}
}

func TestDiscoverModes(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSite(t, fs, "/sites/blog", "")
	writeSite(t, fs, "/sites/_draft", "")

	t.Run("serve mode excludes underscore dirs", func(t *testing.T) {
		r := New(fs, nil, "example.test", testLogger())
		sites, err := r.Discover(context.Background(), "/sites", ModeServe)
		if err != nil {
			t.Fatalf("discover: %v", err)
		}
		if len(sites) != 1 || sites[0].Name != "blog" {
			t.Fatalf("expected only blog, got %+v", sites)
		}
	})

	t.Run("dev mode includes underscore dirs", func(t *testing.T) {
		r := New(fs, nil, "example.test", testLogger())
		sites, err := r.Discover(context.Background(), "/sites", ModeDev)
		if err != nil {
			t.Fatalf("discover: %v", err)
		}
		if len(sites) != 2 {
			t.Fatalf("expected 2 sites, got %+v", sites)
		}
	})
}

func TestDiscoverDescriptorsAndInference(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSite(t, fs, "/sites/blog", "")
	writeSite(t, fs, "/sites/shop", "type: static-build\nbuild_command: npm run build\noutput_dir: dist\n")
	writeSite(t, fs, "/sites/api", "type: passthrough\nrun_command: python app.py\nuse_containers: false\n")
	writeSite(t, fs, "/sites/preview", "type: passthrough\nrun_command: node server.js\n")
	writeSite(t, fs, "/sites/imgsvc", "")
	if err := afero.WriteFile(fs, "/sites/imgsvc/Dockerfile", []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatalf("write dockerfile: %v", err)
	}

	r := New(fs, nil, "example.test", testLogger())
	if _, err := r.Discover(context.Background(), "/sites", ModeServe); err != nil {
		t.Fatalf("discover: %v", err)
	}

	blog, ok := r.Lookup("blog")
	if !ok || blog.Type != domain.SiteStatic {
		t.Fatalf("expected static blog, got %+v ok=%v", blog, ok)
	}
	if blog.Domain != "blog.example.test" {
		t.Fatalf("expected computed domain, got %q", blog.Domain)
	}

	shop, _ := r.Lookup("shop")
	if shop.Type != domain.SiteStaticBuild || shop.OutputDir != "dist" {
		t.Fatalf("unexpected shop descriptor: %+v", shop)
	}

	api, _ := r.Lookup("api")
	if api.Type != domain.SitePassthrough || api.UseContainers {
		t.Fatalf("expected legacy direct-process passthrough, got %+v", api)
	}

	preview, _ := r.Lookup("preview")
	if !preview.UseContainers {
		t.Fatalf("passthrough must default to containers, got %+v", preview)
	}

	img, _ := r.Lookup("imgsvc")
	if img.Type != domain.SiteDocker || !img.UseContainers {
		t.Fatalf("expected dockerfile inference to force containers, got %+v", img)
	}
}

func TestDiscoverSkipsMalformedSite(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSite(t, fs, "/sites/good", "")
	writeSite(t, fs, "/sites/bad", "type: [not\n")
	writeSite(t, fs, "/sites/worse", "type: dynamic\n") // missing entry_point

	r := New(fs, nil, "example.test", testLogger())
	sites, err := r.Discover(context.Background(), "/sites", ModeServe)
	if err != nil {
		t.Fatalf("discovery must fail soft, got %v", err)
	}
	if len(sites) != 1 || sites[0].Name != "good" {
		t.Fatalf("expected only the good site, got %+v", sites)
	}
}

func TestBuiltinsAppendedAndDeduped(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSite(t, fs, "/sites/panel", "")

	builtins := NewBuiltinTable()
	first := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	second := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	builtins.RegisterSite("panel-v1", "panel", first)
	builtins.RegisterSite("panel-v2", "panel", second)
	builtins.RegisterSite("editor", "editor", first)

	r := New(fs, builtins, "example.test", testLogger())
	sites, err := r.Discover(context.Background(), "/sites", ModeServe)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	// The built-in replaces the filesystem site on the shared subdomain.
	if len(sites) != 2 {
		t.Fatalf("expected 2 sites after dedupe, got %+v", sites)
	}
	panel, ok := r.Lookup("panel")
	if !ok || panel.Type != domain.SiteBuiltin || panel.Name != "panel-v2" {
		t.Fatalf("expected last built-in registration to win, got %+v", panel)
	}
	if _, ok := builtins.Handler("panel"); !ok {
		t.Fatalf("expected handler resolution for built-in subdomain")
	}
}

func TestLookupUnknownSubdomain(t *testing.T) {
	r := New(afero.NewMemMapFs(), nil, "example.test", testLogger())
	if _, ok := r.Lookup("nope"); ok {
		t.Fatalf("expected lookup miss")
	}
}
