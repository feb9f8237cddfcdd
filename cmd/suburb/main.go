package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"

	"github.com/suburbhost/suburb/internal/buildcache"
	"github.com/suburbhost/suburb/internal/dispatch"
	"github.com/suburbhost/suburb/internal/docker"
	"github.com/suburbhost/suburb/internal/domain"
	"github.com/suburbhost/suburb/internal/httpapi"
	"github.com/suburbhost/suburb/internal/ingress"
	"github.com/suburbhost/suburb/internal/loghub"
	"github.com/suburbhost/suburb/internal/registry"
	"github.com/suburbhost/suburb/internal/supervisor"
	"github.com/suburbhost/suburb/pkg/config"
	"github.com/suburbhost/suburb/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadServerConfig()
	log := logger.New("suburb", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Error("data directory unavailable", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	dockerClient := connectDocker(ctx, cfg, log)
	if dockerClient != nil {
		defer dockerClient.Close()
	}

	fs := afero.NewOsFs()
	hub := loghub.NewHub(cfg.LogBufferLines)

	inv, err := supervisor.NewInventory(filepath.Join(cfg.DataDir, "inventory.json"), log)
	if err != nil {
		log.Error("inventory unavailable", "error", err)
		os.Exit(1)
	}

	cache, err := buildcache.NewCache(fs, filepath.Join(cfg.DataDir, "buildcache.json"), log)
	if err != nil {
		log.Error("build cache unavailable", "error", err)
		os.Exit(1)
	}
	builder := buildcache.NewBuilder(cache, cfg.BuildTimeout, log)

	sync := ingress.New(cfg.NginxConfigPath, cfg.RootDomain, cfg.Addr, cfg.NginxStatusURL, proxyReloader(cfg, dockerClient, log), log)
	sup := supervisor.New(cfg, dockerClient, inv, hub, sync, log)

	builtins := registry.NewBuiltinTable()
	reg := registry.New(fs, builtins, cfg.RootDomain, log)

	rescan := func(ctx context.Context) error {
		sites, err := reg.Discover(ctx, cfg.SitesDir, cfg.Mode)
		if err != nil {
			return err
		}
		sync.SetSites(sites)
		return sync.Reload(ctx)
	}

	admin := httpapi.NewRouter(log, cfg.AdminToken, reg, sync, sup, hub, rescan, cfg.DynamicRouteTTL, nil)
	defer admin.Close()
	builtins.RegisterSite("admin", "admin", admin)

	sites, err := reg.Discover(ctx, cfg.SitesDir, cfg.Mode)
	if err != nil {
		log.Error("site discovery failed", "dir", cfg.SitesDir, "error", err)
		os.Exit(1)
	}
	log.Info("sites discovered", "count", len(sites), "mode", cfg.Mode)

	if err := sup.Reconcile(ctx); err != nil {
		log.Warn("backend reconcile failed", "error", err)
	}
	sync.SetSites(sites)
	if err := sync.Reload(ctx); err != nil {
		log.Warn("initial proxy reload failed", "error", err)
	}

	dispatcher := dispatch.NewDispatcher(fs, builder, sup, builtins, log)
	frontDoor := dispatch.NewFrontDoor(cfg.RootDomain, reg, dispatcher, log)

	go func() {
		err := reg.Watch(ctx, cfg.SitesDir, cfg.Mode, cfg.RescanDebounce, func(sites []domain.SiteDescriptor) {
			sync.SetSites(sites)
			reloadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sync.Reload(reloadCtx); err != nil {
				log.Warn("proxy reload after rescan failed", "error", err)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("sites watcher stopped", "error", err)
		}
	}()
	go sync.RunSweeper(ctx, time.Minute)

	frontSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           frontDoor,
		ReadHeaderTimeout: 5 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           admin,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 2)
	go func() {
		log.Info("front door starting", "addr", cfg.Addr, "root_domain", cfg.RootDomain)
		errorCh <- frontSrv.ListenAndServe()
	}()
	go func() {
		log.Info("admin api starting", "addr", cfg.AdminAddr)
		errorCh <- adminSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := frontSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("front door shutdown failed", "error", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("admin api shutdown failed", "error", err)
	}
	sup.StopAll(shutdownCtx, reg.Sites())
	log.Info("suburb stopped")
}

// connectDocker returns a working client or nil. Container-backed sites
// degrade to errors at dispatch time; everything else keeps working.
func connectDocker(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) *docker.Client {
	client, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Warn("docker unavailable, container sites disabled", "error", err)
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		log.Warn("docker ping failed, container sites disabled", "error", err)
		client.Close()
		return nil
	}
	return client
}

func proxyReloader(cfg config.ServerConfig, dockerClient *docker.Client, log *slog.Logger) ingress.Reloader {
	if cfg.NginxContainerName != "" && dockerClient != nil {
		return ingress.DockerReloader{Client: dockerClient, Container: cfg.NginxContainerName}
	}
	return ingress.CommandReloader{Command: cfg.NginxReloadCommand, Logger: log}
}
