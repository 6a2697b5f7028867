package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/camsys/gtfs-realtime/internal/config"
	"github.com/camsys/gtfs-realtime/internal/fetcher"
	"github.com/camsys/gtfs-realtime/internal/handler"
	"github.com/camsys/gtfs-realtime/internal/ingest"
	"github.com/camsys/gtfs-realtime/internal/model"
	"github.com/camsys/gtfs-realtime/internal/reconstruct"
	"github.com/camsys/gtfs-realtime/internal/scheduler"
	"github.com/camsys/gtfs-realtime/internal/server"
	"github.com/camsys/gtfs-realtime/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}
	if cfg.ArchiveDir != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o750); err != nil {
			log.Error("create archive directory", "path", cfg.ArchiveDir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.ConfigFile != "" {
		if err := seedConfigurations(ctx, store, cfg.ConfigFile, log); err != nil {
			log.Error("seed configurations", "path", cfg.ConfigFile, "error", err)
			os.Exit(1)
		}
	}

	ing := ingest.New(store, fetcher.New(http.DefaultClient), handler.NewRegistry(), log)
	if cfg.ArchiveDir != "" {
		ing.SetArchiveDir(cfg.ArchiveDir)
	}
	sched := scheduler.New(store, ing, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.New(store, reconstruct.New(store, log), log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("starting", "addr", cfg.HTTPAddr, "database", cfg.DatabasePath)

	go sched.Run(ctx)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown http server", "error", err)
	}

	log.Info("stopped")
}

// seedConfigurations inserts the configurations from the YAML file that
// are not in the store yet. Existing names are left untouched.
func seedConfigurations(ctx context.Context, store storage.Storage, path string, log *slog.Logger) error {
	feeds, err := config.LoadFeeds(path)
	if err != nil {
		return err
	}

	for _, fc := range feeds {
		_, err := store.GetConfigurationByName(ctx, fc.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		cfg := &model.Configuration{
			Name:                 fc.Name,
			Handler:              fc.Handler,
			TripUpdatesFeed:      fc.TripUpdatesFeed,
			VehiclePositionsFeed: fc.VehiclePositionsFeed,
			ServiceAlertsFeed:    fc.ServiceAlertsFeed,
			IntervalSeconds:      fc.IntervalSeconds,
		}
		if err := store.CreateConfiguration(ctx, cfg); err != nil {
			return err
		}
		if err := store.EnsurePartitions(ctx, cfg.ID, time.Now().Unix()); err != nil {
			return err
		}
		log.Info("seeded configuration", "configuration_id", cfg.ID, "name", cfg.Name)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
