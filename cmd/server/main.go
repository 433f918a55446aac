package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/p-n-ai/pai-planner/internal/api"
	"github.com/p-n-ai/pai-planner/internal/planner"
	"github.com/p-n-ai/pai-planner/internal/platform/cache"
	"github.com/p-n-ai/pai-planner/internal/platform/config"
	"github.com/p-n-ai/pai-planner/internal/platform/database"
	"github.com/p-n-ai/pai-planner/internal/realtime"
	"github.com/p-n-ai/pai-planner/internal/syllabus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Log))

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	d, cleanup, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := seedSyllabus(ctx, d.service, cfg.Syllabus); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.New(api.Config{
			Service: d.service,
			Hub:     d.hub,
			Checks:  d.checks,
		}).Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", srv.Addr, "store", cfg.Planner.Store)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	return nil
}

type deps struct {
	service *planner.Service
	hub     *realtime.Hub
	checks  map[string]api.HealthChecker
}

// buildDeps connects storage and cache according to cfg. Without a reachable
// cache the service falls back to process-local locks and no plan cache.
func buildDeps(ctx context.Context, cfg *config.Config) (*deps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	d := &deps{
		hub:    realtime.NewHub(realtime.HubConfig{}),
		checks: map[string]api.HealthChecker{},
	}
	svcCfg := planner.ServiceConfig{
		Notifier:          d.hub,
		Location:          cfg.Location(),
		DefaultDailyHours: cfg.Planner.DefaultDailyHours,
		StreakRetries:     cfg.Planner.StreakRetries,
	}

	switch cfg.Planner.Store {
	case config.StorePostgres:
		db, err := database.New(ctx, database.Options{
			URL:      cfg.Database.URL,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
			AppName:  "pai-planner",
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		closers = append(closers, db.Close)
		if cfg.Database.Migrate {
			if err := db.Migrate(ctx); err != nil {
				cleanup()
				return nil, nil, err
			}
		}
		store, err := planner.NewPostgresStore(db.Pool)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		svcCfg.Store = store
		svcCfg.Events = planner.NewPostgresEventLogger(db.Pool)
		d.checks["database"] = db
	default:
		svcCfg.Store = planner.NewMemoryStore()
		svcCfg.Events = planner.NewMemoryEventLogger()
	}

	if cfg.Cache.URL != "" {
		c, err := cache.New(ctx, cfg.Cache.URL, cfg.Cache.Prefix)
		if err != nil {
			slog.Warn("cache unavailable, using in-process locks and no plan cache", "error", err)
		} else {
			closers = append(closers, func() { _ = c.Close() })
			svcCfg.Plans = planner.NewRedisPlanCache(c.Client, c.Keys, cfg.PlanCacheTTL())
			svcCfg.Locker = planner.NewRedisLocker(c.Client, c.Keys, cfg.LockTTL())
			d.checks["cache"] = c
		}
	}

	d.service = planner.NewService(svcCfg)
	return d, cleanup, nil
}

// seedSyllabus imports the configured syllabus directory for the seed user
// unless that user already has topics.
func seedSyllabus(ctx context.Context, svc *planner.Service, cfg config.SyllabusConfig) error {
	if cfg.Path == "" {
		return nil
	}
	existing, err := svc.ListTopics(ctx, cfg.SeedUser)
	if err != nil {
		return fmt.Errorf("check seed user topics: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("seed user already has a syllabus, skipping import", "user_id", cfg.SeedUser, "topics", len(existing))
		return nil
	}

	doc, err := syllabus.LoadDir(cfg.Path)
	if err != nil {
		return fmt.Errorf("load syllabus: %w", err)
	}
	if _, err := svc.ImportSyllabus(ctx, cfg.SeedUser, doc); err != nil {
		return err
	}
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
