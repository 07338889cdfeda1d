// Command api is the Pricewatcher API server. It also runs the daily
// refresh scheduler, the watchlist listener and the maintenance tickers.
//
// Usage:
//
//	pricewatcher-api
//	API_PORT=8080 pricewatcher-api

// @title Pricewatcher API
// @version 1.0.0
// @description Price tracking API: aggregated retailer snapshots, watchlists, notification settings and the notification audit log.
// @host localhost:8000
// @BasePath /api/v1
// @schemes http https
// @contact.name Pricewatcher
// @license.name MIT
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pricewatcher/pricewatcher/internal/api"
	"github.com/pricewatcher/pricewatcher/internal/app"
	"github.com/pricewatcher/pricewatcher/internal/config"
	"github.com/pricewatcher/pricewatcher/internal/db"
	"github.com/pricewatcher/pricewatcher/internal/listener"
	"github.com/pricewatcher/pricewatcher/internal/maintenance"
	"github.com/pricewatcher/pricewatcher/internal/refresh"

	_ "github.com/pricewatcher/pricewatcher/docs" // swagger docs
)

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	level := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Connect to database
	logger.Info("Connecting to database...")
	pool, err := db.New(ctx, cfg)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("Database connected",
		"min_conns", cfg.DBPoolMinConns,
		"max_conns", cfg.DBPoolMaxConns)

	// Services
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a, err := app.New(cfg, pool.Pool, registry, logger)
	if err != nil {
		logger.Error("Failed to build services", "error", err)
		os.Exit(1)
	}
	svc := a.Service
	logger.Info("Refresh service initialized",
		"workers", cfg.RefreshWorkers,
		"cache", cfg.CacheEnabled)

	// Daily refresh scheduler
	sched, err := refresh.NewScheduler(svc, cfg.RefreshDailyAt, logger)
	if err != nil {
		logger.Error("Invalid refresh schedule", "error", err)
		os.Exit(1)
	}
	// Loops below stop on ctx; workers lets shutdown wait for them before
	// the service and pool are closed.
	var workers sync.WaitGroup
	workers.Go(func() { sched.Start(ctx) })

	// LISTEN/NOTIFY consumer: newly watched products are fetched in the background
	workers.Go(func() {
		listener.Start(ctx, cfg.DatabaseURL, onWatchlistAdded(svc, logger), logger)
	})

	// Maintenance tickers (cleanup, catch-up sweep)
	workers.Go(func() { maintenance.Start(ctx, a.Store, svc, app.MaintenanceConfig(cfg), logger) })

	// Create router
	router := api.NewRouter(api.Deps{
		Service: svc,
		Trigger: sched,
		Users:   a.Store,
		Metrics: a.Metrics.Handler(),
		Logger:  logger,
	}, cfg)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info("Starting Pricewatcher API",
			"addr", addr,
			"environment", cfg.Environment,
			"docs", fmt.Sprintf("http://localhost:%d/docs/", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-ctx.Done()
	logger.Info("Shutting down...")

	// Graceful shutdown with timeout: stop taking requests, then drain
	// background refreshes and sends.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	if err := waitGroup(shutdownCtx, &workers); err != nil {
		logger.Error("Background loops did not stop", "error", err)
	}
	if err := svc.Close(shutdownCtx); err != nil {
		logger.Error("Background tasks did not finish", "error", err)
	}
	logger.Info("Server stopped")
}

// onWatchlistAdded fetches a newly watched product in the background.
func onWatchlistAdded(svc *refresh.Service, logger *slog.Logger) listener.Handler {
	return func(_ context.Context, ev listener.WatchlistEvent) {
		err := svc.Go("watchlist_added", func(ctx context.Context) {
			res := svc.RefreshOne(ctx, ev.URL)
			if res.Err != nil {
				logger.Warn("Initial fetch failed", "url", ev.URL, "username", ev.Username, "error", res.Err)
				return
			}
			logger.Info("Initial fetch finished", "url", ev.URL, "username", ev.Username, "dispatch", res.Dispatch.Summary())
		})
		if err != nil {
			logger.Debug("Watchlist event dropped", "url", ev.URL, "error", err)
		}
	}
}

// waitGroup waits for wg or ctx, whichever comes first.
func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
