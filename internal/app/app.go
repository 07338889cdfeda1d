// Package app wires the price-tracking services from configuration. Both
// binaries build on it so the API server and the CLI run the same pipeline.
package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pricewatcher/pricewatcher/internal/config"
	"github.com/pricewatcher/pricewatcher/internal/maintenance"
	"github.com/pricewatcher/pricewatcher/internal/metrics"
	"github.com/pricewatcher/pricewatcher/internal/notifications"
	"github.com/pricewatcher/pricewatcher/internal/provider/buywisely"
	"github.com/pricewatcher/pricewatcher/internal/refresh"
	"github.com/pricewatcher/pricewatcher/internal/store"
)

// App holds the wired services.
type App struct {
	Store    *store.PG
	Metrics  *metrics.Metrics
	Provider *buywisely.Client
	Service  *refresh.Service
}

// New builds the store, provider client, notification dispatcher and
// refresh service. A nil registry gets a private one.
func New(cfg *config.Config, pool *pgxpool.Pool, registry *prometheus.Registry, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	st := store.NewPG(pool)

	client := buywisely.NewClient(buywisely.Options{
		BaseURL:           cfg.ProviderBaseURL,
		RequestsPerMinute: cfg.ProviderRequestsPerMinute,
		Timeout:           cfg.ProviderTimeout,
		Window:            cfg.ProviderHistoryWindow,
	}, logger)

	var transport notifications.Transport
	if p := notifications.NewPushover(cfg.PushoverAppToken, cfg.NotifyTimeout); p != nil {
		transport = p
	} else {
		logger.Warn("Notifications disabled (no PUSHOVER_APP_TOKEN); sends will be logged as failed")
	}

	dispatcher := notifications.NewDispatcher(transport, st, notifications.DispatcherConfig{
		Timeout:     cfg.NotifyTimeout,
		MaxAttempts: cfg.NotifyMaxAttempts,
		RetryDelay:  cfg.NotifyRetryDelay,
		Concurrency: cfg.NotifyConcurrency,
	}, m, logger)

	svc := refresh.New(st, client, dispatcher, refresh.Config{
		Workers:       cfg.RefreshWorkers,
		FetchAttempts: cfg.RefreshFetchAttempts,
		RetryDelay:    cfg.RefreshRetryDelay,
		FetchTimeout:  cfg.ProviderTimeout * time.Duration(cfg.RefreshFetchAttempts+1),
		CacheEnabled:  cfg.CacheEnabled,
		CacheTTL:      max(cfg.CacheListFresh, cfg.CacheDetailFresh),
	}, m, logger)

	return &App{Store: st, Metrics: m, Provider: client, Service: svc}, nil
}

// MaintenanceConfig maps configuration onto the maintenance tickers.
func MaintenanceConfig(cfg *config.Config) maintenance.Config {
	return maintenance.Config{
		CleanupInterval: cfg.CleanupInterval,
		CatchUpInterval: cfg.CatchUpInterval,
		Retention:       cfg.PricePointRetention,
		StaleAfter:      cfg.SnapshotStaleAfter,
	}
}
