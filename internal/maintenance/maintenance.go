// Package maintenance runs periodic background tasks as Go tickers.
// All housekeeping is driven from the long-running API process, which
// already owns the LISTEN connection and the refresh service.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pricewatcher/pricewatcher/internal/refresh"
)

// Config controls maintenance task intervals. Zero duration disables a task.
type Config struct {
	CleanupInterval time.Duration // Old price points + expired cache entries
	CatchUpInterval time.Duration // Sweep for snapshots a missed daily run left behind
	Retention       time.Duration // How long raw price points are kept
	StaleAfter      time.Duration // Snapshot age that triggers a catch-up refresh
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		CleanupInterval: 6 * time.Hour,
		CatchUpInterval: 1 * time.Hour,
		Retention:       90 * 24 * time.Hour,
		StaleAfter:      36 * time.Hour,
	}
}

// Store is the persistence maintenance touches.
type Store interface {
	PurgePricePoints(ctx context.Context, cutoff time.Time) (int64, error)
	ListStaleURLs(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Refresher is the part of the refresh service maintenance drives.
type Refresher interface {
	RefreshURLs(ctx context.Context, trigger refresh.Trigger, urls []string) (refresh.RunResult, error)
	PruneCache()
}

// Start launches all configured maintenance tickers. Blocks until ctx is
// cancelled. Intended to be called with `go`.
func Start(ctx context.Context, st Store, r Refresher, cfg Config, logger *slog.Logger) {
	logger.Info("Maintenance tickers started",
		"cleanup", cfg.CleanupInterval,
		"catchup", cfg.CatchUpInterval)

	tickers := make([]*time.Ticker, 0, 2)
	defer func() {
		for _, t := range tickers {
			t.Stop()
		}
	}()

	if cfg.CleanupInterval > 0 {
		t := time.NewTicker(cfg.CleanupInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { Cleanup(ctx, st, r, cfg.Retention, logger) })
	}

	if cfg.CatchUpInterval > 0 {
		t := time.NewTicker(cfg.CatchUpInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { CatchUp(ctx, st, r, cfg.StaleAfter, logger) })
	}

	<-ctx.Done()
	logger.Info("Maintenance tickers stopped")
}

func runLoop(ctx context.Context, ch <-chan time.Time, fn func()) {
	for {
		select {
		case <-ch:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// --------------------------------------------------------------------------
// Task implementations
// --------------------------------------------------------------------------

// Cleanup removes price points older than retention and expired cache
// entries. The notification log is never purged.
func Cleanup(ctx context.Context, st Store, r Refresher, retention time.Duration, logger *slog.Logger) {
	r.PruneCache()
	if retention <= 0 {
		return
	}

	n, err := st.PurgePricePoints(ctx, time.Now().Add(-retention))
	if err != nil {
		logger.Warn("Cleanup: failed to purge old price points", "error", err)
	} else if n > 0 {
		logger.Info("Cleanup: purged old price points", "count", n)
	}
}

// CatchUp refreshes live watched products whose snapshot is older than
// staleAfter, which happens when a daily run was missed or aborted.
func CatchUp(ctx context.Context, st Store, r Refresher, staleAfter time.Duration, logger *slog.Logger) {
	if staleAfter <= 0 {
		return
	}
	urls, err := st.ListStaleURLs(ctx, time.Now().Add(-staleAfter))
	if err != nil {
		logger.Warn("Catch-up sweep: failed to list stale products", "error", err)
		return
	}
	if len(urls) == 0 {
		return
	}

	res, err := r.RefreshURLs(ctx, refresh.TriggerCatchUp, urls)
	switch {
	case errors.Is(err, refresh.ErrRunInProgress):
		logger.Info("Catch-up sweep: refresh already running, skipping")
	case err != nil:
		logger.Warn("Catch-up sweep: failed", "error", err)
	default:
		logger.Info("Catch-up sweep: refreshed stale products", "summary", res.Summary())
	}
}
