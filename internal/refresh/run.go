package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pricewatcher/pricewatcher/internal/provider"
)

// Trigger names what started a full refresh.
type Trigger string

const (
	TriggerDaily   Trigger = "daily"
	TriggerManual  Trigger = "manual"
	TriggerCatchUp Trigger = "catch_up"
)

// RunResult summarises a full refresh.
type RunResult struct {
	Trigger       Trigger
	ProductsFound int
	Refreshed     int
	Stale         int // provider unavailable or no recent prices; stored snapshot kept
	Dead          int
	Failed        int
	Notified      int
	NotifyFailed  int
	Aborted       bool
	Errors        []string
	Duration      time.Duration
}

// Summary returns a human-readable one-line summary.
func (r RunResult) Summary() string {
	s := fmt.Sprintf(
		"%s: found=%d refreshed=%d stale=%d dead=%d failed=%d notified=%d notify_failed=%d duration=%s",
		r.Trigger, r.ProductsFound, r.Refreshed, r.Stale, r.Dead, r.Failed,
		r.Notified, r.NotifyFailed, r.Duration.Round(time.Millisecond),
	)
	if r.Aborted {
		s += " (aborted)"
	}
	return s
}

// RefreshAll refreshes every live watched product with a bounded pool of
// workers and notifies watchers as each snapshot lands. A manual run drops
// the whole cache first. The run stops at the first persistence failure.
// Only one full refresh runs at a time.
func (s *Service) RefreshAll(ctx context.Context, trigger Trigger) (RunResult, error) {
	if !s.runMu.TryLock() {
		return RunResult{Trigger: trigger}, ErrRunInProgress
	}
	defer s.runMu.Unlock()

	urls, err := s.store.ListWatchedURLs(ctx)
	if err != nil {
		return RunResult{Trigger: trigger, Aborted: true}, fmt.Errorf("list watched urls: %w: %w", ErrPersistence, err)
	}
	return s.refreshURLs(ctx, trigger, urls)
}

// RefreshURLs runs the full-refresh pipeline over an explicit url set, such
// as the catch-up sweep's stale products. Duplicates are processed once.
func (s *Service) RefreshURLs(ctx context.Context, trigger Trigger, urls []string) (RunResult, error) {
	if !s.runMu.TryLock() {
		return RunResult{Trigger: trigger}, ErrRunInProgress
	}
	defer s.runMu.Unlock()
	return s.refreshURLs(ctx, trigger, urls)
}

func (s *Service) refreshURLs(ctx context.Context, trigger Trigger, urls []string) (RunResult, error) {
	start := time.Now()
	result := RunResult{Trigger: trigger}

	urls = distinct(urls)
	result.ProductsFound = len(urls)
	if trigger == TriggerManual {
		s.coalescer.ClearAll()
	}
	if len(urls) == 0 {
		s.logger.Info("No watched products to refresh", "trigger", trigger)
		result.Duration = time.Since(start)
		return result, nil
	}
	s.logger.Info("Refresh run started", "trigger", trigger, "products", len(urls))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	workers := min(max(s.cfg.Workers, 1), len(urls))
	ch := make(chan string, len(urls))
	for _, u := range urls {
		ch <- u
	}
	close(ch)

	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for url := range ch {
				if runCtx.Err() != nil {
					return
				}
				pr := s.refreshProduct(runCtx, url)

				mu.Lock()
				result.Notified += pr.Dispatch.Sent
				result.NotifyFailed += pr.Dispatch.Failed
				switch {
				case pr.Err == nil:
					result.Refreshed++
				case errors.Is(pr.Err, ErrPersistence):
					result.Failed++
					result.Errors = append(result.Errors, pr.Err.Error())
					cancel(pr.Err)
				case errors.Is(pr.Err, provider.ErrNotFound):
					result.Dead++
				case errors.Is(pr.Err, ErrNoRecentPrices), provider.Retryable(pr.Err):
					result.Stale++
					result.Errors = append(result.Errors, pr.Err.Error())
				default:
					result.Failed++
					result.Errors = append(result.Errors, pr.Err.Error())
				}
				mu.Unlock()

				if pr.Err != nil && !errors.Is(pr.Err, ErrPersistence) {
					s.logger.Warn("Product refresh failed", "url", url, "error", pr.Err)
				}
			}
		}()
	}

	wg.Wait()
	result.Duration = time.Since(start)

	s.metrics.RecordRefreshRun(string(trigger), result.Duration)
	s.metrics.RecordProductOutcome("refreshed", result.Refreshed)
	s.metrics.RecordProductOutcome("stale", result.Stale)
	s.metrics.RecordProductOutcome("dead", result.Dead)
	s.metrics.RecordProductOutcome("failed", result.Failed)

	if cause := context.Cause(runCtx); cause != nil && errors.Is(cause, ErrPersistence) {
		result.Aborted = true
		s.logger.Error("Refresh run aborted", "summary", result.Summary(), "error", cause)
		return result, cause
	}
	if err := ctx.Err(); err != nil {
		result.Aborted = true
		return result, err
	}

	s.logger.Info("Refresh run complete", "summary", result.Summary())
	return result, nil
}

func distinct(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, dup := seen[u]; dup || u == "" {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
