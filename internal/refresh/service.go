// Package refresh keeps product snapshots current and drives notification
// decisions from them.
//
// Every path that needs fresh prices (an API read, a single-product
// refresh, the daily run) goes through one coalescer keyed by product url,
// so concurrent demand for the same product costs one provider call.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pricewatcher/pricewatcher/internal/coalesce"
	"github.com/pricewatcher/pricewatcher/internal/metrics"
	"github.com/pricewatcher/pricewatcher/internal/notifications"
	"github.com/pricewatcher/pricewatcher/internal/pricing"
	"github.com/pricewatcher/pricewatcher/internal/provider"
	"github.com/pricewatcher/pricewatcher/internal/store"
)

var (
	// ErrPersistence wraps store failures. A refresh run stops on the first
	// one; the next trigger retries.
	ErrPersistence = errors.New("persistence failure")

	// ErrNoRecentPrices means the provider knows the product but returned
	// no observations inside the history window.
	ErrNoRecentPrices = errors.New("no recent prices")

	// ErrRunInProgress is returned when a full refresh is already running.
	ErrRunInProgress = errors.New("refresh already in progress")

	// ErrClosed is returned for work submitted after Close.
	ErrClosed = errors.New("refresh service closed")
)

// Store is the persistence the service needs.
type Store interface {
	AppendPricePoints(ctx context.Context, points []pricing.PricePoint) (int64, error)
	GetSnapshot(ctx context.Context, url string) (*store.ProductDetails, error)
	SaveSnapshot(ctx context.Context, p store.ProductDetails) error
	MarkDead(ctx context.Context, url, reason string) error
	ListWatchedURLs(ctx context.Context) ([]string, error)
	ListWatchers(ctx context.Context, url string) ([]store.Watcher, error)
	notifications.Recorder
}

// Config tunes the service. Zero values fall back to defaults.
type Config struct {
	Workers       int
	FetchAttempts int
	RetryDelay    time.Duration
	FetchTimeout  time.Duration
	CacheEnabled  bool
	CacheTTL      time.Duration
}

// Service is safe for concurrent use.
type Service struct {
	store      Store
	provider   provider.RetailerDataProvider
	dispatcher *notifications.Dispatcher
	coalescer  *coalesce.Coalescer[*store.ProductDetails]
	cfg        Config
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	runMu sync.Mutex

	// notifyLocks serializes watcher evaluation and dispatch per url so two
	// paths never decide against the same notification state.
	notifyLocks *urlLocks

	bgMu     sync.Mutex
	bg       sync.WaitGroup
	closed   bool
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// New wires a Service.
func New(st Store, p provider.RetailerDataProvider, d *notifications.Dispatcher, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Minute
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = coalesce.FreshDetail
	}

	s := &Service{
		store:      st,
		provider:   p,
		dispatcher: d,
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
		now:        time.Now,

		notifyLocks: newURLLocks(),
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	s.coalescer = coalesce.New(s.fetchSnapshot, coalesce.Options{
		Enabled:       cfg.CacheEnabled,
		Retention:     cfg.CacheTTL,
		FlightTimeout: cfg.FetchTimeout,
		Metrics:       m,
	})
	return s
}

// CacheStats exposes the coalescer counters.
func (s *Service) CacheStats() coalesce.Stats {
	return s.coalescer.Stats()
}

// PruneCache drops expired cache entries.
func (s *Service) PruneCache() {
	s.coalescer.Prune()
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// GetSnapshot returns the snapshot for url, no older than window. If the
// provider cannot be reached the stored snapshot is returned with Stale set.
// The returned value is shared between callers and must not be modified.
func (s *Service) GetSnapshot(ctx context.Context, url string, window time.Duration) (*store.ProductDetails, error) {
	snap, err := s.coalescer.Get(ctx, url, window)
	if err == nil {
		return snap, nil
	}
	if ctx.Err() != nil || errors.Is(err, provider.ErrNotFound) || errors.Is(err, ErrPersistence) {
		return nil, err
	}

	stored, serr := s.store.GetSnapshot(ctx, url)
	if serr != nil {
		return nil, err
	}
	s.logger.Warn("Serving stored snapshot", "url", url, "error", err)
	stale := *stored
	stale.Stale = true
	return &stale, nil
}

// --------------------------------------------------------------------------
// Single product
// --------------------------------------------------------------------------

// ProductResult is the outcome of refreshing one product.
type ProductResult struct {
	URL      string
	Snapshot *store.ProductDetails
	Dispatch notifications.DispatchResult
	Err      error
}

// RefreshOne drops any cached snapshot for url, fetches a new one and
// notifies its watchers.
func (s *Service) RefreshOne(ctx context.Context, url string) ProductResult {
	s.coalescer.Clear(url)
	return s.refreshProduct(ctx, url)
}

// refreshProduct fetches through the coalescer, bypassing the cache, then
// evaluates every watcher against the new snapshot.
func (s *Service) refreshProduct(ctx context.Context, url string) ProductResult {
	res := ProductResult{URL: url}
	snap, err := s.coalescer.Get(ctx, url, 0)
	if err != nil {
		res.Err = err
		return res
	}
	res.Snapshot = snap
	res.Dispatch, res.Err = s.notifyWatchers(ctx, snap)
	return res
}

// EvaluateAndNotify evaluates the stored snapshot for url against every
// current watcher and dispatches where the rules say so.
func (s *Service) EvaluateAndNotify(ctx context.Context, url string) (notifications.DispatchResult, error) {
	snap, err := s.store.GetSnapshot(ctx, url)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notifications.DispatchResult{}, err
		}
		return notifications.DispatchResult{}, fmt.Errorf("load snapshot: %w: %w", ErrPersistence, err)
	}
	return s.notifyWatchers(ctx, snap)
}

func (s *Service) notifyWatchers(ctx context.Context, snap *store.ProductDetails) (notifications.DispatchResult, error) {
	if snap.Dead {
		return notifications.DispatchResult{}, nil
	}
	unlock, err := s.notifyLocks.acquire(ctx, snap.URL)
	if err != nil {
		return notifications.DispatchResult{}, err
	}
	defer unlock()

	watchers, err := s.store.ListWatchers(ctx, snap.URL)
	if err != nil {
		return notifications.DispatchResult{}, fmt.Errorf("list watchers: %w: %w", ErrPersistence, err)
	}

	now := s.now().UTC()
	var recipients []notifications.Recipient
	for _, w := range watchers {
		view := snap.ViewFor(w.Settings.ExcludedRetailers)
		d := notifications.Evaluate(view, w.State, w.Settings, now)
		if !d.Notify {
			s.logger.Debug("No notification",
				"username", w.Settings.Username, "url", snap.URL,
				"reason", d.Reason, "discount", d.DiscountPercent.String())
			continue
		}
		r := notifications.Recipient{Settings: w.Settings, Decision: d}
		if w.State != nil {
			prev := w.State.LastDiscountPercent
			r.PreviousDiscount = &prev
		}
		recipients = append(recipients, r)
	}
	if len(recipients) == 0 {
		return notifications.DispatchResult{}, nil
	}

	product := notifications.Product{URL: snap.URL, Name: snap.ProductName}
	res, err := s.dispatcher.Dispatch(ctx, product, recipients)
	if err != nil {
		return res, fmt.Errorf("dispatch: %w: %w", ErrPersistence, err)
	}
	return res, nil
}

// --------------------------------------------------------------------------
// Fetch pipeline (runs once per coalesced flight)
// --------------------------------------------------------------------------

func (s *Service) fetchSnapshot(ctx context.Context, url string) (*store.ProductDetails, error) {
	points, err := s.fetchPrices(ctx, url)
	if errors.Is(err, provider.ErrNotFound) {
		if derr := s.store.MarkDead(ctx, url, err.Error()); derr != nil {
			return nil, fmt.Errorf("mark dead: %w: %w", ErrPersistence, derr)
		}
		s.logger.Warn("Product marked dead", "url", url, "error", err)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%s: %w", url, ErrNoRecentPrices)
	}

	added, err := s.store.AppendPricePoints(ctx, points)
	if err != nil {
		return nil, fmt.Errorf("append price points: %w: %w", ErrPersistence, err)
	}
	s.logger.Debug("Stored price points", "url", url, "fetched", len(points), "new", added)

	prev, err := s.store.GetSnapshot(ctx, url)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load snapshot: %w: %w", ErrPersistence, err)
	}

	latest := pricing.LatestPerRetailer(points)
	view := pricing.Aggregate(latest, nil)
	name := provider.ProductName(url)
	if prev != nil && prev.ProductName != "" {
		name = prev.ProductName
	}
	snap := store.NewProductDetails(url, name, view, pricing.RetailerPrices(latest), s.now().UTC())
	if prev != nil {
		snap.ImageURL = prev.ImageURL
		snap.LastNotificationSent = prev.LastNotificationSent
		snap.LastDiscountPercent = prev.LastDiscountPercent
	}

	err = s.store.SaveSnapshot(ctx, snap)
	switch {
	case errors.Is(err, store.ErrStaleSnapshot):
		s.logger.Debug("Dropped stale snapshot write", "url", url)
		newer, gerr := s.store.GetSnapshot(ctx, url)
		if gerr != nil {
			return nil, fmt.Errorf("reload snapshot: %w: %w", ErrPersistence, gerr)
		}
		return newer, nil
	case err != nil:
		return nil, fmt.Errorf("save snapshot: %w: %w", ErrPersistence, err)
	}

	s.logger.Info("Snapshot refreshed",
		"url", url, "best", view.BestPrice.String(), "retailer", view.WinningRetailer,
		"retailers", view.RetailerCount)
	return &snap, nil
}

// fetchPrices calls the provider, retrying rate limits and transient
// failures with exponential backoff.
func (s *Service) fetchPrices(ctx context.Context, url string) ([]pricing.PricePoint, error) {
	var points []pricing.PricePoint
	op := func() error {
		var err error
		points, err = s.provider.FetchPrices(ctx, url)
		s.metrics.RecordProviderFetch(fetchStatus(err))
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(err)
		case provider.Retryable(err):
			s.logger.Debug("Provider fetch failed, retrying", "url", url, "error", err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.RetryDelay
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.cfg.FetchAttempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	return points, nil
}

func fetchStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, provider.ErrNotFound):
		return "not_found"
	case errors.Is(err, provider.ErrRateLimited):
		return "rate_limited"
	case provider.Retryable(err):
		return "transient"
	default:
		return "error"
	}
}

// --------------------------------------------------------------------------
// Background work
// --------------------------------------------------------------------------

// Go runs fn in the background on a context owned by the service. Close
// waits for it. Returns ErrClosed once the service is shutting down.
func (s *Service) Go(name string, fn func(ctx context.Context)) error {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		start := time.Now()
		fn(s.bgCtx)
		s.logger.Debug("Background task finished", "task", name, "duration", time.Since(start).Round(time.Millisecond))
	}()
	return nil
}

// Close stops accepting background work and waits for running tasks. If ctx
// expires first the tasks' context is cancelled and Close still waits for
// them to return.
func (s *Service) Close(ctx context.Context) error {
	s.bgMu.Lock()
	s.closed = true
	s.bgMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.bgCancel()
		return nil
	case <-ctx.Done():
		s.bgCancel()
		<-done
		return ctx.Err()
	}
}
