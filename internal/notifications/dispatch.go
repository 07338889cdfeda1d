package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/pricewatcher/pricewatcher/internal/metrics"
	"github.com/pricewatcher/pricewatcher/internal/store"
)

const recordTimeout = 10 * time.Second

// DispatcherConfig bounds delivery. Zero values fall back to defaults.
type DispatcherConfig struct {
	Timeout     time.Duration // per send attempt
	MaxAttempts int
	RetryDelay  time.Duration // initial backoff interval
	Concurrency int
}

// Dispatcher sends alerts and records their outcome.
type Dispatcher struct {
	transport Transport
	recorder  Recorder
	cfg       DispatcherConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher. A nil transport makes every send fail
// permanently, which is still logged.
func NewDispatcher(t Transport, r Recorder, cfg DispatcherConfig, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Dispatcher{
		transport: t,
		recorder:  r,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// DispatchResult summarises one Dispatch call.
type DispatchResult struct {
	Sent     int
	Failed   int
	Attempts int
}

// Summary returns a human-readable one-line summary.
func (r DispatchResult) Summary() string {
	return fmt.Sprintf("sent=%d failed=%d attempts=%d", r.Sent, r.Failed, r.Attempts)
}

// Dispatch delivers to every recipient concurrently, bounded by the
// configured concurrency. Recipients are independent: a send failure is
// logged and counted, never propagated. Only a failure to persist an
// outcome is returned, after all recipients have been processed.
func (d *Dispatcher) Dispatch(ctx context.Context, p Product, recipients []Recipient) (DispatchResult, error) {
	var (
		mu     sync.Mutex
		result DispatchResult
		g      errgroup.Group
	)
	g.SetLimit(d.cfg.Concurrency)

	for _, r := range recipients {
		g.Go(func() error {
			attempts, sendErr, recErr := d.deliver(ctx, p, r)

			mu.Lock()
			result.Attempts += attempts
			if sendErr == nil {
				result.Sent++
			} else {
				result.Failed++
			}
			mu.Unlock()
			return recErr
		})
	}

	err := g.Wait()
	return result, err
}

// deliver sends to one recipient and records the outcome. The record is
// written even if ctx is cancelled once the send has happened, so the
// bookkeeping never falls behind what the user actually received.
func (d *Dispatcher) deliver(ctx context.Context, p Product, r Recipient) (attempts int, sendErr, recErr error) {
	username := r.Settings.Username
	msg := BuildMessage(p, r)

	attempts, sendErr = d.send(ctx, r.Settings.NotificationCredential, msg)

	entry := store.NotificationLogEntry{
		Username:        username,
		ProductURL:      p.URL,
		DiscountPercent: r.Decision.DiscountPercent,
		Price:           r.Decision.BestPrice,
		Retailer:        r.Decision.Retailer,
		SentAt:          d.now().UTC(),
		Success:         sendErr == nil,
	}
	if sendErr == nil {
		entry.Detail = fmt.Sprintf("sent attempts=%d", attempts)
		d.metrics.RecordNotification("sent", attempts)
		d.logger.Info("Notification sent",
			"username", username, "url", p.URL, "discount", r.Decision.DiscountPercent.String(), "attempts", attempts)
	} else {
		entry.Detail = fmt.Sprintf("%v attempts=%d", sendErr, attempts)
		d.metrics.RecordNotification("failed", attempts)
		d.logger.Warn("Notification failed",
			"username", username, "url", p.URL, "attempts", attempts, "error", sendErr)
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := d.recorder.RecordNotification(rctx, entry); err != nil {
		return attempts, sendErr, fmt.Errorf("record notification for %s: %w", username, err)
	}
	if IsPermanent(sendErr) {
		if err := d.recorder.MarkCredentialInvalid(rctx, username); err != nil {
			return attempts, sendErr, fmt.Errorf("flag credential for %s: %w", username, err)
		}
		d.logger.Warn("Notification credential flagged invalid", "username", username)
	}
	return attempts, sendErr, nil
}

// send calls the transport with a per-attempt timeout, retrying transient
// failures with exponential backoff up to MaxAttempts.
func (d *Dispatcher) send(ctx context.Context, credential string, msg Message) (int, error) {
	if d.transport == nil {
		return 0, errors.New("no notification transport configured")
	}

	attempts := 0
	op := func() error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()

		err := d.transport.Send(actx, credential, msg)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case IsPermanent(err):
			return backoff.Permanent(err)
		default:
			return err
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.cfg.RetryDelay
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.cfg.MaxAttempts-1)), ctx)

	err := backoff.Retry(op, policy)
	return attempts, err
}
