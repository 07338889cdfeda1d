// Package metrics provides the Prometheus collectors for the refresh
// pipeline, the request coalescer and notification delivery.
//
// All Record* methods are safe on a nil *Metrics so components can run
// without instrumentation in tests and CLI commands.
package metrics

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exports.
type Metrics struct {
	coalescerRequests  *prometheus.CounterVec   // result: hit, miss, shared
	coalescerFlights   *prometheus.CounterVec   // status: success, error
	providerFetches    *prometheus.CounterVec   // status: success, not_found, rate_limited, transient, error
	refreshRuns        *prometheus.CounterVec   // trigger: daily, manual, catch_up
	refreshDuration    *prometheus.HistogramVec // trigger
	refreshProducts    *prometheus.CounterVec   // outcome: refreshed, stale, dead, failed
	notificationsTotal *prometheus.CounterVec   // status: sent, failed, skipped
	notifyAttempts     prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collectors and registers them with registry. A nil
// registry gets a fresh private one.
func New(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{registry: registry}

	m.coalescerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_coalescer_requests_total",
			Help: "Snapshot lookups by cache result",
		},
		[]string{"result"},
	)
	m.coalescerFlights = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_coalescer_flights_total",
			Help: "Fetch-and-aggregate flights by status",
		},
		[]string{"status"},
	)
	m.providerFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_provider_fetches_total",
			Help: "Retailer provider calls by status",
		},
		[]string{"status"},
	)
	m.refreshRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_refresh_runs_total",
			Help: "Refresh runs by trigger",
		},
		[]string{"trigger"},
	)
	m.refreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricewatch_refresh_duration_seconds",
			Help:    "Wall time of a refresh run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"trigger"},
	)
	m.refreshProducts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_refresh_products_total",
			Help: "Products processed by refresh runs, by outcome",
		},
		[]string{"outcome"},
	)
	m.notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_notifications_total",
			Help: "Notification dispatches by status",
		},
		[]string{"status"},
	)
	m.notifyAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pricewatch_notification_attempts_total",
			Help: "Transport send attempts including retries",
		},
	)

	for _, c := range []prometheus.Collector{
		m.coalescerRequests, m.coalescerFlights, m.providerFetches,
		m.refreshRuns, m.refreshDuration, m.refreshProducts,
		m.notificationsTotal, m.notifyAttempts,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      log.New(os.Stderr, "metrics handler: ", log.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// ---------------------------------------------------------------------------
// Recorders
// ---------------------------------------------------------------------------

// RecordLookup counts a coalescer lookup ("hit", "miss" or "shared").
func (m *Metrics) RecordLookup(result string) {
	if m == nil {
		return
	}
	m.coalescerRequests.WithLabelValues(result).Inc()
}

// RecordFlight counts a completed coalescer flight.
func (m *Metrics) RecordFlight(err error) {
	if m == nil {
		return
	}
	m.coalescerFlights.WithLabelValues(statusOf(err)).Inc()
}

// RecordProviderFetch counts a provider call by a caller-chosen status.
func (m *Metrics) RecordProviderFetch(status string) {
	if m == nil {
		return
	}
	m.providerFetches.WithLabelValues(status).Inc()
}

// RecordRefreshRun records one completed run and its duration.
func (m *Metrics) RecordRefreshRun(trigger string, d time.Duration) {
	if m == nil {
		return
	}
	m.refreshRuns.WithLabelValues(trigger).Inc()
	m.refreshDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

// RecordProductOutcome counts n products with the given outcome.
func (m *Metrics) RecordProductOutcome(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.refreshProducts.WithLabelValues(outcome).Add(float64(n))
}

// RecordNotification counts one dispatch and its transport attempts.
func (m *Metrics) RecordNotification(status string, attempts int) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(status).Inc()
	if attempts > 0 {
		m.notifyAttempts.Add(float64(attempts))
	}
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
