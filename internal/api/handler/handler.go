// Package handler provides HTTP handlers for all API endpoints.
// Handlers talk to the refresh service and the user store through narrow
// interfaces; network I/O to retailers and transports never runs on a
// request goroutine except for cache-backed snapshot reads.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pricewatcher/pricewatcher/internal/api/respond"
	"github.com/pricewatcher/pricewatcher/internal/coalesce"
	"github.com/pricewatcher/pricewatcher/internal/config"
	"github.com/pricewatcher/pricewatcher/internal/notifications"
	"github.com/pricewatcher/pricewatcher/internal/refresh"
	"github.com/pricewatcher/pricewatcher/internal/store"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// SnapshotService is the part of refresh.Service the handlers use.
type SnapshotService interface {
	GetSnapshot(ctx context.Context, url string, window time.Duration) (*store.ProductDetails, error)
	RefreshOne(ctx context.Context, url string) refresh.ProductResult
	EvaluateAndNotify(ctx context.Context, url string) (notifications.DispatchResult, error)
	Go(name string, fn func(ctx context.Context)) error
	CacheStats() coalesce.Stats
}

// Trigger queues a manual full refresh.
type Trigger interface {
	TriggerNow() bool
}

// UserStore holds user settings, watchlists and the notification log.
type UserStore interface {
	Ping(ctx context.Context) error
	GetSettings(ctx context.Context, username string) (store.UserSettings, error)
	SaveSettings(ctx context.Context, u store.UserSettings) error
	GetWatchlist(ctx context.Context, username string) ([]string, error)
	AddToWatchlist(ctx context.Context, username, url string) error
	RemoveFromWatchlist(ctx context.Context, username, url string) error
	ListNotifications(ctx context.Context, username string, limit int) ([]store.NotificationLogEntry, error)
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	svc          SnapshotService
	trigger      Trigger
	users        UserStore
	listWindow   time.Duration
	detailWindow time.Duration
	logger       *slog.Logger
}

// New creates a Handler with shared dependencies.
func New(svc SnapshotService, trigger Trigger, users UserStore, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:          svc,
		trigger:      trigger,
		users:        users,
		listWindow:   cfg.CacheListFresh,
		detailWindow: cfg.CacheDetailFresh,
		logger:       logger,
	}
}

// Root serves API info at /.
// @Summary API root info
// @Description Returns API name, version, status, and available optimizations.
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"name":    "Pricewatcher API",
		"version": "1.0.0",
		"status":  "running",
		"docs":    "/docs",
		"optimizations": []string{
			"pgxpool_connection_pooling",
			"prepared_statements",
			"request_coalescing",
			"gzip_compression",
			"etag_support",
		},
	})
}

// HealthCheck returns basic health status.
// @Summary Health check
// @Description Returns basic health status and timestamp.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckDB verifies database connectivity.
// @Summary Database health check
// @Description Verifies Postgres connectivity.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/db [get]
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	if err := h.users.Ping(r.Context()); err != nil {
		h.logger.Warn("Database health check failed", "error", err)
		respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "unhealthy",
			"database":  "disconnected",
			"error":     "Database connection check failed",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckCache returns coalescer statistics.
// @Summary Cache health check
// @Description Returns snapshot cache statistics (hits, misses, shared flights, cached keys).
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health/cache [get]
func (h *Handler) HealthCheckCache(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"cache":     h.svc.CacheStats(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_BODY", "Request body is not valid JSON", err.Error())
		return false
	}
	return true
}

// productURL validates a product url: absolute http(s) with a host.
func productURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.New("url is not valid")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("url must be http or https")
	}
	if u.Host == "" {
		return "", errors.New("url must have a host")
	}
	return raw, nil
}

// requireURL validates raw and writes a 400 when it is not a product url.
func requireURL(w http.ResponseWriter, raw string) (string, bool) {
	u, err := productURL(raw)
	if err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_URL", err.Error())
		return "", false
	}
	return u, true
}
