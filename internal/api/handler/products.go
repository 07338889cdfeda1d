package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pricewatcher/pricewatcher/internal/api/respond"
	"github.com/pricewatcher/pricewatcher/internal/provider"
	"github.com/pricewatcher/pricewatcher/internal/refresh"
	"github.com/pricewatcher/pricewatcher/internal/store"
)

const (
	// maxInfoURLs bounds a single product-info request.
	maxInfoURLs = 50

	// infoConcurrency bounds snapshot lookups per product-info request.
	infoConcurrency = 8
)

// URLRequest is the body of the single-product endpoints.
type URLRequest struct {
	URL string `json:"url"`
}

// InfoRequest is the body of POST /products/info.
type InfoRequest struct {
	URLs []string `json:"urls"`
}

// InfoResult is one url's entry in a product-info response.
type InfoResult struct {
	URL      string                `json:"url"`
	Snapshot *store.ProductDetails `json:"snapshot,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// GetSnapshot serves the aggregated snapshot for one product.
// @Summary Get product snapshot
// @Description Returns the aggregated price snapshot for a product url. Served from the coalescing cache when fresh; a stored snapshot is returned with X-Data-Stale when the provider is unavailable.
// @Tags products
// @Produce json
// @Param url query string true "Product url"
// @Param window query string false "Freshness window" Enums(detail, list)
// @Success 200 {object} store.ProductDetails
// @Success 304 "Not modified"
// @Failure 400 {object} respond.ErrorResponse
// @Failure 404 {object} respond.ErrorResponse
// @Failure 503 {object} respond.ErrorResponse
// @Router /products/snapshot [get]
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	u, ok := requireURL(w, r.URL.Query().Get("url"))
	if !ok {
		return
	}

	window := h.detailWindow
	switch r.URL.Query().Get("window") {
	case "", "detail":
	case "list":
		window = h.listWindow
	default:
		respond.WriteError(w, http.StatusBadRequest, "INVALID_WINDOW", "window must be detail or list")
		return
	}

	snap, err := h.svc.GetSnapshot(r.Context(), u, window)
	if err != nil {
		h.writeSnapshotError(w, u, err)
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		respond.WriteError(w, http.StatusInternalServerError, "ENCODE_FAILED", "Could not encode snapshot")
		return
	}
	etag := respond.ComputeETag(data)
	if respond.CheckETagMatch(r.Header.Get("If-None-Match"), etag) {
		respond.WriteNotModified(w, etag)
		return
	}

	maxAge := window
	if snap.Stale {
		w.Header().Set("X-Data-Stale", "true")
		maxAge = 0
	}
	respond.WriteJSON(w, data, etag, maxAge)
}

// GetProductInfo returns snapshots for several products at once.
// @Summary Get product info
// @Description Returns a snapshot per url, using the list freshness window. Failures are reported per url.
// @Tags products
// @Accept json
// @Produce json
// @Param body body InfoRequest true "Product urls"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Router /products/info [post]
func (h *Handler) GetProductInfo(w http.ResponseWriter, r *http.Request) {
	var req InfoRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.URLs) == 0 {
		respond.WriteError(w, http.StatusBadRequest, "MISSING_URLS", "urls must not be empty")
		return
	}
	if len(req.URLs) > maxInfoURLs {
		respond.WriteError(w, http.StatusBadRequest, "TOO_MANY_URLS", "at most 50 urls per request")
		return
	}

	results := make([]InfoResult, len(req.URLs))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(infoConcurrency)
	for i, raw := range req.URLs {
		results[i].URL = raw
		u, err := productURL(raw)
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		g.Go(func() error {
			snap, err := h.svc.GetSnapshot(ctx, u, h.listWindow)
			if err != nil {
				results[i].Error = snapshotErrorMessage(err)
				return nil
			}
			results[i].Snapshot = snap
			return nil
		})
	}
	_ = g.Wait()

	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"results":   results,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// TriggerRefresh queues a full refresh of every watched product.
// @Summary Trigger full refresh
// @Description Queues a manual refresh of all watched products. Returns immediately; queued is false when a manual run is already pending.
// @Tags refresh
// @Produce json
// @Success 202 {object} map[string]interface{}
// @Router /refresh [post]
func (h *Handler) TriggerRefresh(w http.ResponseWriter, r *http.Request) {
	queued := h.trigger.TriggerNow()
	respond.WriteJSONObject(w, http.StatusAccepted, map[string]interface{}{
		"status": "accepted",
		"queued": queued,
	})
}

// RefreshProduct refreshes one product in the background.
// @Summary Refresh one product
// @Description Drops the cached snapshot, fetches fresh prices and notifies watchers, in the background.
// @Tags refresh
// @Accept json
// @Produce json
// @Param body body URLRequest true "Product url"
// @Success 202 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Failure 503 {object} respond.ErrorResponse
// @Router /refresh/product [post]
func (h *Handler) RefreshProduct(w http.ResponseWriter, r *http.Request) {
	var req URLRequest
	if !decodeBody(w, r, &req) {
		return
	}
	u, ok := requireURL(w, req.URL)
	if !ok {
		return
	}

	err := h.svc.Go("refresh_product", func(ctx context.Context) {
		res := h.svc.RefreshOne(ctx, u)
		if res.Err != nil {
			h.logger.Warn("Product refresh failed", "url", u, "error", res.Err)
			return
		}
		h.logger.Info("Product refreshed", "url", u, "dispatch", res.Dispatch.Summary())
	})
	h.writeAccepted(w, u, err)
}

// Notify evaluates the stored snapshot against every watcher.
// @Summary Evaluate and notify
// @Description Evaluates the stored snapshot for a product against each watcher's settings and sends notifications, in the background.
// @Tags refresh
// @Accept json
// @Produce json
// @Param body body URLRequest true "Product url"
// @Success 202 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Failure 503 {object} respond.ErrorResponse
// @Router /notify [post]
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	var req URLRequest
	if !decodeBody(w, r, &req) {
		return
	}
	u, ok := requireURL(w, req.URL)
	if !ok {
		return
	}

	err := h.svc.Go("notify", func(ctx context.Context) {
		res, err := h.svc.EvaluateAndNotify(ctx, u)
		if err != nil {
			h.logger.Warn("Notify failed", "url", u, "error", err)
			return
		}
		h.logger.Info("Notify finished", "url", u, "dispatch", res.Summary())
	})
	h.writeAccepted(w, u, err)
}

func (h *Handler) writeAccepted(w http.ResponseWriter, u string, err error) {
	if err != nil {
		respond.WriteError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Service is shutting down")
		return
	}
	respond.WriteJSONObject(w, http.StatusAccepted, map[string]interface{}{
		"status": "accepted",
		"url":    u,
	})
}

func (h *Handler) writeSnapshotError(w http.ResponseWriter, u string, err error) {
	switch {
	case errors.Is(err, provider.ErrNotFound), errors.Is(err, store.ErrNotFound):
		respond.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Product not found")
	case errors.Is(err, refresh.ErrNoRecentPrices):
		respond.WriteError(w, http.StatusNotFound, "NO_PRICES", "No recent prices for product")
	default:
		h.logger.Warn("Snapshot unavailable", "url", u, "error", err)
		respond.WriteErrorDetail(w, http.StatusServiceUnavailable, "UNAVAILABLE",
			"Price data unavailable, retry later", snapshotErrorMessage(err))
	}
}

// snapshotErrorMessage is the client-facing text for a snapshot failure.
func snapshotErrorMessage(err error) string {
	switch {
	case errors.Is(err, provider.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return "product not found"
	case errors.Is(err, refresh.ErrNoRecentPrices):
		return "no recent prices"
	case errors.Is(err, provider.ErrRateLimited):
		return "rate limited by provider, retry later"
	case errors.Is(err, refresh.ErrPersistence):
		return "storage unavailable, retry later"
	default:
		return "stale data, retry later"
	}
}
