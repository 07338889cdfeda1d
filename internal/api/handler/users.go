package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pricewatcher/pricewatcher/internal/api/respond"
	"github.com/pricewatcher/pricewatcher/internal/store"
)

const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 500
)

// SettingsRequest is the body of PUT /users/{username}/settings.
type SettingsRequest struct {
	NotificationCredential string           `json:"notification_credential"`
	DiscountThreshold      *decimal.Decimal `json:"discount_threshold"`
	ExcludedRetailers      []string         `json:"excluded_retailers"`
	MinDaysBetween         int              `json:"min_days_between"`
}

// SettingsResponse is a user's settings with the credential masked.
type SettingsResponse struct {
	Username               string           `json:"username"`
	NotificationCredential string           `json:"notification_credential"`
	DiscountThreshold      *decimal.Decimal `json:"discount_threshold"`
	ExcludedRetailers      []string         `json:"excluded_retailers"`
	MinDaysBetween         int              `json:"min_days_between"`
	CredentialInvalid      bool             `json:"credential_invalid"`
}

func newSettingsResponse(u store.UserSettings) SettingsResponse {
	excluded := u.ExcludedRetailers
	if excluded == nil {
		excluded = []string{}
	}
	return SettingsResponse{
		Username:               u.Username,
		NotificationCredential: maskCredential(u.NotificationCredential),
		DiscountThreshold:      u.DiscountThreshold,
		ExcludedRetailers:      excluded,
		MinDaysBetween:         u.MinDaysBetween,
		CredentialInvalid:      u.CredentialInvalid,
	}
}

// GetSettings returns a user's notification settings.
// @Summary Get user settings
// @Description Returns notification settings; unknown users get the defaults. The credential is masked.
// @Tags users
// @Produce json
// @Param username path string true "Username"
// @Success 200 {object} SettingsResponse
// @Failure 400 {object} respond.ErrorResponse
// @Failure 500 {object} respond.ErrorResponse
// @Router /users/{username}/settings [get]
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	username, ok := requireUsername(w, r)
	if !ok {
		return
	}
	u, err := h.users.GetSettings(r.Context(), username)
	if err != nil {
		h.storeError(w, "get settings", err)
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, newSettingsResponse(u))
}

// PutSettings replaces a user's notification settings.
// @Summary Update user settings
// @Description Validates and stores notification settings. Saving clears a flagged credential.
// @Tags users
// @Accept json
// @Produce json
// @Param username path string true "Username"
// @Param body body SettingsRequest true "Settings"
// @Success 200 {object} SettingsResponse
// @Failure 400 {object} respond.ErrorResponse
// @Failure 500 {object} respond.ErrorResponse
// @Router /users/{username}/settings [put]
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	username, ok := requireUsername(w, r)
	if !ok {
		return
	}
	var req SettingsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	u := store.UserSettings{
		Username:               username,
		NotificationCredential: strings.TrimSpace(req.NotificationCredential),
		DiscountThreshold:      req.DiscountThreshold,
		ExcludedRetailers:      req.ExcludedRetailers,
		MinDaysBetween:         req.MinDaysBetween,
	}
	if u.MinDaysBetween == 0 {
		u.MinDaysBetween = 1
	}
	if err := u.Validate(); err != nil {
		h.storeError(w, "validate settings", err)
		return
	}
	if err := h.users.SaveSettings(r.Context(), u); err != nil {
		h.storeError(w, "save settings", err)
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, newSettingsResponse(u))
}

// GetWatchlist returns the products a user watches.
// @Summary Get watchlist
// @Tags users
// @Produce json
// @Param username path string true "Username"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Router /users/{username}/watchlist [get]
func (h *Handler) GetWatchlist(w http.ResponseWriter, r *http.Request) {
	username, ok := requireUsername(w, r)
	if !ok {
		return
	}
	urls, err := h.users.GetWatchlist(r.Context(), username)
	if err != nil {
		h.storeError(w, "get watchlist", err)
		return
	}
	if urls == nil {
		urls = []string{}
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"username": username,
		"urls":     urls,
	})
}

// AddToWatchlist starts watching a product. The first snapshot is fetched
// in the background.
// @Summary Add to watchlist
// @Tags users
// @Accept json
// @Produce json
// @Param username path string true "Username"
// @Param body body URLRequest true "Product url"
// @Success 201 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Router /users/{username}/watchlist [post]
func (h *Handler) AddToWatchlist(w http.ResponseWriter, r *http.Request) {
	username, ok := requireUsername(w, r)
	if !ok {
		return
	}
	var req URLRequest
	if !decodeBody(w, r, &req) {
		return
	}
	u, ok := requireURL(w, req.URL)
	if !ok {
		return
	}
	if err := h.users.AddToWatchlist(r.Context(), username, u); err != nil {
		h.storeError(w, "add to watchlist", err)
		return
	}
	respond.WriteJSONObject(w, http.StatusCreated, map[string]interface{}{
		"username": username,
		"url":      u,
	})
}

// RemoveFromWatchlist stops watching a product.
// @Summary Remove from watchlist
// @Tags users
// @Produce json
// @Param username path string true "Username"
// @Param url query string true "Product url"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Router /users/{username}/watchlist [delete]
func (h *Handler) RemoveFromWatchlist(w http.ResponseWriter, r *http.Request) {
	username, ok := requireUsername(w, r)
	if !ok {
		return
	}
	u, ok := requireURL(w, r.URL.Query().Get("url"))
	if !ok {
		return
	}
	if err := h.users.RemoveFromWatchlist(r.Context(), username, u); err != nil {
		h.storeError(w, "remove from watchlist", err)
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"username": username,
		"url":      u,
		"removed":  true,
	})
}

// GetNotifications returns a user's notification log, newest first.
// @Summary Get notification log
// @Tags users
// @Produce json
// @Param username path string true "Username"
// @Param limit query int false "Max entries (default 50, max 500)"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Router /users/{username}/notifications [get]
func (h *Handler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	username, ok := requireUsername(w, r)
	if !ok {
		return
	}

	limit := defaultNotificationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respond.WriteError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = min(n, maxNotificationLimit)
	}

	entries, err := h.users.ListNotifications(r.Context(), username, limit)
	if err != nil {
		h.storeError(w, "list notifications", err)
		return
	}
	if entries == nil {
		entries = []store.NotificationLogEntry{}
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"username":      username,
		"notifications": entries,
		"count":         len(entries),
	})
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func requireUsername(w http.ResponseWriter, r *http.Request) (string, bool) {
	username := strings.TrimSpace(chi.URLParam(r, "username"))
	if username == "" {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_USERNAME", "username must not be empty")
		return "", false
	}
	return username, true
}

func (h *Handler) storeError(w http.ResponseWriter, op string, err error) {
	var verr *store.ValidationError
	if errors.As(err, &verr) {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error(), verr.Field)
		return
	}
	h.logger.Error("Store operation failed", "op", op, "error", err)
	respond.WriteError(w, http.StatusInternalServerError, "STORE_ERROR", "Storage operation failed")
}

// maskCredential keeps the last four characters of a credential.
func maskCredential(c string) string {
	if c == "" {
		return ""
	}
	if len(c) <= 4 {
		return strings.Repeat("*", len(c))
	}
	return strings.Repeat("*", len(c)-4) + c[len(c)-4:]
}
