// Package store holds the persisted entities of the price-tracking core and
// their Postgres implementation.
//
// Price points and notification log entries are append-only. A product has
// exactly one live snapshot, replaced last-writer-wins by last_updated.
// Notification bookkeeping is only written together with a log entry, inside
// one transaction (see PG.RecordNotification).
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricewatcher/pricewatcher/internal/pricing"
)

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrNotFound is returned when a snapshot or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleSnapshot is returned by SaveSnapshot when the stored snapshot
	// is at least as new as the one being written. The write is dropped.
	ErrStaleSnapshot = errors.New("stale snapshot")
)

// ValidationError reports a user setting that cannot be stored.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// --------------------------------------------------------------------------
// Entities
// --------------------------------------------------------------------------

// ProductDetails is the live aggregated snapshot for one product url.
// The stored snapshot is computed without any retailer exclusions.
type ProductDetails struct {
	URL                  string                  `json:"url"`
	ProductName          string                  `json:"product_name"`
	ImageURL             *string                 `json:"image_url,omitempty"`
	BestPrice            decimal.Decimal         `json:"best_price"`
	AveragePrice         decimal.Decimal         `json:"average_price"`
	LowestPrice          decimal.Decimal         `json:"lowest_price"`
	HighestPrice         decimal.Decimal         `json:"highest_price"`
	BestRetailer         string                  `json:"best_retailer"`
	PriceVariation       decimal.Decimal         `json:"price_variation"`
	Retailers            []pricing.RetailerPrice `json:"retailers"`
	LastUpdated          time.Time               `json:"last_updated"`
	LastNotificationSent *time.Time              `json:"last_notification_sent,omitempty"`
	LastDiscountPercent  *decimal.Decimal        `json:"last_discount_percent,omitempty"`
	Dead                 bool                    `json:"dead"`

	// Stale marks a stored snapshot served because a fresh fetch failed.
	// Not persisted.
	Stale bool `json:"stale,omitempty"`
}

// NewProductDetails builds a snapshot from an all-retailer view.
func NewProductDetails(url, name string, v pricing.View, prices []pricing.RetailerPrice, at time.Time) ProductDetails {
	return ProductDetails{
		URL:            url,
		ProductName:    name,
		BestPrice:      v.BestPrice,
		AveragePrice:   v.AveragePrice,
		LowestPrice:    v.LowestPrice,
		HighestPrice:   v.HighestPrice,
		BestRetailer:   v.WinningRetailer,
		PriceVariation: v.Variation(),
		Retailers:      prices,
		LastUpdated:    at,
	}
}

// ViewFor re-aggregates the snapshot's retailer prices with a user's
// exclusions.
func (p *ProductDetails) ViewFor(excluded []string) pricing.View {
	return pricing.Aggregate(pricing.PointsFromRetailers(p.URL, p.Retailers), excluded)
}

// UserSettings are a user's notification preferences.
// A nil DiscountThreshold means the user is never notified automatically.
type UserSettings struct {
	Username               string           `json:"username"`
	NotificationCredential string           `json:"notification_credential"`
	DiscountThreshold      *decimal.Decimal `json:"discount_threshold"`
	ExcludedRetailers      []string         `json:"excluded_retailers"`
	MinDaysBetween         int              `json:"min_days_between"`

	// CredentialInvalid is set after a permanent transport failure and
	// cleared by the next settings update.
	CredentialInvalid bool `json:"credential_invalid"`
}

// DefaultSettings returns the settings a user starts with.
func DefaultSettings(username string) UserSettings {
	return UserSettings{
		Username:          username,
		ExcludedRetailers: []string{},
		MinDaysBetween:    1,
	}
}

var maxThreshold = decimal.NewFromInt(100)

// Validate checks the settings before they are stored, and normalises the
// exclusion list (trimmed, de-duplicated, empty names dropped).
func (s *UserSettings) Validate() error {
	s.Username = strings.TrimSpace(s.Username)
	if s.Username == "" {
		return &ValidationError{Field: "username", Message: "must not be empty"}
	}
	if t := s.DiscountThreshold; t != nil && (t.IsNegative() || t.GreaterThan(maxThreshold)) {
		return &ValidationError{Field: "discount_threshold", Message: "must be between 0 and 100"}
	}
	if s.MinDaysBetween < 1 {
		return &ValidationError{Field: "min_days_between", Message: "must be at least 1"}
	}

	seen := make(map[string]struct{}, len(s.ExcludedRetailers))
	cleaned := make([]string, 0, len(s.ExcludedRetailers))
	for _, r := range s.ExcludedRetailers {
		r = strings.TrimSpace(r)
		key := strings.ToLower(r)
		if r == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		cleaned = append(cleaned, r)
	}
	s.ExcludedRetailers = cleaned
	return nil
}

// NotificationState is the per (user, product) notification baseline.
type NotificationState struct {
	Username            string          `json:"username"`
	ProductURL          string          `json:"product_url"`
	LastDiscountPercent decimal.Decimal `json:"last_discount_percent"`
	LastSentAt          time.Time       `json:"last_sent_at"`
}

// Watcher is a user watching a product, with the bookkeeping for that pair.
// State is nil when the user has never been notified about the product.
type Watcher struct {
	Settings UserSettings
	State    *NotificationState
}

// NotificationLogEntry is one dispatch, successful or not.
type NotificationLogEntry struct {
	ID              int64           `json:"id"`
	Username        string          `json:"username"`
	ProductURL      string          `json:"product_url"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	Price           decimal.Decimal `json:"price"`
	Retailer        string          `json:"retailer"`
	SentAt          time.Time       `json:"sent_at"`
	Success         bool            `json:"success"`
	Detail          string          `json:"detail"`
}
