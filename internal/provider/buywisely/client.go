// Package buywisely fetches per-retailer price histories from the BuyWisely
// product API.
//
// The API is keyed by the product slug and only requires a Referer header.
// Rate limiting is handled via a token bucket limiter shared by all callers.
package buywisely

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pricewatcher/pricewatcher/internal/pricing"
	"github.com/pricewatcher/pricewatcher/internal/provider"
)

// Client implements provider.RetailerDataProvider against BuyWisely.
type Client struct {
	httpClient *http.Client
	baseURL    string
	window     time.Duration
	limiter    *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time
}

// Options configures a Client. Zero values fall back to sensible defaults.
type Options struct {
	BaseURL           string
	RequestsPerMinute int
	Timeout           time.Duration
	// Window bounds how far back observations are kept.
	Window time.Duration
}

var _ provider.RetailerDataProvider = (*Client)(nil)

// NewClient creates a BuyWisely HTTP client with rate limiting.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://www.buywisely.com.au"
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 30
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 30 * 24 * time.Hour
	}
	rps := float64(opts.RequestsPerMinute) / 60.0
	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		window:     opts.Window,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     logger,
		now:        time.Now,
	}
}

// FetchPrices returns every observation inside the window for productURL.
// An empty slice with a nil error means the product exists but has no
// recent prices.
func (c *Client) FetchPrices(ctx context.Context, productURL string) ([]pricing.PricePoint, error) {
	slug := Slug(productURL)
	if slug == "" {
		return nil, fmt.Errorf("no product slug in %q: %w", productURL, provider.ErrNotFound)
	}

	body, err := c.get(ctx, "/api/product/"+slug, productURL)
	if err != nil {
		return nil, err
	}

	listings, err := parseListings(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", slug, err)
	}

	cutoff := c.now().Add(-c.window)
	var points []pricing.PricePoint
	skipped := 0
	for listingURL, entries := range listings {
		retailer := provider.RetailerName(listingURL)
		for _, e := range entries {
			ts, ok := parseTimestamp(e.timestamp())
			if !ok {
				skipped++
				continue
			}
			if ts.Before(cutoff) {
				continue
			}
			price, ok := provider.ExtractPrice(e.price())
			if !ok || !price.IsPositive() {
				skipped++
				continue
			}
			points = append(points, pricing.PricePoint{
				Retailer:   retailer,
				ProductURL: productURL,
				Price:      price,
				ObservedAt: ts,
			})
		}
	}

	if skipped > 0 {
		c.logger.Debug("Skipped malformed price entries", "url", productURL, "count", skipped)
	}
	return points, nil
}

// get performs a rate-limited GET request and maps failures onto the
// provider error kinds.
func (c *Client) get(ctx context.Context, path, referer string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Referer", referer)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("http request %s timed out: %w", path, provider.ErrTransient)
		}
		return nil, fmt.Errorf("http request %s: %v: %w", path, err, provider.ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %v: %w", err, provider.ErrTransient)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("BuyWisely %s returned %d: %w", path, resp.StatusCode, provider.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("BuyWisely %s returned 429: %w", path, provider.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("BuyWisely %s returned %d: %w", path, resp.StatusCode, provider.ErrTransient)
	default:
		return nil, fmt.Errorf("BuyWisely %s returned %d: %s", path, resp.StatusCode, truncate(body, 200))
	}
}

// Slug extracts the product slug from a BuyWisely product url.
func Slug(productURL string) string {
	_, rest, found := strings.Cut(productURL, "/product/")
	if !found {
		return ""
	}
	rest, _, _ = strings.Cut(rest, "?")
	return strings.Trim(rest, "/")
}

// ---------------------------------------------------------------------------
// Response parsing
// ---------------------------------------------------------------------------

// entry is one observation. Field names vary between API versions.
type entry map[string]any

func (e entry) timestamp() string {
	for _, k := range []string{"created_at", "timestamp"} {
		if s, ok := e[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func (e entry) price() any {
	if v, ok := e["base_price"]; ok && v != nil {
		return v
	}
	return e["price"]
}

// parseListings accepts both shapes the API has served: an object mapping
// retailer listing url to observations, and a list of listing objects.
func parseListings(body []byte) (map[string][]entry, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	out := make(map[string][]entry)
	switch data := raw.(type) {
	case map[string]any:
		for listingURL, v := range data {
			if items, ok := v.([]any); ok {
				out[listingURL] = appendEntries(out[listingURL], items)
			}
		}
	case []any:
		for _, item := range data {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			listingURL := firstString(obj, "url", "retailer")
			if listingURL == "" {
				listingURL = "unknown"
			}
			history, _ := obj["prices"].([]any)
			if len(history) == 0 {
				history, _ = obj["price_history"].([]any)
			}
			if len(history) > 0 {
				out[listingURL] = appendEntries(out[listingURL], history)
				continue
			}
			if _, hasPrice := obj["price"]; hasPrice {
				out[listingURL] = append(out[listingURL], entry(obj))
			} else if _, hasBase := obj["base_price"]; hasBase {
				out[listingURL] = append(out[listingURL], entry(obj))
			}
		}
	default:
		return nil, fmt.Errorf("unexpected payload type %T", raw)
	}
	return out, nil
}

func appendEntries(dst []entry, items []any) []entry {
	for _, it := range items {
		if obj, ok := it.(map[string]any); ok {
			dst = append(dst, entry(obj))
		}
	}
	return dst
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// parseTimestamp handles the API's UTC timestamps with or without
// fractional seconds.
func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// truncate returns a truncated string representation for error messages.
func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
