// Package config provides centralized configuration loaded from environment
// variables. Shared by both cmd/api and cmd/pricewatch.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Table names — single source of truth, matches internal/db/schema.sql
// --------------------------------------------------------------------------

const (
	UsersTable             = "users"
	WatchlistTable         = "watchlists"
	PricePointsTable       = "price_points"
	ProductDetailsTable    = "product_details"
	NotificationStateTable = "notification_state"
	NotificationLogTable   = "notification_log"
)

// --------------------------------------------------------------------------
// Config struct — populated from environment variables
// --------------------------------------------------------------------------

type Config struct {
	// Database
	DatabaseURL    string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration

	// API server
	APIHost     string
	APIPort     int
	Environment string // development, staging, production
	Debug       bool

	// CORS
	CORSAllowOrigins []string

	// Rate limiting (inbound API)
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Retailer data provider
	ProviderBaseURL           string
	ProviderRequestsPerMinute int
	ProviderTimeout           time.Duration
	ProviderHistoryWindow     time.Duration

	// Notifications (Pushover via shoutrrr)
	PushoverAppToken  string
	NotifyTimeout     time.Duration
	NotifyMaxAttempts int
	NotifyRetryDelay  time.Duration
	NotifyConcurrency int

	// Refresh scheduler
	RefreshDailyAt       string // HH:MM, UTC
	RefreshWorkers       int
	RefreshFetchAttempts int
	RefreshRetryDelay    time.Duration

	// Coalescer cache
	CacheEnabled     bool
	CacheListFresh   time.Duration
	CacheDetailFresh time.Duration

	// Maintenance
	CleanupInterval     time.Duration
	CatchUpInterval     time.Duration
	SnapshotStaleAfter  time.Duration
	PricePointRetention time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	dbURL := envOr("DATABASE_URL", envOr("PRICEWATCHER_DATABASE_URL", ""))
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL or PRICEWATCHER_DATABASE_URL must be set")
	}

	cfg := &Config{
		DatabaseURL:    dbURL,
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 2),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 10),
		DBPoolMaxLife:  time.Duration(envInt("DB_POOL_MAX_LIFE_MINUTES", 30)) * time.Minute,

		APIHost:     envOr("API_HOST", "0.0.0.0"),
		APIPort:     envInt("API_PORT", envInt("PORT", 8000)),
		Environment: envOr("ENVIRONMENT", "development"),
		Debug:       envBool("DEBUG", false),

		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   time.Duration(envInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		ProviderBaseURL:           envOr("PROVIDER_BASE_URL", "https://www.buywisely.com.au"),
		ProviderRequestsPerMinute: envInt("PROVIDER_REQUESTS_PER_MINUTE", 30),
		ProviderTimeout:           envDuration("PROVIDER_TIMEOUT", 30*time.Second),
		ProviderHistoryWindow:     time.Duration(envInt("PROVIDER_HISTORY_DAYS", 30)) * 24 * time.Hour,

		PushoverAppToken:  envOr("PUSHOVER_APP_TOKEN", ""),
		NotifyTimeout:     envDuration("NOTIFY_TIMEOUT", 10*time.Second),
		NotifyMaxAttempts: envInt("NOTIFY_MAX_ATTEMPTS", 3),
		NotifyRetryDelay:  envDuration("NOTIFY_RETRY_DELAY", time.Second),
		NotifyConcurrency: envInt("NOTIFY_CONCURRENCY", 4),

		RefreshDailyAt:       envOr("REFRESH_DAILY_AT", "06:00"),
		RefreshWorkers:       envInt("REFRESH_WORKERS", 2),
		RefreshFetchAttempts: envInt("REFRESH_FETCH_ATTEMPTS", 3),
		RefreshRetryDelay:    envDuration("REFRESH_RETRY_DELAY", 2*time.Second),

		CacheEnabled:     envBool("CACHE_ENABLED", true),
		CacheListFresh:   envDuration("CACHE_LIST_FRESH", 5*time.Minute),
		CacheDetailFresh: envDuration("CACHE_DETAIL_FRESH", 10*time.Minute),

		CleanupInterval:     envDuration("CLEANUP_INTERVAL", 6*time.Hour),
		CatchUpInterval:     envDuration("CATCHUP_INTERVAL", time.Hour),
		SnapshotStaleAfter:  envDuration("SNAPSHOT_STALE_AFTER", 36*time.Hour),
		PricePointRetention: time.Duration(envInt("PRICE_POINT_RETENTION_DAYS", 90)) * 24 * time.Hour,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if _, _, err := ParseDailyAt(c.RefreshDailyAt); err != nil {
		return err
	}
	if c.RefreshWorkers < 1 {
		return fmt.Errorf("REFRESH_WORKERS must be >= 1, got %d", c.RefreshWorkers)
	}
	if c.RefreshFetchAttempts < 1 {
		return fmt.Errorf("REFRESH_FETCH_ATTEMPTS must be >= 1, got %d", c.RefreshFetchAttempts)
	}
	if c.NotifyMaxAttempts < 1 {
		return fmt.Errorf("NOTIFY_MAX_ATTEMPTS must be >= 1, got %d", c.NotifyMaxAttempts)
	}
	if c.NotifyConcurrency < 1 {
		return fmt.Errorf("NOTIFY_CONCURRENCY must be >= 1, got %d", c.NotifyConcurrency)
	}
	if c.ProviderRequestsPerMinute < 1 {
		return fmt.Errorf("PROVIDER_REQUESTS_PER_MINUTE must be >= 1, got %d", c.ProviderRequestsPerMinute)
	}
	if c.CacheListFresh <= 0 || c.CacheDetailFresh <= 0 {
		return fmt.Errorf("cache freshness windows must be positive")
	}
	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseDailyAt parses an "HH:MM" wall-clock time.
func ParseDailyAt(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("REFRESH_DAILY_AT must be HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go duration syntax ("90s", "5m").
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
