// Package listener provides a Postgres LISTEN/NOTIFY consumer for watchlist
// additions. It holds a dedicated pgx connection (not from the pool)
// listening on the `watchlist_added` channel.
//
// The schema's trigger fires pg_notify whenever a user adds a product, so a
// newly watched product gets a snapshot without the API request waiting on
// the retailer fetch.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	Channel          = "watchlist_added"
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
)

// WatchlistEvent is the JSON payload from pg_notify('watchlist_added', ...).
type WatchlistEvent struct {
	Username  string `json:"username"`
	URL       string `json:"url"`
	Timestamp int64  `json:"ts"`
}

// Handler is called for every event. It must not block the listener; hand
// long work to a background runner.
type Handler func(ctx context.Context, event WatchlistEvent)

// Start opens a dedicated connection and listens on the watchlist_added
// channel. It reconnects automatically on connection loss. Blocks until ctx
// is cancelled. Intended to be called with `go`.
func Start(ctx context.Context, dbURL string, handle Handler, logger *slog.Logger) {
	backoff := reconnectBackoff

	for {
		err := listenLoop(ctx, dbURL, handle, logger)
		if ctx.Err() != nil {
			logger.Info("Watchlist listener stopped (context cancelled)")
			return
		}

		logger.Error("Watchlist listener disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func listenLoop(ctx context.Context, dbURL string, handle Handler, logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	_, err = conn.Exec(ctx, "LISTEN "+Channel)
	if err != nil {
		return fmt.Errorf("LISTEN %s: %w", Channel, err)
	}
	logger.Info("Watchlist listener connected", "channel", Channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		event, err := ParseEvent(notification.Payload)
		if err != nil {
			logger.Warn("Failed to parse watchlist event",
				"payload", notification.Payload, "error", err)
			continue
		}

		logger.Info("Watchlist event received", "username", event.Username, "url", event.URL)
		handle(ctx, event)
	}
}

// ParseEvent decodes and checks a notification payload.
func ParseEvent(payload string) (WatchlistEvent, error) {
	var event WatchlistEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return WatchlistEvent{}, err
	}
	event.URL = strings.TrimSpace(event.URL)
	if event.URL == "" {
		return WatchlistEvent{}, fmt.Errorf("event has no url")
	}
	return event, nil
}
