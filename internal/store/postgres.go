package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pricewatcher/pricewatcher/internal/config"
	"github.com/pricewatcher/pricewatcher/internal/pricing"
)

// PreparedStatements returns the named read statements used by PG. They are
// registered on every pooled connection by the db package.
func PreparedStatements() map[string]string {
	return map[string]string{
		"snapshot_by_url": `SELECT url, product_name, image_url, best_price, average_price,
			lowest_price, highest_price, best_retailer, price_variation, retailers,
			last_updated, last_notification_sent, last_discount_percent, dead
			FROM ` + config.ProductDetailsTable + ` WHERE url = $1`,
		"watched_urls": `SELECT DISTINCT w.url FROM ` + config.WatchlistTable + ` w
			LEFT JOIN ` + config.ProductDetailsTable + ` pd ON pd.url = w.url
			WHERE pd.dead IS NOT TRUE ORDER BY w.url`,
		"product_watchers": `SELECT u.username, u.notification_credential, u.discount_threshold,
			u.excluded_retailers, u.min_days_between, u.credential_invalid,
			ns.last_discount_percent, ns.last_sent_at
			FROM ` + config.WatchlistTable + ` w
			JOIN ` + config.UsersTable + ` u ON u.username = w.username
			LEFT JOIN ` + config.NotificationStateTable + ` ns
				ON ns.username = w.username AND ns.product_url = w.url
			WHERE w.url = $1 ORDER BY u.username`,
		"user_settings": `SELECT username, notification_credential, discount_threshold,
			excluded_retailers, min_days_between, credential_invalid
			FROM ` + config.UsersTable + ` WHERE username = $1`,
		"user_watchlist": `SELECT url FROM ` + config.WatchlistTable + `
			WHERE username = $1 ORDER BY created_at, url`,
		"user_notifications": `SELECT id, username, product_url, discount_percent, price,
			retailer, sent_at, success, detail
			FROM ` + config.NotificationLogTable + `
			WHERE username = $1 ORDER BY sent_at DESC, id DESC LIMIT $2`,
		"stale_snapshots": `SELECT DISTINCT w.url FROM ` + config.WatchlistTable + ` w
			LEFT JOIN ` + config.ProductDetailsTable + ` pd ON pd.url = w.url
			WHERE pd.dead IS NOT TRUE AND (pd.last_updated IS NULL OR pd.last_updated < $1)
			ORDER BY w.url`,
	}
}

// PG is the Postgres-backed store.
type PG struct {
	pool *pgxpool.Pool
}

// NewPG wraps a connection pool whose connections have PreparedStatements
// registered.
func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

// Ping verifies the database is reachable.
func (s *PG) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --------------------------------------------------------------------------
// Price points & snapshots
// --------------------------------------------------------------------------

// AppendPricePoints inserts raw observations and reports how many were new.
// An observation already stored for the same url, retailer and observed-at
// is skipped, so re-sending an overlapping history window is harmless.
func (s *PG) AppendPricePoints(ctx context.Context, points []pricing.PricePoint) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(`INSERT INTO `+config.PricePointsTable+` (url, retailer, price, observed_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (url, retailer, observed_at) DO NOTHING`, p.ProductURL, p.Retailer, p.Price, p.ObservedAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	var inserted int64
	for range points {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return inserted, fmt.Errorf("append price points: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return inserted, fmt.Errorf("append price points: %w", err)
	}
	return inserted, nil
}

// GetSnapshot loads the live snapshot for url.
func (s *PG) GetSnapshot(ctx context.Context, url string) (*ProductDetails, error) {
	var (
		p            ProductDetails
		lastDiscount decimal.NullDecimal
	)
	err := s.pool.QueryRow(ctx, "snapshot_by_url", url).Scan(
		&p.URL, &p.ProductName, &p.ImageURL, &p.BestPrice, &p.AveragePrice,
		&p.LowestPrice, &p.HighestPrice, &p.BestRetailer, &p.PriceVariation, &p.Retailers,
		&p.LastUpdated, &p.LastNotificationSent, &lastDiscount, &p.Dead,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", url, err)
	}
	if lastDiscount.Valid {
		p.LastDiscountPercent = &lastDiscount.Decimal
	}
	return &p, nil
}

// SaveSnapshot writes p as the live snapshot unless the stored one has a
// last_updated at or after p's, in which case ErrStaleSnapshot is returned
// and nothing changes. Notification bookkeeping columns are never written
// here. A successful save clears the dead flag.
func (s *PG) SaveSnapshot(ctx context.Context, p ProductDetails) error {
	retailers := p.Retailers
	if retailers == nil {
		retailers = []pricing.RetailerPrice{}
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO `+config.ProductDetailsTable+` (
			url, product_name, image_url, best_price, average_price, lowest_price,
			highest_price, best_retailer, price_variation, retailers, last_updated
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (url) DO UPDATE SET
			product_name = EXCLUDED.product_name,
			image_url = COALESCE(EXCLUDED.image_url, `+config.ProductDetailsTable+`.image_url),
			best_price = EXCLUDED.best_price,
			average_price = EXCLUDED.average_price,
			lowest_price = EXCLUDED.lowest_price,
			highest_price = EXCLUDED.highest_price,
			best_retailer = EXCLUDED.best_retailer,
			price_variation = EXCLUDED.price_variation,
			retailers = EXCLUDED.retailers,
			last_updated = EXCLUDED.last_updated,
			dead = false,
			dead_reason = NULL
		WHERE `+config.ProductDetailsTable+`.last_updated < EXCLUDED.last_updated`,
		p.URL, p.ProductName, p.ImageURL, p.BestPrice, p.AveragePrice, p.LowestPrice,
		p.HighestPrice, p.BestRetailer, p.PriceVariation, retailers, p.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", p.URL, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleSnapshot
	}
	return nil
}

// MarkDead flags a product the provider no longer knows. Dead products are
// excluded from ListWatchedURLs until a user adds them again.
func (s *PG) MarkDead(ctx context.Context, url, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+config.ProductDetailsTable+` (
			url, product_name, best_price, average_price, lowest_price, highest_price,
			best_retailer, price_variation, last_updated, dead, dead_reason
		) VALUES ($1, '', 0, 0, 0, 0, '', 0, 'epoch', true, $2)
		ON CONFLICT (url) DO UPDATE SET dead = true, dead_reason = EXCLUDED.dead_reason`,
		url, reason)
	if err != nil {
		return fmt.Errorf("mark dead %s: %w", url, err)
	}
	return nil
}

// ListWatchedURLs returns the distinct, live product urls across all
// watchlists.
func (s *PG) ListWatchedURLs(ctx context.Context) ([]string, error) {
	return s.queryURLs(ctx, "watched_urls")
}

// ListStaleURLs returns live watched urls whose snapshot is missing or was
// last updated before cutoff.
func (s *PG) ListStaleURLs(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.queryURLs(ctx, "stale_snapshots", cutoff)
}

func (s *PG) queryURLs(ctx context.Context, stmt string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stmt, err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", stmt, err)
	}
	return urls, nil
}

// PurgePricePoints deletes raw observations recorded before cutoff.
func (s *PG) PurgePricePoints(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+config.PricePointsTable+` WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge price points: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --------------------------------------------------------------------------
// Watchers & notification bookkeeping
// --------------------------------------------------------------------------

// ListWatchers returns every user watching url with their settings and the
// notification state for that pair.
func (s *PG) ListWatchers(ctx context.Context, url string) ([]Watcher, error) {
	rows, err := s.pool.Query(ctx, "product_watchers", url)
	if err != nil {
		return nil, fmt.Errorf("list watchers %s: %w", url, err)
	}
	defer rows.Close()

	var watchers []Watcher
	for rows.Next() {
		var (
			w            Watcher
			threshold    decimal.NullDecimal
			lastDiscount decimal.NullDecimal
			lastSent     *time.Time
		)
		if err := rows.Scan(
			&w.Settings.Username, &w.Settings.NotificationCredential, &threshold,
			&w.Settings.ExcludedRetailers, &w.Settings.MinDaysBetween, &w.Settings.CredentialInvalid,
			&lastDiscount, &lastSent,
		); err != nil {
			return nil, fmt.Errorf("scan watcher: %w", err)
		}
		if threshold.Valid {
			w.Settings.DiscountThreshold = &threshold.Decimal
		}
		if lastDiscount.Valid && lastSent != nil {
			w.State = &NotificationState{
				Username:            w.Settings.Username,
				ProductURL:          url,
				LastDiscountPercent: lastDiscount.Decimal,
				LastSentAt:          *lastSent,
			}
		}
		watchers = append(watchers, w)
	}
	return watchers, rows.Err()
}

// RecordNotification appends e to the notification log. When e succeeded
// the (user, product) state and the snapshot's last-notification columns
// are advanced in the same transaction, so bookkeeping is never ahead of
// the log.
func (s *PG) RecordNotification(ctx context.Context, e NotificationLogEntry) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO `+config.NotificationLogTable+` (
				username, product_url, discount_percent, price, retailer, sent_at, success, detail
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			e.Username, e.ProductURL, e.DiscountPercent, e.Price, e.Retailer, e.SentAt, e.Success, e.Detail,
		); err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
		if !e.Success {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO `+config.NotificationStateTable+` (username, product_url, last_discount_percent, last_sent_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (username, product_url) DO UPDATE SET
				last_discount_percent = EXCLUDED.last_discount_percent,
				last_sent_at = EXCLUDED.last_sent_at`,
			e.Username, e.ProductURL, e.DiscountPercent, e.SentAt,
		); err != nil {
			return fmt.Errorf("upsert notification state: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE `+config.ProductDetailsTable+`
			SET last_notification_sent = $2, last_discount_percent = $3
			WHERE url = $1 AND (last_notification_sent IS NULL OR last_notification_sent <= $2)`,
			e.ProductURL, e.SentAt, e.DiscountPercent,
		); err != nil {
			return fmt.Errorf("update snapshot bookkeeping: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record notification %s/%s: %w", e.Username, e.ProductURL, err)
	}
	return nil
}

// MarkCredentialInvalid flags a user's credential after a permanent
// transport failure.
func (s *PG) MarkCredentialInvalid(ctx context.Context, username string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+config.UsersTable+` SET credential_invalid = true, updated_at = NOW()
		WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("mark credential invalid %s: %w", username, err)
	}
	return nil
}

// ListNotifications returns a user's most recent log entries, newest first.
func (s *PG) ListNotifications(ctx context.Context, username string, limit int) ([]NotificationLogEntry, error) {
	rows, err := s.pool.Query(ctx, "user_notifications", username, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications %s: %w", username, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (NotificationLogEntry, error) {
		var e NotificationLogEntry
		err := row.Scan(&e.ID, &e.Username, &e.ProductURL, &e.DiscountPercent, &e.Price,
			&e.Retailer, &e.SentAt, &e.Success, &e.Detail)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan notifications: %w", err)
	}
	return entries, nil
}

// --------------------------------------------------------------------------
// Users & watchlists
// --------------------------------------------------------------------------

// GetSettings returns a user's settings, or DefaultSettings for an unknown
// user.
func (s *PG) GetSettings(ctx context.Context, username string) (UserSettings, error) {
	var (
		u         UserSettings
		threshold decimal.NullDecimal
	)
	err := s.pool.QueryRow(ctx, "user_settings", username).Scan(
		&u.Username, &u.NotificationCredential, &threshold,
		&u.ExcludedRetailers, &u.MinDaysBetween, &u.CredentialInvalid,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultSettings(username), nil
	}
	if err != nil {
		return UserSettings{}, fmt.Errorf("get settings %s: %w", username, err)
	}
	if threshold.Valid {
		u.DiscountThreshold = &threshold.Decimal
	}
	return u, nil
}

// SaveSettings validates and upserts u. Saving always clears the
// credential_invalid flag.
func (s *PG) SaveSettings(ctx context.Context, u UserSettings) error {
	if err := u.Validate(); err != nil {
		return err
	}
	var threshold decimal.NullDecimal
	if u.DiscountThreshold != nil {
		threshold = decimal.NewNullDecimal(*u.DiscountThreshold)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+config.UsersTable+` (
			username, notification_credential, discount_threshold, excluded_retailers,
			min_days_between, credential_invalid, updated_at
		) VALUES ($1,$2,$3,$4,$5,false,NOW())
		ON CONFLICT (username) DO UPDATE SET
			notification_credential = EXCLUDED.notification_credential,
			discount_threshold = EXCLUDED.discount_threshold,
			excluded_retailers = EXCLUDED.excluded_retailers,
			min_days_between = EXCLUDED.min_days_between,
			credential_invalid = false,
			updated_at = NOW()`,
		u.Username, u.NotificationCredential, threshold, u.ExcludedRetailers, u.MinDaysBetween,
	)
	if err != nil {
		return fmt.Errorf("save settings %s: %w", u.Username, err)
	}
	return nil
}

// GetWatchlist returns the urls a user watches.
func (s *PG) GetWatchlist(ctx context.Context, username string) ([]string, error) {
	return s.queryURLs(ctx, "user_watchlist", username)
}

// AddToWatchlist adds url to a user's watchlist, creating the user with
// default settings if needed. Re-adding a dead product revives it.
func (s *PG) AddToWatchlist(ctx context.Context, username, url string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		def := DefaultSettings(username)
		if _, err := tx.Exec(ctx, `
			INSERT INTO `+config.UsersTable+` (username, min_days_between)
			VALUES ($1, $2) ON CONFLICT (username) DO NOTHING`,
			def.Username, def.MinDaysBetween,
		); err != nil {
			return fmt.Errorf("ensure user: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO `+config.WatchlistTable+` (username, url)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`, username, url,
		); err != nil {
			return fmt.Errorf("insert watchlist: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE `+config.ProductDetailsTable+` SET dead = false, dead_reason = NULL
			WHERE url = $1 AND dead`, url,
		); err != nil {
			return fmt.Errorf("revive product: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("add to watchlist %s: %w", username, err)
	}
	return nil
}

// RemoveFromWatchlist removes url from a user's watchlist.
func (s *PG) RemoveFromWatchlist(ctx context.Context, username, url string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM `+config.WatchlistTable+` WHERE username = $1 AND url = $2`, username, url)
	if err != nil {
		return fmt.Errorf("remove from watchlist %s: %w", username, err)
	}
	return nil
}
