//go:build integration

package store_test

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewatcher/pricewatcher/internal/config"
	"github.com/pricewatcher/pricewatcher/internal/db"
	"github.com/pricewatcher/pricewatcher/internal/pricing"
	"github.com/pricewatcher/pricewatcher/internal/store"
)

// Run with:
//
//	PRICEWATCHER_TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/store/
const testDatabaseEnv = "PRICEWATCHER_TEST_DATABASE_URL"

func newTestPG(t *testing.T) (*store.PG, *db.Pool) {
	t.Helper()
	dsn := os.Getenv(testDatabaseEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDatabaseEnv)
	}
	cfg := &config.Config{
		DatabaseURL:    dsn,
		DBPoolMinConns: 1,
		DBPoolMaxConns: 4,
		DBPoolMaxLife:  time.Hour,
	}
	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx, cfg))
	pool, err := db.New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return store.NewPG(pool.Pool), pool
}

func uniqueURL(t *testing.T) string {
	return "https://www.buywisely.com.au/product/it-" + strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + t.Name()
}

func testSnapshot(url string, best string, at time.Time) store.ProductDetails {
	prices := []pricing.RetailerPrice{
		{Name: "A", Price: decimal.RequireFromString("50")},
		{Name: "B", Price: decimal.RequireFromString(best)},
	}
	view := pricing.Aggregate(pricing.PointsFromRetailers(url, prices), nil)
	return store.NewProductDetails(url, "Integration product", view, prices, at)
}

func TestPG_SaveSnapshotRejectsOlderWrite(t *testing.T) {
	pg, _ := newTestPG(t)
	ctx := context.Background()
	url := uniqueURL(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, pg.SaveSnapshot(ctx, testSnapshot(url, "40", now)))
	err := pg.SaveSnapshot(ctx, testSnapshot(url, "30", now.Add(-time.Minute)))
	assert.ErrorIs(t, err, store.ErrStaleSnapshot)

	got, err := pg.GetSnapshot(ctx, url)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("40").Equal(got.BestPrice), "older write left the row alone")

	require.NoError(t, pg.SaveSnapshot(ctx, testSnapshot(url, "35", now.Add(time.Minute))))
	got, err = pg.GetSnapshot(ctx, url)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("35").Equal(got.BestPrice))
}

func TestPG_RecordNotificationWritesLogAndStateTogether(t *testing.T) {
	pg, _ := newTestPG(t)
	ctx := context.Background()
	url := uniqueURL(t)
	username := "it-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	sentAt := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, pg.AddToWatchlist(ctx, username, url))
	require.NoError(t, pg.SaveSnapshot(ctx, testSnapshot(url, "40", sentAt.Add(-time.Minute))))

	entry := store.NotificationLogEntry{
		Username:        username,
		ProductURL:      url,
		DiscountPercent: decimal.RequireFromString("12.50"),
		Price:           decimal.RequireFromString("40"),
		Retailer:        "B",
		SentAt:          sentAt,
		Success:         true,
	}
	require.NoError(t, pg.RecordNotification(ctx, entry))

	log, err := pg.ListNotifications(ctx, username, 10)
	require.NoError(t, err)
	require.Len(t, log, 1)

	watchers, err := pg.ListWatchers(ctx, url)
	require.NoError(t, err)
	require.Len(t, watchers, 1)
	require.NotNil(t, watchers[0].State)
	assert.True(t, entry.DiscountPercent.Equal(watchers[0].State.LastDiscountPercent))
	assert.True(t, sentAt.Equal(watchers[0].State.LastSentAt))

	snap, err := pg.GetSnapshot(ctx, url)
	require.NoError(t, err)
	require.NotNil(t, snap.LastNotificationSent)
	assert.True(t, sentAt.Equal(*snap.LastNotificationSent))
}

func TestPG_RecordNotificationRollsBackLogOnStateFailure(t *testing.T) {
	pg, _ := newTestPG(t)
	ctx := context.Background()
	// No users row: the state upsert violates its foreign key.
	username := "it-missing-" + strconv.FormatInt(time.Now().UnixNano(), 36)

	err := pg.RecordNotification(ctx, store.NotificationLogEntry{
		Username:        username,
		ProductURL:      uniqueURL(t),
		DiscountPercent: decimal.RequireFromString("10"),
		Price:           decimal.RequireFromString("40"),
		Retailer:        "B",
		SentAt:          time.Now().UTC(),
		Success:         true,
	})
	require.Error(t, err)

	log, err := pg.ListNotifications(ctx, username, 10)
	require.NoError(t, err)
	assert.Empty(t, log, "log row is not kept without its state")
}

func TestPG_AppendPricePointsSkipsKnownObservations(t *testing.T) {
	pg, pool := newTestPG(t)
	ctx := context.Background()
	url := uniqueURL(t)
	at := time.Now().UTC().Truncate(time.Microsecond)

	points := []pricing.PricePoint{
		{Retailer: "A", ProductURL: url, Price: decimal.RequireFromString("50"), ObservedAt: at.Add(-48 * time.Hour)},
		{Retailer: "A", ProductURL: url, Price: decimal.RequireFromString("45"), ObservedAt: at},
		{Retailer: "B", ProductURL: url, Price: decimal.RequireFromString("40"), ObservedAt: at},
	}
	added, err := pg.AppendPricePoints(ctx, points)
	require.NoError(t, err)
	assert.EqualValues(t, 3, added)

	next := append(points, pricing.PricePoint{
		Retailer: "A", ProductURL: url, Price: decimal.RequireFromString("44"), ObservedAt: at.Add(time.Hour),
	})
	added, err = pg.AppendPricePoints(ctx, next)
	require.NoError(t, err)
	assert.EqualValues(t, 1, added)

	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM price_points WHERE url = $1`, url).Scan(&n))
	assert.Equal(t, 4, n)
}
