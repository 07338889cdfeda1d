package buywisely

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewatcher/pricewatcher/internal/pricing"
	"github.com/pricewatcher/pricewatcher/internal/provider"
)

const (
	testBase    = "https://buywisely.test"
	testProduct = "https://www.buywisely.com.au/product/swisse-vitamin-c-150"
	testAPI     = testBase + "/api/product/swisse-vitamin-c-150"
)

var fixedNow = time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(Options{BaseURL: testBase, RequestsPerMinute: 60000}, nil)
	c.now = func() time.Time { return fixedNow }
	httpmock.ActivateNonDefault(c.httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func sortPoints(points []pricing.PricePoint) {
	sort.Slice(points, func(i, j int) bool {
		if points[i].Retailer != points[j].Retailer {
			return points[i].Retailer < points[j].Retailer
		}
		return points[i].ObservedAt.Before(points[j].ObservedAt)
	})
}

func TestFetchPrices_DictFormat(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder(http.MethodGet, testAPI,
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, testProduct, req.Header.Get("Referer"))
			return httpmock.NewStringResponse(http.StatusOK, `{
				"https://www.chemistwarehouse.com.au/buy/1": [
					{"created_at": "2026-03-09T10:00:00.000Z", "base_price": 19.99},
					{"created_at": "2026-01-01T10:00:00.000Z", "base_price": 9.99}
				],
				"https://www.priceline.com.au/p/2": [
					{"created_at": "2026-03-08T10:00:00Z", "base_price": "21.50"},
					{"created_at": "garbage", "base_price": 1},
					{"created_at": "2026-03-08T11:00:00Z", "base_price": 0}
				]
			}`), nil
		})

	points, err := c.FetchPrices(context.Background(), testProduct)
	require.NoError(t, err)
	require.Len(t, points, 2, "out-of-window, malformed and zero entries are dropped")

	sortPoints(points)
	assert.Equal(t, "Chemist Warehouse", points[0].Retailer)
	assert.True(t, decimal.RequireFromString("19.99").Equal(points[0].Price))
	assert.Equal(t, time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC), points[0].ObservedAt)
	assert.Equal(t, testProduct, points[0].ProductURL)
	assert.Equal(t, "Priceline", points[1].Retailer)
	assert.True(t, decimal.RequireFromString("21.50").Equal(points[1].Price))
}

func TestFetchPrices_ListFormat(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder(http.MethodGet, testAPI, httpmock.NewStringResponder(http.StatusOK, `[
		{"url": "https://www.amazon.com.au/dp/X", "prices": [
			{"timestamp": "2026-03-09T00:00:00Z", "price": 30}
		]},
		{"retailer": "https://www.bigw.com.au/p/Y", "price": 28.5, "created_at": "2026-03-09T01:00:00Z"},
		"noise"
	]`))

	points, err := c.FetchPrices(context.Background(), testProduct)
	require.NoError(t, err)
	require.Len(t, points, 2)

	sortPoints(points)
	assert.Equal(t, "Amazon AU", points[0].Retailer)
	assert.Equal(t, "Big W", points[1].Retailer)
	assert.True(t, decimal.RequireFromString("28.5").Equal(points[1].Price))
}

func TestFetchPrices_EmptyResponse(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodGet, testAPI, httpmock.NewStringResponder(http.StatusOK, `{}`))

	points, err := c.FetchPrices(context.Background(), testProduct)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestFetchPrices_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		want      error
	}{
		{name: "not found", responder: httpmock.NewStringResponder(http.StatusNotFound, "nope"), want: provider.ErrNotFound},
		{name: "rate limited", responder: httpmock.NewStringResponder(http.StatusTooManyRequests, ""), want: provider.ErrRateLimited},
		{name: "server error", responder: httpmock.NewStringResponder(http.StatusBadGateway, ""), want: provider.ErrTransient},
		{name: "network", responder: httpmock.NewErrorResponder(errors.New("connection reset")), want: provider.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t)
			httpmock.RegisterResponder(http.MethodGet, testAPI, tt.responder)

			_, err := c.FetchPrices(context.Background(), testProduct)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFetchPrices_BadRequestIsPermanent(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodGet, testAPI, httpmock.NewStringResponder(http.StatusBadRequest, "bad"))

	_, err := c.FetchPrices(context.Background(), testProduct)
	require.Error(t, err)
	assert.False(t, provider.Retryable(err))
}

func TestFetchPrices_NoSlug(t *testing.T) {
	c := newTestClient(t)

	_, err := c.FetchPrices(context.Background(), "https://www.buywisely.com.au/search?q=x")
	assert.ErrorIs(t, err, provider.ErrNotFound)
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}

func TestSlug(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc-123", Slug("https://www.buywisely.com.au/product/abc-123"))
	assert.Equal(t, "abc-123", Slug("https://www.buywisely.com.au/product/abc-123/?ref=x"))
	assert.Empty(t, Slug("https://www.buywisely.com.au/"))
}
