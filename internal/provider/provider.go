// Package provider defines the retailer data source the refresh pipeline
// consumes, and the error kinds its failures are classified into.
package provider

import (
	"context"
	"errors"

	"github.com/pricewatcher/pricewatcher/internal/pricing"
)

var (
	// ErrNotFound means the product no longer exists upstream. Permanent.
	ErrNotFound = errors.New("product not found")

	// ErrRateLimited means the provider asked us to slow down. Retryable.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrTransient covers network and upstream service failures. Retryable.
	ErrTransient = errors.New("transient provider failure")
)

// RetailerDataProvider returns the current price observations for a product
// across all retailers it knows. Implementations must be safe for
// concurrent use and wrap failures with one of the sentinel errors.
type RetailerDataProvider interface {
	FetchPrices(ctx context.Context, productURL string) ([]pricing.PricePoint, error)
}

// Retryable reports whether a fetch error is worth retrying. Timeouts count
// as transient.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}
