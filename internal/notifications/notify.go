// Package notifications decides when a watcher should hear about a discount
// and delivers the alert.
//
// Pipeline: evaluate (pure, per user and product) → compose message → send
// with retry → persist log entry and bookkeeping in one transaction.
package notifications

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/pricewatcher/pricewatcher/internal/store"
)

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrInvalidCredential is a permanent transport failure: the user's key
	// was rejected. The credential is flagged and not retried.
	ErrInvalidCredential = errors.New("invalid notification credential")

	// ErrTransient is a retryable transport failure.
	ErrTransient = errors.New("transient notification failure")
)

// IsPermanent reports whether a transport error must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidCredential)
}

// --------------------------------------------------------------------------
// Decision reasons
// --------------------------------------------------------------------------

const (
	ReasonNotify            = "notify"
	ReasonNoThreshold       = "no-threshold"
	ReasonNoData            = "no-data"
	ReasonNoDiscount        = "no-discount"
	ReasonBelowThreshold    = "below-threshold"
	ReasonNotImproved       = "not-improved-cooldown"
	ReasonNoCredential      = "no-credential"
	ReasonCredentialInvalid = "credential-invalid"
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Decision is the evaluator's verdict for one (product, user) pair.
type Decision struct {
	Notify          bool
	Reason          string
	DiscountPercent decimal.Decimal
	BestPrice       decimal.Decimal
	AveragePrice    decimal.Decimal
	Retailer        string
}

// Message is what a transport delivers.
type Message struct {
	Title string
	Body  string
}

// Transport delivers a message to the holder of credential. Implementations
// wrap failures with ErrInvalidCredential or ErrTransient; any other error
// is treated as transient.
type Transport interface {
	Send(ctx context.Context, credential string, msg Message) error
}

// Recorder persists dispatch outcomes. RecordNotification must append the
// log entry and, for a successful entry, update the bookkeeping in the same
// transaction.
type Recorder interface {
	RecordNotification(ctx context.Context, e store.NotificationLogEntry) error
	MarkCredentialInvalid(ctx context.Context, username string) error
}

// Product identifies what a notification is about.
type Product struct {
	URL  string
	Name string
}

// Recipient is a user the evaluator said yes to.
type Recipient struct {
	Settings store.UserSettings
	Decision Decision
	// PreviousDiscount is the last discount this user was notified about.
	PreviousDiscount *decimal.Decimal
}
