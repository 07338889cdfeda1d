package notifications

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricewatcher/pricewatcher/internal/pricing"
	"github.com/pricewatcher/pricewatcher/internal/store"
)

const day = 24 * time.Hour

// Evaluate decides whether settings' owner should be notified about view.
// view must already exclude the user's excluded retailers. state is the
// bookkeeping for this pair, nil if the user was never notified.
//
// A notification requires a threshold, a positive discount at or above it,
// and either an improvement over the last notified discount or an elapsed
// cooldown of MinDaysBetween days. Without state both of the latter hold.
func Evaluate(view pricing.View, state *store.NotificationState, settings store.UserSettings, now time.Time) Decision {
	d := Decision{
		DiscountPercent: pricing.DiscountPercent(view),
		BestPrice:       view.BestPrice,
		AveragePrice:    view.AveragePrice,
		Retailer:        view.WinningRetailer,
	}

	switch {
	case settings.DiscountThreshold == nil:
		d.Reason = ReasonNoThreshold
	case view.NoData || !view.AveragePrice.IsPositive():
		d.Reason = ReasonNoData
	case !d.DiscountPercent.IsPositive():
		d.Reason = ReasonNoDiscount
	case d.DiscountPercent.LessThan(*settings.DiscountThreshold):
		d.Reason = ReasonBelowThreshold
	case !improvedOrCooledDown(d.DiscountPercent, state, settings.MinDaysBetween, now):
		d.Reason = ReasonNotImproved
	case settings.NotificationCredential == "":
		d.Reason = ReasonNoCredential
	case settings.CredentialInvalid:
		d.Reason = ReasonCredentialInvalid
	default:
		d.Notify = true
		d.Reason = ReasonNotify
	}
	return d
}

func improvedOrCooledDown(discount decimal.Decimal, state *store.NotificationState, minDays int, now time.Time) bool {
	if state == nil {
		return true
	}
	if discount.GreaterThan(state.LastDiscountPercent) {
		return true
	}
	if minDays < 1 {
		minDays = 1
	}
	return now.Sub(state.LastSentAt) >= time.Duration(minDays)*day
}
