package notifications

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/pricewatcher/pricewatcher/internal/pricing"
	"github.com/pricewatcher/pricewatcher/internal/store"
)

var evalNow = time.Date(2026, 5, 20, 6, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// viewWithDiscount returns a view whose discount is exactly pct percent off
// an average of 100.
func viewWithDiscount(pct string) pricing.View {
	avg := dec("100")
	best := avg.Sub(dec(pct))
	return pricing.View{
		BestPrice:       best,
		AveragePrice:    avg,
		LowestPrice:     best,
		HighestPrice:    avg.Add(dec(pct)),
		WinningRetailer: "Priceline",
		RetailerCount:   2,
		PointCount:      2,
	}
}

func settings(threshold string, minDays int) store.UserSettings {
	s := store.UserSettings{
		Username:               "alice",
		NotificationCredential: "ukey",
		MinDaysBetween:         minDays,
	}
	if threshold != "" {
		s.DiscountThreshold = decPtr(threshold)
	}
	return s
}

func stateAt(lastPct string, ago time.Duration) *store.NotificationState {
	return &store.NotificationState{
		Username:            "alice",
		ProductURL:          "https://example.com/p",
		LastDiscountPercent: dec(lastPct),
		LastSentAt:          evalNow.Add(-ago),
	}
}

func TestEvaluate_NoImprovementWithinCooldown(t *testing.T) {
	d := Evaluate(viewWithDiscount("12"), stateAt("12", 12*time.Hour), settings("10", 1), evalNow)

	assert.False(t, d.Notify)
	assert.Equal(t, ReasonNotImproved, d.Reason)
	assert.True(t, dec("12").Equal(d.DiscountPercent))
}

func TestEvaluate_ImprovementNotifies(t *testing.T) {
	d := Evaluate(viewWithDiscount("15"), stateAt("12", time.Hour), settings("10", 7), evalNow)

	assert.True(t, d.Notify)
	assert.Equal(t, ReasonNotify, d.Reason)
	assert.True(t, dec("15").Equal(d.DiscountPercent))
	assert.True(t, dec("85").Equal(d.BestPrice))
	assert.Equal(t, "Priceline", d.Retailer)
}

func TestEvaluate_CooldownElapsed(t *testing.T) {
	view := viewWithDiscount("10")

	d := Evaluate(view, stateAt("10", 2*day), settings("10", 3), evalNow)
	assert.False(t, d.Notify, "two days into a three day cooldown")

	d = Evaluate(view, stateAt("10", 3*day), settings("10", 3), evalNow)
	assert.True(t, d.Notify, "cooldown elapsed with unchanged discount")
}

func TestEvaluate_NoDataNeverNotifies(t *testing.T) {
	for _, threshold := range []string{"0", "10", "100"} {
		d := Evaluate(pricing.View{NoData: true}, nil, settings(threshold, 1), evalNow)
		assert.False(t, d.Notify)
		assert.Equal(t, ReasonNoData, d.Reason)
		assert.True(t, d.DiscountPercent.IsZero())
	}

	zeroAvg := pricing.View{BestPrice: decimal.Zero, AveragePrice: decimal.Zero, PointCount: 1, RetailerCount: 1}
	d := Evaluate(zeroAvg, nil, settings("0", 1), evalNow)
	assert.False(t, d.Notify)
	assert.True(t, d.DiscountPercent.IsZero())
}

func TestEvaluate_Declines(t *testing.T) {
	tests := []struct {
		name     string
		view     pricing.View
		state    *store.NotificationState
		settings func() store.UserSettings
		reason   string
	}{
		{
			name:     "no threshold",
			view:     viewWithDiscount("50"),
			settings: func() store.UserSettings { return settings("", 1) },
			reason:   ReasonNoThreshold,
		},
		{
			name:     "zero discount with zero threshold",
			view:     viewWithDiscount("0"),
			settings: func() store.UserSettings { return settings("0", 1) },
			reason:   ReasonNoDiscount,
		},
		{
			name:     "below threshold",
			view:     viewWithDiscount("9.99"),
			settings: func() store.UserSettings { return settings("10", 1) },
			reason:   ReasonBelowThreshold,
		},
		{
			name: "no credential",
			view: viewWithDiscount("20"),
			settings: func() store.UserSettings {
				s := settings("10", 1)
				s.NotificationCredential = ""
				return s
			},
			reason: ReasonNoCredential,
		},
		{
			name: "credential flagged",
			view: viewWithDiscount("20"),
			settings: func() store.UserSettings {
				s := settings("10", 1)
				s.CredentialInvalid = true
				return s
			},
			reason: ReasonCredentialInvalid,
		},
		{
			name:     "lower discount inside cooldown",
			view:     viewWithDiscount("11"),
			state:    stateAt("20", time.Hour),
			settings: func() store.UserSettings { return settings("10", 1) },
			reason:   ReasonNotImproved,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.view, tt.state, tt.settings(), evalNow)
			assert.False(t, d.Notify)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestEvaluate_FirstNotificationAtThreshold(t *testing.T) {
	d := Evaluate(viewWithDiscount("10"), nil, settings("10", 30), evalNow)
	assert.True(t, d.Notify, "discount equal to threshold with no prior state")
}

func TestEvaluate_ThresholdComparesRoundedDiscount(t *testing.T) {
	v := pricing.View{
		BestPrice:       dec("225.01"),
		AveragePrice:    dec("250"),
		WinningRetailer: "Priceline",
		RetailerCount:   2,
		PointCount:      2,
	}
	d := Evaluate(v, nil, settings("10", 30), evalNow)
	assert.True(t, d.Notify, "9.996 percent rounds to 10.00")
	assert.True(t, dec("10").Equal(d.DiscountPercent))
}

func TestEvaluate_UsesExcludedView(t *testing.T) {
	snapshot := store.ProductDetails{
		URL: "https://example.com/p",
		Retailers: []pricing.RetailerPrice{
			{Name: "A", Price: dec("50")},
			{Name: "B", Price: dec("40")},
			{Name: "C", Price: dec("45")},
		},
	}
	s := settings("5", 1)
	s.ExcludedRetailers = []string{"B"}

	d := Evaluate(snapshot.ViewFor(s.ExcludedRetailers), nil, s, evalNow)
	assert.True(t, d.Notify)
	assert.Equal(t, "C", d.Retailer)
	assert.True(t, dec("45").Equal(d.BestPrice))
	assert.True(t, dec("47.50").Equal(d.AveragePrice))
	assert.True(t, dec("5.26").Equal(d.DiscountPercent))
}

func TestEvaluate_Idempotent(t *testing.T) {
	view := viewWithDiscount("15")
	state := stateAt("12", time.Hour)
	s := settings("10", 3)

	first := Evaluate(view, state, s, evalNow)
	second := Evaluate(view, state, s, evalNow)
	assert.Equal(t, first.Notify, second.Notify)
	assert.Equal(t, first.Reason, second.Reason)
	assert.True(t, first.DiscountPercent.Equal(second.DiscountPercent))

	// Once bookkeeping records the send, the same inputs no longer notify.
	afterSend := &store.NotificationState{LastDiscountPercent: first.DiscountPercent, LastSentAt: evalNow}
	assert.False(t, Evaluate(view, afterSend, s, evalNow).Notify)
}
