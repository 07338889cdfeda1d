package notifications

import (
	"fmt"
	"strings"
)

const messageTitle = "Better Deal Alert!"

// BuildMessage renders the alert for one recipient.
func BuildMessage(p Product, r Recipient) Message {
	d := r.Decision
	saving := d.AveragePrice.Sub(d.BestPrice)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", productLabel(p))
	fmt.Fprintf(&b, "Now: $%s (avg $%s)\n", d.BestPrice.StringFixed(2), d.AveragePrice.StringFixed(2))
	fmt.Fprintf(&b, "Discount: %s%% off\n", d.DiscountPercent.StringFixed(1))
	fmt.Fprintf(&b, "Save: $%s\n", saving.StringFixed(2))
	fmt.Fprintf(&b, "Best at: %s", d.Retailer)
	if r.PreviousDiscount != nil {
		fmt.Fprintf(&b, "\n\nPrevious alert: %s%% off", r.PreviousDiscount.StringFixed(1))
	}
	return Message{Title: messageTitle, Body: b.String()}
}

func productLabel(p Product) string {
	if p.Name != "" {
		return p.Name
	}
	return p.URL
}
