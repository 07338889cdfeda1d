package notifications

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildMessage(t *testing.T) {
	r := recipient("alice")

	msg := BuildMessage(testProduct, r)
	assert.Equal(t, "Better Deal Alert!", msg.Title)
	assert.Equal(t, "Vitamin C\n"+
		"Now: $85.00 (avg $100.00)\n"+
		"Discount: 15.0% off\n"+
		"Save: $15.00\n"+
		"Best at: Priceline", msg.Body)
}

func TestBuildMessage_PreviousDiscountAndFallbackName(t *testing.T) {
	r := recipient("alice")
	r.PreviousDiscount = decPtr("12.34")

	msg := BuildMessage(Product{URL: "https://example.com/p"}, r)
	assert.Contains(t, msg.Body, "https://example.com/p\n")
	assert.Contains(t, msg.Body, "\n\nPrevious alert: 12.3% off")
}
