package provider

import (
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ExtractPrice normalizes a price from the formats retailer APIs return:
// JSON numbers, numeric strings ("12.95", "$12.95", "1,299.00") or nested
// objects such as {"amount": 12.95}.
//
// Returns ok=false if no non-negative price can be extracted.
func ExtractPrice(val any) (decimal.Decimal, bool) {
	if val == nil {
		return decimal.Zero, false
	}

	var (
		d   decimal.Decimal
		err error
	)
	switch v := val.(type) {
	case float64:
		d = decimal.NewFromFloat(v)
	case int:
		d = decimal.NewFromInt(int64(v))
	case int64:
		d = decimal.NewFromInt(v)
	case string:
		s := strings.TrimSpace(v)
		s = strings.TrimPrefix(s, "$")
		s = strings.ReplaceAll(s, ",", "")
		d, err = decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, false
		}
	case map[string]any:
		for _, key := range []string{"amount", "value", "price", "base_price"} {
			if inner, exists := v[key]; exists && inner != nil {
				return ExtractPrice(inner)
			}
		}
		return decimal.Zero, false
	default:
		return decimal.Zero, false
	}

	if d.IsNegative() {
		return decimal.Zero, false
	}
	return d.Round(2), true
}

// Known retailer domains and their display names.
var retailerNames = map[string]string{
	"chemistwarehouse.com.au": "Chemist Warehouse",
	"priceline.com.au":        "Priceline",
	"amazon.com.au":           "Amazon AU",
	"ebay.com.au":             "eBay",
	"woolworths.com.au":       "Woolworths",
	"coles.com.au":            "Coles",
	"bigw.com.au":             "Big W",
	"kmart.com.au":            "Kmart",
	"target.com.au":           "Target",
	"pharmacy4less.com.au":    "Pharmacy 4 Less",
	"mydeal.com.au":           "MyDeal",
	"catch.com.au":            "Catch",
}

var titleCaser = cases.Title(language.English)

// RetailerName maps a retailer listing url to a display name. Unknown
// domains fall back to their first label, title-cased ("www.jbhifi.com.au"
// → "Jbhifi").
func RetailerName(listingURL string) string {
	host := listingURL
	if u, err := url.Parse(listingURL); err == nil && u.Host != "" {
		host = u.Host
	}
	host = strings.ToLower(strings.TrimPrefix(host, "www."))

	for domain, name := range retailerNames {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return name
		}
	}
	label, _, _ := strings.Cut(host, ".")
	if label == "" {
		return listingURL
	}
	return titleCaser.String(label)
}

// ProductName derives a display name from the last path segment of a
// product url ("/product/swisse-vitamin-c-150" → "Swisse Vitamin C 150").
func ProductName(productURL string) string {
	path := productURL
	if u, err := url.Parse(productURL); err == nil {
		path = u.Path
	}
	path = strings.TrimRight(path, "/")
	slug := path[strings.LastIndex(path, "/")+1:]
	if slug == "" {
		return productURL
	}
	return titleCaser.String(strings.ReplaceAll(slug, "-", " "))
}
