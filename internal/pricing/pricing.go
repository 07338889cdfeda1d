// Package pricing reduces raw retailer observations into the canonical price
// view used for product snapshots and discount decisions.
//
// Everything in this package is pure: no I/O, no clocks, no hidden state.
// Identical inputs always produce identical outputs, which the coalescer's
// cache and the discount evaluator both rely on.
package pricing

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Decimal places kept for averages and discount percentages.
const pricePlaces = 2

var hundred = decimal.NewFromInt(100)

// PricePoint is a single observed price at one retailer. Immutable once
// recorded.
type PricePoint struct {
	Retailer   string          `json:"retailer"`
	ProductURL string          `json:"product_url"`
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observed_at"`
}

// RetailerPrice is one row of a snapshot's per-retailer price list.
type RetailerPrice struct {
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observed_at"`
}

// View is the aggregate of a set of price points. When NoData is set every
// price is zero and WinningRetailer is empty.
type View struct {
	BestPrice       decimal.Decimal
	AveragePrice    decimal.Decimal
	LowestPrice     decimal.Decimal
	HighestPrice    decimal.Decimal
	WinningRetailer string
	RetailerCount   int
	PointCount      int
	NoData          bool
}

// Variation returns highest - lowest.
func (v View) Variation() decimal.Decimal {
	return v.HighestPrice.Sub(v.LowestPrice)
}

// Aggregate reduces points into a View, ignoring retailers named in
// excluded (case-insensitive). Negative prices are invalid observations and
// are skipped. If nothing remains the View carries NoData.
func Aggregate(points []PricePoint, excluded []string) View {
	skip := exclusionSet(excluded)

	var (
		v         View
		sum       decimal.Decimal
		retailers = make(map[string]struct{})
	)
	for _, p := range points {
		if p.Price.IsNegative() {
			continue
		}
		if _, ok := skip[normalize(p.Retailer)]; ok {
			continue
		}

		if v.PointCount == 0 {
			v.BestPrice, v.LowestPrice, v.HighestPrice = p.Price, p.Price, p.Price
			v.WinningRetailer = p.Retailer
		} else {
			switch cmp := p.Price.Cmp(v.BestPrice); {
			case cmp < 0:
				v.BestPrice = p.Price
				v.WinningRetailer = p.Retailer
			case cmp == 0 && namesBefore(p.Retailer, v.WinningRetailer):
				v.WinningRetailer = p.Retailer
			}
			if p.Price.GreaterThan(v.HighestPrice) {
				v.HighestPrice = p.Price
			}
		}
		v.LowestPrice = v.BestPrice

		sum = sum.Add(p.Price)
		v.PointCount++
		retailers[normalize(p.Retailer)] = struct{}{}
	}

	if v.PointCount == 0 {
		return View{NoData: true}
	}
	v.RetailerCount = len(retailers)
	v.AveragePrice = sum.DivRound(decimal.NewFromInt(int64(v.PointCount)), pricePlaces)
	return v
}

// DiscountPercent returns (average - best) / average * 100 rounded to two
// places, or zero when the view has no data or a non-positive average.
//
// Thresholds and improvement checks compare this rounded value, so a raw
// 9.996% counts as 10.00% and meets a 10% threshold. The stored
// last-discount is the same rounded figure, keeping comparisons consistent.
func DiscountPercent(v View) decimal.Decimal {
	if v.NoData || !v.AveragePrice.IsPositive() {
		return decimal.Zero
	}
	return v.AveragePrice.Sub(v.BestPrice).Mul(hundred).DivRound(v.AveragePrice, pricePlaces)
}

// LatestPerRetailer keeps the most recent observation for each retailer.
// Equal timestamps resolve to the lower price. The result is ordered by
// retailer name.
func LatestPerRetailer(points []PricePoint) []PricePoint {
	latest := make(map[string]PricePoint, len(points))
	for _, p := range points {
		key := normalize(p.Retailer)
		cur, ok := latest[key]
		switch {
		case !ok, p.ObservedAt.After(cur.ObservedAt):
			latest[key] = p
		case p.ObservedAt.Equal(cur.ObservedAt) && p.Price.LessThan(cur.Price):
			latest[key] = p
		}
	}

	out := make([]PricePoint, 0, len(latest))
	for _, p := range latest {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return namesBefore(out[i].Retailer, out[j].Retailer) })
	return out
}

// RetailerPrices renders points as a snapshot price list, cheapest first,
// then by name.
func RetailerPrices(points []PricePoint) []RetailerPrice {
	out := make([]RetailerPrice, 0, len(points))
	for _, p := range points {
		out = append(out, RetailerPrice{Name: p.Retailer, Price: p.Price, ObservedAt: p.ObservedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Price.Cmp(out[j].Price); c != 0 {
			return c < 0
		}
		return namesBefore(out[i].Name, out[j].Name)
	})
	return out
}

// PointsFromRetailers turns a stored price list back into price points so a
// snapshot can be re-aggregated with a user's exclusions.
func PointsFromRetailers(productURL string, prices []RetailerPrice) []PricePoint {
	out := make([]PricePoint, 0, len(prices))
	for _, rp := range prices {
		out = append(out, PricePoint{
			Retailer:   rp.Name,
			ProductURL: productURL,
			Price:      rp.Price,
			ObservedAt: rp.ObservedAt,
		})
	}
	return out
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func exclusionSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if k := normalize(n); k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// namesBefore orders retailer names alphabetically, ignoring case first so
// "amazon" and "Amazon" sort together, then by raw bytes for determinism.
func namesBefore(a, b string) bool {
	if la, lb := normalize(a), normalize(b); la != lb {
		return la < lb
	}
	return a < b
}
