package broker

import (
	"sort"

	"github.com/shopspring/decimal"
)

// DefaultTickMargin multiplies the observed minimum gap to absorb sub-tick noise.
var DefaultTickMargin = decimal.NewFromInt(2)

var onePercent = decimal.RequireFromString("0.01")

// EstimateTickSize infers the price increment from observed prices. Duplicate
// and non-positive prices are ignored. Fewer than two distinct prices, or a gap
// that rounds to zero, yields Undeterminable.
func EstimateTickSize(prices []decimal.Decimal, margin decimal.Decimal) decimal.Decimal {
	if !margin.IsPositive() {
		margin = DefaultTickMargin
	}
	distinct := make([]decimal.Decimal, 0, len(prices))
	seen := make(map[string]struct{}, len(prices))
	for _, p := range prices {
		if !p.IsPositive() {
			continue
		}
		key := p.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		distinct = append(distinct, p)
	}
	if len(distinct) < 2 {
		return Undeterminable
	}
	sort.Slice(distinct, func(i, j int) bool { return distinct[i].LessThan(distinct[j]) })

	gap := distinct[1].Sub(distinct[0])
	for i := 2; i < len(distinct); i++ {
		if d := distinct[i].Sub(distinct[i-1]); d.LessThan(gap) {
			gap = d
		}
	}
	gap = gap.Round(4)
	if !gap.IsPositive() {
		return Undeterminable
	}
	return gap.Mul(margin)
}

// OneTickPercentStep is roughly one percent of the quote midpoint, expressed as
// a whole number of ticks (at least one).
func OneTickPercentStep(buy, sell, tick decimal.Decimal) decimal.Decimal {
	if !buy.IsPositive() || !sell.IsPositive() || !tick.IsPositive() {
		return Undeterminable
	}
	mid := buy.Add(sell).Div(decimal.NewFromInt(2))
	ticks := mid.Mul(onePercent).Div(tick).Floor()
	if ticks.LessThan(decimal.NewFromInt(1)) {
		ticks = decimal.NewFromInt(1)
	}
	return ticks.Mul(tick).Round(4)
}
