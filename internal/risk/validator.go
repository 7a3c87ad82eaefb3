// Package risk guards capital: pre-trade sanity checks, daily event limits and operator overrides.
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JonasMelin/tradingpalavanza/internal/broker"
	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

// VerdictKind classifies a sanity check result.
type VerdictKind int

const (
	// Pass means the candidate may be traded.
	Pass VerdictKind = iota
	// SoftReject means the market is not actionable right now; skip without penalty.
	SoftReject
	// Fault means an invariant is violated; abandon and count as an exception.
	Fault
)

func (k VerdictKind) String() string {
	switch k {
	case Pass:
		return "pass"
	case SoftReject:
		return "soft_reject"
	default:
		return "fault"
	}
}

// Verdict is the outcome of a sanity check.
type Verdict struct {
	Kind   VerdictKind
	Reason string
}

// OK reports whether the check passed.
func (v Verdict) OK() bool { return v.Kind == Pass }

func soft(format string, args ...any) Verdict {
	return Verdict{Kind: SoftReject, Reason: fmt.Sprintf(format, args...)}
}

func fault(format string, args ...any) Verdict {
	return Verdict{Kind: Fault, Reason: fmt.Sprintf(format, args...)}
}

// Limits are the sanity thresholds. Zero values disable the optional checks
// (reference deviation, notional ceiling, spread ratio).
type Limits struct {
	MaxQuoteAge           time.Duration
	MinPrice              decimal.Decimal
	MaxPrice              decimal.Decimal
	MaxReferenceDeviation decimal.Decimal // fraction of the quote midpoint
	MaxNotionalPerTrade   decimal.Decimal
	MaxSpreadRatio        decimal.Decimal // sell / buy
	CheckCountDrift       bool
}

// DefaultLimits mirrors the production configuration.
func DefaultLimits() Limits {
	return Limits{
		MaxQuoteAge:           15 * time.Minute,
		MinPrice:              decimal.RequireFromString("0.01"),
		MaxPrice:              decimal.NewFromInt(5000),
		MaxReferenceDeviation: decimal.RequireFromString("0.05"),
		MaxNotionalPerTrade:   decimal.NewFromInt(10000),
		MaxSpreadRatio:        decimal.RequireFromString("1.12"),
		CheckCountDrift:       true,
	}
}

// Allow reports whether notional fits under the per-trade ceiling.
func (l Limits) Allow(notional decimal.Decimal) bool {
	return !l.MaxNotionalPerTrade.IsPositive() || notional.LessThanOrEqual(l.MaxNotionalPerTrade)
}

// Validator runs the pre-trade sanity checks.
type Validator struct {
	limits Limits
}

// NewValidator builds a validator for limits.
func NewValidator(limits Limits) *Validator { return &Validator{limits: limits} }

// Limits returns the configured thresholds.
func (v *Validator) Limits() Limits { return v.limits }

// Validate checks a fresh snapshot against a candidate. A crossed quote is
// always a fault; the remaining checks run in a fixed order and the first
// failure wins.
func (v *Validator) Validate(snap broker.MarketSnapshot, cand signal.TradeCandidate, now time.Time) Verdict {
	l := v.limits
	buy, sell := snap.BuyPrice.Decimal, snap.SellPrice.Decimal

	if snap.BuyPrice.Valid && snap.SellPrice.Valid && buy.IsPositive() && sell.IsPositive() && buy.GreaterThan(sell) {
		return fault("crossed quote: buy %s above sell %s", buy, sell)
	}
	if cand.Quantity <= 0 {
		return fault("non-positive quantity %d", cand.Quantity)
	}
	if l.MaxQuoteAge > 0 && now.Sub(snap.LastUpdated) > l.MaxQuoteAge {
		return soft("quote is stale: updated %s", snap.LastUpdated.Format(time.RFC3339))
	}
	if snap.PricesUnavailable() {
		return soft("price unavailable, market likely closed")
	}
	if snap.PricesMissing() {
		return fault("quote missing buy or sell price")
	}
	for _, p := range []decimal.Decimal{buy, sell} {
		if verdict := v.checkBand(p); !verdict.OK() {
			return verdict
		}
	}
	mid := snap.Mid()
	if verdict := v.checkReference(cand.ReferencePrice, mid); !verdict.OK() {
		return verdict
	}
	if notional := sell.Mul(decimal.NewFromInt(cand.Quantity)); !l.Allow(notional) {
		return fault("notional %s exceeds ceiling %s", notional, l.MaxNotionalPerTrade)
	}
	if l.MaxSpreadRatio.IsPositive() {
		if ratio := sell.Div(buy); ratio.GreaterThan(l.MaxSpreadRatio) {
			return fault("spread ratio %s exceeds %s", ratio.StringFixed(4), l.MaxSpreadRatio)
		}
	}
	if l.CheckCountDrift && cand.ExpectedLocalCount != snap.PositionCount {
		return fault("ledger count %d does not match broker count %d", cand.ExpectedLocalCount, snap.PositionCount)
	}
	return Verdict{Kind: Pass}
}

// CheckPrice re-validates a stepped limit price against the absolute band,
// the reference deviation cap and the notional ceiling.
func (v *Validator) CheckPrice(price decimal.Decimal, qty int64, snap broker.MarketSnapshot, cand signal.TradeCandidate) Verdict {
	if verdict := v.checkBand(price); !verdict.OK() {
		return verdict
	}
	if !snap.PricesMissing() {
		if verdict := v.checkReference(cand.ReferencePrice, price); !verdict.OK() {
			return verdict
		}
	}
	if notional := price.Mul(decimal.NewFromInt(qty)); !v.limits.Allow(notional) {
		return fault("notional %s exceeds ceiling %s", notional, v.limits.MaxNotionalPerTrade)
	}
	return Verdict{Kind: Pass}
}

func (v *Validator) checkBand(p decimal.Decimal) Verdict {
	if p.LessThan(v.limits.MinPrice) || (v.limits.MaxPrice.IsPositive() && p.GreaterThan(v.limits.MaxPrice)) {
		return fault("price %s outside [%s, %s]", p, v.limits.MinPrice, v.limits.MaxPrice)
	}
	return Verdict{Kind: Pass}
}

func (v *Validator) checkReference(ref, against decimal.Decimal) Verdict {
	maxDev := v.limits.MaxReferenceDeviation
	if !maxDev.IsPositive() {
		return Verdict{Kind: Pass}
	}
	if !ref.IsPositive() || !against.IsPositive() {
		return fault("reference price %s not comparable", ref)
	}
	dev := ref.Sub(against).Abs().Div(against)
	if dev.GreaterThan(maxDev) {
		return fault("reference price %s deviates %s%% from %s", ref, dev.Mul(decimal.NewFromInt(100)).StringFixed(2), against)
	}
	return Verdict{Kind: Pass}
}
