package risk

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JonasMelin/tradingpalavanza/internal/broker"
	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

var now = time.Date(2021, 11, 17, 15, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func healthySnapshot() broker.MarketSnapshot {
	return broker.MarketSnapshot{
		InstrumentID:       "5479",
		BuyPrice:           decimal.NewNullDecimal(d("10.00")),
		SellPrice:          decimal.NewNullDecimal(d("10.05")),
		LastUpdated:        now.Add(-time.Minute),
		PositionCount:      100,
		AccountID:          "9288043",
		TickSize:           d("0.05"),
		OneTickPercentStep: d("0.05"),
	}
}

func healthyCandidate() signal.TradeCandidate {
	return signal.TradeCandidate{
		Ticker:             "TELIA.ST",
		Side:               signal.Buy,
		Quantity:           5,
		ReferencePrice:     d("10.02"),
		ExpectedLocalCount: 100,
		LocalInvested:      d("1000"),
		PositionName:       "Telia",
	}
}

func TestValidatePasses(t *testing.T) {
	v := NewValidator(DefaultLimits())
	if got := v.Validate(healthySnapshot(), healthyCandidate(), now); !got.OK() {
		t.Fatalf("expected pass, got %s: %s", got.Kind, got.Reason)
	}
}

func TestValidateCrossedQuoteAlwaysFaults(t *testing.T) {
	v := NewValidator(DefaultLimits())
	mutations := []func(*broker.MarketSnapshot){
		func(*broker.MarketSnapshot) {},
		func(s *broker.MarketSnapshot) { s.LastUpdated = now.Add(-24 * time.Hour) },
		func(s *broker.MarketSnapshot) { s.PositionCount = 7 },
		func(s *broker.MarketSnapshot) { s.BuyPrice = decimal.NewNullDecimal(d("9000")) },
	}
	for i, mutate := range mutations {
		snap := healthySnapshot()
		snap.BuyPrice = decimal.NewNullDecimal(d("10.10"))
		mutate(&snap)
		if snap.BuyPrice.Decimal.LessThanOrEqual(snap.SellPrice.Decimal) {
			t.Fatalf("case %d: fixture is not crossed", i)
		}
		if got := v.Validate(snap, healthyCandidate(), now); got.Kind != Fault {
			t.Fatalf("case %d: expected fault for crossed quote, got %s", i, got.Kind)
		}
	}
}

func TestValidateNotionalCeilingAlwaysFaults(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxNotionalPerTrade = d("50")
	v := NewValidator(limits)
	got := v.Validate(healthySnapshot(), healthyCandidate(), now)
	if got.Kind != Fault || !strings.Contains(got.Reason, "notional") {
		t.Fatalf("expected notional fault, got %s: %s", got.Kind, got.Reason)
	}
}

func TestValidateClassification(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*broker.MarketSnapshot, *signal.TradeCandidate)
		want   VerdictKind
	}{
		{"stale", func(s *broker.MarketSnapshot, _ *signal.TradeCandidate) { s.LastUpdated = now.Add(-time.Hour) }, SoftReject},
		{"unavailable", func(s *broker.MarketSnapshot, _ *signal.TradeCandidate) {
			s.SellPrice = decimal.NewNullDecimal(broker.PriceUnavailable)
		}, SoftReject},
		{"missing", func(s *broker.MarketSnapshot, _ *signal.TradeCandidate) { s.BuyPrice = decimal.NullDecimal{} }, Fault},
		{"below band", func(s *broker.MarketSnapshot, _ *signal.TradeCandidate) {
			s.BuyPrice = decimal.NewNullDecimal(d("0.001"))
			s.SellPrice = decimal.NewNullDecimal(d("0.001"))
		}, Fault},
		{"reference drift", func(_ *broker.MarketSnapshot, c *signal.TradeCandidate) { c.ReferencePrice = d("12") }, Fault},
		{"wide spread", func(s *broker.MarketSnapshot, c *signal.TradeCandidate) {
			s.SellPrice = decimal.NewNullDecimal(d("11.5"))
			c.ReferencePrice = d("10.7")
		}, Fault},
		{"count drift", func(_ *broker.MarketSnapshot, c *signal.TradeCandidate) { c.ExpectedLocalCount = 99 }, Fault},
		{"zero quantity", func(_ *broker.MarketSnapshot, c *signal.TradeCandidate) { c.Quantity = 0 }, Fault},
	}
	v := NewValidator(DefaultLimits())
	for _, tc := range cases {
		snap, cand := healthySnapshot(), healthyCandidate()
		tc.mutate(&snap, &cand)
		if got := v.Validate(snap, cand, now); got.Kind != tc.want {
			t.Fatalf("%s: expected %s, got %s (%s)", tc.name, tc.want, got.Kind, got.Reason)
		}
	}
}

func TestValidateCountDriftCanBeDisabled(t *testing.T) {
	limits := DefaultLimits()
	limits.CheckCountDrift = false
	cand := healthyCandidate()
	cand.ExpectedLocalCount = 3
	if got := NewValidator(limits).Validate(healthySnapshot(), cand, now); !got.OK() {
		t.Fatalf("expected pass with drift check disabled, got %s", got.Reason)
	}
}

func TestCheckPrice(t *testing.T) {
	v := NewValidator(DefaultLimits())
	snap, cand := healthySnapshot(), healthyCandidate()
	if got := v.CheckPrice(d("10.10"), 5, snap, cand); !got.OK() {
		t.Fatalf("expected rung within bounds, got %s", got.Reason)
	}
	if got := v.CheckPrice(d("11.00"), 5, snap, cand); got.Kind != Fault {
		t.Fatalf("expected rung beyond reference deviation to fault")
	}
	if got := v.CheckPrice(d("0.005"), 5, snap, cand); got.Kind != Fault {
		t.Fatalf("expected rung below band to fault")
	}
}

func TestAllow(t *testing.T) {
	limits := Limits{MaxNotionalPerTrade: d("50")}
	if !limits.Allow(d("49.9")) {
		t.Fatalf("expected notional under limit to pass")
	}
	if limits.Allow(d("50.1")) {
		t.Fatalf("expected notional above limit to fail")
	}
	if !(Limits{}).Allow(d("1e9")) {
		t.Fatalf("zero ceiling should disable the check")
	}
}
