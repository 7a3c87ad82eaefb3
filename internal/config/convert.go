package config

import (
	"github.com/shopspring/decimal"

	"github.com/JonasMelin/tradingpalavanza/internal/execution"
	"github.com/JonasMelin/tradingpalavanza/internal/risk"
	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

// RiskLimits converts the sanity thresholds. The reference deviation is
// configured in percent and applied as a fraction.
func (s Sanity) RiskLimits() risk.Limits {
	return risk.Limits{
		MaxQuoteAge:           s.MaxQuoteAge(),
		MinPrice:              decimal.NewFromFloat(s.MinPrice),
		MaxPrice:              decimal.NewFromFloat(s.MaxPrice),
		MaxReferenceDeviation: decimal.NewFromFloat(s.MaxReferenceDeviationPct).Div(decimal.NewFromInt(100)),
		MaxNotionalPerTrade:   decimal.NewFromFloat(s.MaxNotional),
		MaxSpreadRatio:        decimal.NewFromFloat(s.MaxSpreadRatio),
		CheckCountDrift:       s.CheckCountDrift == nil || *s.CheckCountDrift,
	}
}

// EventLimits converts the daily caps.
func (l Limits) EventLimits() risk.EventLimits {
	return risk.EventLimits{MaxTransactions: l.MaxTransactions, MaxErrors: l.MaxErrors, MaxExceptions: l.MaxExceptions}
}

// ExecutionConfig converts the engine tuning.
func (e Engine) ExecutionConfig() execution.Config {
	return execution.Config{
		MaxAttempts:     e.MaxAttempts,
		MaxDeviatePrice: decimal.NewFromFloat(e.MaxDeviatePrice),
		Retry: execution.RetryConfig{
			PollCount:    e.PollCount,
			PollInterval: e.PollInterval(),
			Settle:       e.Settle(),
		},
	}
}

// TickMarginDecimal is the tick estimation margin.
func (e Engine) TickMarginDecimal() decimal.Decimal { return decimal.NewFromFloat(e.TickMargin) }

// SchedulerConfig converts loop pacing.
func (s Scheduler) SchedulerConfig() execution.SchedulerConfig {
	return execution.SchedulerConfig{BaseSleep: s.BaseSleep(), MaxSleep: s.MaxSleep(), Backoff: s.Backoff()}
}

// Paths converts the signal endpoint names.
func (s Signal) Paths() signal.Paths {
	return signal.Paths{Buy: s.BuyPath, Sell: s.SellPath, Lock: s.LockPath, Unlock: s.UnlockPath, Update: s.UpdatePath}
}
