// Package signal standardizes payloads exchanged with the external signal service.
package signal

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Side enumerates trade directions requested by the signal service.
type Side string

const (
	// Buy increases a holding.
	Buy Side = "BUY"
	// Sell reduces a holding.
	Sell Side = "SELL"
)

// Valid reports whether s is a known direction.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// TradeCandidate is one instruction from the signal service. It is immutable
// for the duration of one processing attempt.
type TradeCandidate struct {
	Ticker             string
	Side               Side
	Quantity           int64
	ReferencePrice     decimal.Decimal
	ExpectedLocalCount int64
	LocalInvested      decimal.Decimal
	PositionName       string
}

// ExpectedCount returns the broker position count once the candidate is fully filled.
func (c TradeCandidate) ExpectedCount(start int64) int64 {
	if c.Side == Sell {
		return start - c.Quantity
	}
	return start + c.Quantity
}

// Lock proves exclusive processing rights for one ticker. Key is opaque.
type Lock struct {
	Ticker string
	Key    json.RawMessage
}

// Held reports whether the lock carries a key that must be released.
func (l Lock) Held() bool { return len(l.Key) > 0 }

// LedgerUpdate is the write-once record produced after a fill.
type LedgerUpdate struct {
	Ticker           string           `json:"ticker"`
	BoughtAt         *decimal.Decimal `json:"boughtAtPrice,omitempty"`
	SoldAt           *decimal.Decimal `json:"soldAtPrice,omitempty"`
	CountBefore      int64            `json:"countBefore"`
	CountAfter       int64            `json:"countAfter"`
	AmountSpent      decimal.Decimal  `json:"amountSpent"`
	PositionName     string           `json:"name"`
	NewTotalInvested decimal.Decimal  `json:"newTotalInvested"`
	InstrumentID     string           `json:"brokerInstrumentId"`
	Timestamp        time.Time        `json:"timestamp"`
}

// Price returns the fill price regardless of direction.
func (u LedgerUpdate) Price() decimal.Decimal {
	switch {
	case u.BoughtAt != nil:
		return *u.BoughtAt
	case u.SoldAt != nil:
		return *u.SoldAt
	default:
		return decimal.Zero
	}
}
