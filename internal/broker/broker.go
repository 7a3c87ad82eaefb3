// Package broker wraps the brokerage: instrument search, market snapshots, order placement and account queries.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

var (
	// ErrConnectivity wraps any failure to reach the brokerage or an expired session.
	ErrConnectivity = errors.New("broker connectivity")
	// ErrNotFound is returned when an instrument or order is unknown to the brokerage.
	ErrNotFound = errors.New("broker: not found")
	// ErrRejected is wrapped by OrderResult.Err for refused placements.
	ErrRejected = errors.New("broker: order rejected")
)

// PriceUnavailable is the sentinel quote reported when the brokerage publishes no price, usually a closed market.
var PriceUnavailable = decimal.NewFromInt(-1)

// Undeterminable is returned by estimators that cannot derive a value.
var Undeterminable = decimal.NewFromInt(-1)

// SearchHit is one instrument returned by a brokerage search.
type SearchHit struct {
	ID           string
	TickerSymbol string
	FlagCode     string
	Name         string
}

// MarketSnapshot is a fresh view of one instrument and the held position.
// An invalid NullDecimal means the price was missing from the payload.
type MarketSnapshot struct {
	InstrumentID       string
	BuyPrice           decimal.NullDecimal
	SellPrice          decimal.NullDecimal
	LastUpdated        time.Time
	PositionCount      int64
	AccountID          string
	TickSize           decimal.Decimal
	OneTickPercentStep decimal.Decimal
}

// PricesMissing reports whether either side of the quote is absent.
func (s MarketSnapshot) PricesMissing() bool { return !s.BuyPrice.Valid || !s.SellPrice.Valid }

// PricesUnavailable reports whether either side carries the unavailable sentinel.
func (s MarketSnapshot) PricesUnavailable() bool {
	return (s.BuyPrice.Valid && s.BuyPrice.Decimal.Equal(PriceUnavailable)) ||
		(s.SellPrice.Valid && s.SellPrice.Decimal.Equal(PriceUnavailable))
}

// Mid returns the quote midpoint. Callers must check PricesMissing first.
func (s MarketSnapshot) Mid() decimal.Decimal {
	return s.BuyPrice.Decimal.Add(s.SellPrice.Decimal).Div(decimal.NewFromInt(2))
}

// OrderRequest describes a limit order.
type OrderRequest struct {
	AccountID    string
	InstrumentID string
	Side         signal.Side
	Price        decimal.Decimal
	Quantity     int64
}

// OrderStatus is the brokerage verdict on a placement.
type OrderStatus string

const (
	StatusSuccess OrderStatus = "SUCCESS"
	StatusFailure OrderStatus = "ERROR"
)

// RejectReason classifies failed placements.
type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectInsufficientFunds
	RejectMarketClosed
	RejectOther
)

func (r RejectReason) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectInsufficientFunds:
		return "insufficient_funds"
	case RejectMarketClosed:
		return "market_closed"
	default:
		return "other"
	}
}

// OrderResult is what the brokerage answered to a placement.
type OrderResult struct {
	Status  OrderStatus
	OrderID string
	Reason  RejectReason
	Message string
}

// OK reports a successful placement.
func (r OrderResult) OK() bool { return r.Status == StatusSuccess }

// Err returns nil for a successful placement and a wrapped ErrRejected otherwise.
func (r OrderResult) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%w (%s): %s", ErrRejected, r.Reason, r.Message)
}

// Transaction is one booked account event.
type Transaction struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Date         string          `json:"date"`
	AccountID    string          `json:"accountId"`
	AccountName  string          `json:"accountName"`
	InstrumentID string          `json:"instrumentId,omitempty"`
	Instrument   string          `json:"instrument,omitempty"`
	Description  string          `json:"description"`
	Volume       decimal.Decimal `json:"volume"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
}

// TransactionFilter narrows a transaction query. A zero Date returns all days.
type TransactionFilter struct {
	Date  string
	Types []string
}

// DefaultTransactionTypes are the event types relevant to position bookkeeping.
var DefaultTransactionTypes = []string{"BUY", "SELL", "DIVIDEND", "FOREIGN_TAX"}

// AccountFunds reports available buying power in one account.
type AccountFunds struct {
	AccountID   string          `json:"accountId"`
	Name        string          `json:"name"`
	BuyingPower decimal.Decimal `json:"buyingPower"`
	Currency    string          `json:"currency"`
}

// Client is the brokerage capability surface the engine and control plane depend on.
type Client interface {
	Search(ctx context.Context, query string) ([]SearchHit, error)
	Snapshot(ctx context.Context, instrumentID string) (MarketSnapshot, error)
	Position(ctx context.Context, instrumentID string) (int64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, accountID, orderID string) error
	Transactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	Funds(ctx context.Context) ([]AccountFunds, error)
	HealthCheck(ctx context.Context) error
}
