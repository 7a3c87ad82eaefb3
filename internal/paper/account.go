// Package paper simulates the brokerage and the signal service so the engine can run without real money.
package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JonasMelin/tradingpalavanza/internal/broker"
	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

// FillMode controls when resting paper orders execute.
type FillMode string

const (
	// FillImmediate fills the whole order at placement.
	FillImmediate FillMode = "immediate"
	// FillNever leaves orders resting until cancelled.
	FillNever FillMode = "never"
	// FillPartial fills a fraction on the first poll and never completes.
	FillPartial FillMode = "partial"
	// FillAfterPolls fills the whole order once it has been polled N times.
	FillAfterPolls FillMode = "after_polls"
)

// ParseFillMode validates a configured mode. Empty means immediate.
func ParseFillMode(s string) (FillMode, error) {
	switch m := FillMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return FillImmediate, nil
	case FillImmediate, FillNever, FillPartial, FillAfterPolls:
		return m, nil
	default:
		return "", fmt.Errorf("unknown fill mode %q", s)
	}
}

// Instrument is one simulated order book and the held position.
type Instrument struct {
	ID       string          `json:"id"`
	Symbol   string          `json:"symbol"`
	Flag     string          `json:"flag"`
	Name     string          `json:"name"`
	Buy      decimal.Decimal `json:"buy"`
	Sell     decimal.Decimal `json:"sell"`
	Tick     decimal.Decimal `json:"tick"`
	Position int64           `json:"position"`
}

// Options configure the simulated account.
type Options struct {
	AccountID    string
	Cash         decimal.Decimal
	Mode         FillMode
	AfterPolls   int
	PartialRatio decimal.Decimal
	TickMargin   decimal.Decimal
	Now          func() time.Time
}

type restingOrder struct {
	id           string
	instrumentID string
	side         signal.Side
	price        decimal.Decimal
	qty          int64
	filled       int64
	polls        int
}

// Broker is an in-memory brokerage implementing broker.Client.
type Broker struct {
	mu          sync.Mutex
	opts        Options
	cash        decimal.Decimal
	instruments map[string]*Instrument
	orders      map[string]*restingOrder
	txs         []broker.Transaction
	closed      bool
	healthErr   error
}

var _ broker.Client = (*Broker)(nil)

// NewBroker constructs an account holding cash and the given instruments.
func NewBroker(opts Options, instruments ...Instrument) *Broker {
	if opts.AccountID == "" {
		opts.AccountID = "paper"
	}
	if opts.Mode == "" {
		opts.Mode = FillImmediate
	}
	if opts.AfterPolls <= 0 {
		opts.AfterPolls = 1
	}
	if !opts.PartialRatio.IsPositive() {
		opts.PartialRatio = decimal.RequireFromString("0.5")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := &Broker{
		opts:        opts,
		cash:        opts.Cash,
		instruments: make(map[string]*Instrument, len(instruments)),
		orders:      make(map[string]*restingOrder),
	}
	for i := range instruments {
		inst := instruments[i]
		b.instruments[inst.ID] = &inst
	}
	return b
}

// SetQuote moves the simulated book.
func (b *Broker) SetQuote(instrumentID string, buy, sell decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst, ok := b.instruments[instrumentID]; ok {
		inst.Buy, inst.Sell = buy, sell
	}
}

// SetMarketClosed makes placements fail with a market-closed rejection.
func (b *Broker) SetMarketClosed(closed bool) {
	b.mu.Lock()
	b.closed = closed
	b.mu.Unlock()
}

// SetHealthError makes HealthCheck fail with err until cleared with nil.
func (b *Broker) SetHealthError(err error) {
	b.mu.Lock()
	b.healthErr = err
	b.mu.Unlock()
}

// Cash returns the remaining buying power.
func (b *Broker) Cash() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cash
}

// OpenOrders reports how many orders are resting.
func (b *Broker) OpenOrders() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// HealthCheck implements broker.Client.
func (b *Broker) HealthCheck(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.healthErr != nil {
		return fmt.Errorf("%w: %v", broker.ErrConnectivity, b.healthErr)
	}
	return nil
}

// Search implements broker.Client.
func (b *Broker) Search(_ context.Context, query string) ([]broker.SearchHit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var hits []broker.SearchHit
	for _, inst := range b.instruments {
		if strings.EqualFold(inst.Symbol, query) {
			hits = append(hits, broker.SearchHit{ID: inst.ID, TickerSymbol: inst.Symbol, FlagCode: inst.Flag, Name: inst.Name})
		}
	}
	return hits, nil
}

// Snapshot implements broker.Client.
func (b *Broker) Snapshot(_ context.Context, instrumentID string) (broker.MarketSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instruments[instrumentID]
	if !ok {
		return broker.MarketSnapshot{}, fmt.Errorf("instrument %s: %w", instrumentID, broker.ErrNotFound)
	}
	tick := inst.Tick
	if !tick.IsPositive() {
		tick = broker.EstimateTickSize([]decimal.Decimal{inst.Buy, inst.Sell}, b.opts.TickMargin)
	}
	return broker.MarketSnapshot{
		InstrumentID:       inst.ID,
		BuyPrice:           decimal.NewNullDecimal(inst.Buy),
		SellPrice:          decimal.NewNullDecimal(inst.Sell),
		LastUpdated:        b.opts.Now(),
		PositionCount:      inst.Position,
		AccountID:          b.opts.AccountID,
		TickSize:           tick,
		OneTickPercentStep: broker.OneTickPercentStep(inst.Buy, inst.Sell, tick),
	}, nil
}

// PlaceOrder implements broker.Client. Rejections are reported in the result.
func (b *Broker) PlaceOrder(_ context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reject := func(reason broker.RejectReason, msg string) (broker.OrderResult, error) {
		return broker.OrderResult{Status: broker.StatusFailure, Reason: reason, Message: msg}, nil
	}
	inst, ok := b.instruments[req.InstrumentID]
	switch {
	case !ok:
		return reject(broker.RejectOther, "unknown instrument")
	case b.closed:
		return reject(broker.RejectMarketClosed, "market closed")
	case req.Quantity <= 0 || !req.Price.IsPositive():
		return reject(broker.RejectOther, "invalid volume or price")
	case req.Side == signal.Buy && req.Price.Mul(decimal.NewFromInt(req.Quantity)).GreaterThan(b.cash):
		return reject(broker.RejectInsufficientFunds, "insufficient purchasing power")
	case req.Side == signal.Sell && req.Quantity > inst.Position:
		return reject(broker.RejectOther, "insufficient position")
	}

	o := &restingOrder{id: uuid.NewString(), instrumentID: inst.ID, side: req.Side, price: req.Price, qty: req.Quantity}
	if b.opts.Mode == FillImmediate {
		b.fill(inst, o, o.qty)
		return broker.OrderResult{Status: broker.StatusSuccess, OrderID: o.id}, nil
	}
	b.orders[o.id] = o
	return broker.OrderResult{Status: broker.StatusSuccess, OrderID: o.id}, nil
}

// Position implements broker.Client. Each call counts as one poll of every
// order resting on the instrument.
func (b *Broker) Position(_ context.Context, instrumentID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instruments[instrumentID]
	if !ok {
		return 0, fmt.Errorf("instrument %s: %w", instrumentID, broker.ErrNotFound)
	}
	for id, o := range b.orders {
		if o.instrumentID != instrumentID {
			continue
		}
		o.polls++
		switch b.opts.Mode {
		case FillAfterPolls:
			if o.polls >= b.opts.AfterPolls {
				b.fill(inst, o, o.qty-o.filled)
				delete(b.orders, id)
			}
		case FillPartial:
			if o.filled == 0 {
				part := decimal.NewFromInt(o.qty).Mul(b.opts.PartialRatio).Floor().IntPart()
				if part < 1 {
					part = 1
				}
				b.fill(inst, o, part)
			}
		}
	}
	return inst.Position, nil
}

// CancelOrder implements broker.Client.
func (b *Broker) CancelOrder(_ context.Context, _, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[orderID]; !ok {
		return fmt.Errorf("order %s: %w", orderID, broker.ErrNotFound)
	}
	delete(b.orders, orderID)
	return nil
}

// Transactions implements broker.Client.
func (b *Broker) Transactions(_ context.Context, filter broker.TransactionFilter) ([]broker.Transaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	types := filter.Types
	if len(types) == 0 {
		types = broker.DefaultTransactionTypes
	}
	var out []broker.Transaction
	for _, tx := range b.txs {
		if filter.Date != "" && tx.Date != filter.Date {
			continue
		}
		for _, t := range types {
			if tx.Type == t {
				out = append(out, tx)
				break
			}
		}
	}
	return out, nil
}

// Funds implements broker.Client.
func (b *Broker) Funds(context.Context) ([]broker.AccountFunds, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return []broker.AccountFunds{{AccountID: b.opts.AccountID, Name: "Paper", BuyingPower: b.cash, Currency: "SEK"}}, nil
}

func (b *Broker) fill(inst *Instrument, o *restingOrder, qty int64) {
	if qty <= 0 {
		return
	}
	o.filled += qty
	notional := o.price.Mul(decimal.NewFromInt(qty))
	volume := decimal.NewFromInt(qty)
	if o.side == signal.Sell {
		inst.Position -= qty
		b.cash = b.cash.Add(notional)
		volume = volume.Neg()
	} else {
		inst.Position += qty
		b.cash = b.cash.Sub(notional)
		notional = notional.Neg()
	}
	b.txs = append(b.txs, broker.Transaction{
		ID:           uuid.NewString(),
		Type:         string(o.side),
		Date:         b.opts.Now().Format("2006-01-02"),
		AccountID:    b.opts.AccountID,
		AccountName:  "Paper",
		InstrumentID: inst.ID,
		Instrument:   inst.Name,
		Description:  inst.Name,
		Volume:       volume,
		Price:        o.price,
		Amount:       notional,
		Currency:     "SEK",
	})
}
