package paper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JonasMelin/tradingpalavanza/internal/broker"
	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

// Desk is an in-memory signal service: it serves candidates, hands out
// per-ticker locks and keeps the ledger updates it receives.
type Desk struct {
	mu       sync.Mutex
	lists    map[signal.Side][]signal.TradeCandidate
	version  map[signal.Side]int
	served   map[signal.Side]int
	locks    map[string]string
	acquired map[string]int
	released map[string]int
	updates  []signal.LedgerUpdate
	pushErr  error
}

// NewDesk creates a desk with the given candidate lists.
func NewDesk(buy, sell []signal.TradeCandidate) *Desk {
	d := &Desk{
		lists:    map[signal.Side][]signal.TradeCandidate{},
		version:  map[signal.Side]int{signal.Buy: 1, signal.Sell: 1},
		served:   map[signal.Side]int{},
		locks:    map[string]string{},
		acquired: map[string]int{},
		released: map[string]int{},
	}
	d.lists[signal.Buy] = withSide(buy, signal.Buy)
	d.lists[signal.Sell] = withSide(sell, signal.Sell)
	return d
}

func withSide(list []signal.TradeCandidate, side signal.Side) []signal.TradeCandidate {
	out := make([]signal.TradeCandidate, len(list))
	for i, c := range list {
		c.Side = side
		out[i] = c
	}
	return out
}

// SetCandidates replaces one side's list.
func (d *Desk) SetCandidates(side signal.Side, list []signal.TradeCandidate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lists[side] = withSide(list, side)
	d.version[side]++
}

// FailPushes makes PushLedgerUpdate return err until cleared with nil.
func (d *Desk) FailPushes(err error) {
	d.mu.Lock()
	d.pushErr = err
	d.mu.Unlock()
}

// FetchCandidates returns signal.ErrUnchanged when the side has not changed since the last fetch.
func (d *Desk) FetchCandidates(_ context.Context, side signal.Side) ([]signal.TradeCandidate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.served[side] == d.version[side] {
		return nil, signal.ErrUnchanged
	}
	d.served[side] = d.version[side]
	out := make([]signal.TradeCandidate, len(d.lists[side]))
	copy(out, d.lists[side])
	return out, nil
}

// AcquireLock grants a lock unless the ticker is already held.
func (d *Desk) AcquireLock(_ context.Context, ticker string) (signal.Lock, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, held := d.locks[ticker]; held {
		return signal.Lock{}, fmt.Errorf("%w: %s already locked", signal.ErrLock, ticker)
	}
	key := uuid.NewString()
	raw, err := json.Marshal(key)
	if err != nil {
		return signal.Lock{}, err
	}
	d.locks[ticker] = key
	d.acquired[ticker]++
	return signal.Lock{Ticker: ticker, Key: raw}, nil
}

// ReleaseLock frees a held lock. A lock without a key is a no-op.
func (d *Desk) ReleaseLock(_ context.Context, lock signal.Lock) error {
	if !lock.Held() {
		return nil
	}
	var key string
	if err := json.Unmarshal(lock.Key, &key); err != nil {
		return fmt.Errorf("decode lock key: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locks[lock.Ticker] != key {
		return fmt.Errorf("%w: key mismatch for %s", signal.ErrLock, lock.Ticker)
	}
	delete(d.locks, lock.Ticker)
	d.released[lock.Ticker]++
	return nil
}

// PushLedgerUpdate records the update and drops the ticker's candidates,
// as the live service does once its ledger moves.
func (d *Desk) PushLedgerUpdate(_ context.Context, update signal.LedgerUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pushErr != nil {
		return fmt.Errorf("%w: %v", signal.ErrWrite, d.pushErr)
	}
	d.updates = append(d.updates, update)
	for side, list := range d.lists {
		kept := list[:0:0]
		for _, c := range list {
			if c.Ticker != update.Ticker {
				kept = append(kept, c)
			}
		}
		if len(kept) != len(list) {
			d.lists[side] = kept
			d.version[side]++
		}
	}
	return nil
}

// Updates returns a copy of the received ledger updates.
func (d *Desk) Updates() []signal.LedgerUpdate {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]signal.LedgerUpdate, len(d.updates))
	copy(out, d.updates)
	return out
}

// LockCounts reports how often ticker was locked and released.
func (d *Desk) LockCounts(ticker string) (acquired, released int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquired[ticker], d.released[ticker]
}

// Book is the on-disk seed for a paper session.
type Book struct {
	Instruments []Instrument `json:"instruments"`
	Buy         []BookEntry  `json:"buy"`
	Sell        []BookEntry  `json:"sell"`
}

// BookEntry is one candidate as written by hand.
type BookEntry struct {
	Ticker   string          `json:"ticker"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Count    int64           `json:"count"`
	Invested decimal.Decimal `json:"invested"`
	Name     string          `json:"name"`
}

func (e BookEntry) candidate(side signal.Side) signal.TradeCandidate {
	return signal.TradeCandidate{
		Ticker:             e.Ticker,
		Side:               side,
		Quantity:           e.Quantity,
		ReferencePrice:     e.Price,
		ExpectedLocalCount: e.Count,
		LocalInvested:      e.Invested,
		PositionName:       e.Name,
	}
}

// Candidates converts the entries of one side.
func (b Book) Candidates(side signal.Side) []signal.TradeCandidate {
	entries := b.Buy
	if side == signal.Sell {
		entries = b.Sell
	}
	out := make([]signal.TradeCandidate, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.candidate(side))
	}
	return out
}

// LoadBook reads a paper session seed from a JSON file.
func LoadBook(path string) (Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Book{}, fmt.Errorf("read book: %w", err)
	}
	var book Book
	if err := json.Unmarshal(data, &book); err != nil {
		return Book{}, fmt.Errorf("decode book: %w", err)
	}
	return book, nil
}

// Open builds a broker and desk seeded from the book. Bids are overridden by
// ticker and keep each instrument's spread.
func (b Book) Open(opts Options, bids map[string]decimal.Decimal) (*Broker, *Desk) {
	instruments := make([]Instrument, len(b.Instruments))
	copy(instruments, b.Instruments)
	for ticker, bid := range bids {
		symbol, flag := broker.ToBrokerTicker(ticker)
		for i := range instruments {
			inst := &instruments[i]
			if strings.EqualFold(inst.Symbol, symbol) && inst.Flag == flag {
				spread := inst.Sell.Sub(inst.Buy)
				inst.Buy, inst.Sell = bid, bid.Add(spread)
			}
		}
	}
	return NewBroker(opts, instruments...), NewDesk(b.Candidates(signal.Buy), b.Candidates(signal.Sell))
}
