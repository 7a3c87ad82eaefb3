package signal

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable marks transport or status failures talking to the signal service.
	ErrUnavailable = errors.New("signal service unavailable")
	// ErrUnchanged is returned when a candidate list is identical to the previous fetch.
	ErrUnchanged = errors.New("candidate list unchanged")
	// ErrLock is returned when a ticker lock could not be acquired.
	ErrLock = errors.New("lock not acquired")
	// ErrWrite is returned when a ledger update was not accepted.
	ErrWrite = errors.New("ledger update rejected")
)

// Paths names the endpoints relative to the service base URL.
type Paths struct {
	Buy    string
	Sell   string
	Lock   string
	Unlock string
	Update string
}

// DefaultPaths matches the tradingpal signal service routes.
var DefaultPaths = Paths{
	Buy:    "getStocksToBuy",
	Sell:   "getStocksToSell",
	Lock:   "lock",
	Unlock: "unlock",
	Update: "updateStock",
}

// Client talks to the signal service over HTTP.
type Client struct {
	baseURL string
	paths   Paths
	http    *http.Client
	log     zerolog.Logger

	mu           sync.Mutex
	fingerprints map[Side][sha256.Size]byte
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for all calls.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithPaths overrides endpoint paths. Empty fields keep their defaults.
func WithPaths(p Paths) Option {
	return func(c *Client) {
		if p.Buy != "" {
			c.paths.Buy = p.Buy
		}
		if p.Sell != "" {
			c.paths.Sell = p.Sell
		}
		if p.Lock != "" {
			c.paths.Lock = p.Lock
		}
		if p.Unlock != "" {
			c.paths.Unlock = p.Unlock
		}
		if p.Update != "" {
			c.paths.Update = p.Update
		}
	}
}

// NewClient constructs a signal-service client rooted at baseURL.
func NewClient(baseURL string, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/") + "/",
		paths:        DefaultPaths,
		http:         &http.Client{Timeout: 10 * time.Second},
		log:          log,
		fingerprints: make(map[Side][sha256.Size]byte),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type candidateEnvelope struct {
	List json.RawMessage `json:"list"`
}

type wireCandidate struct {
	TickerName   string          `json:"tickerName"`
	NumberToBuy  *int64          `json:"numberToBuy"`
	NumberToSell *int64          `json:"numberToSell"`
	Price        decimal.Decimal `json:"price"`
	CurrentStock struct {
		Name          string          `json:"name"`
		Count         int64           `json:"count"`
		TotalInvested decimal.Decimal `json:"totalInvested"`
	} `json:"currentStock"`
}

// FetchCandidates returns the current list for side. ErrUnchanged signals that
// the list content matches the previous successful fetch for the same side.
func (c *Client) FetchCandidates(ctx context.Context, side Side) ([]TradeCandidate, error) {
	path := c.paths.Buy
	if side == Sell {
		path = c.paths.Sell
	}
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var env candidateEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decode candidates: %v", ErrUnavailable, err)
	}
	var compact bytes.Buffer
	if len(env.List) > 0 {
		if err := json.Compact(&compact, env.List); err != nil {
			return nil, fmt.Errorf("%w: compact candidates: %v", ErrUnavailable, err)
		}
	}
	sum := sha256.Sum256(compact.Bytes())

	c.mu.Lock()
	prev, seen := c.fingerprints[side]
	c.mu.Unlock()
	if seen && prev == sum {
		return nil, ErrUnchanged
	}

	var wire []wireCandidate
	if len(env.List) > 0 && string(env.List) != "null" {
		if err := json.Unmarshal(env.List, &wire); err != nil {
			return nil, fmt.Errorf("%w: decode candidate list: %v", ErrUnavailable, err)
		}
	}
	out := make([]TradeCandidate, 0, len(wire))
	for _, w := range wire {
		cand, ok := w.toCandidate(side)
		if !ok {
			c.log.Warn().Str("ticker", w.TickerName).Str("side", string(side)).Msg("dropping malformed candidate")
			continue
		}
		out = append(out, cand)
	}

	c.mu.Lock()
	c.fingerprints[side] = sum
	c.mu.Unlock()
	return out, nil
}

func (w wireCandidate) toCandidate(side Side) (TradeCandidate, bool) {
	qty := w.NumberToBuy
	if side == Sell {
		qty = w.NumberToSell
	}
	if w.TickerName == "" || qty == nil || *qty <= 0 {
		return TradeCandidate{}, false
	}
	return TradeCandidate{
		Ticker:             w.TickerName,
		Side:               side,
		Quantity:           *qty,
		ReferencePrice:     w.Price,
		ExpectedLocalCount: w.CurrentStock.Count,
		LocalInvested:      w.CurrentStock.TotalInvested,
		PositionName:       w.CurrentStock.Name,
	}, true
}

// AcquireLock obtains exclusive processing rights for ticker.
func (c *Client) AcquireLock(ctx context.Context, ticker string) (Lock, error) {
	body, err := c.do(ctx, http.MethodPost, c.paths.Lock, map[string]string{"ticker": ticker})
	if err != nil {
		return Lock{}, fmt.Errorf("%w: %s: %v", ErrLock, ticker, err)
	}
	var reply struct {
		LockKey json.RawMessage `json:"lockKey"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return Lock{}, fmt.Errorf("%w: %s: decode: %v", ErrLock, ticker, err)
	}
	if len(reply.LockKey) == 0 || string(reply.LockKey) == "null" {
		return Lock{}, fmt.Errorf("%w: %s: empty lock key", ErrLock, ticker)
	}
	return Lock{Ticker: ticker, Key: reply.LockKey}, nil
}

// ReleaseLock gives a lock back. Callers treat failures as log-only.
func (c *Client) ReleaseLock(ctx context.Context, lock Lock) error {
	if !lock.Held() {
		return nil
	}
	payload := struct {
		Ticker  string          `json:"ticker"`
		LockKey json.RawMessage `json:"lockKey"`
	}{lock.Ticker, lock.Key}
	if _, err := c.do(ctx, http.MethodPost, c.paths.Unlock, payload); err != nil {
		return fmt.Errorf("release lock %s: %w", lock.Ticker, err)
	}
	return nil
}

// PushLedgerUpdate sends a ledger update to the signal service.
func (c *Client) PushLedgerUpdate(ctx context.Context, update LedgerUpdate) error {
	if _, err := c.do(ctx, http.MethodPost, c.paths.Update, update); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWrite, update.Ticker, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+strings.TrimPrefix(path, "/"), body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s %s: unexpected status %d", ErrUnavailable, method, path, resp.StatusCode)
	}
	return data, nil
}
