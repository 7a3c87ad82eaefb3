package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	quoteTimeLayout = "2006-01-02T15:04:05.000-0700"
	validUntilZone  = "Europe/Stockholm"
)

// Credentials authenticate a brokerage session.
type Credentials struct {
	Username   string
	Password   string
	TOTPSecret string
}

// Avanza is an HTTP client for the brokerage's private JSON API.
type Avanza struct {
	baseURL        string
	http           *http.Client
	creds          Credentials
	log            zerolog.Logger
	allowed        map[string]struct{}
	defaultAccount string
	tickMargin     decimal.Decimal
	now            func() time.Time

	mu            sync.RWMutex
	securityToken string
	authSession   string
}

// AvanzaOption customises an Avanza client.
type AvanzaOption func(*Avanza)

// WithHTTPClient overrides the transport.
func WithHTTPClient(h *http.Client) AvanzaOption {
	return func(a *Avanza) {
		if h != nil {
			a.http = h
		}
	}
}

// WithAllowedAccounts restricts positions and funds to the named accounts.
func WithAllowedAccounts(names ...string) AvanzaOption {
	return func(a *Avanza) {
		for _, n := range names {
			if n = strings.TrimSpace(n); n != "" {
				a.allowed[n] = struct{}{}
			}
		}
	}
}

// WithDefaultAccount sets the account used when no position is held yet.
func WithDefaultAccount(id string) AvanzaOption {
	return func(a *Avanza) { a.defaultAccount = id }
}

// WithTickMargin overrides the tick-size safety multiplier.
func WithTickMargin(m decimal.Decimal) AvanzaOption {
	return func(a *Avanza) {
		if m.IsPositive() {
			a.tickMargin = m
		}
	}
}

// WithClock injects the time source used for TOTP codes and order validity.
func WithClock(now func() time.Time) AvanzaOption {
	return func(a *Avanza) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAvanza builds an unauthenticated client. Call Login before use.
func NewAvanza(baseURL string, creds Credentials, log zerolog.Logger, opts ...AvanzaOption) *Avanza {
	a := &Avanza{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		http:       &http.Client{Timeout: 15 * time.Second},
		creds:      creds,
		log:        log,
		allowed:    make(map[string]struct{}),
		tickMargin: DefaultTickMargin,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// DialAvanza constructs a client and logs in.
func DialAvanza(ctx context.Context, baseURL string, creds Credentials, log zerolog.Logger, opts ...AvanzaOption) (*Avanza, error) {
	a := NewAvanza(baseURL, creds, log, opts...)
	if err := a.Login(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Login performs the username/password step followed by the TOTP step.
func (a *Avanza) Login(ctx context.Context) error {
	var first struct {
		TwoFactorLogin struct {
			TransactionID string `json:"transactionId"`
			Method        string `json:"method"`
		} `json:"twoFactorLogin"`
	}
	creds := map[string]any{
		"username":           a.creds.Username,
		"password":           a.creds.Password,
		"maxInactiveMinutes": 60,
	}
	if _, err := a.call(ctx, http.MethodPost, "/_api/authentication/sessions/usercredentials", creds, &first, nil); err != nil {
		return fmt.Errorf("login credentials: %w", err)
	}
	if !strings.EqualFold(first.TwoFactorLogin.Method, "TOTP") {
		return fmt.Errorf("%w: unsupported second factor %q", ErrConnectivity, first.TwoFactorLogin.Method)
	}

	code, err := totp.GenerateCode(a.creds.TOTPSecret, a.now())
	if err != nil {
		return fmt.Errorf("generate totp: %w", err)
	}
	var second struct {
		AuthenticationSession string `json:"authenticationSession"`
		CustomerID            string `json:"customerId"`
	}
	cookie := &http.Cookie{Name: "AZAMFATRANSACTION", Value: first.TwoFactorLogin.TransactionID}
	hdr, err := a.call(ctx, http.MethodPost, "/_api/authentication/sessions/totp", map[string]string{"method": "TOTP", "totpCode": code}, &second, cookie)
	if err != nil {
		return fmt.Errorf("login totp: %w", err)
	}
	token := hdr.Get("X-SecurityToken")
	if token == "" || second.AuthenticationSession == "" {
		return fmt.Errorf("%w: login returned no session", ErrConnectivity)
	}
	a.mu.Lock()
	a.securityToken = token
	a.authSession = second.AuthenticationSession
	a.mu.Unlock()
	a.log.Info().Str("customer", second.CustomerID).Msg("broker session established")
	return nil
}

// HealthCheck verifies the session is still accepted.
func (a *Avanza) HealthCheck(ctx context.Context) error {
	_, err := a.call(ctx, http.MethodGet, "/_mobile/account/overview", nil, nil, nil)
	return err
}

type searchReply struct {
	TotalNumberOfHits int `json:"totalNumberOfHits"`
	Hits              []struct {
		InstrumentType string `json:"instrumentType"`
		TopHits        []struct {
			ID           string `json:"id"`
			TickerSymbol string `json:"tickerSymbol"`
			FlagCode     string `json:"flagCode"`
			Name         string `json:"name"`
		} `json:"topHits"`
	} `json:"hits"`
}

// Search looks up stocks matching query.
func (a *Avanza) Search(ctx context.Context, query string) ([]SearchHit, error) {
	var reply searchReply
	path := "/_mobile/market/search/STOCK?" + url.Values{"query": {query}, "limit": {"10"}}.Encode()
	if _, err := a.call(ctx, http.MethodGet, path, nil, &reply, nil); err != nil {
		return nil, err
	}
	var out []SearchHit
	for _, group := range reply.Hits {
		for _, h := range group.TopHits {
			out = append(out, SearchHit{ID: h.ID, TickerSymbol: h.TickerSymbol, FlagCode: h.FlagCode, Name: h.Name})
		}
	}
	return out, nil
}

type stockInfo struct {
	ID               string           `json:"id"`
	BuyPrice         json.RawMessage  `json:"buyPrice"`
	SellPrice        json.RawMessage  `json:"sellPrice"`
	LastPrice        *decimal.Decimal `json:"lastPrice"`
	LowestPrice      *decimal.Decimal `json:"lowestPrice"`
	HighestPrice     *decimal.Decimal `json:"highestPrice"`
	LastPriceUpdated string           `json:"lastPriceUpdated"`
	OrderDepthLevels []struct {
		Buy  *struct{ Price *decimal.Decimal } `json:"buy"`
		Sell *struct{ Price *decimal.Decimal } `json:"sell"`
	} `json:"orderDepthLevels"`
	LatestTrades []struct {
		Price *decimal.Decimal `json:"price"`
	} `json:"latestTrades"`
	Positions []struct {
		AccountName string          `json:"accountName"`
		AccountID   string          `json:"accountId"`
		Volume      decimal.Decimal `json:"volume"`
		Value       decimal.Decimal `json:"value"`
	} `json:"positions"`
}

// quotePrice decodes an optional quote field. An absent field is the
// unavailable sentinel; an explicit null is a missing price.
func quotePrice(raw json.RawMessage) (decimal.NullDecimal, error) {
	if len(raw) == 0 {
		return decimal.NewNullDecimal(PriceUnavailable), nil
	}
	var nd decimal.NullDecimal
	if err := nd.UnmarshalJSON(raw); err != nil {
		return decimal.NullDecimal{}, err
	}
	return nd, nil
}

// tickPrices gathers every observed price usable for tick estimation.
func (s stockInfo) tickPrices(buy, sell decimal.NullDecimal) []decimal.Decimal {
	var prices []decimal.Decimal
	add := func(p *decimal.Decimal) {
		if p != nil {
			prices = append(prices, *p)
		}
	}
	add(s.LastPrice)
	add(s.LowestPrice)
	add(s.HighestPrice)
	if buy.Valid {
		prices = append(prices, buy.Decimal)
	}
	if sell.Valid {
		prices = append(prices, sell.Decimal)
	}
	for _, lvl := range s.OrderDepthLevels {
		if lvl.Buy != nil {
			add(lvl.Buy.Price)
		}
		if lvl.Sell != nil {
			add(lvl.Sell.Price)
		}
	}
	for _, tr := range s.LatestTrades {
		add(tr.Price)
	}
	return prices
}

// Snapshot fetches live prices and the held position for an instrument.
func (a *Avanza) Snapshot(ctx context.Context, instrumentID string) (MarketSnapshot, error) {
	var info stockInfo
	if _, err := a.call(ctx, http.MethodGet, "/_mobile/market/stock/"+url.PathEscape(instrumentID), nil, &info, nil); err != nil {
		return MarketSnapshot{}, err
	}
	buy, err := quotePrice(info.BuyPrice)
	if err != nil {
		return MarketSnapshot{}, fmt.Errorf("decode buy price: %w", err)
	}
	sell, err := quotePrice(info.SellPrice)
	if err != nil {
		return MarketSnapshot{}, fmt.Errorf("decode sell price: %w", err)
	}

	snap := MarketSnapshot{
		InstrumentID: instrumentID,
		BuyPrice:     buy,
		SellPrice:    sell,
		AccountID:    a.defaultAccount,
	}
	if ts, err := time.Parse(quoteTimeLayout, info.LastPriceUpdated); err == nil {
		snap.LastUpdated = ts
	} else {
		a.log.Debug().Str("instrument", instrumentID).Str("raw", info.LastPriceUpdated).Msg("unparseable quote timestamp")
	}
	snap.TickSize = EstimateTickSize(info.tickPrices(buy, sell), a.tickMargin)
	snap.OneTickPercentStep = OneTickPercentStep(buy.Decimal, sell.Decimal, snap.TickSize)

	for _, pos := range info.Positions {
		if !a.accountAllowed(pos.AccountName) {
			continue
		}
		snap.AccountID = pos.AccountID
		snap.PositionCount = pos.Volume.IntPart()
		break
	}
	return snap, nil
}

// Position returns the held count for an instrument.
func (a *Avanza) Position(ctx context.Context, instrumentID string) (int64, error) {
	snap, err := a.Snapshot(ctx, instrumentID)
	if err != nil {
		return 0, err
	}
	return snap.PositionCount, nil
}

type orderReply struct {
	Status   string   `json:"status"`
	OrderID  string   `json:"orderId"`
	Messages []string `json:"messages"`
}

// PlaceOrder submits a day limit order.
func (a *Avanza) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	body := map[string]any{
		"accountId":   req.AccountID,
		"orderbookId": req.InstrumentID,
		"orderType":   string(req.Side),
		"price":       json.Number(req.Price.String()),
		"validUntil":  a.validUntil(),
		"volume":      req.Quantity,
	}
	var reply orderReply
	if _, err := a.call(ctx, http.MethodPost, "/_api/order", body, &reply, nil); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && !errors.Is(err, ErrConnectivity) && !errors.Is(err, ErrNotFound) {
			return OrderResult{Status: StatusFailure, Message: se.Message, Reason: classifyRejection(se.Message)}, nil
		}
		return OrderResult{}, err
	}
	res := OrderResult{
		Status:  OrderStatus(strings.ToUpper(reply.Status)),
		OrderID: reply.OrderID,
		Message: strings.TrimSpace(strings.Join(reply.Messages, " ")),
	}
	if !res.OK() {
		res.Status = StatusFailure
		res.Reason = classifyRejection(res.Message)
	}
	return res, nil
}

// CancelOrder deletes an open order.
func (a *Avanza) CancelOrder(ctx context.Context, accountID, orderID string) error {
	var reply orderReply
	path := "/_api/order?" + url.Values{"accountId": {accountID}, "orderId": {orderID}}.Encode()
	if _, err := a.call(ctx, http.MethodDelete, path, nil, &reply, nil); err != nil {
		return err
	}
	if !strings.EqualFold(reply.Status, string(StatusSuccess)) {
		return fmt.Errorf("cancel order %s: status %q %s", orderID, reply.Status, strings.Join(reply.Messages, " "))
	}
	return nil
}

func classifyRejection(msg string) RejectReason {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "köpkraft"), strings.Contains(m, "purchasing power"), strings.Contains(m, "buying power"), strings.Contains(m, "insufficient"):
		return RejectInsufficientFunds
	case strings.Contains(m, "stängd"), strings.Contains(m, "closed"), strings.Contains(m, "not open"):
		return RejectMarketClosed
	default:
		return RejectOther
	}
}

func (a *Avanza) validUntil() string {
	now := a.now()
	if loc, err := time.LoadLocation(validUntilZone); err == nil {
		now = now.In(loc)
	}
	return now.Format("2006-01-02")
}

type transactionsReply struct {
	Transactions []struct {
		ID      string `json:"id"`
		Account struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"account"`
		Orderbook *struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"orderbook"`
		Description      string          `json:"description"`
		Currency         string          `json:"currency"`
		Price            decimal.Decimal `json:"price"`
		Volume           decimal.Decimal `json:"volume"`
		Amount           decimal.Decimal `json:"amount"`
		TransactionType  string          `json:"transactionType"`
		VerificationDate string          `json:"verificationDate"`
	} `json:"transactions"`
}

// Transactions lists booked events, filtered by type and optionally by date.
func (a *Avanza) Transactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	var reply transactionsReply
	if _, err := a.call(ctx, http.MethodGet, "/_mobile/account/transactions", nil, &reply, nil); err != nil {
		return nil, err
	}
	types := filter.Types
	if len(types) == 0 {
		types = DefaultTransactionTypes
	}
	keep := make(map[string]struct{}, len(types))
	for _, t := range types {
		keep[strings.ToUpper(t)] = struct{}{}
	}
	out := make([]Transaction, 0, len(reply.Transactions))
	for _, tx := range reply.Transactions {
		if _, ok := keep[strings.ToUpper(tx.TransactionType)]; !ok {
			continue
		}
		if filter.Date != "" && tx.VerificationDate != filter.Date {
			continue
		}
		item := Transaction{
			ID:          tx.ID,
			Type:        tx.TransactionType,
			Date:        tx.VerificationDate,
			AccountID:   tx.Account.ID,
			AccountName: tx.Account.Name,
			Description: tx.Description,
			Volume:      tx.Volume,
			Price:       tx.Price,
			Amount:      tx.Amount,
			Currency:    tx.Currency,
		}
		if tx.Orderbook != nil {
			item.InstrumentID = tx.Orderbook.ID
			item.Instrument = tx.Orderbook.Name
		}
		out = append(out, item)
	}
	return out, nil
}

// Funds reports buying power for allowed accounts.
func (a *Avanza) Funds(ctx context.Context) ([]AccountFunds, error) {
	var reply struct {
		Accounts []struct {
			AccountID   string          `json:"accountId"`
			Name        string          `json:"name"`
			BuyingPower decimal.Decimal `json:"buyingPower"`
			Currency    string          `json:"currency"`
		} `json:"accounts"`
	}
	if _, err := a.call(ctx, http.MethodGet, "/_mobile/account/overview", nil, &reply, nil); err != nil {
		return nil, err
	}
	var out []AccountFunds
	for _, acc := range reply.Accounts {
		if !a.accountAllowed(acc.Name) {
			continue
		}
		cur := acc.Currency
		if cur == "" {
			cur = "SEK"
		}
		out = append(out, AccountFunds{AccountID: acc.AccountID, Name: acc.Name, BuyingPower: acc.BuyingPower, Currency: cur})
	}
	return out, nil
}

func (a *Avanza) accountAllowed(name string) bool {
	if len(a.allowed) == 0 {
		return true
	}
	_, ok := a.allowed[name]
	return ok
}

// StatusError is a non-2xx reply. Its body is never decoded as data.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Message)
}

// replyMessage pulls the brokerage's error text out of an error body.
func replyMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var reply struct {
		Message  string   `json:"message"`
		Messages []string `json:"messages"`
	}
	if json.Unmarshal(data, &reply) != nil {
		return strings.TrimSpace(string(data))
	}
	if reply.Message != "" {
		return reply.Message
	}
	return strings.TrimSpace(strings.Join(reply.Messages, " "))
}

// call performs one JSON request. Every non-2xx reply is an error. Transport
// failures, 401/403, 429 and 5xx wrap ErrConnectivity so the session layer
// can reconnect.
func (a *Avanza) call(ctx context.Context, method, path string, payload, out any, cookie *http.Cookie) (http.Header, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	a.mu.RLock()
	if a.securityToken != "" {
		req.Header.Set("X-SecurityToken", a.securityToken)
		req.Header.Set("X-AuthenticationSession", a.authSession)
	}
	a.mu.RUnlock()

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrConnectivity, method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		se := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: replyMessage(resp.Body)}
		switch {
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden,
			resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: %w", ErrConnectivity, se)
		case resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("%w: %w", ErrNotFound, se)
		default:
			return nil, se
		}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.Header, nil
}
