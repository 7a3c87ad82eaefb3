package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonasMelin/tradingpalavanza/internal/broker"
	"github.com/JonasMelin/tradingpalavanza/internal/execution"
	"github.com/JonasMelin/tradingpalavanza/internal/paper"
	"github.com/JonasMelin/tradingpalavanza/internal/risk"
	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

type fakeEngine struct {
	control risk.Control
	resets  int
}

func (f *fakeEngine) BlockPurchases()    { f.control.BlockPurchases() }
func (f *fakeEngine) BlockTransactions() { f.control.BlockTransactions() }
func (f *fakeEngine) Unblock()           { f.control.Unblock(); f.resets++ }
func (f *fakeEngine) Kill()              { f.control.Kill() }
func (f *fakeEngine) Status() execution.Status {
	return execution.Status{Control: f.control.Status(), Allowed: true}
}

type failingAccount struct{ err error }

func (f failingAccount) Funds(context.Context) ([]broker.AccountFunds, error) { return nil, f.err }
func (f failingAccount) Transactions(context.Context, broker.TransactionFilter) ([]broker.Transaction, error) {
	return nil, f.err
}

var today = time.Date(2021, 11, 17, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, account Account) (*fakeEngine, http.Handler) {
	t.Helper()
	eng := &fakeEngine{}
	s := NewServer(eng, account, zerolog.Nop())
	s.now = func() time.Time { return today }
	return eng, s.Routes()
}

func paperAccount(t *testing.T) *paper.Broker {
	t.Helper()
	b := paper.NewBroker(paper.Options{Cash: decimal.NewFromInt(1000), Now: func() time.Time { return today }},
		paper.Instrument{ID: "5479", Symbol: "TELIA", Flag: "SE", Buy: decimal.RequireFromString("10.00"), Sell: decimal.RequireFromString("10.05"), Position: 100})
	res, err := b.PlaceOrder(context.Background(), broker.OrderRequest{InstrumentID: "5479", Side: signal.Buy, Price: decimal.RequireFromString("10.05"), Quantity: 5})
	require.NoError(t, err)
	require.True(t, res.OK())
	return b
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	h.ServeHTTP(rec, req)
	return rec
}

func TestCommandsFlipFlags(t *testing.T) {
	eng, h := newTestServer(t, paperAccount(t))

	rec := do(h, http.MethodPost, "/control/block-purchases")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	var st execution.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Control.PurchasesBlocked)
	assert.False(t, st.Control.TransactionsBlocked)

	do(h, http.MethodPost, "/control/block-transactions")
	assert.False(t, eng.control.TransactionsAllowed())

	do(h, http.MethodPost, "/control/unblock")
	assert.True(t, eng.control.PurchasesAllowed())
	assert.Equal(t, 1, eng.resets)

	do(h, http.MethodPost, "/control/kill")
	rec = do(h, http.MethodGet, "/control/status")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Control.Killed)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/control/block-purchases").Code)
}

func TestHealthzKeepsRequestID(t *testing.T) {
	_, h := newTestServer(t, paperAccount(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestFundsAndTransactions(t *testing.T) {
	_, h := newTestServer(t, paperAccount(t))

	rec := do(h, http.MethodGet, "/funds")
	require.Equal(t, http.StatusOK, rec.Code)
	var funds struct {
		Accounts []broker.AccountFunds `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &funds))
	require.Len(t, funds.Accounts, 1)
	assert.True(t, funds.Accounts[0].BuyingPower.Equal(decimal.RequireFromString("949.75")))

	rec = do(h, http.MethodGet, "/transactions")
	require.Equal(t, http.StatusOK, rec.Code)
	var txs struct {
		Date         string               `json:"date"`
		Transactions []broker.Transaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txs))
	assert.Equal(t, "2021-11-17", txs.Date)
	assert.Len(t, txs.Transactions, 1)

	rec = do(h, http.MethodGet, "/transactions?date=2021-11-18")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txs))
	assert.Empty(t, txs.Transactions)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/transactions?date=yesterday").Code)
}

func TestBrokerErrorsMapToStatus(t *testing.T) {
	_, h := newTestServer(t, failingAccount{err: errors.Join(broker.ErrConnectivity, errors.New("timeout"))})
	assert.Equal(t, http.StatusBadGateway, do(h, http.MethodGet, "/funds").Code)

	_, h = newTestServer(t, failingAccount{err: errors.New("decode")})
	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodGet, "/transactions?date=2021-11-17").Code)
}
