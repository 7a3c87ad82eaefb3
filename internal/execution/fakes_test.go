package execution

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/JonasMelin/tradingpalavanza/internal/broker"
	"github.com/JonasMelin/tradingpalavanza/internal/risk"
	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

var testNow = time.Date(2021, 11, 17, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// fakeMarket scripts broker behaviour. Positions are served in order and the
// last value repeats. From poll number failFrom on, reads return positionErr.
type fakeMarket struct {
	mu          sync.Mutex
	snap        broker.MarketSnapshot
	snapErr     error
	positions   []int64
	polls       int
	failFrom    int
	positionErr error
	results   []broker.OrderResult
	placeErr  error
	placed    []broker.OrderRequest
	cancelled []string
	panicOn   bool
}

func (m *fakeMarket) Snapshot(context.Context, string) (broker.MarketSnapshot, error) {
	return m.snap, m.snapErr
}

func (m *fakeMarket) PlaceOrder(_ context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicOn {
		panic("broker exploded")
	}
	if m.placeErr != nil {
		return broker.OrderResult{}, m.placeErr
	}
	m.placed = append(m.placed, req)
	if i := len(m.placed) - 1; i < len(m.results) {
		return m.results[i], nil
	}
	return broker.OrderResult{Status: broker.StatusSuccess, OrderID: "order-" + req.Price.String()}, nil
}

func (m *fakeMarket) CancelOrder(_ context.Context, _, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *fakeMarket) Position(context.Context, string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	if m.failFrom > 0 && m.polls >= m.failFrom {
		return 0, m.positionErr
	}
	if len(m.positions) == 0 {
		return m.snap.PositionCount, nil
	}
	p := m.positions[0]
	if len(m.positions) > 1 {
		m.positions = m.positions[1:]
	}
	return p, nil
}

type mockSignals struct{ mock.Mock }

func (m *mockSignals) AcquireLock(ctx context.Context, ticker string) (signal.Lock, error) {
	args := m.Called(ctx, ticker)
	return args.Get(0).(signal.Lock), args.Error(1)
}

func (m *mockSignals) ReleaseLock(ctx context.Context, lock signal.Lock) error {
	return m.Called(ctx, lock).Error(0)
}

func (m *mockSignals) PushLedgerUpdate(ctx context.Context, update signal.LedgerUpdate) error {
	return m.Called(ctx, update).Error(0)
}

type fakeResolver struct {
	ids map[string]string
	err error
}

func (r fakeResolver) Resolve(_ context.Context, ticker string) (string, bool, error) {
	if r.err != nil {
		return "", false, r.err
	}
	id, ok := r.ids[ticker]
	return id, ok, nil
}

type recordingSink struct {
	mu      sync.Mutex
	updates []signal.LedgerUpdate
}

func (s *recordingSink) Write(_ context.Context, u signal.LedgerUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return nil
}

func teliaSnapshot() broker.MarketSnapshot {
	return broker.MarketSnapshot{
		InstrumentID:       "5479",
		BuyPrice:           decimal.NewNullDecimal(d("10.00")),
		SellPrice:          decimal.NewNullDecimal(d("10.05")),
		LastUpdated:        testNow.Add(-time.Minute),
		PositionCount:      100,
		AccountID:          "9288043",
		TickSize:           d("0.05"),
		OneTickPercentStep: d("0.05"),
	}
}

func teliaCandidate(side signal.Side) signal.TradeCandidate {
	return signal.TradeCandidate{
		Ticker:             "TELIA.ST",
		Side:               side,
		Quantity:           5,
		ReferencePrice:     d("10.02"),
		ExpectedLocalCount: 100,
		LocalInvested:      d("1000"),
		PositionName:       "Telia",
	}
}

var teliaLock = signal.Lock{Ticker: "TELIA.ST", Key: []byte("4711")}

// lockedSignals expects exactly one acquire and one release for TELIA.ST.
func lockedSignals() *mockSignals {
	s := &mockSignals{}
	s.On("AcquireLock", mock.Anything, "TELIA.ST").Return(teliaLock, nil).Once()
	s.On("ReleaseLock", mock.Anything, teliaLock).Return(nil).Once()
	return s
}

type harness struct {
	engine  *Engine
	market  *fakeMarket
	signals *mockSignals
	sink    *recordingSink
	limiter *risk.Limiter
	control *risk.Control
}

func newHarness(market *fakeMarket, signals *mockSignals) *harness {
	h := &harness{
		market:  market,
		signals: signals,
		sink:    &recordingSink{},
		limiter: risk.NewLimiter(risk.EventLimits{MaxTransactions: 10, MaxErrors: 5, MaxExceptions: 5}, zerolog.Nop(),
			risk.WithLimiterClock(func() time.Time { return testNow })),
		control: &risk.Control{},
	}
	h.engine = NewEngine(Deps{
		Signals:   signals,
		Resolver:  fakeResolver{ids: map[string]string{"TELIA.ST": "5479"}},
		Market:    market,
		Validator: risk.NewValidator(risk.DefaultLimits()),
		Limiter:   h.limiter,
		Control:   h.control,
		Sink:      h.sink,
		Sleep:     noSleep,
		Now:       func() time.Time { return testNow },
		Log:       zerolog.Nop(),
		Audit:     zerolog.Nop(),
	}, DefaultConfig())
	return h
}
