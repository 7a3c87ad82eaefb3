package execution

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JonasMelin/tradingpalavanza/internal/broker"
	"github.com/JonasMelin/tradingpalavanza/internal/risk"
	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

func expectPush(s *mockSignals) {
	s.On("PushLedgerUpdate", mock.Anything, mock.AnythingOfType("signal.LedgerUpdate")).Return(nil).Once()
}

func TestProcessBuyFillsOnFirstAttempt(t *testing.T) {
	m := &fakeMarket{snap: teliaSnapshot(), positions: []int64{105}}
	s := lockedSignals()
	expectPush(s)
	h := newHarness(m, s)

	out := h.engine.Process(context.Background(), teliaCandidate(signal.Buy))

	require.Equal(t, Filled, out.Kind, out.String())
	require.NotNil(t, out.Update)
	u := *out.Update
	require.True(t, u.BoughtAt.Equal(d("10.05")))
	require.Nil(t, u.SoldAt)
	require.Equal(t, int64(100), u.CountBefore)
	require.Equal(t, int64(105), u.CountAfter)
	require.True(t, u.AmountSpent.Equal(d("50.25")))
	require.True(t, u.NewTotalInvested.Equal(d("1050.25")))
	require.Equal(t, "5479", u.InstrumentID)
	require.Equal(t, "Telia", u.PositionName)
	require.Len(t, m.placed, 1)
	require.Len(t, h.sink.updates, 1)
	require.Equal(t, 1, h.limiter.Snapshot().Transactions)
	s.AssertExpectations(t)
}

func TestProcessSellRecordsNegativeAmount(t *testing.T) {
	m := &fakeMarket{snap: teliaSnapshot(), positions: []int64{95}}
	s := lockedSignals()
	expectPush(s)
	h := newHarness(m, s)

	out := h.engine.Process(context.Background(), teliaCandidate(signal.Sell))

	require.Equal(t, Filled, out.Kind, out.String())
	require.True(t, out.Update.SoldAt.Equal(d("10.00")))
	require.True(t, out.Update.AmountSpent.Equal(d("-50")))
	require.True(t, out.Update.NewTotalInvested.Equal(d("950")))
	require.Equal(t, int64(95), out.Update.CountAfter)
	s.AssertExpectations(t)
}

func TestProcessStepsPriceUntilFill(t *testing.T) {
	m := &fakeMarket{snap: teliaSnapshot(), positions: []int64{100, 100, 100, 100, 105}}
	s := lockedSignals()
	expectPush(s)
	h := newHarness(m, s)

	out := h.engine.Process(context.Background(), teliaCandidate(signal.Buy))

	require.Equal(t, Filled, out.Kind, out.String())
	require.Len(t, m.placed, 2)
	require.True(t, m.placed[0].Price.Equal(d("10.05")))
	require.True(t, m.placed[1].Price.Equal(d("10.10")))
	require.True(t, out.Update.BoughtAt.Equal(d("10.10")))
	require.Len(t, m.cancelled, 1)
	s.AssertExpectations(t)
}

func TestProcessPartialFillIsReconciled(t *testing.T) {
	m := &fakeMarket{snap: teliaSnapshot(), positions: []int64{100, 100, 100, 102}}
	s := lockedSignals()
	expectPush(s)
	h := newHarness(m, s)

	out := h.engine.Process(context.Background(), teliaCandidate(signal.Buy))

	require.Equal(t, Filled, out.Kind)
	require.Equal(t, int64(102), out.Update.CountAfter)
	require.True(t, out.Update.AmountSpent.Equal(d("20.1")))
	require.Len(t, m.placed, 1)
}

func TestProcessUnfilledAfterAllAttempts(t *testing.T) {
	m := &fakeMarket{snap: teliaSnapshot()}
	s := lockedSignals()
	h := newHarness(m, s)

	out := h.engine.Process(context.Background(), teliaCandidate(signal.Buy))

	require.Equal(t, Unfilled, out.Kind)
	require.Len(t, m.placed, 3)
	require.Len(t, m.cancelled, 3)
	require.Empty(t, h.sink.updates)
	s.AssertNotCalled(t, "PushLedgerUpdate", mock.Anything, mock.Anything)
	s.AssertExpectations(t)
}

func TestProcessLadderTruncatedByNotionalCeiling(t *testing.T) {
	m := &fakeMarket{snap: teliaSnapshot()}
	s := lockedSignals()
	h := newHarness(m, s)
	limits := risk.DefaultLimits()
	limits.MaxNotionalPerTrade = d("50.5")
	h.engine.validator = risk.NewValidator(limits)

	out := h.engine.Process(context.Background(), teliaCandidate(signal.Buy))

	require.Equal(t, Unfilled, out.Kind)
	require.Len(t, m.placed, 2)
}

func TestProcessUnknownInstrumentIsSoftReject(t *testing.T) {
	m := &fakeMarket{snap: teliaSnapshot()}
	s := &mockSignals{}
	lock := signal.Lock{Ticker: "NOPE.ST", Key: []byte("1")}
	s.On("AcquireLock", mock.Anything, "NOPE.ST").Return(lock, nil).Once()
	s.On("ReleaseLock", mock.Anything, lock).Return(nil).Once()
	h := newHarness(m, s)

	cand := teliaCandidate(signal.Buy)
	cand.Ticker = "NOPE.ST"
	out := h.engine.Process(context.Background(), cand)

	require.Equal(t, SoftRejected, out.Kind)
	require.Empty(t, m.placed)
	s.AssertExpectations(t)
}

func TestProcessValidationFaults(t *testing.T) {
	crossed := teliaSnapshot()
	crossed.BuyPrice = decimal.NewNullDecimal(d("10.10"))
	noStep := teliaSnapshot()
	noStep.OneTickPercentStep = d("-1")
	noAccount := teliaSnapshot()
	noAccount.AccountID = ""

	for name, snap := range map[string]broker.MarketSnapshot{"crossed": crossed, "step": noStep, "account": noAccount} {
		t.Run(name, func(t *testing.T) {
			m := &fakeMarket{snap: snap}
			s := lockedSignals()
			h := newHarness(m, s)

			out := h.engine.Process(context.Background(), teliaCandidate(signal.Buy))

			require.Equal(t, Faulted, out.Kind)
			require.Equal(t, FaultValidation, out.Fault, out.Reason)
			require.Empty(t, m.placed)
			require.Zero(t, h.limiter.Snapshot().Transactions)
			s.AssertExpectations(t)
		})
	}
}

func TestProcessSnapshotErrorIsConnectivity(t *testing.T) {
	m := &fakeMarket{snap: teliaSnapshot(), snapErr: broker.ErrConnectivity}
	s := lockedSignals()
	h := newHarness(m, s)

	out := h.engine.Process(context.Background(), teliaCandidate(signal.Buy))

	require.Equal(t, FaultConnectivity, out.Fault)
	s.AssertExpectations(t)
}

func TestProcessFinalPositionErrorPublishesNothing(t *testing.T) {
	// Three unfilled polls, then the post-cancel read fails.
	m := &fakeMarket{snap: teliaSnapshot(), positions: []int64{100}, failFrom: 4, positionErr: broker.ErrConnectivity}
	s := lockedSignals()
	h := newHarness(m, s)

	out := h.engine.Process(context.Background(), teliaCandidate(signal.Buy))

	require.Equal(t, FaultConnectivity, out.Fault, out.String())
	require.Nil(t, out.Update)
	require.Empty(t, h.sink.updates)
	require.Len(t, m.placed, 1)
	s.AssertNotCalled(t, "PushLedgerUpdate", mock.Anything, mock.Anything)
	s.AssertExpectations(t)
}

func TestProcessLockFailureSkipsRelease(t *testing.T) {
	m := &fakeMarket{snap: teliaSnapshot()}
	s := &mockSignals{}
	s.On("AcquireLock", mock.Anything, "TELIA.ST").Return(signal.Lock{}, signal.ErrLock).Once()
	h := newHarness(m, s)

	out := h.engine.Process(context.Background(), teliaCandidate(signal.Buy))

	require.Equal(t, Faulted, out.Kind)
	require.Equal(t, FaultLock, out.Fault)
	s.AssertNotCalled(t, "ReleaseLock", mock.Anything, mock.Anything)
	require.Empty(t, m.placed)
}

func TestProcessRecoversPanicAndReleasesLock(t *testing.T) {
	m := &fakeMarket{snap: teliaSnapshot(), panicOn: true}
	s := lockedSignals()
	h := newHarness(m, s)

	out := h.engine.Process(context.Background(), teliaCandidate(signal.Buy))

	require.Equal(t, Faulted, out.Kind)
	require.Equal(t, FaultInternal, out.Fault)
	s.AssertExpectations(t)
	s.AssertNumberOfCalls(t, "ReleaseLock", 1)
}

func TestProcessPushFailureIsWriteFault(t *testing.T) {
	m := &fakeMarket{snap: teliaSnapshot(), positions: []int64{105}}
	s := lockedSignals()
	s.On("PushLedgerUpdate", mock.Anything, mock.Anything).Return(signal.ErrWrite).Once()
	h := newHarness(m, s)

	out := h.engine.Process(context.Background(), teliaCandidate(signal.Buy))

	require.Equal(t, Faulted, out.Kind)
	require.Equal(t, FaultWrite, out.Fault)
	require.NotNil(t, out.Update)
	require.Len(t, h.sink.updates, 1)
	s.AssertExpectations(t)
}

func TestProcessHonoursOperatorBlocks(t *testing.T) {
	m := &fakeMarket{snap: teliaSnapshot(), positions: []int64{95}}
	s := lockedSignals()
	expectPush(s)
	h := newHarness(m, s)
	h.engine.BlockPurchases()

	buy := h.engine.Process(context.Background(), teliaCandidate(signal.Buy))
	require.Equal(t, SoftRejected, buy.Kind)

	sell := h.engine.Process(context.Background(), teliaCandidate(signal.Sell))
	require.Equal(t, Filled, sell.Kind, sell.String())
	s.AssertExpectations(t)

	h.engine.BlockTransactions()
	out := h.engine.Process(context.Background(), teliaCandidate(signal.Sell))
	require.Equal(t, SoftRejected, out.Kind)
	s.AssertNumberOfCalls(t, "AcquireLock", 1)
}

func TestProcessBatchIsolatesFaults(t *testing.T) {
	m := &fakeMarket{snap: teliaSnapshot(), positions: []int64{105}}
	s := &mockSignals{}
	s.On("AcquireLock", mock.Anything, "TELIA.ST").Return(teliaLock, nil).Twice()
	s.On("ReleaseLock", mock.Anything, teliaLock).Return(nil).Twice()
	expectPush(s)
	h := newHarness(m, s)

	bad := teliaCandidate(signal.Buy)
	bad.Quantity = 0
	report := h.engine.ProcessBatch(context.Background(), signal.Buy, []signal.TradeCandidate{bad, teliaCandidate(signal.Buy)})

	require.Equal(t, BatchReport{Processed: 2, Filled: 1, Faulted: 1}, report)
	counters := h.limiter.Snapshot()
	require.Equal(t, 1, counters.Exceptions)
	require.Equal(t, 1, counters.Transactions)
	s.AssertExpectations(t)
}

func TestProcessBatchStopsOnKill(t *testing.T) {
	s := &mockSignals{}
	h := newHarness(&fakeMarket{snap: teliaSnapshot()}, s)
	h.engine.Kill()

	report := h.engine.ProcessBatch(context.Background(), signal.Buy, []signal.TradeCandidate{teliaCandidate(signal.Buy)})

	require.Zero(t, report.Processed)
	s.AssertNotCalled(t, "AcquireLock", mock.Anything, mock.Anything)
}

func TestUnblockResetsCounters(t *testing.T) {
	h := newHarness(&fakeMarket{}, &mockSignals{})
	h.engine.BlockTransactions()
	h.limiter.Record(risk.EventException)

	h.engine.Unblock()

	st := h.engine.Status()
	require.False(t, st.Control.TransactionsBlocked)
	require.Zero(t, st.Counters.Exceptions)
	require.True(t, st.Allowed)
}
