package execution

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/JonasMelin/tradingpalavanza/internal/broker"
	"github.com/JonasMelin/tradingpalavanza/internal/metrics"
	"github.com/JonasMelin/tradingpalavanza/internal/risk"
	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

// OrderBroker is the slice of the brokerage the retry controller needs.
type OrderBroker interface {
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error)
	CancelOrder(ctx context.Context, accountID, orderID string) error
	Position(ctx context.Context, instrumentID string) (int64, error)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// RetryConfig sets the polling budget for one order.
type RetryConfig struct {
	PollCount    int
	PollInterval time.Duration
	Settle       time.Duration
}

// DefaultRetryConfig polls three times a second apart and settles one second after cancelling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{PollCount: 3, PollInterval: time.Second, Settle: time.Second}
}

// Attempt is one priced order for a locked candidate.
type Attempt struct {
	Ticker        string
	AccountID     string
	InstrumentID  string
	Side          signal.Side
	Price         decimal.Decimal
	Quantity      int64
	StartCount    int64
	ExpectedCount int64
}

// FillClass describes the final state of a timed-out order.
type FillClass string

const (
	FillFull    FillClass = "full"
	FillNone    FillClass = "none"
	FillPartial FillClass = "partial"
)

// AttemptResult reports what one order achieved.
type AttemptResult struct {
	FilledCount int64
	OrderID     string
	Succeeded   bool
	Class       FillClass
}

// RetryController places one order, polls for the fill and cancels on timeout.
// It never retries by itself.
type RetryController struct {
	broker  OrderBroker
	control *risk.Control
	cfg     RetryConfig
	sleep   Sleeper
	log     zerolog.Logger
	audit   zerolog.Logger
}

// NewRetryController wires a controller. A nil sleeper uses wall-clock waits.
func NewRetryController(b OrderBroker, control *risk.Control, cfg RetryConfig, sleep Sleeper, log, audit zerolog.Logger) *RetryController {
	if cfg.PollCount <= 0 {
		cfg.PollCount = DefaultRetryConfig().PollCount
	}
	if sleep == nil {
		sleep = SleepContext
	}
	return &RetryController{broker: b, control: control, cfg: cfg, sleep: sleep, log: log, audit: audit}
}

// Execute runs Placed -> Polling -> Filled | TimedOut for a single order.
func (r *RetryController) Execute(ctx context.Context, a Attempt) (AttemptResult, error) {
	log := r.audit.With().Str("ticker", a.Ticker).Str("side", string(a.Side)).Str("price", a.Price.String()).
		Int64("qty", a.Quantity).Int64("start", a.StartCount).Int64("expected", a.ExpectedCount).Logger()

	res, err := r.broker.PlaceOrder(ctx, broker.OrderRequest{
		AccountID:    a.AccountID,
		InstrumentID: a.InstrumentID,
		Side:         a.Side,
		Price:        a.Price,
		Quantity:     a.Quantity,
	})
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(string(a.Side), "error").Inc()
		if errors.Is(err, broker.ErrConnectivity) {
			return AttemptResult{}, &Fault{Kind: FaultConnectivity, Err: err}
		}
		return AttemptResult{}, &Fault{Kind: FaultOrder, Err: err}
	}
	metrics.OrdersTotal.WithLabelValues(string(a.Side), string(res.Status)).Inc()
	if !res.OK() {
		return AttemptResult{OrderID: res.OrderID}, r.rejected(ctx, log, a, res)
	}
	metrics.LimitOrders.WithLabelValues("placed").Inc()
	log.Info().Str("order", res.OrderID).Msg("order placed")

	for i := 0; i < r.cfg.PollCount; i++ {
		if err := r.sleep(ctx, r.cfg.PollInterval); err != nil {
			r.cancel(context.WithoutCancel(ctx), a.AccountID, res.OrderID)
			return AttemptResult{OrderID: res.OrderID}, &Fault{Kind: FaultOrder, Err: err}
		}
		count, err := r.broker.Position(ctx, a.InstrumentID)
		if err != nil {
			r.log.Warn().Err(err).Str("ticker", a.Ticker).Int("poll", i+1).Msg("position poll failed")
			continue
		}
		if count == a.ExpectedCount {
			metrics.LimitOrders.WithLabelValues("filled").Inc()
			log.Info().Str("order", res.OrderID).Int64("actual", count).Int("poll", i+1).Msg("order filled")
			return AttemptResult{FilledCount: count, OrderID: res.OrderID, Succeeded: true, Class: FillFull}, nil
		}
	}

	metrics.LimitOrders.WithLabelValues("timeout").Inc()
	cleanup := context.WithoutCancel(ctx)
	r.cancel(cleanup, a.AccountID, res.OrderID)
	if err := r.sleep(cleanup, r.cfg.Settle); err != nil {
		r.log.Debug().Err(err).Msg("settle wait interrupted")
	}
	final, err := r.broker.Position(cleanup, a.InstrumentID)
	if err != nil {
		log.Error().Err(err).Str("order", res.OrderID).Msg("final position unknown after timeout")
		return AttemptResult{OrderID: res.OrderID}, &Fault{Kind: FaultConnectivity, Err: err}
	}

	class := FillPartial
	switch final {
	case a.ExpectedCount:
		class = FillFull
	case a.StartCount:
		class = FillNone
	}
	log.Info().Str("order", res.OrderID).Int64("actual", final).Str("fill", string(class)).Msg("order timed out")
	return AttemptResult{FilledCount: final, OrderID: res.OrderID, Succeeded: class == FillFull, Class: class}, nil
}

func (r *RetryController) rejected(ctx context.Context, log zerolog.Logger, a Attempt, res broker.OrderResult) error {
	switch res.Reason {
	case broker.RejectInsufficientFunds:
		r.control.BlockPurchases()
		log.Error().Str("reason", res.Message).Msg("purchasing power exhausted, blocking purchases")
		return &Fault{Kind: FaultGlobalBlock, Err: res.Err()}
	case broker.RejectMarketClosed:
		r.control.BlockTransactions()
		log.Error().Str("reason", res.Message).Msg("market closed for trading, blocking transactions")
		return &Fault{Kind: FaultGlobalBlock, Err: res.Err()}
	default:
		log.Error().Str("order", res.OrderID).Str("reason", res.Message).Msg("order rejected")
		if res.OrderID != "" {
			r.cancel(context.WithoutCancel(ctx), a.AccountID, res.OrderID)
		}
		return &Fault{Kind: FaultOrder, Err: res.Err()}
	}
}

// cancel is best-effort; failures are logged only.
func (r *RetryController) cancel(ctx context.Context, accountID, orderID string) {
	if orderID == "" {
		return
	}
	if err := r.broker.CancelOrder(ctx, accountID, orderID); err != nil {
		r.log.Warn().Err(err).Str("order", orderID).Msg("cancel order failed")
	}
}

// SleepContext waits for d unless ctx ends first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
