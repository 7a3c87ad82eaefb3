package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/JonasMelin/tradingpalavanza/internal/broker"
	"github.com/JonasMelin/tradingpalavanza/internal/metrics"
	"github.com/JonasMelin/tradingpalavanza/internal/risk"
	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

// SignalService is the lock and ledger side of the signal service.
type SignalService interface {
	AcquireLock(ctx context.Context, ticker string) (signal.Lock, error)
	ReleaseLock(ctx context.Context, lock signal.Lock) error
	PushLedgerUpdate(ctx context.Context, update signal.LedgerUpdate) error
}

// InstrumentResolver maps tickers to instrument ids.
type InstrumentResolver interface {
	Resolve(ctx context.Context, ticker string) (id string, found bool, err error)
}

// Market is the brokerage surface used per candidate.
type Market interface {
	OrderBroker
	Snapshot(ctx context.Context, instrumentID string) (broker.MarketSnapshot, error)
}

// AuditSink durably records ledger updates.
type AuditSink interface {
	Write(ctx context.Context, update signal.LedgerUpdate) error
}

// Config tunes the engine.
type Config struct {
	MaxAttempts     int
	MaxDeviatePrice decimal.Decimal
	Retry           RetryConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, MaxDeviatePrice: DefaultMaxDeviatePrice, Retry: DefaultRetryConfig()}
}

// Deps are the engine collaborators. Sink may be nil.
type Deps struct {
	Signals   SignalService
	Resolver  InstrumentResolver
	Market    Market
	Validator *risk.Validator
	Limiter   *risk.Limiter
	Control   *risk.Control
	Sink      AuditSink
	Sleep     Sleeper
	Now       func() time.Time
	Log       zerolog.Logger
	Audit     zerolog.Logger
}

// Engine processes trade candidates one at a time.
type Engine struct {
	signals   SignalService
	resolver  InstrumentResolver
	market    Market
	validator *risk.Validator
	limiter   *risk.Limiter
	control   *risk.Control
	sink      AuditSink
	retry     *RetryController
	cfg       Config
	now       func() time.Time
	log       zerolog.Logger
	audit     zerolog.Logger
}

// NewEngine wires an engine.
func NewEngine(deps Deps, cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if !cfg.MaxDeviatePrice.IsPositive() {
		cfg.MaxDeviatePrice = DefaultMaxDeviatePrice
	}
	if deps.Control == nil {
		deps.Control = &risk.Control{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{
		signals:   deps.Signals,
		resolver:  deps.Resolver,
		market:    deps.Market,
		validator: deps.Validator,
		limiter:   deps.Limiter,
		control:   deps.Control,
		sink:      deps.Sink,
		retry:     NewRetryController(deps.Market, deps.Control, cfg.Retry, deps.Sleep, deps.Log, deps.Audit),
		cfg:       cfg,
		now:       deps.Now,
		log:       deps.Log,
		audit:     deps.Audit,
	}
}

// BatchReport counts outcomes for one candidate list.
type BatchReport struct {
	Processed    int
	Filled       int
	Unfilled     int
	SoftRejected int
	Faulted      int
}

// ProcessBatch works candidates sequentially. A fault in one candidate never
// stops the batch; only cancellation or a kill request does.
func (e *Engine) ProcessBatch(ctx context.Context, side signal.Side, candidates []signal.TradeCandidate) BatchReport {
	var report BatchReport
	for _, cand := range candidates {
		if ctx.Err() != nil || e.control.Killed() {
			e.log.Warn().Str("side", string(side)).Int("remaining", len(candidates)-report.Processed).Msg("batch interrupted")
			break
		}
		if cand.Side == "" {
			cand.Side = side
		}
		out := e.Process(ctx, cand)
		report.Processed++
		switch out.Kind {
		case Filled:
			report.Filled++
		case Unfilled:
			report.Unfilled++
		case SoftRejected:
			report.SoftRejected++
		case Faulted:
			report.Faulted++
			e.limiter.Record(out.Fault.Event())
		}
		metrics.CandidatesTotal.WithLabelValues(string(cand.Side), out.Label()).Inc()
	}
	e.log.Info().Str("side", string(side)).Int("processed", report.Processed).Int("filled", report.Filled).
		Int("unfilled", report.Unfilled).Int("soft_rejected", report.SoftRejected).Int("faulted", report.Faulted).Msg("batch done")
	return report
}

// Process runs lock -> resolve -> snapshot -> validate -> priced attempts ->
// reconcile for one candidate. The lock is always released once acquired.
func (e *Engine) Process(ctx context.Context, cand signal.TradeCandidate) (out Outcome) {
	log := e.log.With().Str("ticker", cand.Ticker).Str("side", string(cand.Side)).Int64("qty", cand.Quantity).
		Str("attempt_id", uuid.NewString()).Logger()

	if !cand.Side.Valid() {
		return faulted(FaultValidation, "unknown side %q", cand.Side)
	}
	if reason, blocked := e.blockedReason(cand.Side); blocked {
		log.Info().Str("reason", reason).Msg("candidate skipped")
		return softReject("%s", reason)
	}

	lock, err := e.signals.AcquireLock(ctx, cand.Ticker)
	if err != nil {
		log.Warn().Err(err).Msg("lock not acquired")
		return outcomeFromError(err, FaultLock)
	}
	defer func() {
		if err := e.signals.ReleaseLock(context.WithoutCancel(ctx), lock); err != nil {
			log.Warn().Err(err).Msg("lock release failed")
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("candidate processing panicked")
			out = faulted(FaultInternal, "panic: %v", r)
		}
	}()

	out = e.work(ctx, log, cand)
	switch out.Kind {
	case Faulted:
		log.Error().Str("fault", out.Fault.String()).Str("reason", out.Reason).Msg("candidate abandoned")
	case SoftRejected:
		log.Info().Str("reason", out.Reason).Msg("candidate skipped")
	}
	return out
}

func (e *Engine) work(ctx context.Context, log zerolog.Logger, cand signal.TradeCandidate) Outcome {
	id, found, err := e.resolver.Resolve(ctx, cand.Ticker)
	if err != nil {
		return faulted(FaultConnectivity, "resolve: %v", err)
	}
	if !found {
		return softReject("instrument not found")
	}

	snap, err := e.market.Snapshot(ctx, id)
	if err != nil {
		return faulted(FaultConnectivity, "snapshot: %v", err)
	}
	verdict := e.validator.Validate(snap, cand, e.now())
	switch verdict.Kind {
	case risk.SoftReject:
		return softReject("%s", verdict.Reason)
	case risk.Fault:
		return faulted(FaultValidation, "%s", verdict.Reason)
	}
	if snap.AccountID == "" {
		return faulted(FaultValidation, "no eligible account for %s", id)
	}

	entry := EntryPrice(cand.Side, snap, e.cfg.MaxDeviatePrice)
	ladder, err := PriceLadder(cand.Side, entry, snap.OneTickPercentStep, e.cfg.MaxAttempts)
	if err != nil {
		return faulted(FaultValidation, "%v: one percent step %s", err, snap.OneTickPercentStep)
	}
	ladder = e.boundLadder(log, ladder, snap, cand)

	e.limiter.Record(risk.EventTransaction)
	start := snap.PositionCount
	expected := cand.ExpectedCount(start)

	for i, price := range ladder {
		if i > 0 {
			if reason, blocked := e.blockedReason(cand.Side); blocked {
				return softReject("%s before attempt %d", reason, i+1)
			}
		}
		res, err := e.retry.Execute(ctx, Attempt{
			Ticker:        cand.Ticker,
			AccountID:     snap.AccountID,
			InstrumentID:  id,
			Side:          cand.Side,
			Price:         price,
			Quantity:      cand.Quantity,
			StartCount:    start,
			ExpectedCount: expected,
		})
		if err != nil {
			return outcomeFromError(err, FaultOrder)
		}
		if res.FilledCount != start {
			update := e.reconcile(cand, id, price, start, res.FilledCount)
			return e.publish(ctx, update)
		}
		log.Info().Int("attempt", i+1).Str("price", price.String()).Msg("no fill, stepping price")
	}
	log.Info().Int("attempts", len(ladder)).Msg("giving up without fill")
	return unfilled(fmt.Sprintf("no fill after %d attempts", len(ladder)))
}

// boundLadder drops every rung from the first one that fails re-validation.
func (e *Engine) boundLadder(log zerolog.Logger, ladder []decimal.Decimal, snap broker.MarketSnapshot, cand signal.TradeCandidate) []decimal.Decimal {
	for i := 1; i < len(ladder); i++ {
		if v := e.validator.CheckPrice(ladder[i], cand.Quantity, snap, cand); !v.OK() {
			log.Info().Int("rung", i+1).Str("price", ladder[i].String()).Str("reason", v.Reason).Msg("price ladder truncated")
			return ladder[:i]
		}
	}
	return ladder
}

func (e *Engine) reconcile(cand signal.TradeCandidate, instrumentID string, price decimal.Decimal, before, after int64) signal.LedgerUpdate {
	amount := decimal.NewFromInt(after - before).Mul(price)
	update := signal.LedgerUpdate{
		Ticker:           cand.Ticker,
		CountBefore:      before,
		CountAfter:       after,
		AmountSpent:      amount,
		PositionName:     cand.PositionName,
		NewTotalInvested: cand.LocalInvested.Add(amount),
		InstrumentID:     instrumentID,
		Timestamp:        e.now().UTC(),
	}
	p := price
	if cand.Side == signal.Sell {
		update.SoldAt = &p
	} else {
		update.BoughtAt = &p
	}
	return update
}

// publish records the update in the audit sink, then pushes it to the signal service.
func (e *Engine) publish(ctx context.Context, update signal.LedgerUpdate) Outcome {
	metrics.LedgerUpdates.Inc()
	log := e.audit.With().Str("ticker", update.Ticker).Str("price", update.Price().String()).
		Int64("count_before", update.CountBefore).Int64("count_after", update.CountAfter).
		Str("amount", update.AmountSpent.String()).Str("new_total", update.NewTotalInvested.String()).Logger()
	log.Info().Msg("ledger update")

	cleanup := context.WithoutCancel(ctx)
	if e.sink != nil {
		if err := e.sink.Write(cleanup, update); err != nil {
			log.Error().Err(err).Msg("audit sink write failed")
		}
	}
	if err := e.signals.PushLedgerUpdate(cleanup, update); err != nil {
		log.Error().Err(err).Msg("ledger update not accepted by signal service")
		out := faulted(FaultWrite, "push ledger update: %v", err)
		out.Update = &update
		return out
	}
	return filled(update)
}

func (e *Engine) blockedReason(side signal.Side) (string, bool) {
	switch {
	case e.control.Killed():
		return "engine killed", true
	case !e.control.TransactionsAllowed():
		return "transactions blocked", true
	case side == signal.Buy && !e.control.PurchasesAllowed():
		return "purchases blocked", true
	}
	return "", false
}

// Status is the operator-facing view of the engine.
type Status struct {
	Control  risk.ControlStatus `json:"control"`
	Counters risk.Counters      `json:"counters"`
	Allowed  bool               `json:"allowed"`
}

// BlockPurchases refuses buys until Unblock.
func (e *Engine) BlockPurchases() {
	e.control.BlockPurchases()
	e.audit.Warn().Msg("purchases blocked by operator")
}

// BlockTransactions refuses all orders until Unblock.
func (e *Engine) BlockTransactions() {
	e.control.BlockTransactions()
	e.audit.Warn().Msg("transactions blocked by operator")
}

// Unblock clears operator blocks and resets the daily counters.
func (e *Engine) Unblock() {
	e.control.Unblock()
	e.limiter.Reset()
	e.audit.Info().Msg("blocks cleared and counters reset by operator")
}

// Kill stops the scheduling loop at its next check.
func (e *Engine) Kill() {
	e.control.Kill()
	e.audit.Warn().Msg("kill requested by operator")
}

// Status reports flags and counters.
func (e *Engine) Status() Status {
	return Status{
		Control:  e.control.Status(),
		Counters: e.limiter.Snapshot(),
		Allowed:  e.limiter.IsEventAllowed(),
	}
}
