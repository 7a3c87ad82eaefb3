// Package app assembles the engine, scheduler and control surface from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/JonasMelin/tradingpalavanza/internal/audit"
	"github.com/JonasMelin/tradingpalavanza/internal/broker"
	"github.com/JonasMelin/tradingpalavanza/internal/config"
	"github.com/JonasMelin/tradingpalavanza/internal/control"
	"github.com/JonasMelin/tradingpalavanza/internal/execution"
	"github.com/JonasMelin/tradingpalavanza/internal/risk"
)

// Signals is everything the runtime needs from the signal service.
type Signals interface {
	execution.SignalService
	execution.CandidateSource
}

// Backends are the external systems, live or simulated.
type Backends struct {
	Signals  Signals
	Session  *broker.Session
	Resolver execution.InstrumentResolver
	Sink     execution.AuditSink
	Sleep    execution.Sleeper
	Now      func() time.Time
}

// Runtime is a wired engine ready to run.
type Runtime struct {
	Engine    *execution.Engine
	Scheduler *execution.Scheduler
	Limiter   *risk.Limiter
	Control   *control.Server
	cfg       *config.Config
	log       zerolog.Logger
}

// Assemble builds the runtime. Resolver defaults to an uncached resolver over the session.
func Assemble(cfg *config.Config, b Backends, log, auditLog zerolog.Logger) *Runtime {
	if b.Now == nil {
		b.Now = time.Now
	}
	if b.Resolver == nil {
		b.Resolver = broker.NewResolver(b.Session, log)
	}
	limiter := risk.NewLimiter(cfg.Limits.EventLimits(), log, risk.WithLimiterClock(b.Now))
	engine := execution.NewEngine(execution.Deps{
		Signals:   b.Signals,
		Resolver:  b.Resolver,
		Market:    b.Session,
		Validator: risk.NewValidator(cfg.Sanity.RiskLimits()),
		Limiter:   limiter,
		Control:   &risk.Control{},
		Sink:      b.Sink,
		Sleep:     b.Sleep,
		Now:       b.Now,
		Log:       log,
		Audit:     auditLog,
	}, cfg.Engine.ExecutionConfig())
	return &Runtime{
		Engine:    engine,
		Scheduler: execution.NewScheduler(engine, b.Signals, b.Session, cfg.Scheduler.SchedulerConfig(), b.Sleep, log),
		Limiter:   limiter,
		Control:   control.NewServer(engine, b.Session, log),
		cfg:       cfg,
		log:       log,
	}
}

// Run serves the control surface and runs the scheduler until ctx ends or a kill is requested.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	loopCtx, stop := context.WithCancel(ctx)
	defer stop()

	g.Go(func() error {
		defer stop()
		err := r.Scheduler.Run(loopCtx)
		if errors.Is(err, execution.ErrKilled) {
			r.log.Warn().Msg("kill requested, stopping control surface")
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return r.Control.ListenAndServe(loopCtx, r.cfg.Control.Addr)
	})
	return g.Wait()
}

// OpenSinks opens every configured audit sink. The returned Multi must be closed.
func OpenSinks(ctx context.Context, cfg config.Audit, log zerolog.Logger) (audit.Multi, error) {
	var sinks audit.Multi
	if cfg.JSONLPath != "" {
		rec, err := audit.NewJSONLRecorder(cfg.JSONLPath)
		if err != nil {
			return nil, fmt.Errorf("open jsonl audit: %w", err)
		}
		sinks = append(sinks, rec)
		log.Info().Str("path", cfg.JSONLPath).Msg("jsonl audit enabled")
	}
	if cfg.PostgresDSN != "" {
		pg, err := audit.NewPostgresSink(ctx, cfg.PostgresDSN)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, pg)
		log.Info().Msg("postgres audit enabled")
	}
	if cfg.AMQPURL != "" {
		mq, err := audit.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, mq)
		log.Info().Str("exchange", cfg.AMQPExchange).Msg("amqp audit enabled")
	}
	return sinks, nil
}
