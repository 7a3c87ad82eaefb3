package execution

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/JonasMelin/tradingpalavanza/internal/risk"
	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

// ErrKilled is returned by Run after an operator kill.
var ErrKilled = errors.New("engine killed")

// CandidateSource fetches the current candidate lists.
type CandidateSource interface {
	FetchCandidates(ctx context.Context, side signal.Side) ([]signal.TradeCandidate, error)
}

// Refresher re-establishes the broker session when it is unhealthy.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// SchedulerConfig sets loop pacing.
type SchedulerConfig struct {
	// BaseSleep is the pause after a clean cycle; it is multiplied by errors+1.
	BaseSleep time.Duration
	// MaxSleep caps the scaled pause.
	MaxSleep time.Duration
	// Backoff is the pause while the daily limiter refuses work.
	Backoff time.Duration
}

// DefaultSchedulerConfig mirrors production pacing.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{BaseSleep: 10 * time.Second, MaxSleep: 10 * time.Minute, Backoff: time.Hour}
}

// Scheduler runs the fetch and process cycle until cancelled or killed.
type Scheduler struct {
	engine  *Engine
	source  CandidateSource
	session Refresher
	limiter *risk.Limiter
	control *risk.Control
	cfg     SchedulerConfig
	sleep   Sleeper
	log     zerolog.Logger
}

// NewScheduler wires a scheduler around an engine. A nil sleeper uses wall-clock waits.
func NewScheduler(engine *Engine, source CandidateSource, session Refresher, cfg SchedulerConfig, sleep Sleeper, log zerolog.Logger) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.BaseSleep <= 0 {
		cfg.BaseSleep = def.BaseSleep
	}
	if cfg.MaxSleep <= 0 {
		cfg.MaxSleep = def.MaxSleep
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if sleep == nil {
		sleep = SleepContext
	}
	return &Scheduler{
		engine:  engine,
		source:  source,
		session: session,
		limiter: engine.limiter,
		control: engine.control,
		cfg:     cfg,
		sleep:   sleep,
		log:     log,
	}
}

// Run loops until ctx ends or a kill is requested.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("base_sleep", s.cfg.BaseSleep).Msg("scheduler started")
	for {
		if s.control.Killed() {
			s.log.Warn().Msg("scheduler stopped by kill")
			return ErrKilled
		}
		wait := s.RunOnce(ctx)
		if err := s.sleep(ctx, wait); err != nil {
			s.log.Info().Msg("scheduler stopped")
			return ctx.Err()
		}
	}
}

// RunOnce performs one cycle and returns how long to wait before the next.
func (s *Scheduler) RunOnce(ctx context.Context) time.Duration {
	if !s.limiter.IsEventAllowed() {
		s.log.Warn().Interface("counters", s.limiter.Snapshot()).Dur("backoff", s.cfg.Backoff).Msg("daily limits exceeded, backing off")
		return s.cfg.Backoff
	}

	s.limiter.BeginConnectivityCheck()
	if err := s.session.Refresh(ctx); err != nil {
		s.log.Error().Err(err).Msg("broker session unavailable, skipping cycle")
		return s.pause()
	}
	s.limiter.ConnectivityRestored()

	for _, side := range []signal.Side{signal.Buy, signal.Sell} {
		if ctx.Err() != nil || s.control.Killed() {
			break
		}
		cands, err := s.source.FetchCandidates(ctx, side)
		switch {
		case errors.Is(err, signal.ErrUnchanged):
			s.log.Debug().Str("side", string(side)).Msg("candidate list unchanged")
			continue
		case err != nil:
			s.log.Warn().Err(err).Str("side", string(side)).Msg("fetch candidates failed")
			s.limiter.Record(risk.EventError)
			continue
		}
		if len(cands) == 0 {
			continue
		}
		s.engine.ProcessBatch(ctx, side, cands)
	}
	return s.pause()
}

func (s *Scheduler) pause() time.Duration {
	d := s.cfg.BaseSleep * time.Duration(s.limiter.Snapshot().Errors+1)
	if d > s.cfg.MaxSleep {
		d = s.cfg.MaxSleep
	}
	return d
}
