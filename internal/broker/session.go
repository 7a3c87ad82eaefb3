package broker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Dialer opens a fresh, authenticated brokerage client.
type Dialer func(ctx context.Context) (Client, error)

// Backoff returns base * 2^attempt capped at max. A negative attempt yields base.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 || base <= 0 {
		return base
	}
	if attempt > 30 {
		return max
	}
	d := base * time.Duration(1<<attempt)
	if max > 0 && d > max {
		return max
	}
	return d
}

// Session owns the live brokerage client and replaces it when it stops
// answering health checks. Session itself satisfies Client.
type Session struct {
	dial        Dialer
	log         zerolog.Logger
	current     atomic.Pointer[clientBox]
	maxAttempts int
	base, max   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

type clientBox struct{ c Client }

// SessionOption customises a Session.
type SessionOption func(*Session)

// WithReconnectBackoff sets the dial retry schedule.
func WithReconnectBackoff(base, max time.Duration, attempts int) SessionOption {
	return func(s *Session) {
		if base > 0 {
			s.base = base
		}
		if max > 0 {
			s.max = max
		}
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// WithSessionSleeper replaces the wait used between dial attempts.
func WithSessionSleeper(sleep func(ctx context.Context, d time.Duration) error) SessionOption {
	return func(s *Session) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// NewSession creates a session. No connection is made until Refresh.
func NewSession(dial Dialer, log zerolog.Logger, opts ...SessionOption) *Session {
	s := &Session{
		dial:        dial,
		log:         log,
		maxAttempts: 5,
		base:        time.Second,
		max:         time.Minute,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh health-checks the current client and swaps in a new one on failure.
func (s *Session) Refresh(ctx context.Context) error {
	if box := s.current.Load(); box != nil {
		err := box.c.HealthCheck(ctx)
		if err == nil {
			return nil
		}
		s.log.Warn().Err(err).Msg("broker health check failed, reconnecting")
	}
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, Backoff(attempt-1, s.base, s.max)); err != nil {
				return err
			}
		}
		client, err := s.dial(ctx)
		if err == nil {
			err = client.HealthCheck(ctx)
		}
		if err == nil {
			s.current.Store(&clientBox{c: client})
			s.log.Info().Int("attempt", attempt+1).Msg("broker session replaced")
			return nil
		}
		lastErr = err
		s.log.Warn().Err(err).Int("attempt", attempt+1).Msg("broker dial failed")
	}
	if errors.Is(lastErr, ErrConnectivity) {
		return lastErr
	}
	return fmt.Errorf("%w: reconnect exhausted: %v", ErrConnectivity, lastErr)
}

func (s *Session) client() (Client, error) {
	box := s.current.Load()
	if box == nil {
		return nil, fmt.Errorf("%w: no session", ErrConnectivity)
	}
	return box.c, nil
}

func (s *Session) HealthCheck(ctx context.Context) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.HealthCheck(ctx)
}

func (s *Session) Search(ctx context.Context, query string) ([]SearchHit, error) {
	c, err := s.client()
	if err != nil {
		return nil, err
	}
	return c.Search(ctx, query)
}

func (s *Session) Snapshot(ctx context.Context, instrumentID string) (MarketSnapshot, error) {
	c, err := s.client()
	if err != nil {
		return MarketSnapshot{}, err
	}
	return c.Snapshot(ctx, instrumentID)
}

func (s *Session) Position(ctx context.Context, instrumentID string) (int64, error) {
	c, err := s.client()
	if err != nil {
		return 0, err
	}
	return c.Position(ctx, instrumentID)
}

func (s *Session) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	c, err := s.client()
	if err != nil {
		return OrderResult{}, err
	}
	return c.PlaceOrder(ctx, req)
}

func (s *Session) CancelOrder(ctx context.Context, accountID, orderID string) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.CancelOrder(ctx, accountID, orderID)
}

func (s *Session) Transactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	c, err := s.client()
	if err != nil {
		return nil, err
	}
	return c.Transactions(ctx, filter)
}

func (s *Session) Funds(ctx context.Context) ([]AccountFunds, error) {
	c, err := s.client()
	if err != nil {
		return nil, err
	}
	return c.Funds(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
