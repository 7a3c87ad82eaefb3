package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/JonasMelin/tradingpalavanza/internal/metrics"
)

// EventKind names a counted daily event.
type EventKind int

const (
	EventTransaction EventKind = iota
	EventError
	EventException
)

func (k EventKind) String() string {
	switch k {
	case EventTransaction:
		return "transaction"
	case EventError:
		return "error"
	default:
		return "exception"
	}
}

const dayLayout = "2006-01-02"

// Counters are the per-day event tallies. The value is immutable; methods
// return updated copies.
type Counters struct {
	Day          string `json:"day"`
	Transactions int    `json:"transactions"`
	Errors       int    `json:"errors"`
	Exceptions   int    `json:"exceptions"`
}

// Refreshed returns zeroed counters for the day of now when it differs from c.Day.
func (c Counters) Refreshed(now time.Time) Counters {
	day := now.Format(dayLayout)
	if c.Day == day {
		return c
	}
	return Counters{Day: day}
}

// With returns c with kind incremented.
func (c Counters) With(kind EventKind) Counters {
	switch kind {
	case EventTransaction:
		c.Transactions++
	case EventError:
		c.Errors++
	default:
		c.Exceptions++
	}
	return c
}

// EventLimits caps each daily counter. A non-positive cap disables that limit.
type EventLimits struct {
	MaxTransactions int
	MaxErrors       int
	MaxExceptions   int
}

// Exceeded returns the first counter strictly above its cap.
func (c Counters) Exceeded(l EventLimits) (EventKind, bool) {
	switch {
	case l.MaxTransactions > 0 && c.Transactions > l.MaxTransactions:
		return EventTransaction, true
	case l.MaxErrors > 0 && c.Errors > l.MaxErrors:
		return EventError, true
	case l.MaxExceptions > 0 && c.Exceptions > l.MaxExceptions:
		return EventException, true
	}
	return 0, false
}

// Limiter is the daily circuit breaker. It is shared between the scheduling
// worker and the control surface.
type Limiter struct {
	mu       sync.Mutex
	limits   EventLimits
	counters Counters
	now      func() time.Time
	log      zerolog.Logger
}

// LimiterOption customises a Limiter.
type LimiterOption func(*Limiter)

// WithLimiterClock injects the wall clock.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLimiter creates a limiter with zeroed counters for today.
func NewLimiter(limits EventLimits, log zerolog.Logger, opts ...LimiterOption) *Limiter {
	l := &Limiter{limits: limits, now: time.Now, log: log}
	for _, opt := range opts {
		opt(l)
	}
	l.counters = Counters{}.Refreshed(l.now())
	return l
}

// Record counts one event of kind and returns the updated counters.
func (l *Limiter) Record(kind EventKind) Counters {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters = l.counters.Refreshed(l.now()).With(kind)
	metrics.LimiterEvents.WithLabelValues(kind.String()).Inc()
	return l.counters
}

// BeginConnectivityCheck pessimistically counts an error before a broker
// health check. ConnectivityRestored clears it on success.
func (l *Limiter) BeginConnectivityCheck() {
	l.Record(EventError)
}

// ConnectivityRestored zeroes the error counter.
func (l *Limiter) ConnectivityRestored() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters = l.counters.Refreshed(l.now())
	l.counters.Errors = 0
}

// IsEventAllowed reports whether every counter is within its cap.
func (l *Limiter) IsEventAllowed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters = l.counters.Refreshed(l.now())
	if kind, over := l.counters.Exceeded(l.limits); over {
		l.log.Warn().Str("kind", kind.String()).Int("transactions", l.counters.Transactions).
			Int("errors", l.counters.Errors).Int("exceptions", l.counters.Exceptions).Msg("daily event limit exceeded")
		return false
	}
	return true
}

// Snapshot returns the current counters.
func (l *Limiter) Snapshot() Counters {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters = l.counters.Refreshed(l.now())
	return l.counters
}

// Reset zeroes all counters for today.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters = Counters{Day: l.now().Format(dayLayout)}
	l.log.Info().Msg("event counters reset")
}
