package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Searcher finds instruments by free-text query.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchHit, error)
}

// IDCache is a shared store of resolved instrument ids.
type IDCache interface {
	Get(ctx context.Context, ticker string) (string, bool, error)
	Set(ctx context.Context, ticker, id string) error
}

// Resolver maps cross-market tickers to brokerage instrument ids. Resolved ids
// are kept for the process lifetime; instrument ids do not change.
type Resolver struct {
	search Searcher
	log    zerolog.Logger
	shared IDCache

	mu  sync.RWMutex
	ids map[string]string
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithSharedCache adds a second-tier cache consulted before searching.
func WithSharedCache(cache IDCache) ResolverOption {
	return func(r *Resolver) { r.shared = cache }
}

// NewResolver builds a resolver backed by search.
func NewResolver(search Searcher, log zerolog.Logger, opts ...ResolverOption) *Resolver {
	r := &Resolver{search: search, log: log, ids: make(map[string]string)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the instrument id for ticker. found is false when the
// brokerage has no exact match or a hit is missing id, symbol, flag or name;
// err is reserved for search failures.
func (r *Resolver) Resolve(ctx context.Context, ticker string) (id string, found bool, err error) {
	r.mu.RLock()
	id, ok := r.ids[ticker]
	r.mu.RUnlock()
	if ok {
		return id, true, nil
	}

	if r.shared != nil {
		cached, hit, cerr := r.shared.Get(ctx, ticker)
		switch {
		case cerr != nil:
			r.log.Warn().Err(cerr).Str("ticker", ticker).Msg("instrument cache read failed")
		case hit:
			r.remember(ticker, cached)
			return cached, true, nil
		}
	}

	symbol, flag := ToBrokerTicker(ticker)
	hits, err := r.search.Search(ctx, symbol)
	if err != nil {
		return "", false, fmt.Errorf("search %s: %w", ticker, err)
	}
	if len(hits) == 0 {
		r.log.Warn().Str("ticker", ticker).Str("symbol", symbol).Msg("no search hits")
		return "", false, nil
	}
	for _, hit := range hits {
		if hit.ID == "" || hit.TickerSymbol == "" || hit.FlagCode == "" || hit.Name == "" {
			r.log.Warn().Str("ticker", ticker).Str("id", hit.ID).Str("symbol", hit.TickerSymbol).
				Str("flag", hit.FlagCode).Str("name", hit.Name).Msg("incomplete search hit, treating as not found")
			return "", false, nil
		}
		if !strings.EqualFold(hit.TickerSymbol, symbol) || !strings.EqualFold(hit.FlagCode, flag) {
			continue
		}
		r.log.Info().Str("ticker", ticker).Str("symbol", hit.TickerSymbol).Str("flag", hit.FlagCode).Str("name", hit.Name).Str("id", hit.ID).Msg("resolved instrument")
		r.remember(ticker, hit.ID)
		if r.shared != nil {
			if err := r.shared.Set(ctx, ticker, hit.ID); err != nil {
				r.log.Warn().Err(err).Str("ticker", ticker).Msg("instrument cache write failed")
			}
		}
		return hit.ID, true, nil
	}
	r.log.Warn().Str("ticker", ticker).Str("symbol", symbol).Str("flag", flag).Int("hits", len(hits)).Msg("no exact instrument match")
	return "", false, nil
}

func (r *Resolver) remember(ticker, id string) {
	r.mu.Lock()
	r.ids[ticker] = id
	r.mu.Unlock()
}

// RedisIDCache shares resolved ids between processes.
type RedisIDCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisIDCache wraps an existing redis client. Keys are prefix + ticker.
func NewRedisIDCache(rdb *redis.Client, prefix string) *RedisIDCache {
	if prefix == "" {
		prefix = "tradingpal:instrument:"
	}
	return &RedisIDCache{rdb: rdb, prefix: prefix}
}

// Get returns the cached id for ticker.
func (c *RedisIDCache) Get(ctx context.Context, ticker string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, c.prefix+ticker).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores id without expiry.
func (c *RedisIDCache) Set(ctx context.Context, ticker, id string) error {
	return c.rdb.Set(ctx, c.prefix+ticker, id, 0).Err()
}
