package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

const createLedgerTable = `
	CREATE TABLE IF NOT EXISTS ledger_updates (
		id                   BIGSERIAL PRIMARY KEY,
		ticker               TEXT        NOT NULL,
		side                 TEXT        NOT NULL,
		price                NUMERIC     NOT NULL,
		count_before         BIGINT      NOT NULL,
		count_after          BIGINT      NOT NULL,
		amount_spent         NUMERIC     NOT NULL,
		new_total_invested   NUMERIC     NOT NULL,
		name                 TEXT        NOT NULL,
		broker_instrument_id TEXT        NOT NULL,
		recorded_at          TIMESTAMPTZ NOT NULL
	)`

const insertLedgerUpdate = `
	INSERT INTO ledger_updates (ticker, side, price, count_before, count_after, amount_spent, new_total_invested, name, broker_instrument_id, recorded_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink inserts ledger updates into the ledger_updates table.
type PostgresSink struct {
	db   execer
	pool *pgxpool.Pool
}

// NewPostgresSink connects to dsn and makes sure the table exists.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if _, err := pool.Exec(ctx, createLedgerTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create ledger table: %w", err)
	}
	return &PostgresSink{db: pool, pool: pool}, nil
}

// Write implements Sink.
func (s *PostgresSink) Write(ctx context.Context, u signal.LedgerUpdate) error {
	side := string(signal.Buy)
	if u.SoldAt != nil {
		side = string(signal.Sell)
	}
	_, err := s.db.Exec(ctx, insertLedgerUpdate,
		u.Ticker,
		side,
		u.Price().String(),
		u.CountBefore,
		u.CountAfter,
		u.AmountSpent.String(),
		u.NewTotalInvested.String(),
		u.PositionName,
		u.InstrumentID,
		u.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert ledger update: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresSink) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
