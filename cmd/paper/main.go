// Binary paper runs the engine against a simulated brokerage and signal desk seeded from a JSON book.
package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/JonasMelin/tradingpalavanza/internal/app"
	"github.com/JonasMelin/tradingpalavanza/internal/broker"
	"github.com/JonasMelin/tradingpalavanza/internal/config"
	"github.com/JonasMelin/tradingpalavanza/internal/metrics"
	"github.com/JonasMelin/tradingpalavanza/internal/paper"
	"github.com/JonasMelin/tradingpalavanza/internal/util"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to the YAML configuration")
	flag.Parse()

	boot := util.NewLogger("info")
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	logs, err := util.NewLoggers(util.LogConfig{
		Level:       cfg.App.LogLevel,
		TracePath:   cfg.App.TraceLogPath,
		AuditPath:   cfg.App.AuditLogPath,
		DedupWindow: cfg.App.DedupWindow(),
	})
	if err != nil {
		boot.Fatal().Err(err).Msg("open logs")
	}
	defer logs.Close()
	log := logs.Trace.With().Str("app", cfg.App.Name).Str("mode", "paper").Logger()

	mode, err := paper.ParseFillMode(cfg.Paper.FillMode)
	if err != nil {
		log.Fatal().Err(err).Msg("paper fill mode")
	}
	book, err := paper.LoadBook(cfg.Paper.CandidatesPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Paper.CandidatesPath).Msg("load paper book")
	}
	bids := make(map[string]decimal.Decimal, len(cfg.Paper.Prices))
	for ticker, p := range cfg.Paper.Prices {
		bids[ticker] = decimal.NewFromFloat(p)
	}
	account, desk := book.Open(paper.Options{
		Cash:         decimal.NewFromFloat(cfg.Paper.Cash),
		Mode:         mode,
		AfterPolls:   cfg.Paper.FillAfterPolls,
		PartialRatio: decimal.NewFromFloat(cfg.Paper.PartialRatio),
		TickMargin:   cfg.Engine.TickMarginDecimal(),
	}, bids)

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.App.MetricsAddr != "" {
		srv := metrics.Serve(cfg.App.MetricsAddr)
		defer srv.Close()
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
	}

	auditCfg := cfg.Audit
	if cfg.Paper.FillsPath != "" {
		auditCfg.JSONLPath = cfg.Paper.FillsPath
	}
	sinks, err := app.OpenSinks(ctx, auditCfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open audit sinks")
	}
	defer sinks.Close()

	session := broker.NewSession(func(context.Context) (broker.Client, error) { return account, nil }, log)
	rt := app.Assemble(cfg, app.Backends{Signals: desk, Session: session, Sink: sinks}, log, logs.Audit)

	log.Info().Str("book", cfg.Paper.CandidatesPath).Str("fill_mode", string(mode)).
		Str("cash", account.Cash().StringFixed(2)).Msg("paper engine started")
	if err := rt.Run(ctx); err != nil {
		log.Error().Err(err).Msg("paper engine stopped with error")
		return
	}
	log.Info().Int("ledger_updates", len(desk.Updates())).Str("cash", account.Cash().StringFixed(2)).
		Int("open_orders", account.OpenOrders()).Msg("paper engine stopped")
}
