// Binary executor trades live against the brokerage using candidates from the signal service.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JonasMelin/tradingpalavanza/internal/app"
	"github.com/JonasMelin/tradingpalavanza/internal/broker"
	"github.com/JonasMelin/tradingpalavanza/internal/config"
	"github.com/JonasMelin/tradingpalavanza/internal/metrics"
	"github.com/JonasMelin/tradingpalavanza/internal/signal"
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
	log := logs.Trace.With().Str("app", cfg.App.Name).Str("env", cfg.App.Env).Logger()

	creds, err := config.LoadCredentials()
	if err != nil {
		log.Fatal().Err(err).Msg("load credentials")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.App.MetricsAddr != "" {
		srv := metrics.Serve(cfg.App.MetricsAddr)
		defer srv.Close()
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
	}

	httpClient := &http.Client{Timeout: cfg.Broker.Timeout()}
	dial := func(ctx context.Context) (broker.Client, error) {
		client, err := broker.DialAvanza(ctx, cfg.Broker.BaseURL, creds, log,
			broker.WithHTTPClient(httpClient),
			broker.WithAllowedAccounts(cfg.Broker.AllowedAccounts...),
			broker.WithDefaultAccount(cfg.Broker.DefaultAccount),
			broker.WithTickMargin(cfg.Engine.TickMarginDecimal()),
		)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	base, ceiling := cfg.Broker.ReconnectBackoff()
	session := broker.NewSession(dial, log, broker.WithReconnectBackoff(base, ceiling, cfg.Broker.ReconnectTries))

	var resolverOpts []broker.ResolverOption
	if cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr, DB: cfg.Cache.RedisDB})
		defer rdb.Close()
		pingCtx, cancelPing := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Cache.RedisAddr).Msg("redis unavailable, resolver uses memory only")
		} else {
			resolverOpts = append(resolverOpts, broker.WithSharedCache(broker.NewRedisIDCache(rdb, cfg.Cache.KeyPrefix)))
		}
		cancelPing()
	}

	sinks, err := app.OpenSinks(ctx, cfg.Audit, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open audit sinks")
	}
	defer sinks.Close()

	signals := signal.NewClient(cfg.Signal.BaseURL, log,
		signal.WithHTTPClient(&http.Client{Timeout: cfg.Signal.Timeout()}),
		signal.WithPaths(cfg.Signal.Paths()),
	)

	rt := app.Assemble(cfg, app.Backends{
		Signals:  signals,
		Session:  session,
		Resolver: broker.NewResolver(session, log, resolverOpts...),
		Sink:     sinks,
	}, log, logs.Audit)

	log.Info().Str("signal", cfg.Signal.BaseURL).Str("control", cfg.Control.Addr).Msg("executor started")
	if err := rt.Run(ctx); err != nil {
		log.Error().Err(err).Msg("executor stopped with error")
		return
	}
	log.Info().Interface("counters", rt.Limiter.Snapshot()).Msg("executor stopped")
}
