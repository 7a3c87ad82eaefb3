// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging.
type App struct {
	Name            string `yaml:"name"`
	Env             string `yaml:"env"`
	MetricsAddr     string `yaml:"metrics_addr"`
	LogLevel        string `yaml:"log_level"`
	TraceLogPath    string `yaml:"trace_log_path"`
	AuditLogPath    string `yaml:"audit_log_path"`
	DedupWindowSecs int    `yaml:"dedup_window_secs"`
}

// Signal locates the signal service and its endpoints.
type Signal struct {
	BaseURL    string `yaml:"base_url"`
	BuyPath    string `yaml:"buy_path"`
	SellPath   string `yaml:"sell_path"`
	LockPath   string `yaml:"lock_path"`
	UnlockPath string `yaml:"unlock_path"`
	UpdatePath string `yaml:"update_path"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

// Broker configures the brokerage connection and session recovery.
type Broker struct {
	BaseURL         string   `yaml:"base_url"`
	AllowedAccounts []string `yaml:"allowed_accounts"`
	DefaultAccount  string   `yaml:"default_account"`
	TimeoutMs       int      `yaml:"timeout_ms"`
	ReconnectBaseMs int      `yaml:"reconnect_base_ms"`
	ReconnectMaxMs  int      `yaml:"reconnect_max_ms"`
	ReconnectTries  int      `yaml:"reconnect_attempts"`
}

// Engine tunes priced attempts and fill polling.
type Engine struct {
	MaxAttempts     int     `yaml:"max_attempts"`
	PollCount       int     `yaml:"poll_count"`
	PollIntervalMs  int     `yaml:"poll_interval_ms"`
	SettleMs        int     `yaml:"settle_ms"`
	MaxDeviatePrice float64 `yaml:"max_deviate_price"`
	TickMargin      float64 `yaml:"tick_margin"`
}

// Sanity holds the pre-trade validation thresholds.
type Sanity struct {
	MaxQuoteAgeSecs          int     `yaml:"max_quote_age_secs"`
	MinPrice                 float64 `yaml:"min_price"`
	MaxPrice                 float64 `yaml:"max_price"`
	MaxReferenceDeviationPct float64 `yaml:"max_reference_deviation_pct"`
	MaxNotional              float64 `yaml:"max_notional"`
	MaxSpreadRatio           float64 `yaml:"max_spread_ratio"`
	CheckCountDrift          *bool   `yaml:"check_count_drift"`
}

// Limits caps the daily event counters. Zero disables a cap.
type Limits struct {
	MaxTransactions int `yaml:"max_transactions"`
	MaxErrors       int `yaml:"max_errors"`
	MaxExceptions   int `yaml:"max_exceptions"`
}

// Scheduler paces the main loop.
type Scheduler struct {
	BaseSleepMs int `yaml:"base_sleep_ms"`
	MaxSleepMs  int `yaml:"max_sleep_ms"`
	BackoffSecs int `yaml:"backoff_secs"`
}

// Control configures the operator HTTP surface.
type Control struct {
	Addr string `yaml:"addr"`
}

// Cache configures the shared instrument id cache. An empty address disables it.
type Cache struct {
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Audit lists ledger update sinks. Empty values disable a sink.
type Audit struct {
	JSONLPath    string `yaml:"jsonl_path"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`
}

// Paper captures simulated brokerage settings.
type Paper struct {
	CandidatesPath string             `yaml:"candidates_path"`
	Cash           float64            `yaml:"cash"`
	FillMode       string             `yaml:"fill_mode"`
	FillAfterPolls int                `yaml:"fill_after_polls"`
	PartialRatio   float64            `yaml:"partial_ratio"`
	Prices         map[string]float64 `yaml:"prices"` // bid overrides by ticker, keeping the book spread
	FillsPath      string             `yaml:"fills_path"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App       App       `yaml:"app"`
	Signal    Signal    `yaml:"signal"`
	Broker    Broker    `yaml:"broker"`
	Engine    Engine    `yaml:"engine"`
	Sanity    Sanity    `yaml:"sanity"`
	Limits    Limits    `yaml:"limits"`
	Scheduler Scheduler `yaml:"scheduler"`
	Control   Control   `yaml:"control"`
	Cache     Cache     `yaml:"cache"`
	Audit     Audit     `yaml:"audit"`
	Paper     Paper     `yaml:"paper"`
}

// Load reads a YAML file from disk, applies env overrides and defaults, and validates it.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config.ApplyEnv()
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ApplyEnv overrides endpoints and log level from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("TRADINGPAL_SIGNAL_URL"); v != "" {
		c.Signal.BaseURL = v
	}
	if v := os.Getenv("TRADINGPAL_BROKER_URL"); v != "" {
		c.Broker.BaseURL = v
	}
	if v := os.Getenv("TRADINGPAL_LOG_LEVEL"); v != "" {
		c.App.LogLevel = v
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	setString(&c.App.Name, "tradingpal")
	setString(&c.App.LogLevel, "info")
	setInt(&c.App.DedupWindowSecs, 10)

	setString(&c.Signal.BuyPath, "getStocksToBuy")
	setString(&c.Signal.SellPath, "getStocksToSell")
	setString(&c.Signal.LockPath, "lock")
	setString(&c.Signal.UnlockPath, "unlock")
	setString(&c.Signal.UpdatePath, "updateStock")
	setInt(&c.Signal.TimeoutMs, 10000)

	setString(&c.Broker.BaseURL, "https://www.avanza.se")
	setInt(&c.Broker.TimeoutMs, 15000)
	setInt(&c.Broker.ReconnectBaseMs, 1000)
	setInt(&c.Broker.ReconnectMaxMs, 60000)
	setInt(&c.Broker.ReconnectTries, 5)

	setInt(&c.Engine.MaxAttempts, 3)
	setInt(&c.Engine.PollCount, 3)
	setInt(&c.Engine.PollIntervalMs, 1000)
	setInt(&c.Engine.SettleMs, 1000)
	setFloat(&c.Engine.MaxDeviatePrice, 1.03)
	setFloat(&c.Engine.TickMargin, 2)

	setInt(&c.Sanity.MaxQuoteAgeSecs, 900)
	setFloat(&c.Sanity.MinPrice, 0.01)
	setFloat(&c.Sanity.MaxPrice, 5000)
	setFloat(&c.Sanity.MaxReferenceDeviationPct, 5)
	setFloat(&c.Sanity.MaxNotional, 10000)
	setFloat(&c.Sanity.MaxSpreadRatio, 1.12)
	if c.Sanity.CheckCountDrift == nil {
		on := true
		c.Sanity.CheckCountDrift = &on
	}

	setInt(&c.Scheduler.BaseSleepMs, 5000)
	setInt(&c.Scheduler.MaxSleepMs, 600000)
	setInt(&c.Scheduler.BackoffSecs, 3600)

	setString(&c.Control.Addr, ":8090")
	setString(&c.Cache.KeyPrefix, "tradingpal:instrument:")
	setString(&c.Audit.AMQPExchange, "tradingpal.ledger")
	setString(&c.Paper.FillMode, "immediate")
	setFloat(&c.Paper.Cash, 100000)
}

// Validate rejects thresholds that would disable safety checks by accident.
func (c *Config) Validate() error {
	var errs []error
	if c.Signal.BaseURL == "" {
		errs = append(errs, errors.New("signal.base_url is required"))
	}
	if c.Engine.MaxAttempts < 1 || c.Engine.PollCount < 1 {
		errs = append(errs, errors.New("engine.max_attempts and engine.poll_count must be positive"))
	}
	if c.Engine.MaxDeviatePrice <= 1 {
		errs = append(errs, fmt.Errorf("engine.max_deviate_price %.4f must exceed 1", c.Engine.MaxDeviatePrice))
	}
	if c.Engine.TickMargin <= 0 {
		errs = append(errs, errors.New("engine.tick_margin must be positive"))
	}
	if c.Sanity.MinPrice <= 0 || c.Sanity.MaxPrice <= c.Sanity.MinPrice {
		errs = append(errs, fmt.Errorf("sanity price band [%.4f, %.4f] is invalid", c.Sanity.MinPrice, c.Sanity.MaxPrice))
	}
	if c.Sanity.MaxNotional <= 0 || c.Sanity.MaxReferenceDeviationPct <= 0 || c.Sanity.MaxSpreadRatio <= 1 {
		errs = append(errs, errors.New("sanity thresholds must be positive and spread ratio above 1"))
	}
	if c.Limits.MaxTransactions < 0 || c.Limits.MaxErrors < 0 || c.Limits.MaxExceptions < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	return errors.Join(errs...)
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// PollInterval is the pause between fill polls.
func (e Engine) PollInterval() time.Duration { return ms(e.PollIntervalMs) }

// Settle is the pause between cancel and the final position read.
func (e Engine) Settle() time.Duration { return ms(e.SettleMs) }

// Timeout is the HTTP timeout for the signal service.
func (s Signal) Timeout() time.Duration { return ms(s.TimeoutMs) }

// Timeout is the HTTP timeout for the brokerage.
func (b Broker) Timeout() time.Duration { return ms(b.TimeoutMs) }

// ReconnectBackoff returns base and cap for session redial.
func (b Broker) ReconnectBackoff() (base, max time.Duration) {
	return ms(b.ReconnectBaseMs), ms(b.ReconnectMaxMs)
}

// MaxQuoteAge is the staleness bound for snapshots.
func (s Sanity) MaxQuoteAge() time.Duration { return time.Duration(s.MaxQuoteAgeSecs) * time.Second }

// BaseSleep is the pause after a clean cycle.
func (s Scheduler) BaseSleep() time.Duration { return ms(s.BaseSleepMs) }

// MaxSleep caps the scaled pause.
func (s Scheduler) MaxSleep() time.Duration { return ms(s.MaxSleepMs) }

// Backoff is the pause while daily limits are exceeded.
func (s Scheduler) Backoff() time.Duration { return time.Duration(s.BackoffSecs) * time.Second }

// DedupWindow is the trace de-duplication window.
func (a App) DedupWindow() time.Duration { return time.Duration(a.DedupWindowSecs) * time.Second }
