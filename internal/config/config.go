package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"token-trader/internal/logging"
)

// Store backends selectable through app.store.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Chain modes.
const (
	ChainPaper = "paper"
	ChainEVM   = "evm"
)

// Cursor backends.
const (
	CursorMemory   = "memory"
	CursorPostgres = "postgres"
	CursorRedis    = "redis"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Wallets    []WalletConfig   `mapstructure:"wallets"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Forecast   ForecastConfig   `mapstructure:"forecast"`
	API        APIConfig        `mapstructure:"api"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	// Store is postgres or memory. The memory store only makes sense for
	// dry runs together with chain.mode=paper.
	Store string `mapstructure:"store"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs the analyzer cadence and batching.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	BatchSize       int           `mapstructure:"batch_size"`
	RetryCap        int           `mapstructure:"retry_cap"`
	CursorBackend   string        `mapstructure:"cursor_backend"`
	CursorKey       string        `mapstructure:"cursor_key"`
	// Concurrency bounds how many executions may run at once.
	Concurrency int `mapstructure:"concurrency"`
}

// TradingConfig holds the decision thresholds and guards.
type TradingConfig struct {
	MinAge          int64           `mapstructure:"min_age"`
	MinTxCount      int64           `mapstructure:"min_tx_count"`
	MinSellShare    decimal.Decimal `mapstructure:"min_sell_share"`
	TargetReturn    decimal.Decimal `mapstructure:"target_return"`
	PairAttemptsCap int             `mapstructure:"pair_attempts_cap"`
	GuardWindow     int             `mapstructure:"guard_window"`
	MinLiquidity    decimal.Decimal `mapstructure:"min_liquidity"`
}

// ExecutionConfig tunes the execution state machine.
type ExecutionConfig struct {
	ProbeFraction      decimal.Decimal `mapstructure:"probe_fraction"`
	MaxSellAttempts    int             `mapstructure:"max_sell_attempts"`
	SellReduceFraction decimal.Decimal `mapstructure:"sell_reduce_fraction"`
	RetryDelayMin      time.Duration   `mapstructure:"retry_delay_min"`
	RetryDelayMax      time.Duration   `mapstructure:"retry_delay_max"`
	SlippageBps        int             `mapstructure:"slippage_bps"`
	SlippageStepBps    int             `mapstructure:"slippage_step_bps"`
	MaxSlippageBps     int             `mapstructure:"max_slippage_bps"`
	CallTimeout        time.Duration   `mapstructure:"call_timeout"`
	ExitClaimTTL       time.Duration   `mapstructure:"exit_claim_ttl"`
	ReconcileAfter     time.Duration   `mapstructure:"reconcile_after"`
}

// ChainConfig covers swap execution.
type ChainConfig struct {
	Mode             string          `mapstructure:"mode"`
	RPCURL           string          `mapstructure:"rpc_url"`
	ChainID          int64           `mapstructure:"chain_id"`
	Router           string          `mapstructure:"router"`
	WETH             string          `mapstructure:"weth"`
	ConfirmTimeout   time.Duration   `mapstructure:"confirm_timeout"`
	PollInterval     time.Duration   `mapstructure:"poll_interval"`
	GasLimit         uint64          `mapstructure:"gas_limit"`
	MaxRoundTripLoss decimal.Decimal `mapstructure:"max_round_trip_loss"`
}

// WalletConfig provisions one spending wallet.
type WalletConfig struct {
	Address       string          `mapstructure:"address"`
	PrivateKey    string          `mapstructure:"private_key"`
	SpendPerEntry decimal.Decimal `mapstructure:"spend_per_entry"`
	Enabled       bool            `mapstructure:"enabled"`
}

// EnrichmentConfig configures the batched market-data sources.
type EnrichmentConfig struct {
	DexScreener   SourceConfig  `mapstructure:"dexscreener"`
	GoPlus        SourceConfig  `mapstructure:"goplus"`
	BatchSize     int           `mapstructure:"batch_size"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Retries       int           `mapstructure:"retries"`
	Timeout       time.Duration `mapstructure:"timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
}

// SourceConfig is one enrichment endpoint.
type SourceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	Chain   string `mapstructure:"chain"`
}

// ForecastConfig points at the optional forecasting collaborator.
type ForecastConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

// APIConfig exposes the presentation interface.
type APIConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Listen       string        `mapstructure:"listen"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	PushInterval time.Duration `mapstructure:"push_interval"`
}

// RedisConfig is only needed for scheduler.cursor_backend=redis.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// AlertingConfig defines trade notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TOKENTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "token-trader")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.store", StorePostgres)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.service", "token-trader")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.interval", "15s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x746b6e74))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.batch_size", 60)
	v.SetDefault("scheduler.retry_cap", 5)
	v.SetDefault("scheduler.cursor_backend", CursorPostgres)
	v.SetDefault("scheduler.cursor_key", "analyzer_cursor")
	v.SetDefault("scheduler.concurrency", 4)

	v.SetDefault("trading.min_age", 120)
	v.SetDefault("trading.min_tx_count", 100)
	v.SetDefault("trading.min_sell_share", "0.2")
	v.SetDefault("trading.target_return", "0.2")
	v.SetDefault("trading.pair_attempts_cap", 10)
	v.SetDefault("trading.guard_window", 30)
	v.SetDefault("trading.min_liquidity", "0")

	v.SetDefault("execution.probe_fraction", "0.01")
	v.SetDefault("execution.max_sell_attempts", 4)
	v.SetDefault("execution.sell_reduce_fraction", "0.02")
	v.SetDefault("execution.retry_delay_min", "500ms")
	v.SetDefault("execution.retry_delay_max", "2s")
	v.SetDefault("execution.slippage_bps", 300)
	v.SetDefault("execution.slippage_step_bps", 200)
	v.SetDefault("execution.max_slippage_bps", 1500)
	v.SetDefault("execution.call_timeout", "45s")
	v.SetDefault("execution.exit_claim_ttl", "5m")
	v.SetDefault("execution.reconcile_after", "10m")

	v.SetDefault("chain.mode", ChainPaper)
	v.SetDefault("chain.chain_id", 1)
	v.SetDefault("chain.confirm_timeout", "2m")
	v.SetDefault("chain.poll_interval", "2s")
	v.SetDefault("chain.gas_limit", 350000)
	v.SetDefault("chain.max_round_trip_loss", "0.35")

	v.SetDefault("enrichment.dexscreener.enabled", true)
	v.SetDefault("enrichment.dexscreener.base_url", "https://api.dexscreener.com")
	v.SetDefault("enrichment.dexscreener.chain", "ethereum")
	v.SetDefault("enrichment.goplus.enabled", false)
	v.SetDefault("enrichment.goplus.base_url", "https://api.gopluslabs.io")
	v.SetDefault("enrichment.goplus.chain", "1")
	v.SetDefault("enrichment.batch_size", 30)
	v.SetDefault("enrichment.rate_per_second", 4.0)
	v.SetDefault("enrichment.burst", 2)
	v.SetDefault("enrichment.retries", 3)
	v.SetDefault("enrichment.timeout", "10s")
	v.SetDefault("enrichment.user_agent", "token-trader/1.0")

	v.SetDefault("forecast.enabled", false)
	v.SetDefault("forecast.timeout", "5s")
	v.SetDefault("forecast.retries", 2)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", "127.0.0.1:8080")
	v.SetDefault("api.push_interval", "5s")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.key_prefix", "tokentrader:")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// stringToDecimalHookFunc decodes YAML numbers and strings into decimals
// without a float detour for string input.
func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			s := strings.TrimSpace(v)
			if s == "" {
				return decimal.Zero, nil
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("invalid decimal %q: %w", v, err)
			}
			return d, nil
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		}
		return data, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.App.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("app.store must be postgres or memory, got %q", c.App.Store)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be greater than zero")
	}
	if c.Scheduler.RetryCap <= 0 {
		return fmt.Errorf("scheduler.retry_cap must be greater than zero")
	}
	switch c.Scheduler.CursorBackend {
	case CursorMemory, CursorPostgres, CursorRedis:
	default:
		return fmt.Errorf("scheduler.cursor_backend must be memory, postgres or redis, got %q", c.Scheduler.CursorBackend)
	}
	if c.Scheduler.CursorBackend == CursorPostgres && c.App.Store != StorePostgres {
		return fmt.Errorf("scheduler.cursor_backend=postgres requires app.store=postgres")
	}
	if c.Scheduler.CursorBackend == CursorRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for the redis cursor backend")
	}

	if c.Trading.TargetReturn.IsNegative() {
		return fmt.Errorf("trading.target_return cannot be negative")
	}
	if c.Trading.MinSellShare.IsNegative() || c.Trading.MinSellShare.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("trading.min_sell_share must be within [0, 1]")
	}
	if c.Trading.PairAttemptsCap <= 0 {
		return fmt.Errorf("trading.pair_attempts_cap must be greater than zero")
	}
	if c.Trading.GuardWindow < 2 {
		return fmt.Errorf("trading.guard_window must be at least 2")
	}

	if c.Execution.MaxSellAttempts <= 0 {
		return fmt.Errorf("execution.max_sell_attempts must be greater than zero")
	}
	if !c.Execution.SellReduceFraction.IsPositive() || !c.Execution.SellReduceFraction.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("execution.sell_reduce_fraction must be within (0, 1)")
	}
	if !c.Execution.ProbeFraction.IsPositive() || c.Execution.ProbeFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("execution.probe_fraction must be within (0, 1]")
	}
	if c.Execution.RetryDelayMax < c.Execution.RetryDelayMin {
		return fmt.Errorf("execution.retry_delay_max must not be below retry_delay_min")
	}
	if c.Execution.SlippageBps < 0 || c.Execution.MaxSlippageBps < c.Execution.SlippageBps {
		return fmt.Errorf("execution slippage bounds are inconsistent")
	}
	if c.Execution.CallTimeout <= 0 {
		return fmt.Errorf("execution.call_timeout must be greater than zero")
	}

	switch c.Chain.Mode {
	case ChainPaper:
	case ChainEVM:
		if c.Chain.RPCURL == "" || c.Chain.Router == "" || c.Chain.WETH == "" {
			return fmt.Errorf("chain.rpc_url, chain.router and chain.weth are required in evm mode")
		}
		if c.App.Store == StoreMemory {
			return fmt.Errorf("evm mode requires app.store=postgres")
		}
	default:
		return fmt.Errorf("chain.mode must be paper or evm, got %q", c.Chain.Mode)
	}

	seen := make(map[string]struct{}, len(c.Wallets))
	for i, w := range c.Wallets {
		if w.Address == "" {
			return fmt.Errorf("wallets[%d].address is required", i)
		}
		key := strings.ToLower(w.Address)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("wallets[%d]: duplicate address %s", i, w.Address)
		}
		seen[key] = struct{}{}
		if w.SpendPerEntry.IsNegative() {
			return fmt.Errorf("wallets[%d].spend_per_entry cannot be negative", i)
		}
	}

	if c.Enrichment.BatchSize <= 0 || c.Enrichment.BatchSize > 30 {
		return fmt.Errorf("enrichment.batch_size must be within [1, 30]")
	}
	if c.Forecast.Enabled && c.Forecast.BaseURL == "" {
		return fmt.Errorf("forecast.base_url is required when forecast is enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
