package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"whale-mirror/internal/logging"
)

// Run modes.
const (
	ModeLive             = "live"
	ModeDryRun           = "dry_run"
	ModeDryRunNoValidate = "dry_run_no_validate"
)

const (
	defaultEnvPrefix       = "WHALEMIRROR"
	uniswapV2RouterHex     = "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"
	uniswapV3RouterHex     = "0xE592427A0AEce92De3Edee1F18E0157C05861564"
	chainlinkETHUSDFeedHex = "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	Moralis    MoralisConfig    `mapstructure:"moralis"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Validator  ValidatorConfig  `mapstructure:"validator"`
	Scoring    ScoringConfig    `mapstructure:"scoring"`
	Allocation AllocationConfig `mapstructure:"allocation"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Feedback   FeedbackConfig   `mapstructure:"feedback"`
	API        APIConfig        `mapstructure:"api"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Mode        string `mapstructure:"mode"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	WatchRPCURL    string        `mapstructure:"watch_rpc_url"`
	Confirmations  uint64        `mapstructure:"confirmations"`
	ChainID        int64         `mapstructure:"chain_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Routers        []string      `mapstructure:"routers"`
	ETHUSDFeed     string        `mapstructure:"eth_usd_feed"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ReceiptTimeout time.Duration `mapstructure:"receipt_timeout"`
	PrivateKey     string        `mapstructure:"private_key"`
	SwapDeadline   time.Duration `mapstructure:"swap_deadline"`
	MaxSlippageBps int           `mapstructure:"max_slippage_bps"`
}

// MoralisConfig captures profitability API connectivity and call budget.
type MoralisConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	Chain           string        `mapstructure:"chain"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxCalls        int           `mapstructure:"max_calls"`
	Window          time.Duration `mapstructure:"window"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// ModeConfig defines one named fixed-threshold discovery profile.
type ModeConfig struct {
	BlocksBack        uint64  `mapstructure:"blocks_back"`
	MinTrades         int     `mapstructure:"min_trades"`
	MinPnLThreshold   float64 `mapstructure:"min_pnl_threshold"`
	ProfitWindowHours int     `mapstructure:"profit_window_hours"`
	MinROI            float64 `mapstructure:"min_roi"`
}

// AdaptiveConfig drives percentile discovery.
type AdaptiveConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	ActivityPercentile  float64 `mapstructure:"activity_percentile"`
	ProfitPercentile    float64 `mapstructure:"profit_percentile"`
	BlocksBack          uint64  `mapstructure:"blocks_back"`
	Stride              uint64  `mapstructure:"stride"`
	UseMarketConditions bool    `mapstructure:"use_market_conditions"`
}

// MarketConfig tunes the market-condition analyzer.
type MarketConfig struct {
	BlocksBack      uint64  `mapstructure:"blocks_back"`
	SampleEvery     uint64  `mapstructure:"sample_every"`
	BaselineTx      float64 `mapstructure:"baseline_tx"`
	LiquidityTx     float64 `mapstructure:"liquidity_tx"`
	AdaptFixedModes bool    `mapstructure:"adapt_fixed_modes"`
}

// DiscoveryConfig governs discovery rounds.
type DiscoveryConfig struct {
	Interval     time.Duration         `mapstructure:"interval"`
	StartupDelay time.Duration         `mapstructure:"startup_delay"`
	AlignToStart bool                  `mapstructure:"align_to_start"`
	RunOnStart   bool                  `mapstructure:"run_on_start"`
	Modes        map[string]ModeConfig `mapstructure:"modes"`
	EnabledModes []string              `mapstructure:"enabled_modes"`
	Adaptive     AdaptiveConfig        `mapstructure:"adaptive"`
	Market       MarketConfig          `mapstructure:"market"`
	HistorySize  int                   `mapstructure:"history_size"`
}

// ValidatorConfig sets profitability minimums and cache windows.
type ValidatorConfig struct {
	MinROIPct          float64       `mapstructure:"min_roi_pct"`
	MinProfitUSD       float64       `mapstructure:"min_profit_usd"`
	MinTrades          int           `mapstructure:"min_trades"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	RecheckWindow      time.Duration `mapstructure:"recheck_window"`
	TokenRefreshWindow time.Duration `mapstructure:"token_refresh_window"`
	TokenFetchTimeout  time.Duration `mapstructure:"token_fetch_timeout"`
}

// ScoringConfig tunes the whale score engine.
type ScoringConfig struct {
	HistorySize       int     `mapstructure:"history_size"`
	MinTrades         int     `mapstructure:"min_trades"`
	MinTokens         int     `mapstructure:"min_tokens"`
	ETHUSDPrice       float64 `mapstructure:"eth_usd_price"`
	MaterialityETH    float64 `mapstructure:"materiality_eth"`
	MaterialityTrades int     `mapstructure:"materiality_trades"`
}

// AllocationConfig tunes position sizing and biases.
type AllocationConfig struct {
	BaseRisk       float64            `mapstructure:"base_risk"`
	MirrorFraction float64            `mapstructure:"mirror_fraction"`
	MaxAllocation  float64            `mapstructure:"max_allocation"`
	DustFloor      float64            `mapstructure:"dust_floor"`
	RouterBias     map[string]float64 `mapstructure:"router_bias"`
	FunctionBias   map[string]float64 `mapstructure:"function_bias"`
	TokenBias      map[string]float64 `mapstructure:"token_bias"`
}

// RiskConfig captures hard risk limits.
type RiskConfig struct {
	BaseCapital      float64 `mapstructure:"base_capital"`
	BaseRisk         float64 `mapstructure:"base_risk"`
	MinMultiplier    float64 `mapstructure:"min_multiplier"`
	MaxMultiplier    float64 `mapstructure:"max_multiplier"`
	MaxPosition      float64 `mapstructure:"max_position"`
	MaxDailyLoss     float64 `mapstructure:"max_daily_loss"`
	MaxTotalExposure float64 `mapstructure:"max_total_exposure"`
	WhaleLossFloor   float64 `mapstructure:"whale_loss_floor"`
}

// CacheConfig optionally points verdict caching at Redis.
type CacheConfig struct {
	RedisURL  string `mapstructure:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// FeedbackConfig tunes validator outcome tracking.
type FeedbackConfig struct {
	Capacity    int           `mapstructure:"capacity"`
	MinSamples  int           `mapstructure:"min_samples"`
	Window      time.Duration `mapstructure:"window"`
	Sensitivity float64       `mapstructure:"sensitivity"`
	// MinVolumeETH is the average on-chain volume accepted candidates must
	// show before a tightening suggestion is made.
	MinVolumeETH float64 `mapstructure:"min_volume_eth"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	// AdminToken guards the risk control endpoints; empty disables them.
	AdminToken string `mapstructure:"admin_token"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram bot parameters.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxRows int `mapstructure:"max_rows"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(defaultEnvPrefix)
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
	v.SetDefault("app.name", "whalemirror")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.mode", ModeDryRun)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.advisory_lock_key", int64(0x77686d72))

	v.SetDefault("ethereum.chain_id", 1)
	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.routers", []string{uniswapV2RouterHex, uniswapV3RouterHex})
	v.SetDefault("ethereum.eth_usd_feed", chainlinkETHUSDFeedHex)
	v.SetDefault("ethereum.poll_interval", "12s")
	v.SetDefault("ethereum.confirmations", 0)
	v.SetDefault("ethereum.receipt_timeout", "3m")
	v.SetDefault("ethereum.swap_deadline", "5m")
	v.SetDefault("ethereum.max_slippage_bps", 0)

	v.SetDefault("moralis.base_url", "https://deep-index.moralis.io/api/v2.2")
	v.SetDefault("moralis.chain", "eth")
	v.SetDefault("moralis.request_timeout", "10s")
	v.SetDefault("moralis.max_calls", 100)
	v.SetDefault("moralis.window", "1h")
	v.SetDefault("moralis.breaker_failures", 3)
	v.SetDefault("moralis.breaker_timeout", "60s")

	v.SetDefault("discovery.interval", "10m")
	v.SetDefault("discovery.startup_delay", "0s")
	v.SetDefault("discovery.align_to_start", false)
	v.SetDefault("discovery.run_on_start", true)
	v.SetDefault("discovery.history_size", 20)
	v.SetDefault("discovery.modes", map[string]any{
		"bot_hunter":         map[string]any{"blocks_back": 2000, "min_trades": 30, "min_pnl_threshold": 200.0},
		"active_whale":       map[string]any{"blocks_back": 15000, "min_trades": 20, "min_pnl_threshold": 100.0},
		"lazy_whale":         map[string]any{"blocks_back": 50000, "min_trades": 10, "min_pnl_threshold": 300.0},
		"quick_profit_whale": map[string]any{"blocks_back": 15000, "min_trades": 5, "min_pnl_threshold": 50.0, "profit_window_hours": 72},
		"fast_mover_whale":   map[string]any{"blocks_back": 17000, "min_trades": 8, "min_pnl_threshold": 50.0, "min_roi": 0.20},
	})
	v.SetDefault("discovery.enabled_modes", []string{"active_whale", "quick_profit_whale", "fast_mover_whale"})
	v.SetDefault("discovery.adaptive.enabled", true)
	v.SetDefault("discovery.adaptive.activity_percentile", 5.0)
	v.SetDefault("discovery.adaptive.profit_percentile", 25.0)
	v.SetDefault("discovery.adaptive.blocks_back", 10000)
	v.SetDefault("discovery.adaptive.stride", 5)
	v.SetDefault("discovery.adaptive.use_market_conditions", true)
	v.SetDefault("discovery.market.blocks_back", 1000)
	v.SetDefault("discovery.market.sample_every", 10)
	v.SetDefault("discovery.market.baseline_tx", 150.0)
	v.SetDefault("discovery.market.liquidity_tx", 200.0)
	v.SetDefault("discovery.market.adapt_fixed_modes", false)

	v.SetDefault("validator.min_roi_pct", 5.0)
	v.SetDefault("validator.min_profit_usd", 500.0)
	v.SetDefault("validator.min_trades", 5)
	v.SetDefault("validator.cache_ttl", "30m")
	v.SetDefault("validator.recheck_window", "24h")
	v.SetDefault("validator.token_refresh_window", "24h")
	v.SetDefault("validator.token_fetch_timeout", "30s")

	v.SetDefault("scoring.history_size", 50)
	v.SetDefault("scoring.min_trades", 20)
	v.SetDefault("scoring.min_tokens", 5)
	v.SetDefault("scoring.eth_usd_price", 2000.0)
	v.SetDefault("scoring.materiality_eth", 0.001)
	v.SetDefault("scoring.materiality_trades", 2)

	v.SetDefault("allocation.base_risk", 0.05)
	v.SetDefault("allocation.mirror_fraction", 0.1)
	v.SetDefault("allocation.max_allocation", 5000.0)
	v.SetDefault("allocation.dust_floor", 0.0001)

	v.SetDefault("risk.base_capital", 2000.0)
	v.SetDefault("risk.base_risk", 0.05)
	v.SetDefault("risk.min_multiplier", 0.25)
	v.SetDefault("risk.max_multiplier", 3.0)
	v.SetDefault("risk.max_position", 10000.0)
	v.SetDefault("risk.max_daily_loss", 1000.0)
	v.SetDefault("risk.max_total_exposure", 50000.0)
	v.SetDefault("risk.whale_loss_floor", 5000.0)

	v.SetDefault("cache.key_prefix", "whalemirror:verdict:")

	v.SetDefault("feedback.capacity", 1000)
	v.SetDefault("feedback.min_samples", 10)
	v.SetDefault("feedback.window", "24h")
	v.SetDefault("feedback.sensitivity", 0.1)
	v.SetDefault("feedback.min_volume_eth", 1.0)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen_addr", "127.0.0.1:8088")
	v.SetDefault("api.admin_token", "")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_rows", 500)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs structural sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.App.Mode {
	case ModeLive, ModeDryRun, ModeDryRunNoValidate:
	default:
		return fmt.Errorf("app.mode must be one of %s, %s, %s", ModeLive, ModeDryRun, ModeDryRunNoValidate)
	}
	if c.Discovery.Interval <= 0 {
		return fmt.Errorf("discovery.interval must be greater than zero")
	}
	for name, mode := range c.Discovery.Modes {
		if mode.BlocksBack == 0 {
			return fmt.Errorf("discovery.modes.%s.blocks_back must be greater than zero", name)
		}
		if mode.MinTrades < 0 || mode.MinPnLThreshold < 0 {
			return fmt.Errorf("discovery.modes.%s thresholds cannot be negative", name)
		}
	}
	for _, name := range c.Discovery.EnabledModes {
		if _, ok := c.Discovery.Modes[name]; !ok {
			return fmt.Errorf("discovery.enabled_modes references unknown mode %q", name)
		}
	}
	adaptive := c.Discovery.Adaptive
	if adaptive.Enabled {
		if adaptive.ActivityPercentile <= 0 || adaptive.ActivityPercentile > 100 {
			return fmt.Errorf("discovery.adaptive.activity_percentile must be in (0,100]")
		}
		if adaptive.ProfitPercentile <= 0 || adaptive.ProfitPercentile > 100 {
			return fmt.Errorf("discovery.adaptive.profit_percentile must be in (0,100]")
		}
		if adaptive.BlocksBack == 0 {
			return fmt.Errorf("discovery.adaptive.blocks_back must be greater than zero")
		}
	}
	if c.Discovery.Market.BaselineTx <= 0 {
		return fmt.Errorf("discovery.market.baseline_tx must be greater than zero")
	}
	if c.Scoring.ETHUSDPrice <= 0 {
		return fmt.Errorf("scoring.eth_usd_price must be greater than zero")
	}
	if c.Scoring.HistorySize <= 0 {
		return fmt.Errorf("scoring.history_size must be greater than zero")
	}
	if c.Risk.MinMultiplier <= 0 || c.Risk.MinMultiplier > c.Risk.MaxMultiplier {
		return fmt.Errorf("risk.min_multiplier must be positive and not exceed risk.max_multiplier")
	}
	if c.Risk.MaxPosition <= 0 || c.Risk.MaxTotalExposure <= 0 || c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk caps must be greater than zero")
	}
	if c.Allocation.MaxAllocation <= 0 {
		return fmt.Errorf("allocation.max_allocation must be greater than zero")
	}
	if c.Moralis.MaxCalls <= 0 || c.Moralis.Window <= 0 {
		return fmt.Errorf("moralis.max_calls and moralis.window must be greater than zero")
	}
	if c.Feedback.Capacity <= 0 {
		return fmt.Errorf("feedback.capacity must be greater than zero")
	}
	if c.Ethereum.MaxSlippageBps < 0 || c.Ethereum.MaxSlippageBps >= 10000 {
		return fmt.Errorf("ethereum.max_slippage_bps must be between 0 and 9999")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

// ValidateRuntime checks the credentials the configured mode needs to do useful work.
func (c *Config) ValidateRuntime() error {
	if c.Ethereum.RPCURL == "" {
		return fmt.Errorf("ethereum.rpc_url is required")
	}
	if c.App.Mode != ModeDryRunNoValidate && c.Moralis.APIKey == "" {
		return fmt.Errorf("moralis.api_key is required in %s mode", c.App.Mode)
	}
	if c.App.Mode == ModeLive && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required in live mode")
	}
	if c.App.Mode == ModeLive && c.Ethereum.PrivateKey == "" {
		return fmt.Errorf("ethereum.private_key is required in live mode")
	}
	if c.App.Mode == ModeLive && c.Ethereum.MaxSlippageBps <= 0 {
		return fmt.Errorf("ethereum.max_slippage_bps is required in live mode")
	}
	return nil
}

// ValidatesCandidates reports whether discovery candidates go through the profitability API.
func (c *Config) ValidatesCandidates() bool {
	return c.App.Mode != ModeDryRunNoValidate
}

// WatchRPC returns the dedicated endpoint for the trade-mirroring path.
func (c *Config) WatchRPC() string {
	if c.Ethereum.WatchRPCURL != "" {
		return c.Ethereum.WatchRPCURL
	}
	return c.Ethereum.RPCURL
}

// ResolveMaxRows returns either the CLI override or config default.
func (c *Config) ResolveMaxRows(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxRows
}
