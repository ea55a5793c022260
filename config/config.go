package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root configuration for the grid trading system.
type Config struct {
	ExchangeConfig     ExchangeConfig     `json:"exchange"`
	GridConfig         GridConfig         `json:"grid"`
	RiskConfig         RiskConfig         `json:"risk"`
	AllocatorConfig    AllocatorConfig    `json:"allocator"`
	ExecutorConfig     ExecutorConfig     `json:"executor"`
	CacheConfig        CacheConfig        `json:"cache"`
	CoordinatorConfig  CoordinatorConfig  `json:"coordinator"`
	NotificationConfig NotificationConfig `json:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	ServerConfig       ServerConfig       `json:"server"`
	RedisConfig        RedisConfig        `json:"redis"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	DataDir            string             `json:"data_dir"`
}

// ExchangeConfig holds exchange API credentials and endpoints.
type ExchangeConfig struct {
	APIKey     string `json:"api_key"`
	SecretKey  string `json:"secret_key"`
	BaseURL    string `json:"base_url"`
	StreamURL  string `json:"stream_url"`
	TestNet    bool   `json:"testnet"`
	MockMode   bool   `json:"mock_mode"`   // simulated exchange, no real orders
	MaxWeight  int    `json:"max_weight"`  // per-minute request weight budget
	MaxRetries int    `json:"max_retries"` // retries for retryable errors
}

// GridConfig holds per-pair grid construction parameters.
type GridConfig struct {
	Levels              int     `json:"levels"`               // initial level count (made even)
	MinLevels           int     `json:"min_levels"`           // lower bound after adaptation
	MaxLevels           int     `json:"max_levels"`           // upper bound after adaptation
	SpacingPercent      float64 `json:"spacing_percent"`      // base spacing between adjacent levels
	MinSpacingMultiple  float64 `json:"min_spacing_multiple"` // clamp for volatility scaling, fraction of base
	MaxSpacingMultiple  float64 `json:"max_spacing_multiple"` // clamp for volatility scaling, multiple of base
	RespaceTolerancePct float64 `json:"respace_tolerance_pct"` // relative spacing drift before the ladder is rebuilt
	Leverage            int     `json:"leverage"`             // derivative leverage
	Direction           string  `json:"direction"`            // "long", "short" or "neutral"
	MinLevelNotionalUSD float64 `json:"min_level_notional_usd"` // shrink level count until each rung carries at least this
	OrderRetries        int     `json:"order_retries"`        // per-level placement retries before deferring
	OrderRetryBackoffMs int     `json:"order_retry_backoff_ms"`
}

// RiskConfig holds stop-loss/take-profit/trailing-stop parameters.
type RiskConfig struct {
	StopLossPercent        float64 `json:"stop_loss_percent"`
	TakeProfitPercent      float64 `json:"take_profit_percent"`
	UseTrailingStop        bool    `json:"use_trailing_stop"`
	TrailingStopPercent    float64 `json:"trailing_stop_percent"`    // trail distance from high water mark
	TrailingStopActivation float64 `json:"trailing_stop_activation"` // profit % to arm trailing
	MinTrailDistance       float64 `json:"min_trail_distance"`       // fraction of price
	MaxTrailDistance       float64 `json:"max_trail_distance"`       // fraction of price
	ConditionalCheckSec    int     `json:"conditional_check_sec"`
}

// AllocatorConfig bounds capital exposure per pair and market.
type AllocatorConfig struct {
	SafetyBufferPercent  float64 `json:"safety_buffer_percent"` // reserved system-wide, never allocated
	MaxPairPercent       float64 `json:"max_pair_percent"`      // per-pair share of total capital
	SpotPercent          float64 `json:"spot_percent"`          // spot market cap as % of allocatable
	DerivativePercent    float64 `json:"derivative_percent"`    // derivative market cap as % of allocatable
	MinPerPairUSD        float64 `json:"min_per_pair_usd"`      // exchange minimum notional floor
	RecoveryBudgetUSD    float64 `json:"recovery_budget_usd"`   // minimal grant for recovery starts
	RebalanceIntervalSec int     `json:"rebalance_interval_sec"`
}

// ExecutorConfig controls market order slippage guarding.
type ExecutorConfig struct {
	MaxSlippagePercent float64 `json:"max_slippage_percent"` // global budget, urgency-scaled
	DepthLevels        int     `json:"depth_levels"`         // order book levels fetched for estimation
	StatsWindow        int     `json:"stats_window"`         // rolling realized-slippage window size
	AutoTune           bool    `json:"auto_tune"`            // adjust budget from realized slippage
	MinSlippagePercent float64 `json:"min_slippage_percent"` // auto-tune floor
	SlippageCeiling    float64 `json:"slippage_ceiling"`     // auto-tune cap
}

// CacheConfig controls the market data cache.
type CacheConfig struct {
	MaxEntries      int     `json:"max_entries"`
	DefaultTTLSec   int     `json:"default_ttl_sec"`
	RefreshFraction float64 `json:"refresh_fraction"` // remaining-TTL fraction that triggers prefetch
	MinPrefetchHits int     `json:"min_prefetch_hits"`
	SweepIntervalMs int     `json:"sweep_interval_ms"`
}

// CoordinatorConfig controls worker lifecycle management.
type CoordinatorConfig struct {
	MaxConcurrentPairs   int      `json:"max_concurrent_pairs"`
	Pairs                []string `json:"pairs"`      // derivative pairs started at boot
	SpotPairs            []string `json:"spot_pairs"` // spot pairs started at boot
	CycleIntervalSec     int      `json:"cycle_interval_sec"`
	StopTimeoutSec       int      `json:"stop_timeout_sec"`
	HeartbeatTimeoutSec  int      `json:"heartbeat_timeout_sec"`
	HealthIntervalSec    int      `json:"health_interval_sec"`
	RotationIntervalSec  int      `json:"rotation_interval_sec"`
	ActivityWindowMin    int      `json:"activity_window_min"`    // trailing window for trade frequency
	MinTradesPerWindow   int      `json:"min_trades_per_window"`  // below this the pair is inactive
	MaxConsecutiveLosses int      `json:"max_consecutive_losses"` // above this the pair is rotated out
}

// NotificationConfig configures optional alert delivery.
type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// LoggingConfig configures structured logging output.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Output string `json:"output"` // stdout, stderr, or file path
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

// ServerConfig configures the control API.
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// RedisConfig configures the optional grid state mirror.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// DatabaseConfig configures the optional execution report repository.
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// Load reads configuration from the given JSON file (falling back to defaults
// when the file is absent) and applies environment variable overrides. A .env
// file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path == "" {
		path = getEnvOrDefault("CONFIG_FILE", "config.json")
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.ExchangeConfig.APIKey = getEnvOrDefault("EXCHANGE_API_KEY", cfg.ExchangeConfig.APIKey)
	cfg.ExchangeConfig.SecretKey = getEnvOrDefault("EXCHANGE_SECRET_KEY", cfg.ExchangeConfig.SecretKey)
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.ExchangeConfig.BaseURL)
	cfg.ExchangeConfig.StreamURL = getEnvOrDefault("EXCHANGE_STREAM_URL", cfg.ExchangeConfig.StreamURL)
	if v := os.Getenv("EXCHANGE_MOCK_MODE"); v != "" {
		cfg.ExchangeConfig.MockMode = v == "true" || v == "1"
	}
	if v := os.Getenv("EXCHANGE_TESTNET"); v != "" {
		cfg.ExchangeConfig.TestNet = v == "true" || v == "1"
	}

	cfg.GridConfig.Levels = getEnvIntOrDefault("GRID_LEVELS", cfg.GridConfig.Levels)
	cfg.GridConfig.SpacingPercent = getEnvFloatOrDefault("GRID_SPACING_PERCENT", cfg.GridConfig.SpacingPercent)
	cfg.GridConfig.Leverage = getEnvIntOrDefault("GRID_LEVERAGE", cfg.GridConfig.Leverage)

	cfg.RiskConfig.StopLossPercent = getEnvFloatOrDefault("RISK_STOP_LOSS_PERCENT", cfg.RiskConfig.StopLossPercent)
	cfg.RiskConfig.TakeProfitPercent = getEnvFloatOrDefault("RISK_TAKE_PROFIT_PERCENT", cfg.RiskConfig.TakeProfitPercent)
	cfg.RiskConfig.TrailingStopPercent = getEnvFloatOrDefault("RISK_TRAILING_PERCENT", cfg.RiskConfig.TrailingStopPercent)
	cfg.RiskConfig.TrailingStopActivation = getEnvFloatOrDefault("RISK_TRAILING_ACTIVATION", cfg.RiskConfig.TrailingStopActivation)

	cfg.AllocatorConfig.SafetyBufferPercent = getEnvFloatOrDefault("ALLOCATOR_SAFETY_BUFFER", cfg.AllocatorConfig.SafetyBufferPercent)
	cfg.AllocatorConfig.MaxPairPercent = getEnvFloatOrDefault("ALLOCATOR_MAX_PAIR_PERCENT", cfg.AllocatorConfig.MaxPairPercent)

	cfg.ExecutorConfig.MaxSlippagePercent = getEnvFloatOrDefault("EXECUTOR_MAX_SLIPPAGE", cfg.ExecutorConfig.MaxSlippagePercent)

	cfg.CoordinatorConfig.MaxConcurrentPairs = getEnvIntOrDefault("COORDINATOR_MAX_PAIRS", cfg.CoordinatorConfig.MaxConcurrentPairs)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)

	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	if v := os.Getenv("SERVER_ENABLED"); v != "" {
		cfg.ServerConfig.Enabled = v == "true" || v == "1"
	}

	cfg.RedisConfig.Addr = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Addr)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true" || v == "1"
	}

	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)
	if cfg.DatabaseConfig.URL != "" && os.Getenv("DATABASE_ENABLED") != "false" {
		cfg.DatabaseConfig.Enabled = true
	}

	cfg.DataDir = getEnvOrDefault("DATA_DIR", cfg.DataDir)
}

func defaults() *Config {
	return &Config{
		ExchangeConfig: ExchangeConfig{
			BaseURL:    "https://fapi.binance.com",
			StreamURL:  "wss://fstream.binance.com/ws",
			MaxWeight:  2400,
			MaxRetries: 3,
		},
		GridConfig: GridConfig{
			Levels:              10,
			MinLevels:           4,
			MaxLevels:           24,
			SpacingPercent:      0.5,
			MinSpacingMultiple:  0.5,
			MaxSpacingMultiple:  3.0,
			RespaceTolerancePct: 10.0,
			Leverage:            1,
			Direction:           "neutral",
			MinLevelNotionalUSD: 5,
			OrderRetries:        3,
			OrderRetryBackoffMs: 250,
		},
		RiskConfig: RiskConfig{
			StopLossPercent:        2.0,
			TakeProfitPercent:      4.0,
			UseTrailingStop:        true,
			TrailingStopPercent:    0.3,
			TrailingStopActivation: 1.0,
			MinTrailDistance:       0.001,
			MaxTrailDistance:       0.05,
			ConditionalCheckSec:    5,
		},
		AllocatorConfig: AllocatorConfig{
			SafetyBufferPercent:  10.0,
			MaxPairPercent:       30.0,
			SpotPercent:          40.0,
			DerivativePercent:    60.0,
			MinPerPairUSD:        5.0,
			RecoveryBudgetUSD:    1.0,
			RebalanceIntervalSec: 300,
		},
		ExecutorConfig: ExecutorConfig{
			MaxSlippagePercent: 0.15,
			DepthLevels:        20,
			StatsWindow:        100,
			AutoTune:           true,
			MinSlippagePercent: 0.05,
			SlippageCeiling:    0.25,
		},
		CacheConfig: CacheConfig{
			MaxEntries:      2048,
			DefaultTTLSec:   30,
			RefreshFraction: 0.25,
			MinPrefetchHits: 3,
			SweepIntervalMs: 1000,
		},
		CoordinatorConfig: CoordinatorConfig{
			MaxConcurrentPairs:   5,
			CycleIntervalSec:     10,
			StopTimeoutSec:       15,
			HeartbeatTimeoutSec:  60,
			HealthIntervalSec:    30,
			RotationIntervalSec:  600,
			ActivityWindowMin:    60,
			MinTradesPerWindow:   1,
			MaxConsecutiveLosses: 5,
		},
		LoggingConfig: LoggingConfig{Level: "info", Output: "stdout"},
		ServerConfig:  ServerConfig{Enabled: true, Host: "0.0.0.0", Port: 8080},
		DataDir:       "data",
	}
}

// Validate rejects invalid values at startup rather than at use time.
func (c *Config) Validate() error {
	if err := c.GridConfig.Validate(); err != nil {
		return fmt.Errorf("grid config: %w", err)
	}
	if err := c.RiskConfig.Validate(); err != nil {
		return fmt.Errorf("risk config: %w", err)
	}
	if err := c.AllocatorConfig.Validate(); err != nil {
		return fmt.Errorf("allocator config: %w", err)
	}
	if err := c.ExecutorConfig.Validate(); err != nil {
		return fmt.Errorf("executor config: %w", err)
	}
	if err := c.CacheConfig.Validate(); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}
	if err := c.CoordinatorConfig.Validate(); err != nil {
		return fmt.Errorf("coordinator config: %w", err)
	}
	return nil
}

func (c *GridConfig) Validate() error {
	if c.Levels <= 0 {
		return fmt.Errorf("levels must be positive, got %d", c.Levels)
	}
	if c.MinLevels <= 0 || c.MaxLevels < c.MinLevels {
		return fmt.Errorf("invalid level bounds [%d, %d]", c.MinLevels, c.MaxLevels)
	}
	if c.SpacingPercent <= 0 {
		return fmt.Errorf("spacing must be positive, got %.4f", c.SpacingPercent)
	}
	if c.MinSpacingMultiple <= 0 || c.MaxSpacingMultiple < c.MinSpacingMultiple {
		return fmt.Errorf("invalid spacing multiples [%.2f, %.2f]", c.MinSpacingMultiple, c.MaxSpacingMultiple)
	}
	if c.RespaceTolerancePct < 0 {
		return fmt.Errorf("respace tolerance must not be negative, got %.2f", c.RespaceTolerancePct)
	}
	if c.Leverage < 1 {
		return fmt.Errorf("leverage must be >= 1, got %d", c.Leverage)
	}
	if c.MinLevelNotionalUSD < 0 {
		return fmt.Errorf("minimum level notional must not be negative, got %.2f", c.MinLevelNotionalUSD)
	}
	switch c.Direction {
	case "long", "short", "neutral":
	default:
		return fmt.Errorf("direction must be long, short or neutral, got %q", c.Direction)
	}
	return nil
}

func (c *RiskConfig) Validate() error {
	if c.StopLossPercent <= 0 {
		return fmt.Errorf("stop loss percent must be positive, got %.4f", c.StopLossPercent)
	}
	if c.TakeProfitPercent <= 0 {
		return fmt.Errorf("take profit percent must be positive, got %.4f", c.TakeProfitPercent)
	}
	if c.UseTrailingStop {
		if c.TrailingStopPercent <= 0 {
			return fmt.Errorf("trailing stop percent must be positive, got %.4f", c.TrailingStopPercent)
		}
		if c.MinTrailDistance <= 0 || c.MaxTrailDistance < c.MinTrailDistance {
			return fmt.Errorf("invalid trail distance bounds [%.4f, %.4f]", c.MinTrailDistance, c.MaxTrailDistance)
		}
	}
	return nil
}

func (c *AllocatorConfig) Validate() error {
	if c.SafetyBufferPercent < 0 || c.SafetyBufferPercent >= 100 {
		return fmt.Errorf("safety buffer must be in [0, 100), got %.2f", c.SafetyBufferPercent)
	}
	if c.MaxPairPercent <= 0 || c.MaxPairPercent > 100 {
		return fmt.Errorf("per-pair cap must be in (0, 100], got %.2f", c.MaxPairPercent)
	}
	if c.SpotPercent < 0 || c.DerivativePercent < 0 {
		return fmt.Errorf("market caps must be non-negative")
	}
	if c.MinPerPairUSD < 0 {
		return fmt.Errorf("minimum per-pair notional must be non-negative, got %.2f", c.MinPerPairUSD)
	}
	return nil
}

func (c *ExecutorConfig) Validate() error {
	if c.MaxSlippagePercent <= 0 {
		return fmt.Errorf("max slippage must be positive, got %.4f", c.MaxSlippagePercent)
	}
	if c.DepthLevels <= 0 {
		return fmt.Errorf("depth levels must be positive, got %d", c.DepthLevels)
	}
	if c.AutoTune && (c.MinSlippagePercent <= 0 || c.SlippageCeiling < c.MaxSlippagePercent) {
		return fmt.Errorf("invalid auto-tune bounds [%.4f, %.4f]", c.MinSlippagePercent, c.SlippageCeiling)
	}
	return nil
}

func (c *CacheConfig) Validate() error {
	if c.MaxEntries <= 0 {
		return fmt.Errorf("max entries must be positive, got %d", c.MaxEntries)
	}
	if c.DefaultTTLSec <= 0 {
		return fmt.Errorf("default TTL must be positive, got %d", c.DefaultTTLSec)
	}
	if c.RefreshFraction <= 0 || c.RefreshFraction >= 1 {
		return fmt.Errorf("refresh fraction must be in (0, 1), got %.2f", c.RefreshFraction)
	}
	return nil
}

func (c *CoordinatorConfig) Validate() error {
	if c.MaxConcurrentPairs <= 0 {
		return fmt.Errorf("max concurrent pairs must be positive, got %d", c.MaxConcurrentPairs)
	}
	if c.StopTimeoutSec <= 0 {
		return fmt.Errorf("stop timeout must be positive, got %d", c.StopTimeoutSec)
	}
	if c.HeartbeatTimeoutSec <= 0 {
		return fmt.Errorf("heartbeat timeout must be positive, got %d", c.HeartbeatTimeoutSec)
	}
	return nil
}

// StopTimeout returns the worker stop timeout as a duration.
func (c *CoordinatorConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSec) * time.Second
}

// HeartbeatTimeout returns the worker heartbeat timeout as a duration.
func (c *CoordinatorConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
