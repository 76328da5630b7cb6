package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Scan modes.
const (
	ModeIncremental = "incremental"
	ModeFullRebuild = "full-rebuild"
)

// Config represents the complete application configuration
type Config struct {
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Output   OutputConfig   `mapstructure:"output"`
	History  HistoryConfig  `mapstructure:"history"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// LedgerConfig holds read-endpoint and contract configuration
type LedgerConfig struct {
	Endpoints         []string      `mapstructure:"endpoints"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"` // 0 = unlimited
	ContractsPath     string        `mapstructure:"contracts_path"`
}

// ScanConfig holds event scanning configuration
type ScanConfig struct {
	Mode                   string        `mapstructure:"mode"`
	ChunkSize              uint64        `mapstructure:"chunk_size"`
	ChunkDelay             time.Duration `mapstructure:"chunk_delay"`
	BlocksPerDay           uint64        `mapstructure:"blocks_per_day"`
	LookbackDays           uint64        `mapstructure:"lookback_days"`
	FinalityDepth          uint64        `mapstructure:"finality_depth"`
	ValidationDepth        uint64        `mapstructure:"validation_depth"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	BackoffInitial         time.Duration `mapstructure:"backoff_initial"`
	BackoffMax             time.Duration `mapstructure:"backoff_max"`
}

// LookbackBlocks is the retention and full-scan window in blocks.
func (s ScanConfig) LookbackBlocks() uint64 {
	return s.BlocksPerDay * s.LookbackDays
}

// RiskConfig holds risk calculation configuration
type RiskConfig struct {
	ForkThreshold        float64       `mapstructure:"fork_threshold"`
	TopDisputes          int           `mapstructure:"top_disputes"`
	RetainedDisputes     int           `mapstructure:"retained_disputes"`
	ContractCallAttempts int           `mapstructure:"contract_call_attempts"`
	ContractCallDelay    time.Duration `mapstructure:"contract_call_delay"`
	UpdateInterval       time.Duration `mapstructure:"update_interval"`
	DisputeWindow        time.Duration `mapstructure:"dispute_window"`
}

// OutputConfig holds the paths of the documents this job owns
type OutputConfig struct {
	ResultPath string `mapstructure:"result_path"`
	CachePath  string `mapstructure:"cache_path"`
}

// HistoryConfig holds run history configuration
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
	MaxRuns int    `mapstructure:"max_runs"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// MetricsConfig holds prometheus textfile export configuration
type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path or a missing file leaves defaults and environment in effect.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// FORK_RISK_SCAN_MODE=full-rebuild, FORK_RISK_LEDGER_ENDPOINTS=a,b, ...
	v.SetEnvPrefix("FORK_RISK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Defaults returns the built-in configuration, ignoring files and environment.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return &cfg
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Public endpoints, no API keys required
	v.SetDefault("ledger.endpoints", []string{
		"https://eth.llamarpc.com",
		"https://main-light.eth.linkpool.io",
		"https://ethereum.publicnode.com",
		"https://1rpc.io/eth",
	})
	v.SetDefault("ledger.dial_timeout", "10s")
	v.SetDefault("ledger.call_timeout", "30s")
	v.SetDefault("ledger.requests_per_second", 10)
	v.SetDefault("ledger.contracts_path", "contracts/augur-abis.json")

	v.SetDefault("scan.mode", ModeIncremental)
	v.SetDefault("scan.chunk_size", 1000) // provider getLogs limit
	v.SetDefault("scan.chunk_delay", "100ms")
	v.SetDefault("scan.blocks_per_day", 7200) // 12s blocks
	v.SetDefault("scan.lookback_days", 7)
	v.SetDefault("scan.finality_depth", 32)
	v.SetDefault("scan.validation_depth", 8)
	v.SetDefault("scan.max_consecutive_failures", 5)
	v.SetDefault("scan.backoff_initial", "2s")
	v.SetDefault("scan.backoff_max", "10s")

	v.SetDefault("risk.fork_threshold", 275000.0) // 2.5% of 11M REP
	v.SetDefault("risk.top_disputes", 5)
	v.SetDefault("risk.retained_disputes", 10)
	v.SetDefault("risk.contract_call_attempts", 3)
	v.SetDefault("risk.contract_call_delay", "1s")
	v.SetDefault("risk.update_interval", "1h")
	v.SetDefault("risk.dispute_window", "168h")

	v.SetDefault("output.result_path", "public/data/fork-risk.json")
	v.SetDefault("output.cache_path", "cache/event-cache.json")

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.db_path", "cache/history.db")
	v.SetDefault("history.max_runs", 1000)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("metrics.textfile_path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Ledger config
	if len(c.Ledger.Endpoints) == 0 {
		return fmt.Errorf("ledger.endpoints must contain at least one endpoint")
	}
	for _, e := range c.Ledger.Endpoints {
		if strings.TrimSpace(e) == "" {
			return fmt.Errorf("ledger.endpoints must not contain empty entries")
		}
	}
	if c.Ledger.DialTimeout <= 0 {
		return fmt.Errorf("ledger.dial_timeout must be positive")
	}
	if c.Ledger.CallTimeout <= 0 {
		return fmt.Errorf("ledger.call_timeout must be positive")
	}
	if c.Ledger.RequestsPerSecond < 0 {
		return fmt.Errorf("ledger.requests_per_second must be non-negative")
	}
	if c.Ledger.ContractsPath == "" {
		return fmt.Errorf("ledger.contracts_path is required")
	}

	// Validate Scan config
	if c.Scan.Mode != ModeIncremental && c.Scan.Mode != ModeFullRebuild {
		return fmt.Errorf("scan.mode must be one of: %s, %s", ModeIncremental, ModeFullRebuild)
	}
	if c.Scan.ChunkSize < 1 {
		return fmt.Errorf("scan.chunk_size must be at least 1")
	}
	if c.Scan.ChunkDelay < 0 {
		return fmt.Errorf("scan.chunk_delay must not be negative")
	}
	if c.Scan.LookbackBlocks() == 0 {
		return fmt.Errorf("scan.blocks_per_day and scan.lookback_days must be positive")
	}
	if c.Scan.FinalityDepth >= c.Scan.LookbackBlocks() {
		return fmt.Errorf("scan.finality_depth must be smaller than the lookback window")
	}
	if c.Scan.ValidationDepth < 1 {
		return fmt.Errorf("scan.validation_depth must be at least 1")
	}
	if c.Scan.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("scan.max_consecutive_failures must be at least 1")
	}
	if c.Scan.BackoffInitial <= 0 || c.Scan.BackoffMax < c.Scan.BackoffInitial {
		return fmt.Errorf("scan.backoff_initial must be positive and not exceed scan.backoff_max")
	}

	// Validate Risk config
	if c.Risk.ForkThreshold <= 0 {
		return fmt.Errorf("risk.fork_threshold must be positive")
	}
	if c.Risk.TopDisputes < 1 || c.Risk.TopDisputes > 5 {
		return fmt.Errorf("risk.top_disputes must be between 1 and 5")
	}
	if c.Risk.RetainedDisputes < c.Risk.TopDisputes {
		return fmt.Errorf("risk.retained_disputes must be at least risk.top_disputes")
	}
	if c.Risk.ContractCallAttempts < 1 {
		return fmt.Errorf("risk.contract_call_attempts must be at least 1")
	}
	if c.Risk.UpdateInterval < 1*time.Minute {
		return fmt.Errorf("risk.update_interval must be at least 1 minute")
	}

	// Validate Output config
	if c.Output.ResultPath == "" {
		return fmt.Errorf("output.result_path is required")
	}
	if c.Output.CachePath == "" {
		return fmt.Errorf("output.cache_path is required")
	}

	// Validate History config
	if c.History.Enabled && c.History.MaxRuns < 1 {
		return fmt.Errorf("history.max_runs must be at least 1")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
