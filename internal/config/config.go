// Package config handles configuration loading and validation for the TOS miner.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the miner
type Config struct {
	Miner        MinerConfig        `mapstructure:"miner"`
	Challenge    ChallengeConfig    `mapstructure:"challenge"`
	Wallet       WalletConfig       `mapstructure:"wallet"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Registration RegistrationConfig `mapstructure:"registration"`
	Tuning       TuningConfig       `mapstructure:"tuning"`
	Health       HealthConfig       `mapstructure:"health"`
	API          APIConfig          `mapstructure:"api"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	NewRelic     NewRelicConfig     `mapstructure:"newrelic"`
	Profiling    ProfilingConfig    `mapstructure:"profiling"`
	Log          LogConfig          `mapstructure:"log"`
}

// MinerConfig defines worker pool and batching settings
type MinerConfig struct {
	Workers          int           `mapstructure:"workers"`
	BatchSize        int           `mapstructure:"batch_size"`
	AddressOffset    int           `mapstructure:"address_offset"`
	AddressParallel  int           `mapstructure:"address_parallel"`
	MaxSubmitFails   int           `mapstructure:"max_submit_fails"`
	SubmitTimeout    time.Duration `mapstructure:"submit_timeout"`
	AddressCooldown  time.Duration `mapstructure:"address_cooldown"`
	PauseWaitTimeout time.Duration `mapstructure:"pause_wait_timeout"`
}

// ChallengeConfig defines challenge source settings
type ChallengeConfig struct {
	URL                string        `mapstructure:"url"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RomInitTimeout     time.Duration `mapstructure:"rom_init_timeout"`
	ClearStateOnUpdate bool          `mapstructure:"clear_state_on_update"`
}

// WalletConfig defines wallet RPC settings
type WalletConfig struct {
	URL      string        `mapstructure:"url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RegistrationConfig defines address registration settings
type RegistrationConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	WorkerFraction float64       `mapstructure:"worker_fraction"`
}

// TuningConfig defines adaptive tuning settings
type TuningConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BatchInterval  time.Duration `mapstructure:"batch_interval"`
	WorkerSample   time.Duration `mapstructure:"worker_sample"`
	WorkerEvaluate time.Duration `mapstructure:"worker_evaluate"`
	MinBatchSize   int           `mapstructure:"min_batch_size"`
	MaxBatchSize   int           `mapstructure:"max_batch_size"`
}

// HealthConfig defines hash-rate health monitoring settings
type HealthConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	SampleInterval  time.Duration `mapstructure:"sample_interval"`
	BaselineWindow  time.Duration `mapstructure:"baseline_window"`
	DropGrace       time.Duration `mapstructure:"drop_grace"`
	RestartCooldown time.Duration `mapstructure:"restart_cooldown"`
	HourlyRestart   bool          `mapstructure:"hourly_restart"`
	EmergencyFloor  float64       `mapstructure:"emergency_floor"`
	NearZeroFloor   float64       `mapstructure:"near_zero_floor"`
}

// APIConfig defines API server settings
type APIConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Bind       string        `mapstructure:"bind"`
	StatsCache time.Duration `mapstructure:"stats_cache"`
}

// NotifyConfig defines webhook notification settings
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	MinerName    string `mapstructure:"miner_name"`
}

// NewRelicConfig defines New Relic telemetry settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// ProfilingConfig defines pprof server settings
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tos-miner")
	}

	// Read environment variables
	v.SetEnvPrefix("TOS_MINER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration populated with defaults only,
// without consulting a config file or the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("default config unmarshal: %v", err))
	}
	return &cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Miner defaults
	v.SetDefault("miner.workers", runtime.NumCPU())
	v.SetDefault("miner.batch_size", 2000)
	v.SetDefault("miner.address_offset", 0)
	v.SetDefault("miner.address_parallel", 2)
	v.SetDefault("miner.max_submit_fails", 6)
	v.SetDefault("miner.submit_timeout", "30s")
	v.SetDefault("miner.address_cooldown", "30s")
	v.SetDefault("miner.pause_wait_timeout", "120s")

	// Challenge source defaults
	v.SetDefault("challenge.url", "http://127.0.0.1:8571")
	v.SetDefault("challenge.poll_interval", "2s")
	v.SetDefault("challenge.timeout", "10s")
	v.SetDefault("challenge.rom_init_timeout", "120s")
	v.SetDefault("challenge.clear_state_on_update", false)

	// Wallet defaults
	v.SetDefault("wallet.url", "http://127.0.0.1:8787")
	v.SetDefault("wallet.timeout", "30s")

	// Redis defaults
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	// Registration defaults
	v.SetDefault("registration.batch_size", 4)
	v.SetDefault("registration.max_backoff", "60s")
	v.SetDefault("registration.worker_fraction", 0.5)

	// Tuning defaults
	v.SetDefault("tuning.enabled", true)
	v.SetDefault("tuning.batch_interval", "10s")
	v.SetDefault("tuning.worker_sample", "30s")
	v.SetDefault("tuning.worker_evaluate", "10m")
	v.SetDefault("tuning.min_batch_size", 400)
	v.SetDefault("tuning.max_batch_size", 50000)

	// Health defaults
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.sample_interval", "30s")
	v.SetDefault("health.baseline_window", "5m")
	v.SetDefault("health.drop_grace", "5m")
	v.SetDefault("health.restart_cooldown", "20m")
	v.SetDefault("health.hourly_restart", true)
	v.SetDefault("health.emergency_floor", 300.0)
	v.SetDefault("health.near_zero_floor", 1.0)

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.stats_cache", "5s")

	// Notify defaults
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.miner_name", "TOS Miner")

	// New Relic defaults
	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "tos-miner")

	// Profiling defaults
	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Miner.Workers <= 0 {
		return fmt.Errorf("miner.workers must be positive")
	}

	if c.Miner.BatchSize <= 0 {
		return fmt.Errorf("miner.batch_size must be positive")
	}

	if c.Miner.MaxSubmitFails <= 0 {
		return fmt.Errorf("miner.max_submit_fails must be positive")
	}

	if c.Challenge.URL == "" {
		return fmt.Errorf("challenge.url is required")
	}

	if c.Challenge.PollInterval <= 0 {
		return fmt.Errorf("challenge.poll_interval must be positive")
	}

	if c.Wallet.URL == "" {
		return fmt.Errorf("wallet.url is required")
	}

	if c.Tuning.MinBatchSize > c.Tuning.MaxBatchSize {
		return fmt.Errorf("tuning.min_batch_size must be <= max_batch_size")
	}

	if c.Registration.WorkerFraction <= 0 || c.Registration.WorkerFraction > 1 {
		return fmt.Errorf("registration.worker_fraction must be in (0, 1]")
	}

	if c.Health.EmergencyFloor < c.Health.NearZeroFloor {
		return fmt.Errorf("health.emergency_floor must be >= near_zero_floor")
	}

	return nil
}
