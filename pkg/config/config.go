package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Store   StoreConfig   `mapstructure:"store"`
	Tokens  TokensConfig  `mapstructure:"tokens"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	LogFile  string `mapstructure:"log_file"`
	Preserve bool   `mapstructure:"preserve"`
	Level    string `mapstructure:"level"`
}

// GatewayConfig holds HTTP gateway configuration (threads, uploads, truncation)
type GatewayConfig struct {
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"-"`
	TimeoutStr string        `mapstructure:"timeout"`
}

// RuntimeConfig holds agent runtime configuration. URL "local" runs the
// agent in-process against an Ollama model instead of a remote runtime.
type RuntimeConfig struct {
	URL            string `mapstructure:"url"`
	AssistantID    string `mapstructure:"assistant_id"`
	Model          string `mapstructure:"model"`
	RecursionLimit int    `mapstructure:"recursion_limit"`
}

// StreamConfig tunes the streaming and resubmission machinery
type StreamConfig struct {
	// PollInterval is the remount-signal polling interval. Short on purpose:
	// the signal crosses a remount boundary that has no direct callback path.
	PollInterval    time.Duration `mapstructure:"-"`
	PollIntervalStr string        `mapstructure:"poll_interval"`

	// SettleDelay is waited after stopping a live stream before truncating.
	SettleDelay    time.Duration `mapstructure:"-"`
	SettleDelayStr string        `mapstructure:"settle_delay"`

	// ResubmitTTL bounds how long a pending resubmission stays valid.
	ResubmitTTL    time.Duration `mapstructure:"-"`
	ResubmitTTLStr string        `mapstructure:"resubmit_ttl"`

	MaxResubmitAttempts int `mapstructure:"max_resubmit_attempts"`
}

// StoreConfig selects the durable session store backend
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // "file", "redis" or "memory"
	Path    string `mapstructure:"path"`
	Redis   struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
}

// TokensConfig holds token counting configuration
type TokensConfig struct {
	Model string `mapstructure:"model"`
}

var cfg *Config

// Get returns the global config instance
func Get() *Config {
	if cfg == nil {
		panic("config not initialized")
	}
	return cfg
}

// Load loads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfigHome == "" {
			xdgConfigHome = filepath.Join(home, ".config")
		}

		viper.AddConfigPath("./.loom") // Check project directory first
		viper.AddConfigPath(filepath.Join(xdgConfigHome, "loom"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("settings")
	}

	viper.SetEnvPrefix("LOOM")
	viper.AutomaticEnv()

	// Read config file if present; absence is fine, defaults apply
	_ = viper.ReadInConfig()

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := processDurations(cfg); err != nil {
		return nil, fmt.Errorf("failed to process durations: %w", err)
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("logging.log_file", "./.loom/system.log")
	viper.SetDefault("logging.preserve", false)
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("gateway.url", "http://localhost:8123")
	viper.SetDefault("gateway.timeout", "60s")

	viper.SetDefault("runtime.url", "http://localhost:2024")
	viper.SetDefault("runtime.assistant_id", "agent")
	viper.SetDefault("runtime.model", "qwen3:latest")
	viper.SetDefault("runtime.recursion_limit", 100)

	viper.SetDefault("stream.poll_interval", "75ms")
	viper.SetDefault("stream.settle_delay", "300ms")
	viper.SetDefault("stream.resubmit_ttl", "60s")
	viper.SetDefault("stream.max_resubmit_attempts", 3)

	viper.SetDefault("store.backend", "file")
	viper.SetDefault("store.path", "./.loom/session")
	viper.SetDefault("store.redis.addr", "localhost:6379")
	viper.SetDefault("store.redis.db", 0)

	viper.SetDefault("tokens.model", "gpt-4")
}

// processDurations parses string duration fields (viper doesn't handle
// time.Duration directly).
func processDurations(c *Config) error {
	pairs := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.timeout", c.Gateway.TimeoutStr, &c.Gateway.Timeout},
		{"stream.poll_interval", c.Stream.PollIntervalStr, &c.Stream.PollInterval},
		{"stream.settle_delay", c.Stream.SettleDelayStr, &c.Stream.SettleDelay},
		{"stream.resubmit_ttl", c.Stream.ResubmitTTLStr, &c.Stream.ResubmitTTL},
	}

	for _, p := range pairs {
		if p.raw == "" {
			continue
		}
		d, err := time.ParseDuration(p.raw)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", p.name, err)
		}
		*p.dst = d
	}
	return nil
}

// BaseSettingsDir returns the directory the active config file lives in.
func BaseSettingsDir() string {
	if configPath := viper.GetString("config.path"); configPath != "" {
		return configPath
	}

	currentConfig := viper.ConfigFileUsed()
	if currentConfig == "" {
		return "./.loom"
	}
	return filepath.Dir(currentConfig)
}

// BuildSettingsPath joins target onto the settings directory.
func BuildSettingsPath(target string) string {
	return filepath.Join(BaseSettingsDir(), target)
}
