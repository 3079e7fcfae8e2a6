// Package config handles configuration loading for DevOrchestra.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"devorchestra/internal/store"
	"devorchestra/pkg/models"
)

// Config holds all configuration for DevOrchestra.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// DBConfig holds run-state database settings.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig holds event bus settings. When disabled, or when the broker
// is unreachable at startup, the orchestrator falls back to the in-process
// bus.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// WorkersConfig holds concurrency limits.
type WorkersConfig struct {
	Max int `mapstructure:"max"`
}

// RetryConfig holds the retry policy for transient task failures.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// TimeoutsConfig holds per-role execution timeouts.
type TimeoutsConfig struct {
	Ingestion      time.Duration `mapstructure:"ingestion"`
	Generation     time.Duration `mapstructure:"generation"`
	Testing        time.Duration `mapstructure:"testing"`
	LegacyAnalysis time.Duration `mapstructure:"legacy_analysis"`
}

// ForRole returns the execution timeout for the given role.
func (tc *TimeoutsConfig) ForRole(role models.Role) time.Duration {
	switch role {
	case models.RoleIngestion:
		return tc.Ingestion
	case models.RoleTesting:
		return tc.Testing
	case models.RoleLegacyAnalysis:
		return tc.LegacyAnalysis
	default:
		return tc.Generation
	}
}

// AnthropicConfig holds Anthropic API settings. An empty API key puts the
// agents into offline mode with deterministic template output.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// Offline reports whether the agents should run without API access.
func (ac *AnthropicConfig) Offline() bool {
	return ac.APIKey == ""
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, DEVORCHESTRA_REDIS_URL)
// 2. Project config (.devorchestra.yaml in current directory or parent)
// 3. User config (~/.config/devorchestra/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("redis.url", "DEVORCHESTRA_REDIS_URL")
	v.BindEnv("http.addr", "DEVORCHESTRA_HTTP_ADDR")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Workers.Max < 1 {
		return fmt.Errorf("workers.max must be at least 1, got %d", c.Workers.Max)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BackoffBase <= 0 {
		return fmt.Errorf("retry.backoff_base must be positive, got %s", c.Retry.BackoffBase)
	}
	if c.Retry.BackoffMax < c.Retry.BackoffBase {
		return fmt.Errorf("retry.backoff_max %s is below retry.backoff_base %s",
			c.Retry.BackoffMax, c.Retry.BackoffBase)
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("db.path", store.DefaultDBPath())

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("workers.max", 4)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_base", "500ms")
	v.SetDefault("retry.backoff_max", "30s")

	v.SetDefault("timeouts.ingestion", "1m")
	v.SetDefault("timeouts.generation", "5m")
	v.SetDefault("timeouts.testing", "5m")
	v.SetDefault("timeouts.legacy_analysis", "3m")

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
}

// getUserConfigDir returns the XDG config directory for DevOrchestra.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "devorchestra")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "devorchestra")
	}
	return filepath.Join(home, ".config", "devorchestra")
}

// findProjectConfig searches for .devorchestra.yaml in the current
// directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".devorchestra.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		DB:   DBConfig{Path: store.DefaultDBPath()},
		Redis: RedisConfig{
			Enabled: true,
			URL:     "redis://localhost:6379/0",
		},
		Workers: WorkersConfig{Max: 4},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BackoffBase: 500 * time.Millisecond,
			BackoffMax:  30 * time.Second,
		},
		Timeouts: TimeoutsConfig{
			Ingestion:      time.Minute,
			Generation:     5 * time.Minute,
			Testing:        5 * time.Minute,
			LegacyAnalysis: 3 * time.Minute,
		},
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-20250514",
		},
	}
}
