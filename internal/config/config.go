// Package config loads the loanwatch YAML configuration with sane
// defaults and environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level loanwatch configuration.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Oracle   OracleConfig   `yaml:"oracle"`
	HTTP     HTTPConfig     `yaml:"http"`
	Telegram TelegramConfig `yaml:"telegram"`
	Store    StoreConfig    `yaml:"store"`
}

// OracleConfig tunes the price aggregation pipeline.
type OracleConfig struct {
	TWAPWindowSeconds   int     `yaml:"twap_window_seconds"`
	CircuitBreakerPct   float64 `yaml:"circuit_breaker_pct"`
	MinSources          int     `yaml:"min_sources"`
	PricePollIntervalMs int     `yaml:"price_poll_interval_ms"`
}

// TWAPWindow returns the TWAP window as a duration.
func (c OracleConfig) TWAPWindow() time.Duration {
	return time.Duration(c.TWAPWindowSeconds) * time.Second
}

// PollInterval returns the oracle tick period as a duration.
func (c OracleConfig) PollInterval() time.Duration {
	return time.Duration(c.PricePollIntervalMs) * time.Millisecond
}

// HTTPConfig configures the dashboard/read API server.
type HTTPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// TelegramConfig configures the outbound notification channel. The bot
// token may also come from the TELEGRAM_BOT_TOKEN environment variable;
// notifications are disabled when no token is configured.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
}

// StoreConfig selects and configures the loan/alert store backend.
type StoreConfig struct {
	Backend      string      `yaml:"backend"` // memory | json | postgres | redis
	SnapshotPath string      `yaml:"snapshot_path"`
	PostgresDSN  string      `yaml:"postgres_dsn"`
	Redis        RedisConfig `yaml:"redis"`
}

// RedisConfig holds connection settings for the redis store backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Oracle: OracleConfig{
			TWAPWindowSeconds:   300,
			CircuitBreakerPct:   10,
			MinSources:          1,
			PricePollIntervalMs: 5000,
		},
		HTTP: HTTPConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Store: StoreConfig{
			Backend:      "json",
			SnapshotPath: "loanwatch.json",
			Redis:        RedisConfig{Addr: "localhost:6379"},
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. An empty path yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("LOANWATCH_POSTGRES_DSN"); v != "" {
		c.Store.PostgresDSN = v
	}
	if v := os.Getenv("LOANWATCH_REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Oracle.TWAPWindowSeconds <= 0 {
		return fmt.Errorf("oracle.twap_window_seconds must be positive, got %d", c.Oracle.TWAPWindowSeconds)
	}
	if c.Oracle.CircuitBreakerPct <= 0 {
		return fmt.Errorf("oracle.circuit_breaker_pct must be positive, got %f", c.Oracle.CircuitBreakerPct)
	}
	if c.Oracle.MinSources < 1 {
		return fmt.Errorf("oracle.min_sources must be at least 1, got %d", c.Oracle.MinSources)
	}
	if c.Oracle.PricePollIntervalMs <= 0 {
		return fmt.Errorf("oracle.price_poll_interval_ms must be positive, got %d", c.Oracle.PricePollIntervalMs)
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	switch c.Store.Backend {
	case "memory", "json", "postgres", "redis":
	default:
		return fmt.Errorf("unsupported store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "json" && c.Store.SnapshotPath == "" {
		return fmt.Errorf("store.snapshot_path is required for the json backend")
	}
	if c.Store.Backend == "postgres" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("store.postgres_dsn is required for the postgres backend")
	}
	return nil
}
