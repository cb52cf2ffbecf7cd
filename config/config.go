// Package config loads the static process configuration. Config is read from
// a YAML file (default: config.yaml) with sensitive fields overridable via
// TRADER_* environment variables (TRADER_UPBIT_ACCESS_KEY and friends).
//
// Static config covers things that never change while the process runs:
// credentials, the database DSN, notification tokens, listen address and loop
// intervals. Runtime toggles (trading.enabled, strategy parameters, persisted
// strategy state) live in the settings store, not here.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Upbit        UpbitConfig        `mapstructure:"upbit"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Trading      TradingConfig      `mapstructure:"trading"`
	Notification NotificationConfig `mapstructure:"notification"`
	AI           AIConfig           `mapstructure:"ai"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds the HTTP API listen address.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// UpbitConfig holds exchange credentials and endpoint.
type UpbitConfig struct {
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	BaseURL   string `mapstructure:"base_url"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// RedisConfig holds the optional Redis cache connection. When disabled the
// open-position cache runs in memory only.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TradingConfig holds the traded universe and loop cadences.
//
//   - Markets: markets the strategy tick iterates, e.g. ["KRW-BTC", "KRW-ETH"].
//   - OrderAmount: default quote-currency notional per entry order.
//   - DryRun: fabricate fills instead of hitting the order endpoints.
//   - Timezone: the exchange's local zone; daily resets and rollups use it.
type TradingConfig struct {
	Markets          []string      `mapstructure:"markets"`
	OrderAmount      float64       `mapstructure:"order_amount"`
	DryRun           bool          `mapstructure:"dry_run"`
	Timezone         string        `mapstructure:"timezone"`
	StrategyInterval time.Duration `mapstructure:"strategy_interval"`
	SuspendInterval  time.Duration `mapstructure:"suspend_interval"`
	PersistInterval  time.Duration `mapstructure:"persist_interval"`
}

// NotificationConfig holds outbound notifier settings.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Discord  DiscordConfig  `mapstructure:"discord"`
}

// TelegramConfig holds Telegram bot credentials.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// DiscordConfig holds a Discord webhook target.
type DiscordConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// AIConfig holds the optimizer's LLM provider settings.
type AIConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Provider string `mapstructure:"provider"` // "claude" or "openai"
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads configuration from the given path (or "config.yaml" when empty)
// and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine: env + defaults can carry a full config.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)

	v.SetDefault("upbit.base_url", "https://api.upbit.com")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "trader")
	v.SetDefault("database.database", "trader")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("trading.markets", []string{"KRW-BTC", "KRW-ETH", "KRW-XRP", "KRW-SOL", "KRW-ADA"})
	v.SetDefault("trading.order_amount", 100000)
	v.SetDefault("trading.dry_run", true)
	v.SetDefault("trading.timezone", "Asia/Seoul")
	v.SetDefault("trading.strategy_interval", time.Minute)
	v.SetDefault("trading.suspend_interval", 5*time.Minute)
	v.SetDefault("trading.persist_interval", 5*time.Second)

	v.SetDefault("ai.provider", "claude")
	v.SetDefault("ai.model", "claude-sonnet-4-20250514")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if len(c.Trading.Markets) == 0 {
		return fmt.Errorf("trading.markets must not be empty")
	}
	if c.Trading.OrderAmount <= 0 {
		return fmt.Errorf("trading.order_amount must be positive")
	}
	if _, err := time.LoadLocation(c.Trading.Timezone); err != nil {
		return fmt.Errorf("trading.timezone: %w", err)
	}
	if !c.Trading.DryRun && (c.Upbit.AccessKey == "" || c.Upbit.SecretKey == "") {
		return fmt.Errorf("upbit credentials are required when dry_run is off")
	}
	return nil
}

// Location returns the exchange-local timezone. Validate guarantees it parses.
func (c *Config) Location() *time.Location {
	loc, _ := time.LoadLocation(c.Trading.Timezone)
	return loc
}
