package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"stock-alert-engine/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Breakers  BreakersConfig  `mapstructure:"breakers"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Server    ServerConfig    `mapstructure:"server"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. Pool sizing
// follows pgxpool semantics: MinConns is the floor the pool keeps
// warm, not an idle cap.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig covers the cache and stats backend.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// SchedulerConfig governs scan cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	ImmediateFirst  bool          `mapstructure:"immediate_first"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// PricingConfig controls price resolution.
type PricingConfig struct {
	Source         string        `mapstructure:"source"`
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

// BreakerConfig tunes a single named circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	MinimumRequests  int           `mapstructure:"minimum_requests"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	MonitoringWindow time.Duration `mapstructure:"monitoring_window"`
}

// BreakersConfig holds per-dependency breaker settings.
type BreakersConfig struct {
	PriceSource BreakerConfig `mapstructure:"price_source"`
	Database    BreakerConfig `mapstructure:"database"`
}

// AlertingConfig defines notification dispatch routing.
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

// ServerConfig sets the HTTP control surface.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ALERTSCAN")
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
	v.SetDefault("app.name", "alertscan")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.immediate_first", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x616c7274))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("pricing.source", "mock")
	v.SetDefault("pricing.request_timeout", "10s")
	v.SetDefault("pricing.user_agent", "alertscan/1.0")
	v.SetDefault("pricing.cache_ttl", "60s")

	v.SetDefault("breakers.price_source.failure_threshold", 3)
	v.SetDefault("breakers.price_source.success_threshold", 2)
	v.SetDefault("breakers.price_source.minimum_requests", 10)
	v.SetDefault("breakers.price_source.recovery_timeout", "30s")
	v.SetDefault("breakers.price_source.monitoring_window", "60s")

	v.SetDefault("breakers.database.failure_threshold", 5)
	v.SetDefault("breakers.database.success_threshold", 3)
	v.SetDefault("breakers.database.minimum_requests", 10)
	v.SetDefault("breakers.database.recovery_timeout", "60s")
	v.SetDefault("breakers.database.monitoring_window", "120s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"database"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Pricing.CacheTTL <= 0 {
		return fmt.Errorf("pricing.cache_ttl must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port must be a valid TCP port")
	}
	if err := validateBreaker("price_source", c.Breakers.PriceSource); err != nil {
		return err
	}
	if err := validateBreaker("database", c.Breakers.Database); err != nil {
		return err
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

func validateBreaker(name string, cfg BreakerConfig) error {
	if cfg.FailureThreshold <= 0 {
		return fmt.Errorf("breakers.%s.failure_threshold must be greater than zero", name)
	}
	if cfg.SuccessThreshold <= 0 {
		return fmt.Errorf("breakers.%s.success_threshold must be greater than zero", name)
	}
	if cfg.RecoveryTimeout <= 0 {
		return fmt.Errorf("breakers.%s.recovery_timeout must be greater than zero", name)
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
