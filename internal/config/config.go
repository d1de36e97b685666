package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"fee-insights/internal/apperr"
	"fee-insights/internal/logging"
)

// EnvPrefix namespaces every environment override, e.g. FEEWATCH_DATABASE_DSN.
const EnvPrefix = "FEEWATCH"

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Window     WindowConfig     `mapstructure:"window"`
	Insights   InsightsConfig   `mapstructure:"insights"`
	Congestion CongestionConfig `mapstructure:"congestion"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the persistence backend.
type DatabaseConfig struct {
	// Driver is postgres, bolt, or empty to disable persistence.
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	BoltPath        string        `mapstructure:"bolt_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
}

// ProviderConfig picks the fee source.
type ProviderConfig struct {
	Kind      string        `mapstructure:"kind"`
	UserAgent string        `mapstructure:"user_agent"`
	Horizon   HorizonConfig `mapstructure:"horizon"`
	EVM       EVMConfig     `mapstructure:"evm"`
}

// HorizonConfig covers the Stellar Horizon adapter.
type HorizonConfig struct {
	URL            string        `mapstructure:"url"`
	Limit          uint          `mapstructure:"limit"`
	IncludeFailed  bool          `mapstructure:"include_failed"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SeenCacheSize  uint          `mapstructure:"seen_cache_size"`
}

// EVMConfig covers the JSON-RPC block adapter.
type EVMConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	MaxBlocks      uint64        `mapstructure:"max_blocks"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// WindowConfig bounds the rolling window by count and/or age.
type WindowConfig struct {
	Size   int           `mapstructure:"size"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

// InsightsConfig tunes aggregation and snapshot emission.
type InsightsConfig struct {
	BaseFee        int64  `mapstructure:"base_fee"`
	AvgPlaces      int32  `mapstructure:"avg_places"`
	SnapshotPolicy string `mapstructure:"snapshot_policy"`
	DegradedAfter  int    `mapstructure:"degraded_after"`
	WarmStart      bool   `mapstructure:"warm_start"`
}

// CongestionConfig holds the detector thresholds. Absolute fees win over
// multipliers of insights.base_fee when set.
type CongestionConfig struct {
	EnterMultiplier float64 `mapstructure:"enter_multiplier"`
	ExitMultiplier  float64 `mapstructure:"exit_multiplier"`
	EnterFee        float64 `mapstructure:"enter_fee"`
	ExitFee         float64 `mapstructure:"exit_fee"`
	EnterCycles     int     `mapstructure:"enter_cycles"`
	Ceiling         float64 `mapstructure:"ceiling"`
}

// AlertingConfig defines transition notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the periodic metrics log line.
type MetricsConfig struct {
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, .env, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotenv(); err != nil {
		return nil, apperr.Config(err, "load .env")
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
		return nil, apperr.Config(err, "read config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, apperr.Config(err, "unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotenv reads ./.env without overriding variables already set. It is
// skipped when FEEWATCH_NO_DOTENV=1.
func loadDotenv() error {
	if os.Getenv(EnvPrefix+"_NO_DOTENV") == "1" {
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "feewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_kb", 10*1024)
	v.SetDefault("logging.max_rolls", 3)

	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.bolt_path", "feewatch.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.write_timeout", "5s")

	v.SetDefault("scheduler.interval", "10s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x66656573))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.shutdown_grace", "5s")

	v.SetDefault("provider.kind", "horizon")
	v.SetDefault("provider.user_agent", "feewatch/1.0")
	v.SetDefault("provider.horizon.url", "https://horizon.stellar.org/")
	v.SetDefault("provider.horizon.limit", 200)
	v.SetDefault("provider.horizon.include_failed", false)
	v.SetDefault("provider.horizon.request_timeout", "10s")
	v.SetDefault("provider.horizon.seen_cache_size", 4096)
	v.SetDefault("provider.evm.rpc_url", "")
	v.SetDefault("provider.evm.max_blocks", 5)
	v.SetDefault("provider.evm.request_timeout", "10s")

	v.SetDefault("window.size", 100)
	v.SetDefault("window.max_age", "0s")

	v.SetDefault("insights.base_fee", 100)
	v.SetDefault("insights.avg_places", 0)
	v.SetDefault("insights.snapshot_policy", "always")
	v.SetDefault("insights.degraded_after", 3)
	v.SetDefault("insights.warm_start", true)

	v.SetDefault("congestion.enter_multiplier", 2.0)
	v.SetDefault("congestion.exit_multiplier", 1.5)
	v.SetDefault("congestion.enter_fee", 0)
	v.SetDefault("congestion.exit_fee", 0)
	v.SetDefault("congestion.enter_cycles", 1)
	v.SetDefault("congestion.ceiling", 0)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.report_interval", "1m")

	v.SetDefault("export.max_data_points", 100000)
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

// Validate performs sanity checks on the configuration values. Every failure
// is an apperr of kind Config.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return apperr.Config(nil, "%s", err.Error())
	}
	return nil
}

func (c *Config) validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.ShutdownGrace < 0 || c.Scheduler.StartupDelay < 0 {
		return fmt.Errorf("scheduler.shutdown_grace and scheduler.startup_delay cannot be negative")
	}

	if c.Window.Size < 0 || c.Window.MaxAge < 0 {
		return fmt.Errorf("window.size and window.max_age cannot be negative")
	}
	if c.Window.Size == 0 && c.Window.MaxAge == 0 {
		return fmt.Errorf("window.size or window.max_age must be set")
	}

	if c.Insights.BaseFee < 0 {
		return fmt.Errorf("insights.base_fee cannot be negative")
	}
	if c.Insights.AvgPlaces < 0 || c.Insights.AvgPlaces > 18 {
		return fmt.Errorf("insights.avg_places must be between 0 and 18")
	}
	switch c.Insights.SnapshotPolicy {
	case "always", "on_change":
	default:
		return fmt.Errorf("insights.snapshot_policy must be always or on_change, got %q", c.Insights.SnapshotPolicy)
	}
	if c.Insights.DegradedAfter < 1 {
		return fmt.Errorf("insights.degraded_after must be at least 1")
	}

	if c.Congestion.EnterCycles < 1 {
		return fmt.Errorf("congestion.enter_cycles must be at least 1")
	}
	if c.Congestion.Ceiling < 0 {
		return fmt.Errorf("congestion.ceiling cannot be negative")
	}
	enter, exit := c.Thresholds()
	if !enter.IsPositive() {
		return fmt.Errorf("congestion enter threshold must be greater than zero (set congestion.enter_fee or insights.base_fee with congestion.enter_multiplier)")
	}
	if exit.IsNegative() {
		return fmt.Errorf("congestion exit threshold cannot be negative")
	}
	if exit.GreaterThan(enter) {
		return fmt.Errorf("congestion exit threshold %s must not exceed enter threshold %s", exit, enter)
	}

	switch c.Provider.Kind {
	case "horizon":
		if c.Provider.Horizon.URL == "" {
			return fmt.Errorf("provider.horizon.url is required")
		}
	case "evm":
		if c.Provider.EVM.RPCURL == "" {
			return fmt.Errorf("provider.evm.rpc_url is required")
		}
	case "mock":
	default:
		return fmt.Errorf("provider.kind must be horizon, evm or mock, got %q", c.Provider.Kind)
	}

	switch strings.ToLower(c.Database.Driver) {
	case "", "none":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case "bolt":
		if c.Database.BoltPath == "" {
			return fmt.Errorf("database.bolt_path is required for the bolt driver")
		}
	default:
		return fmt.Errorf("database.driver must be postgres, bolt or empty, got %q", c.Database.Driver)
	}

	if c.Metrics.ReportInterval < 0 {
		return fmt.Errorf("metrics.report_interval cannot be negative")
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

// Thresholds resolves the congestion enter and exit fees.
func (c *Config) Thresholds() (enter, exit decimal.Decimal) {
	base := decimal.NewFromInt(c.Insights.BaseFee)
	enter = base.Mul(decimal.NewFromFloat(c.Congestion.EnterMultiplier))
	if c.Congestion.EnterFee > 0 {
		enter = decimal.NewFromFloat(c.Congestion.EnterFee)
	}
	exit = base.Mul(decimal.NewFromFloat(c.Congestion.ExitMultiplier))
	if c.Congestion.ExitFee > 0 {
		exit = decimal.NewFromFloat(c.Congestion.ExitFee)
	}
	return enter, exit
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
