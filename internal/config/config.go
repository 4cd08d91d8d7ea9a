package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"floorwatch/internal/logging"
	"floorwatch/internal/support"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pulse     PulseConfig     `mapstructure:"pulse"`
	Secondary SecondaryConfig `mapstructure:"secondary"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Compare   CompareConfig   `mapstructure:"compare"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
	Watchlist []string        `mapstructure:"watchlist"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs the watchlist sweep cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// PulseConfig covers the primary marketplace history API.
type PulseConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	GameType          string        `mapstructure:"game_type"`
	Market            string        `mapstructure:"market"`
	CurrencyOverride  int           `mapstructure:"currency_override"`
	DeviceID          string        `mapstructure:"device_id"`
	Authorization     string        `mapstructure:"authorization"`
	Cookie            string        `mapstructure:"cookie"`
	Origin            string        `mapstructure:"origin"`
	Referer           string        `mapstructure:"referer"`
	FetchExtraHours   float64       `mapstructure:"fetch_extra_hours"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay"`
	RequestsPerSec    float64       `mapstructure:"requests_per_sec"`
}

// SecondaryConfig covers the secondary marketplace full-history API.
type SecondaryConfig struct {
	BaseURL              string        `mapstructure:"base_url"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	MinSalesLastTwoDays  int           `mapstructure:"min_sales_last_two_days"`
	MinPrimaryPriceCheck float64       `mapstructure:"min_primary_price_check"`
}

// CatalogConfig tunes the name-to-id mapping cache.
type CatalogConfig struct {
	Path string        `mapstructure:"path"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// ThresholdGroupConfig is one validity-gate row of a weighting method.
type ThresholdGroupConfig struct {
	LastRangeCount       int     `mapstructure:"last_range_count"`
	MinShare             float64 `mapstructure:"min_share"`
	MaxAllowedViolations int     `mapstructure:"max_allowed_violations"`
	MinWindowVolume      int64   `mapstructure:"min_window_volume"`
}

// GroupPairConfig pairs the trailing-range group with the group applied to
// all earlier ranges.
type GroupPairConfig struct {
	Last  ThresholdGroupConfig `mapstructure:"last"`
	Other ThresholdGroupConfig `mapstructure:"other"`
}

// AnalysisConfig parameterises the support-price engine.
type AnalysisConfig struct {
	WindowHours    float64         `mapstructure:"window_hours"`
	MinRangeHours  float64         `mapstructure:"min_range_hours"`
	DensityShare   float64         `mapstructure:"density_share"`
	VolumeWeighted GroupPairConfig `mapstructure:"volume_weighted"`
	PointWeighted  GroupPairConfig `mapstructure:"point_weighted"`
}

// Params converts the window settings into engine parameters.
func (a AnalysisConfig) Params() support.Params {
	return support.Params{
		WindowHours:   a.WindowHours,
		MinRangeHours: a.MinRangeHours,
		DensityShare:  a.DensityShare,
	}
}

func (g GroupPairConfig) pair() support.GroupPair {
	convert := func(t ThresholdGroupConfig) support.ThresholdGroup {
		return support.ThresholdGroup{
			LastRangeCount:       t.LastRangeCount,
			MinShare:             t.MinShare,
			MaxAllowedViolations: t.MaxAllowedViolations,
			MinWindowVolume:      t.MinWindowVolume,
		}
	}
	return support.GroupPair{Last: convert(g.Last), Other: convert(g.Other)}
}

// Engine builds a validated support engine from the analysis settings.
func (a AnalysisConfig) Engine() (*support.Engine, error) {
	return support.New(a.Params(), a.VolumeWeighted.pair(), a.PointWeighted.pair())
}

// CompareConfig holds the fee coefficients for the primary-vs-secondary
// market comparison.
type CompareConfig struct {
	PrimaryFee      float64 `mapstructure:"primary_fee"`
	SecondaryFee    float64 `mapstructure:"secondary_fee"`
	DiffCoefficient float64 `mapstructure:"diff_coefficient"`
}

// AlertingConfig defines floor-drop alert thresholds and routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	DropPct  float64        `mapstructure:"drop_pct"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram delivery parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLOORWATCH")
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
	v.SetDefault("app.name", "floorwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x666c6f72))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("pulse.base_url", "https://api-pulse.tradeon.space")
	v.SetDefault("pulse.game_type", "CsGo")
	v.SetDefault("pulse.market", "Steam")
	v.SetDefault("pulse.currency_override", 1)
	v.SetDefault("pulse.fetch_extra_hours", 20.0)
	v.SetDefault("pulse.request_timeout", "20s")
	v.SetDefault("pulse.max_retries", 4)
	v.SetDefault("pulse.retry_initial_delay", "3s")
	v.SetDefault("pulse.requests_per_sec", 4.0)

	v.SetDefault("secondary.base_url", "https://market.csgo.com/api/v2")
	v.SetDefault("secondary.request_timeout", "20s")
	v.SetDefault("secondary.min_sales_last_two_days", 10)
	v.SetDefault("secondary.min_primary_price_check", 0.35)

	v.SetDefault("catalog.ttl", "1h")

	v.SetDefault("analysis.window_hours", 24.0)
	v.SetDefault("analysis.min_range_hours", 24.0)
	v.SetDefault("analysis.density_share", 0.5)

	v.SetDefault("analysis.volume_weighted.last.last_range_count", 1)
	v.SetDefault("analysis.volume_weighted.last.min_share", 0.2)
	v.SetDefault("analysis.volume_weighted.last.max_allowed_violations", 1)
	v.SetDefault("analysis.volume_weighted.last.min_window_volume", 2)
	v.SetDefault("analysis.volume_weighted.other.min_share", 0.2)
	v.SetDefault("analysis.volume_weighted.other.max_allowed_violations", 9)
	v.SetDefault("analysis.volume_weighted.other.min_window_volume", 4)

	v.SetDefault("analysis.point_weighted.last.last_range_count", 1)
	v.SetDefault("analysis.point_weighted.last.min_share", 0.2)
	v.SetDefault("analysis.point_weighted.last.max_allowed_violations", 0)
	v.SetDefault("analysis.point_weighted.last.min_window_volume", 2)
	v.SetDefault("analysis.point_weighted.other.min_share", 0.3)
	v.SetDefault("analysis.point_weighted.other.max_allowed_violations", 9)
	v.SetDefault("analysis.point_weighted.other.min_window_volume", 4)

	v.SetDefault("compare.primary_fee", 0.87)
	v.SetDefault("compare.secondary_fee", 0.95)
	v.SetDefault("compare.diff_coefficient", 0.91*0.95)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.drop_pct", 5.0)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
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

// Validate performs sanity checks on the configuration values. The analysis
// block is fully validated by the engine constructor; the checks here cover
// the glue settings.
func (c *Config) Validate() error {
	if _, err := c.Analysis.Engine(); err != nil {
		return err
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Pulse.MaxRetries < 0 {
		return fmt.Errorf("pulse.max_retries cannot be negative")
	}
	if c.Compare.PrimaryFee <= 0 || c.Compare.SecondaryFee <= 0 {
		return fmt.Errorf("compare fees must be greater than zero")
	}
	if c.Alerting.DropPct < 0 {
		return fmt.Errorf("alerting.drop_pct cannot be negative")
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

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
