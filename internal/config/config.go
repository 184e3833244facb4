package config

import (
	"math"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pairwatch/internal/exception"
	"pairwatch/internal/model"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Pair      PairConfig        `mapstructure:"pair"`
	Feed      FeedConfig        `mapstructure:"feed"`
	Bars      BarsConfig        `mapstructure:"bars"`
	Analytics AnalyticsConfig   `mapstructure:"analytics"`
	Alerts    []model.AlertRule `mapstructure:"alerts"`
	Buffer    BufferConfig      `mapstructure:"buffer"`
	Database  DatabaseConfig    `mapstructure:"database"`
	HTTP      HTTPConfig        `mapstructure:"http"`
	Log       LogConfig         `mapstructure:"log"`
}

// PairConfig names the dependent (Y) and independent (X) instruments.
type PairConfig struct {
	Y string `mapstructure:"y"`
	X string `mapstructure:"x"`
}

// Name returns the "Y/X" label used in logs and events.
func (p PairConfig) Name() string {
	return p.Y + "/" + p.X
}

// FeedConfig defines the market data connection settings.
type FeedConfig struct {
	Provider      string        `mapstructure:"provider"`
	URL           string        `mapstructure:"url"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	BackoffJitter float64       `mapstructure:"backoff_jitter"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	DedupSize     int           `mapstructure:"dedup_size"`
}

// BarsConfig defines resampling settings.
type BarsConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	AllowedLateness  time.Duration `mapstructure:"allowed_lateness"`
	MaxBars          int           `mapstructure:"max_bars"`
	UseIncompleteBar bool          `mapstructure:"use_incomplete_bar"`
}

// AnalyticsConfig defines the rolling model settings.
type AnalyticsConfig struct {
	Window       int       `mapstructure:"window"`
	MinPeriods   int       `mapstructure:"min_periods"`
	History      int       `mapstructure:"history"`
	SeriesLength int       `mapstructure:"series_length"`
	FillGaps     bool      `mapstructure:"fill_gaps"`
	ADF          ADFConfig `mapstructure:"adf"`
}

// ADFConfig parameterizes the stationarity test.
type ADFConfig struct {
	// MaxLag below zero selects ceil(12*(n/100)^(1/4)).
	MaxLag     int    `mapstructure:"max_lag"`
	AutoLag    string `mapstructure:"autolag"`
	Regression string `mapstructure:"regression"`
	MinObs     int    `mapstructure:"min_obs"`
}

// BufferConfig defines tick retention and persistence cadence.
type BufferConfig struct {
	MaxTicks       int           `mapstructure:"max_ticks"`
	MaxPendingBars int           `mapstructure:"max_pending_bars"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	EvictInterval  time.Duration `mapstructure:"evict_interval"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// Enabled reports whether persistence is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// ConnString returns the PostgreSQL URL for the settings.
func (d DatabaseConfig) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.DBName,
	}
	return u.String()
}

// HTTPConfig defines the read-only API listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feed.provider", "binance")
	v.SetDefault("feed.url", "")
	v.SetDefault("feed.backoff_base", time.Second)
	v.SetDefault("feed.backoff_max", 30*time.Second)
	v.SetDefault("feed.backoff_jitter", 0.2)
	v.SetDefault("feed.read_timeout", 60*time.Second)
	v.SetDefault("feed.ping_interval", 15*time.Second)
	v.SetDefault("feed.dedup_size", 4096)

	v.SetDefault("bars.interval", time.Minute)
	v.SetDefault("bars.allowed_lateness", time.Duration(0))
	v.SetDefault("bars.max_bars", 2000)
	v.SetDefault("bars.use_incomplete_bar", false)

	v.SetDefault("analytics.window", 100)
	v.SetDefault("analytics.min_periods", 2)
	v.SetDefault("analytics.history", 2000)
	v.SetDefault("analytics.series_length", 500)
	v.SetDefault("analytics.fill_gaps", false)
	v.SetDefault("analytics.adf.max_lag", -1)
	v.SetDefault("analytics.adf.autolag", "aic")
	v.SetDefault("analytics.adf.regression", "c")
	v.SetDefault("analytics.adf.min_obs", 20)

	v.SetDefault("buffer.max_ticks", 200_000)
	v.SetDefault("buffer.max_pending_bars", 10_000)
	v.SetDefault("buffer.max_age", time.Hour)
	v.SetDefault("buffer.evict_interval", 5*time.Second)
	v.SetDefault("buffer.flush_interval", 10*time.Second)

	v.SetDefault("database.port", 5432)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")
}

// LoadConfig reads configuration from file or environment variables and
// validates it. A missing config file is not an error when the environment
// provides the required values.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return
		}
		err = nil
	}

	// AutomaticEnv only applies to keys viper already knows about.
	for _, key := range []string{"pair.y", "pair.x", "database.host", "database.user", "database.password", "database.dbname"} {
		_ = v.BindEnv(key)
	}

	if err = v.Unmarshal(&config); err != nil {
		return
	}
	config.normalize()
	err = config.Validate()
	return
}

func (c *Config) normalize() {
	c.Pair.Y = strings.ToLower(strings.TrimSpace(c.Pair.Y))
	c.Pair.X = strings.ToLower(strings.TrimSpace(c.Pair.X))
	c.Feed.Provider = strings.ToLower(c.Feed.Provider)
	for i := range c.Alerts {
		if c.Alerts[i].Direction == "" {
			c.Alerts[i].Direction = model.DirectionBoth
		}
	}
}

// Validate checks every option and reports all problems at once.
func (c Config) Validate() error {
	problems := &exception.ConfigurationError{}

	if c.Pair.Y == "" || c.Pair.X == "" {
		problems.Add("pair.y and pair.x are required")
	} else if c.Pair.Y == c.Pair.X {
		problems.Add("pair.y and pair.x must differ")
	}

	switch c.Feed.Provider {
	case "binance", "kraken":
	default:
		problems.Add("feed.provider %q is not supported", c.Feed.Provider)
	}
	if c.Feed.BackoffBase <= 0 || c.Feed.BackoffMax < c.Feed.BackoffBase {
		problems.Add("feed.backoff_base must be positive and not above feed.backoff_max")
	}
	if c.Feed.BackoffJitter < 0 || c.Feed.BackoffJitter > 1 {
		problems.Add("feed.backoff_jitter must be within [0,1]")
	}
	if c.Feed.DedupSize < 0 {
		problems.Add("feed.dedup_size must not be negative")
	}

	if c.Bars.Interval <= 0 {
		problems.Add("bars.interval must be positive")
	}
	if c.Bars.AllowedLateness < 0 || c.Bars.AllowedLateness > c.Bars.Interval {
		problems.Add("bars.allowed_lateness must be within [0, bars.interval]")
	}
	if c.Bars.MaxBars <= 0 {
		problems.Add("bars.max_bars must be positive")
	}

	a := c.Analytics
	if a.MinPeriods < 2 {
		problems.Add("analytics.min_periods must be at least 2")
	}
	if a.Window < a.MinPeriods {
		problems.Add("analytics.window (%d) must be at least analytics.min_periods (%d)", a.Window, a.MinPeriods)
	}
	if a.History < a.Window {
		problems.Add("analytics.history (%d) must be at least analytics.window (%d)", a.History, a.Window)
	}
	if a.SeriesLength < 1 {
		problems.Add("analytics.series_length must be positive")
	}
	switch a.ADF.Regression {
	case "c", "ct", "n":
	default:
		problems.Add("analytics.adf.regression %q must be one of c, ct, n", a.ADF.Regression)
	}
	switch a.ADF.AutoLag {
	case "aic", "fixed":
	default:
		problems.Add("analytics.adf.autolag %q must be aic or fixed", a.ADF.AutoLag)
	}
	if a.ADF.MinObs < 4 {
		problems.Add("analytics.adf.min_obs must be at least 4")
	}

	seen := make(map[string]struct{}, len(c.Alerts))
	for i, r := range c.Alerts {
		if r.Threshold <= 0 || math.IsInf(r.Threshold, 0) || math.IsNaN(r.Threshold) {
			problems.Add("alerts[%d].threshold must be a positive finite number", i)
		}
		switch r.Direction {
		case model.DirectionBoth, model.DirectionAbove, model.DirectionBelow:
		default:
			problems.Add("alerts[%d].direction %q must be both, above or below", i, r.Direction)
		}
		if r.ID != "" {
			if _, dup := seen[r.ID]; dup {
				problems.Add("alerts[%d].id %q is duplicated", i, r.ID)
			}
			seen[r.ID] = struct{}{}
		}
	}

	if c.Buffer.MaxTicks <= 0 {
		problems.Add("buffer.max_ticks must be positive")
	}
	if c.Buffer.MaxPendingBars <= 0 {
		problems.Add("buffer.max_pending_bars must be positive")
	}
	if c.Buffer.MaxAge <= 0 {
		problems.Add("buffer.max_age must be positive")
	}
	if c.Buffer.EvictInterval <= 0 || c.Buffer.FlushInterval <= 0 {
		problems.Add("buffer.evict_interval and buffer.flush_interval must be positive")
	}

	return problems.OrNil()
}
