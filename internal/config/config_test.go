package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairwatch/internal/exception"
	"pairwatch/internal/model"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("testdata")
	require.NoError(t, err)

	assert.Equal(t, "btcusdt", cfg.Pair.Y)
	assert.Equal(t, "ethusdt", cfg.Pair.X)
	assert.Equal(t, "btcusdt/ethusdt", cfg.Pair.Name())
	assert.Equal(t, 500*time.Millisecond, cfg.Feed.BackoffBase)
	assert.Equal(t, 20*time.Second, cfg.Feed.BackoffMax)
	assert.Equal(t, 5*time.Minute, cfg.Bars.Interval)
	assert.Equal(t, 10*time.Second, cfg.Bars.AllowedLateness)
	assert.Equal(t, 60, cfg.Analytics.Window)
	assert.Equal(t, 600, cfg.Analytics.History)
	assert.Equal(t, 4, cfg.Analytics.ADF.MaxLag)
	assert.Equal(t, "fixed", cfg.Analytics.ADF.AutoLag)
	assert.Equal(t, 50000, cfg.Buffer.MaxTicks)
	assert.Equal(t, 30*time.Minute, cfg.Buffer.MaxAge)

	require.Len(t, cfg.Alerts, 2)
	assert.Equal(t, "wide", cfg.Alerts[0].ID)
	assert.Equal(t, 2.5, cfg.Alerts[0].Threshold)
	assert.Equal(t, model.DirectionBoth, cfg.Alerts[0].Direction)
	assert.Equal(t, model.DirectionAbove, cfg.Alerts[1].Direction)

	// defaults
	assert.Equal(t, 2, cfg.Analytics.MinPeriods)
	assert.Equal(t, "c", cfg.Analytics.ADF.Regression)
	assert.Equal(t, 10*time.Second, cfg.Buffer.FlushInterval)
	assert.Equal(t, 10000, cfg.Buffer.MaxPendingBars)
	assert.False(t, cfg.Database.Enabled())
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("PAIR_Y", "solusdt")
	t.Setenv("DATABASE_HOST", "db.internal")

	cfg, err := LoadConfig("testdata")
	require.NoError(t, err)
	assert.Equal(t, "solusdt", cfg.Pair.Y)
	assert.True(t, cfg.Database.Enabled())
}

func TestLoadConfigMissingPair(t *testing.T) {
	_, err := LoadConfig(t.TempDir())
	require.Error(t, err)

	var cfgErr *exception.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Error(), "pair.y and pair.x are required")
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := LoadConfig("testdata")
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"same symbols", func(c *Config) { c.Pair.X = c.Pair.Y }, "must differ"},
		{"zero interval", func(c *Config) { c.Bars.Interval = 0 }, "bars.interval"},
		{"lateness above interval", func(c *Config) { c.Bars.AllowedLateness = c.Bars.Interval + time.Second }, "allowed_lateness"},
		{"window below min periods", func(c *Config) { c.Analytics.Window = 1 }, "analytics.window"},
		{"min periods of one", func(c *Config) { c.Analytics.MinPeriods = 1 }, "min_periods"},
		{"history below window", func(c *Config) { c.Analytics.History = 10 }, "analytics.history"},
		{"negative threshold", func(c *Config) { c.Alerts[0].Threshold = -1 }, "threshold"},
		{"bad direction", func(c *Config) { c.Alerts[0].Direction = "sideways" }, "direction"},
		{"duplicate rule id", func(c *Config) { c.Alerts[1].ID = c.Alerts[0].ID }, "duplicated"},
		{"bad regression", func(c *Config) { c.Analytics.ADF.Regression = "ctt" }, "regression"},
		{"zero max ticks", func(c *Config) { c.Buffer.MaxTicks = 0 }, "max_ticks"},
		{"zero pending bars", func(c *Config) { c.Buffer.MaxPendingBars = 0 }, "max_pending_bars"},
		{"unknown provider", func(c *Config) { c.Feed.Provider = "coinbase" }, "provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDatabaseConnString(t *testing.T) {
	db := DatabaseConfig{Host: "db", Port: 5432, User: "pair", Password: "p@ss", DBName: "ticks"}
	assert.True(t, db.Enabled())
	assert.Equal(t, "postgres://pair:p%40ss@db:5432/ticks", db.ConnString())
	assert.False(t, DatabaseConfig{}.Enabled())
}
