package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverrun/replicator/pkg/models"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Replicators = []ReplicatorConfig{
		{ID: "r1", Driver: "postgresql", Resources: []string{"users"}},
	}
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "silent", cfg.LogLevel)
	assert.Equal(t, "plg_replicator_logs", cfg.ReplicatorLogResource)
	assert.True(t, cfg.LogErrors)
	assert.Equal(t, 5, cfg.ReplicatorConcurrency)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Timeout())
	assert.Equal(t, time.Second, cfg.RetryBackoff())
	assert.Equal(t, 500*time.Millisecond, cfg.BatchTimeout())
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name  string
		tweak func(*Config)
	}{
		{"no replicators", func(c *Config) { c.Replicators = nil }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"zero concurrency", func(c *Config) { c.ReplicatorConcurrency = 0 }},
		{"zero stop concurrency", func(c *Config) { c.StopConcurrency = 0 }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"zero backoff", func(c *Config) { c.RetryBackoffMs = 0 }},
		{"zero timeout", func(c *Config) { c.TimeoutMs = 0 }},
		{"empty id", func(c *Config) { c.Replicators[0].ID = "" }},
		{"empty driver", func(c *Config) { c.Replicators[0].Driver = "" }},
		{"nil resources", func(c *Config) { c.Replicators[0].Resources = nil }},
		{"bad strategy", func(c *Config) { c.Replicators[0].Schema.Strategy = "yolo" }},
		{"bad mismatch policy", func(c *Config) { c.Replicators[0].Schema.OnMismatch = "shrug" }},
		{"duplicate ids", func(c *Config) {
			c.Replicators = append(c.Replicators, c.Replicators[0])
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.tweak(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateReturnsConfigError(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "loud"
	var cfgErr *models.ConfigError
	require.True(t, errors.As(cfg.Validate(), &cfgErr))
	assert.Equal(t, "log_level", cfgErr.Field)

	cfg = validConfig()
	cfg.Replicators[0].Schema.Strategy = "yolo"
	require.True(t, errors.As(cfg.Validate(), &cfgErr))
	assert.Contains(t, cfgErr.Field, "strategy")

	cfg = validConfig()
	cfg.Replicators = append(cfg.Replicators, cfg.Replicators[0])
	require.True(t, errors.As(cfg.Validate(), &cfgErr))
	assert.Contains(t, cfgErr.Error(), "duplicate")
}

func TestReplicatorEnabledDefault(t *testing.T) {
	assert.True(t, ReplicatorConfig{}.IsEnabled())
	off := false
	assert.False(t, ReplicatorConfig{Enabled: &off}.IsEnabled())
}

func TestSchemaConfigDefaults(t *testing.T) {
	var sc SchemaConfig
	assert.True(t, sc.AutoCreate())
	assert.Equal(t, StrategyAlter, sc.EffectiveStrategy())
	assert.Equal(t, MismatchError, sc.EffectiveOnMismatch())

	off := false
	sc = SchemaConfig{AutoCreateTable: &off, Strategy: StrategyValidateOnly, OnMismatch: MismatchWarn}
	assert.False(t, sc.AutoCreate())
	assert.Equal(t, StrategyValidateOnly, sc.EffectiveStrategy())
	assert.Equal(t, MismatchWarn, sc.EffectiveOnMismatch())
}

func TestNotifyChangeFansOutToCallbacks(t *testing.T) {
	var got []string
	NotifyChange(func(file string) { got = append(got, file) })
	notifyConfigChange("replicator.conf")
	assert.Equal(t, []string{"replicator.conf"}, got)
}

func TestDecodeWeaklyTyped(t *testing.T) {
	type target struct {
		Port    int    `mapstructure:"port"`
		Name    string `mapstructure:"name"`
		Verbose bool   `mapstructure:"verbose"`
	}
	var out target
	require.NoError(t, Decode(map[string]interface{}{
		"port":    "5432",
		"name":    "db",
		"verbose": "true",
	}, &out))
	assert.Equal(t, 5432, out.Port)
	assert.Equal(t, "db", out.Name)
	assert.True(t, out.Verbose)
}
