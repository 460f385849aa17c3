package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

var (
	watchMu  sync.Mutex
	watchFns []func(file string)
)

// NotifyChange registers a callback invoked whenever the config file
// changes on disk. Callbacks run on viper's watch goroutine and must not
// block.
func NotifyChange(fn func(file string)) {
	watchMu.Lock()
	defer watchMu.Unlock()
	watchFns = append(watchFns, fn)
}

func notifyConfigChange(file string) {
	watchMu.Lock()
	fns := make([]func(string), len(watchFns))
	copy(fns, watchFns)
	watchMu.Unlock()
	for _, fn := range fns {
		fn(file)
	}
}

// LoadConfiguration loads the plugin configuration using viper. Replicator
// declarations are static for the lifetime of the process; a change to the
// config file is surfaced through NotifyChange callbacks, everything else
// is picked up on restart.
func LoadConfiguration() (*Config, error) {
	viper.SetDefault("enabled", true)
	viper.SetDefault("log_level", "silent")
	viper.SetDefault("verbose", false)
	viper.SetDefault("persist_replicator_log", false)
	viper.SetDefault("replicator_log_resource", "plg_replicator_logs")
	viper.SetDefault("log_errors", true)
	viper.SetDefault("replicator_concurrency", 5)
	viper.SetDefault("stop_concurrency", 5)
	viper.SetDefault("batch_size", 100)
	viper.SetDefault("batch_timeout_ms", 500)
	viper.SetDefault("max_retries", 3)
	viper.SetDefault("retry_backoff_ms", 1000)
	viper.SetDefault("timeout", 30000)
	viper.SetDefault("source_name", "replicator")
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetConfigName("replicator.conf")
	viper.AddConfigPath("/etc/replicator/")
	viper.AddConfigPath("$HOME/.replicator")
	viper.AddConfigPath("./conf")
	if err := viper.ReadInConfig(); err != nil {
		log.Error().Err(err).Msg("unable to read config file")
		return nil, err
	}

	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Warn().Str("file", e.Name).Msg("config file changed; replicator declarations reload on restart")
		notifyConfigChange(e.Name)
	})

	cfg := DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		log.Error().Err(err).Msg("unable to decode configuration")
		return nil, err
	}

	ApplyLogLevel(cfg)
	return cfg, nil
}

// ApplyLogLevel sets the global zerolog level from the config.
func ApplyLogLevel(cfg *Config) {
	level := zerolog.Disabled
	switch cfg.LogLevel {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

// Decode unmarshals an opaque driver config map into a typed struct.
// Drivers own their config shape; the engine never interprets it.
func Decode(raw map[string]interface{}, target interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}
