package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/riverrun/replicator/pkg/models"
)

// SchemaStrategy controls how schema sync applies a non-empty plan.
type SchemaStrategy string

const (
	StrategyAlter        SchemaStrategy = "alter"
	StrategyDropCreate   SchemaStrategy = "drop-create"
	StrategyValidateOnly SchemaStrategy = "validate-only"
)

// OnMismatch controls behaviour when validate-only finds a non-empty plan.
type OnMismatch string

const (
	MismatchError  OnMismatch = "error"
	MismatchWarn   OnMismatch = "warn"
	MismatchIgnore OnMismatch = "ignore"
)

// SchemaConfig holds per-replicator schema sync options.
type SchemaConfig struct {
	AutoCreateTable    *bool          `json:"auto_create_table,omitempty" yaml:"auto_create_table,omitempty" mapstructure:"auto_create_table"`
	Strategy           SchemaStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty" mapstructure:"strategy" validate:"omitempty,oneof=alter drop-create validate-only"`
	OnMismatch         OnMismatch     `json:"on_mismatch,omitempty" yaml:"on_mismatch,omitempty" mapstructure:"on_mismatch" validate:"omitempty,oneof=error warn ignore"`
	DropMissingColumns bool           `json:"drop_missing_columns,omitempty" yaml:"drop_missing_columns,omitempty" mapstructure:"drop_missing_columns"`
}

// AutoCreate reports whether missing tables should be created (default true).
func (s SchemaConfig) AutoCreate() bool {
	return s.AutoCreateTable == nil || *s.AutoCreateTable
}

// EffectiveStrategy returns the strategy with its default applied.
func (s SchemaConfig) EffectiveStrategy() SchemaStrategy {
	if s.Strategy == "" {
		return StrategyAlter
	}
	return s.Strategy
}

// EffectiveOnMismatch returns the mismatch policy with its default applied.
func (s SchemaConfig) EffectiveOnMismatch() OnMismatch {
	if s.OnMismatch == "" {
		return MismatchError
	}
	return s.OnMismatch
}

// ReplicatorConfig is one declared destination. Config is opaque to the
// engine and handed to the driver untouched. Resources accepts any of the
// five mapping syntaxes resolved by pkg/mapping.
type ReplicatorConfig struct {
	ID         string                 `json:"id" yaml:"id" mapstructure:"id" validate:"required"`
	Driver     string                 `json:"driver" yaml:"driver" mapstructure:"driver" validate:"required"`
	Config     map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty" mapstructure:"config"`
	Resources  interface{}            `json:"resources" yaml:"resources" mapstructure:"resources" validate:"required"`
	Enabled    *bool                  `json:"enabled,omitempty" yaml:"enabled,omitempty" mapstructure:"enabled"`
	Schema     SchemaConfig           `json:"schema,omitempty" yaml:"schema,omitempty" mapstructure:"schema"`
	DeadLetter string                 `json:"dead_letter,omitempty" yaml:"dead_letter,omitempty" mapstructure:"dead_letter"`
}

// IsEnabled reports whether the replicator should run (default true).
func (r ReplicatorConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// MetricsConfig represents the prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Port    int    `json:"port" yaml:"port" mapstructure:"port"`
	Path    string `json:"path" yaml:"path" mapstructure:"path"`
}

// Config is the top-level service configuration.
type Config struct {
	Enabled               bool               `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Replicators           []ReplicatorConfig `json:"replicators" yaml:"replicators" mapstructure:"replicators" validate:"min=1,dive"`
	LogLevel              string             `json:"log_level" yaml:"log_level" mapstructure:"log_level" validate:"oneof=silent debug info warn error"`
	Verbose               bool               `json:"verbose" yaml:"verbose" mapstructure:"verbose"`
	PersistReplicatorLog  bool               `json:"persist_replicator_log" yaml:"persist_replicator_log" mapstructure:"persist_replicator_log"`
	ReplicatorLogResource string             `json:"replicator_log_resource" yaml:"replicator_log_resource" mapstructure:"replicator_log_resource"`
	LogErrors             bool               `json:"log_errors" yaml:"log_errors" mapstructure:"log_errors"`
	ReplicatorConcurrency int                `json:"replicator_concurrency" yaml:"replicator_concurrency" mapstructure:"replicator_concurrency" validate:"gt=0"`
	StopConcurrency       int                `json:"stop_concurrency" yaml:"stop_concurrency" mapstructure:"stop_concurrency" validate:"gt=0"`
	BatchSize             int                `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size" validate:"gt=0"`
	BatchTimeoutMs        int                `json:"batch_timeout_ms" yaml:"batch_timeout_ms" mapstructure:"batch_timeout_ms" validate:"gte=0"`
	MaxRetries            int                `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0"`
	RetryBackoffMs        int                `json:"retry_backoff_ms" yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms" validate:"gt=0"`
	TimeoutMs             int                `json:"timeout" yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`
	SourceName            string             `json:"source_name" yaml:"source_name" mapstructure:"source_name"`
	Metrics               MetricsConfig      `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Enabled:               true,
		LogLevel:              "silent",
		PersistReplicatorLog:  false,
		ReplicatorLogResource: "plg_replicator_logs",
		LogErrors:             true,
		ReplicatorConcurrency: 5,
		StopConcurrency:       5,
		BatchSize:             100,
		BatchTimeoutMs:        500,
		MaxRetries:            3,
		RetryBackoffMs:        1000,
		TimeoutMs:             30000,
		SourceName:            "replicator",
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Timeout returns the per-attempt timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RetryBackoff returns the initial retry backoff as a duration.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// BatchTimeout returns the max wait to accumulate a batch.
func (c *Config) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutMs) * time.Millisecond
}

var structValidator = newStructValidator()

// newStructValidator reports violations under the config-file field
// names rather than the Go struct field names.
func newStructValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return fld.Name
	})
	return v
}

// Validate checks the numeric and enum constraints through struct tags,
// then the rules tags cannot express. Driver and mapping validation is
// owned by the resolver and the registry at start.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return formatValidationError(err)
	}
	return c.validateCustomRules()
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	ve := verrs[0]
	field := strings.TrimPrefix(ve.Namespace(), "Config.")
	return &models.ConfigError{
		Field:   field,
		Message: fmt.Sprintf("failed %q validation (value %v)", ve.Tag(), ve.Value()),
	}
}

func (c *Config) validateCustomRules() error {
	ids := make(map[string]bool)
	for _, r := range c.Replicators {
		if ids[r.ID] {
			return &models.ConfigError{
				Field:   "replicators",
				Message: fmt.Sprintf("duplicate replicator id %q", r.ID),
			}
		}
		ids[r.ID] = true
	}
	return nil
}
