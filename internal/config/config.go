// Package config loads taskflow settings from defaults, an optional YAML file
// and TASKFLOW_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	taskflow "github.com/UniQw/taskflow-go"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TASKFLOW_STORE_BACKEND.
const EnvPrefix = "TASKFLOW"

// Settings is the full process configuration.
type Settings struct {
	Engine taskflow.Config `mapstructure:"engine"`
	Store  StoreConfig     `mapstructure:"store"`
	Log    LogConfig       `mapstructure:"log"`
	// ShutdownTimeout bounds Engine.Stop on SIGTERM.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// StoreConfig selects and configures the storage backend.
type StoreConfig struct {
	Backend string       `mapstructure:"backend" validate:"oneof=redis sqlite"`
	Redis   RedisConfig  `mapstructure:"redis"`
	SQLite  SQLiteConfig `mapstructure:"sqlite"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	Namespace string `mapstructure:"namespace" validate:"required"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// Default returns the settings used when nothing overrides them.
func Default() Settings {
	return Settings{
		Engine: taskflow.DefaultConfig(),
		Store: StoreConfig{
			Backend: "redis",
			Redis:   RedisConfig{Addr: "localhost:6379", Namespace: "default"},
			SQLite:  SQLiteConfig{Path: "taskflow.db"},
		},
		Log:             LogConfig{Level: "info", Format: "json"},
		ShutdownTimeout: 30 * time.Second,
	}
}

// SetDefaults registers every key with v so env overrides reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()
	e := d.Engine

	v.SetDefault("engine.heartbeat_interval", e.HeartbeatInterval)

	v.SetDefault("engine.retry.max_attempts", e.Retry.MaxAttempts)
	v.SetDefault("engine.retry.initial_delay", e.Retry.InitialDelay)
	v.SetDefault("engine.retry.max_delay", e.Retry.MaxDelay)
	v.SetDefault("engine.retry.backoff_multiplier", e.Retry.BackoffMultiplier)

	v.SetDefault("engine.stream.buffer_size", e.Stream.BufferSize)
	v.SetDefault("engine.stream.retention", e.Stream.Retention)
	v.SetDefault("engine.stream.max_streams", e.Stream.MaxStreams)

	v.SetDefault("engine.guard.backpressure.window", e.Guard.Backpressure.Window)
	v.SetDefault("engine.guard.backpressure.max_tasks_per_window", e.Guard.Backpressure.MaxTasksPerWindow)
	v.SetDefault("engine.guard.backpressure.max_tasks_per_user_window", e.Guard.Backpressure.MaxTasksPerUserWindow)
	v.SetDefault("engine.guard.backpressure.max_queued_size", e.Guard.Backpressure.MaxQueuedSize)
	v.SetDefault("engine.guard.slots.max_execution_global", e.Guard.Slots.MaxExecutionGlobal)
	v.SetDefault("engine.guard.slots.max_execution_per_user", e.Guard.Slots.MaxExecutionPerUser)
	v.SetDefault("engine.guard.slots.max_execution_per_template", e.Guard.Slots.MaxExecutionPerTemplate)
	v.SetDefault("engine.guard.slots.slot_timeout", e.Guard.Slots.SlotTimeout)
	v.SetDefault("engine.guard.dlq.max_size", e.Guard.DLQ.MaxSize)
	v.SetDefault("engine.guard.dlq.ttl", e.Guard.DLQ.TTL)
	v.SetDefault("engine.guard.dlq.cleanup_interval", e.Guard.DLQ.CleanupInterval)
	v.SetDefault("engine.guard.dlq.max_retries", e.Guard.DLQ.MaxRetries)
	v.SetDefault("engine.guard.recovery.max_recovery_slots", e.Guard.Recovery.MaxRecoverySlots)
	v.SetDefault("engine.guard.recovery.recovery_slot_timeout", e.Guard.Recovery.RecoverySlotTimeout)

	v.SetDefault("engine.recovery.enabled", e.Recovery.Enabled)
	v.SetDefault("engine.recovery.background_poll_interval", e.Recovery.BackgroundPollInterval)
	v.SetDefault("engine.recovery.stale_threshold", e.Recovery.StaleThreshold)
	v.SetDefault("engine.recovery.batch_size", e.Recovery.BatchSize)
	v.SetDefault("engine.recovery.completion_timeout", e.Recovery.CompletionTimeout)

	v.SetDefault("engine.flush.interval", e.Flush.Interval)
	v.SetDefault("engine.flush.batch_size", e.Flush.BatchSize)

	v.SetDefault("engine.breaker.failure_threshold", e.Breaker.FailureThreshold)
	v.SetDefault("engine.breaker.open_timeout", e.Breaker.OpenTimeout)
	v.SetDefault("engine.breaker.half_open_requests", e.Breaker.HalfOpenRequests)

	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.redis.addr", d.Store.Redis.Addr)
	v.SetDefault("store.redis.password", d.Store.Redis.Password)
	v.SetDefault("store.redis.db", d.Store.Redis.DB)
	v.SetDefault("store.redis.namespace", d.Store.Redis.Namespace)
	v.SetDefault("store.sqlite.path", d.Store.SQLite.Path)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
}

// New returns a viper instance with defaults and env overrides wired.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (when not empty) over the defaults, applies env overrides
// and validates the result.
func Load(path string) (*Settings, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the validate tags of s, including the engine config.
func Validate(s *Settings) error {
	err := validate.Struct(s)
	if err == nil {
		return s.crossCheck()
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Value()))
	}
	return &taskflow.ValidationError{Field: "config", Reason: strings.Join(msgs, "; ")}
}

// crossCheck covers rules that span sections.
func (s *Settings) crossCheck() error {
	if s.Store.Backend == "redis" && s.Store.Redis.Addr == "" {
		return &taskflow.ValidationError{Field: "store.redis.addr", Reason: "required for the redis backend"}
	}
	e := s.Engine
	if e.Recovery.StaleThreshold <= e.HeartbeatInterval {
		return &taskflow.ValidationError{
			Field:  "engine.recovery.stale_threshold",
			Reason: fmt.Sprintf("must exceed engine.heartbeat_interval (%s)", e.HeartbeatInterval),
		}
	}
	return nil
}

// fieldPath turns "Settings.Engine.Retry.MaxAttempts" into "Engine.Retry.MaxAttempts".
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
