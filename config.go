package taskflow

import "time"

// Config holds every tunable of the engine. Zero values are replaced by
// DefaultConfig values where a zero would be meaningless.
type Config struct {
	HeartbeatInterval time.Duration  `mapstructure:"heartbeat_interval" validate:"gt=0"`
	Retry             RetryConfig    `mapstructure:"retry"`
	Stream            StreamConfig   `mapstructure:"stream"`
	Guard             GuardConfig    `mapstructure:"guard"`
	Recovery          RecoveryConfig `mapstructure:"recovery"`
	Flush             FlushConfig    `mapstructure:"flush"`
	Breaker           BreakerConfig  `mapstructure:"breaker"`
}

// RetryConfig configures exponential backoff between attempts. There is no jitter.
type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"gte=1"`
	InitialDelay      time.Duration `mapstructure:"initial_delay" validate:"gte=0"`
	MaxDelay          time.Duration `mapstructure:"max_delay" validate:"gtefield=InitialDelay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" validate:"gte=1"`
}

// StreamConfig sizes the per-task replay buffers.
type StreamConfig struct {
	BufferSize int           `mapstructure:"buffer_size" validate:"gte=1"`
	Retention  time.Duration `mapstructure:"retention" validate:"gte=0"`
	MaxStreams int           `mapstructure:"max_streams" validate:"gte=1"`
}

// GuardConfig groups admission, slot, DLQ and recovery-pool limits.
type GuardConfig struct {
	Backpressure BackpressureConfig `mapstructure:"backpressure"`
	Slots        SlotConfig         `mapstructure:"slots"`
	DLQ          DLQConfig          `mapstructure:"dlq"`
	Recovery     RecoverySlotConfig `mapstructure:"recovery"`
}

// BackpressureConfig configures sliding-window admission. Zero limits disable a check.
type BackpressureConfig struct {
	Window                time.Duration `mapstructure:"window" validate:"gt=0"`
	MaxTasksPerWindow     int           `mapstructure:"max_tasks_per_window" validate:"gte=0"`
	MaxTasksPerUserWindow int           `mapstructure:"max_tasks_per_user_window" validate:"gte=0"`
	MaxQueuedSize         int           `mapstructure:"max_queued_size" validate:"gte=0"`
}

// SlotConfig configures execution ceilings. Zero means unlimited.
type SlotConfig struct {
	MaxExecutionGlobal      int           `mapstructure:"max_execution_global" validate:"gte=0"`
	MaxExecutionPerUser     int           `mapstructure:"max_execution_per_user" validate:"gte=0"`
	MaxExecutionPerTemplate int           `mapstructure:"max_execution_per_template" validate:"gte=0"`
	SlotTimeout             time.Duration `mapstructure:"slot_timeout" validate:"gt=0"`
}

// DLQConfig bounds the dead-letter queue.
type DLQConfig struct {
	MaxSize         int           `mapstructure:"max_size" validate:"gte=1"`
	TTL             time.Duration `mapstructure:"ttl" validate:"gte=0"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
	MaxRetries      int           `mapstructure:"max_retries" validate:"gte=0"`
}

// RecoverySlotConfig bounds concurrent recoveries.
type RecoverySlotConfig struct {
	MaxRecoverySlots    int           `mapstructure:"max_recovery_slots" validate:"gte=1"`
	RecoverySlotTimeout time.Duration `mapstructure:"recovery_slot_timeout" validate:"gte=0"`
}

// RecoveryConfig configures stale-task scanning.
type RecoveryConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	BackgroundPollInterval time.Duration `mapstructure:"background_poll_interval" validate:"gt=0"`
	StaleThreshold         time.Duration `mapstructure:"stale_threshold" validate:"gt=0"`
	BatchSize              int           `mapstructure:"batch_size" validate:"gte=1"`
	CompletionTimeout      time.Duration `mapstructure:"completion_timeout" validate:"gt=0"`
}

// FlushConfig configures draining the event log into the repository.
type FlushConfig struct {
	Interval  time.Duration `mapstructure:"interval" validate:"gt=0"`
	BatchSize int           `mapstructure:"batch_size" validate:"gte=1"`
}

// BreakerConfig configures the circuit breaker in front of the repository.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32        `mapstructure:"failure_threshold" validate:"gte=1"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" validate:"gt=0"`
	// HalfOpenRequests is how many probes are let through while half-open.
	HalfOpenRequests uint32 `mapstructure:"half_open_requests" validate:"gte=1"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialDelay:      time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2,
		},
		Stream: StreamConfig{
			BufferSize: 100,
			Retention:  time.Minute,
			MaxStreams: 10000,
		},
		Guard: GuardConfig{
			Backpressure: BackpressureConfig{
				Window:                time.Minute,
				MaxTasksPerWindow:     1000,
				MaxTasksPerUserWindow: 100,
				MaxQueuedSize:         500,
			},
			Slots: SlotConfig{
				MaxExecutionGlobal:  50,
				MaxExecutionPerUser: 10,
				SlotTimeout:         30 * time.Second,
			},
			DLQ: DLQConfig{
				MaxSize:         1000,
				TTL:             24 * time.Hour,
				CleanupInterval: time.Minute,
				MaxRetries:      3,
			},
			Recovery: RecoverySlotConfig{
				MaxRecoverySlots:    10,
				RecoverySlotTimeout: 0,
			},
		},
		Recovery: RecoveryConfig{
			Enabled:                true,
			BackgroundPollInterval: time.Minute,
			StaleThreshold:         2 * time.Minute,
			BatchSize:              10,
			CompletionTimeout:      5 * time.Minute,
		},
		Flush: FlushConfig{
			Interval:  time.Second,
			BatchSize: 500,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			HalfOpenRequests: 1,
		},
	}
}

// withDefaults fills zero fields that have no meaningful zero value.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.BackoffMultiplier < 1 {
		c.Retry.BackoffMultiplier = d.Retry.BackoffMultiplier
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		c.Retry.MaxDelay = c.Retry.InitialDelay
	}
	if c.Stream.BufferSize <= 0 {
		c.Stream.BufferSize = d.Stream.BufferSize
	}
	if c.Stream.MaxStreams <= 0 {
		c.Stream.MaxStreams = d.Stream.MaxStreams
	}
	if c.Guard.Backpressure.Window <= 0 {
		c.Guard.Backpressure.Window = d.Guard.Backpressure.Window
	}
	if c.Guard.Slots.SlotTimeout <= 0 {
		c.Guard.Slots.SlotTimeout = d.Guard.Slots.SlotTimeout
	}
	if c.Guard.DLQ.MaxSize <= 0 {
		c.Guard.DLQ.MaxSize = d.Guard.DLQ.MaxSize
	}
	if c.Guard.DLQ.CleanupInterval <= 0 {
		c.Guard.DLQ.CleanupInterval = d.Guard.DLQ.CleanupInterval
	}
	if c.Guard.Recovery.MaxRecoverySlots <= 0 {
		c.Guard.Recovery.MaxRecoverySlots = d.Guard.Recovery.MaxRecoverySlots
	}
	if c.Recovery.BackgroundPollInterval <= 0 {
		c.Recovery.BackgroundPollInterval = d.Recovery.BackgroundPollInterval
	}
	if c.Recovery.StaleThreshold <= 0 {
		c.Recovery.StaleThreshold = d.Recovery.StaleThreshold
	}
	if c.Recovery.BatchSize <= 0 {
		c.Recovery.BatchSize = d.Recovery.BatchSize
	}
	if c.Recovery.CompletionTimeout <= 0 {
		c.Recovery.CompletionTimeout = d.Recovery.CompletionTimeout
	}
	if c.Flush.Interval <= 0 {
		c.Flush.Interval = d.Flush.Interval
	}
	if c.Flush.BatchSize <= 0 {
		c.Flush.BatchSize = d.Flush.BatchSize
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = d.Breaker.FailureThreshold
	}
	if c.Breaker.OpenTimeout <= 0 {
		c.Breaker.OpenTimeout = d.Breaker.OpenTimeout
	}
	if c.Breaker.HalfOpenRequests == 0 {
		c.Breaker.HalfOpenRequests = d.Breaker.HalfOpenRequests
	}
	return c
}
