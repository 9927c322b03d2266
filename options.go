package saga

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"saga/circuit"
)

// Config holds the configuration for the saga engine.
type Config struct {
	// Lock configuration
	LockTTL          time.Duration `mapstructure:"lock_ttl"`           // Saga lock timeout, default 5min
	LockExtendPeriod time.Duration `mapstructure:"lock_extend_period"` // Lock extension interval, default 1min

	// Retry configuration
	MaxRetries       int           `mapstructure:"max_retries"`        // Maximum retry count per step, default 3
	RetryInterval    time.Duration `mapstructure:"retry_interval"`     // Base retry interval, default 100ms
	RetryMaxInterval time.Duration `mapstructure:"retry_max_interval"` // Backoff cap, default 5s

	// Circuit breaker configuration
	CircuitThreshold    int           `mapstructure:"circuit_threshold"`      // Circuit breaker threshold, default 5
	CircuitTimeout      time.Duration `mapstructure:"circuit_timeout"`        // Circuit breaker recovery time, default 30s
	CircuitHalfOpenReqs int           `mapstructure:"circuit_half_open_reqs"` // Half-open state max requests, default 3

	// Timeout configuration
	StepTimeout time.Duration `mapstructure:"step_timeout"` // Single step timeout, default 10s

	// Retention configuration
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"` // Idempotency record TTL, default 24h
	OperationTTL   time.Duration `mapstructure:"operation_ttl"`   // Background operation record TTL, default 7 days
	HistoryLimit   int           `mapstructure:"history_limit"`   // History entries returned by status queries, default 100

	// Deployment
	Replicas int `mapstructure:"replicas"` // Number of processes sharing the storage backend, default 1
}

// DefaultConfig returns the default configuration for the saga engine.
func DefaultConfig() Config {
	return Config{
		LockTTL:             5 * time.Minute,
		LockExtendPeriod:    1 * time.Minute,
		MaxRetries:          3,
		RetryInterval:       100 * time.Millisecond,
		RetryMaxInterval:    5 * time.Second,
		CircuitThreshold:    5,
		CircuitTimeout:      30 * time.Second,
		CircuitHalfOpenReqs: 3,
		StepTimeout:         10 * time.Second,
		IdempotencyTTL:      24 * time.Hour,
		OperationTTL:        7 * 24 * time.Hour,
		HistoryLimit:        100,
		Replicas:            1,
	}
}

// Option is a function that modifies the Config.
type Option func(*Config)

// WithLockTTL sets the saga lock TTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.LockTTL = ttl
	}
}

// WithLockExtendPeriod sets how often a held lock is extended.
func WithLockExtendPeriod(period time.Duration) Option {
	return func(c *Config) {
		c.LockExtendPeriod = period
	}
}

// WithMaxRetries sets the default step retry count.
func WithMaxRetries(maxRetries int) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
	}
}

// WithRetryInterval sets the base backoff interval.
func WithRetryInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.RetryInterval = interval
	}
}

// WithRetryMaxInterval caps the backoff interval.
func WithRetryMaxInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.RetryMaxInterval = interval
	}
}

// WithStepTimeout sets the default step timeout.
func WithStepTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.StepTimeout = timeout
	}
}

// WithIdempotencyTTL sets the idempotency record TTL.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.IdempotencyTTL = ttl
	}
}

// WithOperationTTL sets the background operation record TTL.
func WithOperationTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.OperationTTL = ttl
	}
}

// WithReplicas sets the number of processes sharing storage.
func WithReplicas(n int) Option {
	return func(c *Config) {
		c.Replicas = n
	}
}

// WithConfig applies a complete Config, overriding all values.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg
	}
}

// ApplyOptions applies the given options to a default config and returns the result.
func ApplyOptions(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// ToBreakerConfig converts the circuit breaker settings to a BreakerConfig.
func (c *Config) ToBreakerConfig() circuit.BreakerConfig {
	return circuit.BreakerConfig{
		Threshold:       c.CircuitThreshold,
		Timeout:         c.CircuitTimeout,
		HalfOpenMaxReqs: c.CircuitHalfOpenReqs,
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.LockTTL, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.LockExtendPeriod, validation.Min(time.Duration(0)), validation.Max(c.LockTTL).Exclusive()),
		validation.Field(&c.MaxRetries, validation.Min(0)),
		validation.Field(&c.RetryInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.RetryMaxInterval, validation.Min(c.RetryInterval)),
		validation.Field(&c.CircuitThreshold, validation.Required, validation.Min(1)),
		validation.Field(&c.CircuitTimeout, validation.Required),
		validation.Field(&c.CircuitHalfOpenReqs, validation.Required, validation.Min(1)),
		validation.Field(&c.StepTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.IdempotencyTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.OperationTTL, validation.Min(time.Duration(0))),
		validation.Field(&c.HistoryLimit, validation.Min(0)),
		validation.Field(&c.Replicas, validation.Required, validation.Min(1)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
