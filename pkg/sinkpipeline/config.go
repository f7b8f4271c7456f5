package sinkpipeline

import (
	"time"
)

// Defaults applied by CoordinatorConfig.withDefaults.
const (
	DefaultBufferSize    = 1000
	DefaultBufferTimeout = time.Second
	DefaultWriteTimeout  = 30 * time.Second
	DefaultShutdownGrace = 10 * time.Second
)

// RetryConfig bounds the exponential backoff used when a whole batch fails.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	// MaxRetries is the retry ceiling after the first attempt. Zero or a
	// negative value retries until the context is cancelled.
	MaxRetries int `yaml:"max_retries"`
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		MaxRetries:      10,
	}
}

// CoordinatorConfig is everything the coordinator needs, resolved before it starts.
type CoordinatorConfig struct {
	BufferSize     int
	BufferTimeout  time.Duration
	OverflowPolicy OverflowPolicy
	Enrichment     EnrichmentConfig
	// WriteTimeout bounds a single SinkWriter.Write attempt.
	WriteTimeout time.Duration
	// ShutdownGrace bounds the final flush after cancellation.
	ShutdownGrace time.Duration
	Retry         RetryConfig
	Options       WriteOptions
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = OverflowBlock
	}
	def := DefaultRetryConfig()
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = def.InitialInterval
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = def.MaxInterval
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = def.Multiplier
	}
	return c
}

// Validate reports the first invalid option as a *ConfigurationError.
func (c CoordinatorConfig) Validate() error {
	if c.BufferSize <= 0 {
		return NewConfigurationError("buffer_size", "must be positive, got %d", c.BufferSize)
	}
	if c.BufferTimeout <= 0 {
		return NewConfigurationError("buffer_timeout", "must be positive, got %s", c.BufferTimeout)
	}
	if c.Options == nil {
		return NewConfigurationError("sink", "destination options are required")
	}
	return c.Options.Validate()
}
