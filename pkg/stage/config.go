package stage

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RuntimeConfig configures a stage Runtime.
type RuntimeConfig struct {
	// OnRecordError is the policy applied to failing records
	OnRecordError OnRecordError

	// Logger for structured logging (nil for no logging)
	Logger *zap.Logger

	// EnableMetrics enables metrics collection
	EnableMetrics bool

	// Tracer creates one span per batch (nil uses the global provider)
	Tracer trace.Tracer

	// Clock supplies the instant pinned as time_now for each batch
	Clock func() time.Time
}

// DefaultRuntimeConfig returns sensible defaults for the runtime.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		OnRecordError: PolicyToError,
		Logger:        nil, // No logging by default
		EnableMetrics: true,
		Clock:         time.Now,
	}
}

// Validate validates the configuration and applies defaults.
func (c *RuntimeConfig) Validate() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer("conduit/stage")
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.OnRecordError < PolicyDiscard || c.OnRecordError > PolicyStopPipeline {
		c.OnRecordError = PolicyToError
	}
}

// WithOnRecordError sets the on-record-error policy.
func (c RuntimeConfig) WithOnRecordError(p OnRecordError) RuntimeConfig {
	c.OnRecordError = p
	return c
}

// WithLogger sets the logger.
func (c RuntimeConfig) WithLogger(logger *zap.Logger) RuntimeConfig {
	c.Logger = logger
	return c
}

// WithMetrics sets whether to enable metrics.
func (c RuntimeConfig) WithMetrics(enable bool) RuntimeConfig {
	c.EnableMetrics = enable
	return c
}

// WithTracer sets the tracer.
func (c RuntimeConfig) WithTracer(tracer trace.Tracer) RuntimeConfig {
	c.Tracer = tracer
	return c
}

// WithClock sets the clock used to pin time_now.
func (c RuntimeConfig) WithClock(clock func() time.Time) RuntimeConfig {
	c.Clock = clock
	return c
}
