package engine

import (
	"time"

	"github.com/dimflow/dimflow/core"
	"github.com/dimflow/dimflow/telemetry"
)

// PricingConfig enables cost calculation; when nil (or its Calculator is
// nil), Process calls no CostCalculator and Result.Costs stays nil.
type PricingConfig struct {
	Calculator CostCalculator
	Currency   string
}

// Config holds the tunables that govern one Engine's processing runs.
// Construct with NewConfig, which applies defaults from core's constants
// and validates the result.
type Config struct {
	Concurrency       int
	MaxRetries        int
	RetryDelay        time.Duration
	Timeout           time.Duration
	DimensionTimeout  time.Duration
	DimensionTimeouts map[string]time.Duration
	ContinueOnError   bool
	Pricing           *PricingConfig
	Logger            core.Logger
	Tracer            *telemetry.Tracer
	Metrics           *telemetry.Metrics
	OnError           func(dimension string, err error)
	Providers         map[string]Provider
}

// Option mutates a Config during NewConfig construction.
type Option func(*Config)

// WithConcurrency overrides the bounded-concurrency limit for section
// dimension execution. Must be >= 1.
func WithConcurrency(n int) Option {
	return func(c *Config) { c.Concurrency = n }
}

// WithMaxRetries overrides the per-selection attempt budget (not
// counting fallback selections, each of which gets its own budget).
func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

// WithRetryDelay overrides the base delay used in the provider
// executor's retryDelay*2^(attempt-1) backoff formula.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Config) { c.RetryDelay = d }
}

// WithTimeout overrides the whole-run timeout applied to Process's ctx.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithDimensionTimeout overrides the default per-task timeout wrapping
// each dimension's skip-check/resolve/prompt/provider sequence, used for any
// dimension with no entry in DimensionTimeouts.
func WithDimensionTimeout(d time.Duration) Option {
	return func(c *Config) { c.DimensionTimeout = d }
}

// WithDimensionTimeoutFor overrides the per-task timeout for one named
// dimension, taking priority over the default set by
// WithDimensionTimeout.
func WithDimensionTimeoutFor(name string, d time.Duration) Option {
	return func(c *Config) {
		if c.DimensionTimeouts == nil {
			c.DimensionTimeouts = make(map[string]time.Duration)
		}
		c.DimensionTimeouts[name] = d
	}
}

// WithContinueOnError controls whether a dimension failure aborts the
// run (after letting in-flight siblings in the same group finish) or is
// merely recorded and execution proceeds to the next group.
func WithContinueOnError(continueOnError bool) Option {
	return func(c *Config) { c.ContinueOnError = continueOnError }
}

// WithPricing attaches a cost calculator invoked once after finalize.
func WithPricing(p *PricingConfig) Option {
	return func(c *Config) { c.Pricing = p }
}

// WithLogger overrides the engine's logger. Components derive
// component-scoped loggers from this one via WithComponent when the
// concrete logger implements core.ComponentAwareLogger.
func WithLogger(logger core.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithTelemetry attaches a tracer; Metrics is derived from it
// automatically unless overridden separately.
func WithTelemetry(tracer *telemetry.Tracer) Option {
	return func(c *Config) {
		c.Tracer = tracer
		if tracer != nil {
			c.Metrics = telemetry.NewMetrics(tracer)
		}
	}
}

// WithOnError registers a side-effecting observer called whenever a
// dimension task fails, after HandleDimensionFailure has had its chance
// to supply a fallback result. It is called with the original failure
// even when that hook recovered the dimension.
func WithOnError(fn func(dimension string, err error)) Option {
	return func(c *Config) { c.OnError = fn }
}

// WithProvider registers a named provider in the engine's registry.
// SelectProvider's returned Selection.Provider names are looked up here.
func WithProvider(name string, provider Provider) Option {
	return func(c *Config) {
		if c.Providers == nil {
			c.Providers = make(map[string]Provider)
		}
		c.Providers[name] = provider
	}
}

// NewConfig builds a Config from defaults, applies opts in order, and
// validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	c := &Config{
		Concurrency:      core.DefaultConcurrency,
		MaxRetries:       core.DefaultMaxRetries,
		RetryDelay:       core.DefaultRetryDelay,
		Timeout:          core.DefaultTimeout,
		DimensionTimeout: core.DefaultTimeout,
		ContinueOnError:  true,
		Logger:           &core.NoOpLogger{},
		Providers:        make(map[string]Provider),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration's invariants, matching the external
// interface's validation rules: concurrency must be at least 1, the
// retry count and retry delay must not be negative, timeouts must meet
// the configured minimum, and at least one provider must be registered.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return core.NewEngineError("Config.Validate", core.KindNoProvidersError, core.ErrNoProviders)
	}
	if c.Concurrency < 1 {
		return core.NewEngineError("Config.Validate", core.KindValidationError,
			core.ErrInvalidConfiguration)
	}
	if c.MaxRetries < 0 {
		return core.NewEngineError("Config.Validate", core.KindValidationError,
			core.ErrInvalidConfiguration)
	}
	if c.Timeout < core.MinTimeout {
		return core.NewEngineError("Config.Validate", core.KindConfigurationError,
			core.ErrInvalidConfiguration)
	}
	if c.DimensionTimeout < core.MinTimeout {
		return core.NewEngineError("Config.Validate", core.KindConfigurationError,
			core.ErrInvalidConfiguration)
	}
	for name, d := range c.DimensionTimeouts {
		if d < core.MinTimeout {
			return core.NewDimensionError("Config.Validate", core.KindConfigurationError, name,
				core.ErrInvalidConfiguration)
		}
	}
	if c.RetryDelay < 0 {
		return core.NewEngineError("Config.Validate", core.KindValidationError,
			core.ErrInvalidConfiguration)
	}
	return nil
}

// timeoutFor returns the per-dimension timeout override if one is set,
// otherwise the configured default DimensionTimeout.
func (c *Config) timeoutFor(name string) time.Duration {
	if d, ok := c.DimensionTimeouts[name]; ok {
		return d
	}
	return c.DimensionTimeout
}
