package routing

import (
	"github.com/agentuity/go-metacache/logger"
	"github.com/agentuity/go-metacache/resilience"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/agentuity/go-metacache/routing"

type config struct {
	logger         logger.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	breaker        *resilience.Breaker
	retry          resilience.RetryConfig
	pageSize       int
}

// Option configures a Cache.
type Option func(*config)

// DefaultRetryConfig is the retry policy for reads that return an
// incomplete topology.
func DefaultRetryConfig() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.RetryableErrors = func(err error) bool {
		return errors.Is(err, ErrIncompleteTopology)
	}
	return cfg
}

func applyOptions(opts []Option) config {
	cfg := config{
		logger:         logger.Discard(),
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
		retry:          DefaultRetryConfig(),
		pageSize:       DefaultPageSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.logger = log
		}
	}
}

// WithTracerProvider sets the provider of the tracer wrapping range reads.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		if tp != nil {
			c.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets the provider for the underlying cache's counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) {
		if mp != nil {
			c.meterProvider = mp
		}
	}
}

// WithBreaker runs every page read through breaker. Not-found answers do
// not count as failures.
func WithBreaker(breaker *resilience.Breaker) Option {
	return func(c *config) { c.breaker = breaker }
}

// WithRetry replaces the incomplete-topology retry policy. Only errors its
// RetryableErrors accepts are retried; nil RetryableErrors is replaced by a
// check for ErrIncompleteTopology.
func WithRetry(retry resilience.RetryConfig) Option {
	return func(c *config) {
		if retry.RetryableErrors == nil {
			retry.RetryableErrors = DefaultRetryConfig().RetryableErrors
		}
		c.retry = retry
	}
}

// WithPageSize sets the page size of range reads.
func WithPageSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.pageSize = n
		}
	}
}
