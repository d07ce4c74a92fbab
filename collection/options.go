package collection

import (
	"github.com/agentuity/go-metacache/logger"
	"github.com/agentuity/go-metacache/resilience"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/agentuity/go-metacache/collection"

type config struct {
	logger         logger.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	breaker        *resilience.Breaker
}

// Option configures a Cache.
type Option func(*config)

func applyOptions(opts []Option) config {
	cfg := config{
		logger:         logger.Discard(),
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
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

// WithTracerProvider sets the provider of the tracer wrapping fetches.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		if tp != nil {
			c.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets the provider for the underlying caches' counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) {
		if mp != nil {
			c.meterProvider = mp
		}
	}
}

// WithBreaker runs every fetch through breaker. Not-found answers do not
// count as failures.
func WithBreaker(breaker *resilience.Breaker) Option {
	return func(c *config) { c.breaker = breaker }
}
