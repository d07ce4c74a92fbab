package cache

import (
	"reflect"

	"github.com/agentuity/go-metacache/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// EqualFunc reports whether a cached value is the obsolete value a caller
// already knows to be stale.
type EqualFunc[V any] func(cached, obsolete V) bool

// DefaultEqual compares values structurally. A cached value equal to the
// zero value of V therefore matches a caller passing the zero value as
// "no obsolete value", and every such GetAsync recomputes it; caches that can
// hold zero values need an EqualFunc that tells the two apart.
func DefaultEqual[V any](cached, obsolete V) bool {
	return reflect.DeepEqual(cached, obsolete)
}

// config holds the resolved configuration for an AsyncCache.
type config struct {
	name          string
	logger        logger.Logger
	meterProvider metric.MeterProvider
	equal         any
}

// Option configures an AsyncCache.
type Option func(*config)

func defaultConfig() config {
	return config{
		name:          "default",
		logger:        logger.Discard(),
		meterProvider: otel.GetMeterProvider(),
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithName names the cache in logs and in the cache.name metric attribute.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithLogger sets the logger. Defaults to a logger that discards everything.
func WithLogger(log logger.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.logger = log
		}
	}
}

// WithMeterProvider sets where the cache's counters are registered.
// Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) {
		if mp != nil {
			c.meterProvider = mp
		}
	}
}

// WithEqual sets the comparer used to detect caller-flagged staleness. V must
// match the value type of the cache it is passed to. Defaults to
// DefaultEqual.
func WithEqual[V any](fn EqualFunc[V]) Option {
	return func(c *config) { c.equal = fn }
}
