package cache

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/agentuity/go-metacache/cache"

const (
	MetricHits     = "metacache.cache.hits"
	MetricMisses   = "metacache.cache.misses"
	MetricStale    = "metacache.cache.stale"
	MetricComputes = "metacache.cache.computes"
	MetricFailures = "metacache.cache.failures"
)

type instruments struct {
	attrs    metric.MeasurementOption
	hits     metric.Int64Counter
	misses   metric.Int64Counter
	stale    metric.Int64Counter
	computes metric.Int64Counter
	failures metric.Int64Counter
}

func newInstruments(mp metric.MeterProvider, name string) *instruments {
	meter := mp.Meter(instrumentationName)
	return &instruments{
		attrs:    metric.WithAttributes(attribute.String("cache.name", name)),
		hits:     counter(meter, MetricHits, "Lookups served from a fresh cached value"),
		misses:   counter(meter, MetricMisses, "Lookups that found no entry"),
		stale:    counter(meter, MetricStale, "Lookups that found the caller's obsolete value or a failure"),
		computes: counter(meter, MetricComputes, "Compute functions run"),
		failures: counter(meter, MetricFailures, "Compute functions that returned an error"),
	}
}

func counter(meter metric.Meter, name string, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit("{call}"))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func (i *instruments) add(ctx context.Context, c metric.Int64Counter) {
	c.Add(ctx, 1, i.attrs)
}
