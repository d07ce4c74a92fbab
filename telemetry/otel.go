// Package telemetry sets up OTLP/HTTP export of traces, metrics and logs.
package telemetry

import (
	"context"
	"net/url"
	"time"

	"github.com/agentuity/go-metacache/logger"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
)

const exportTimeout = 10 * time.Second

type ShutdownFunc func()

// Config selects where and how telemetry is exported.
type Config struct {
	// URL is the OTLP/HTTP collector base URL; /v1/traces, /v1/metrics and
	// /v1/logs are appended.
	URL         string
	AuthToken   string
	ServiceName string
	// LogLevel is the lowest level forwarded to the log exporter.
	LogLevel logger.LogLevel
}

// Telemetry holds the providers created by New.
type Telemetry struct {
	Logger         logger.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

type endpointURLs struct {
	traces   string
	metrics  string
	logs     string
	insecure bool
}

func endpoints(serverURL string) (endpointURLs, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return endpointURLs{}, errors.Wrap(err, "error parsing otlp server url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return endpointURLs{}, errors.Newf("otlp server url %q must be http or https", serverURL)
	}
	var e endpointURLs
	u.Path = "/v1/traces"
	e.traces = u.String()
	u.Path = "/v1/metrics"
	e.metrics = u.String()
	u.Path = "/v1/logs"
	e.logs = u.String()
	e.insecure = u.Scheme == "http"
	return e, nil
}

// New returns a logger, a tracer provider and a meter provider exporting to
// cfg.URL. The returned ShutdownFunc flushes and stops the exporters.
func New(ctx context.Context, cfg Config) (*Telemetry, ShutdownFunc, error) {
	urls, err := endpoints(cfg.URL)
	if err != nil {
		return nil, nil, err
	}

	res, err := resource.New(
		ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) && !errors.Is(err, resource.ErrSchemaURLConflict) {
		return nil, nil, errors.Wrap(err, "error creating resource")
	}

	headers := make(map[string]string)
	if cfg.AuthToken != "" {
		headers["Authorization"] = "Bearer " + cfg.AuthToken
	}

	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(urls.traces),
		otlptracehttp.WithHeaders(headers),
		otlptracehttp.WithTimeout(exportTimeout),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	logOpts := []otlploghttp.Option{
		otlploghttp.WithEndpointURL(urls.logs),
		otlploghttp.WithHeaders(headers),
		otlploghttp.WithTimeout(exportTimeout),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	}
	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpointURL(urls.metrics),
		otlpmetrichttp.WithHeaders(headers),
		otlpmetrichttp.WithTimeout(exportTimeout),
		otlpmetrichttp.WithCompression(otlpmetrichttp.GzipCompression),
	}
	if urls.insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		logOpts = append(logOpts, otlploghttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}

	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating trace exporter")
	}
	logExporter, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating log exporter")
	}
	metricExporter, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating metric exporter")
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	logProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)

	t := &Telemetry{
		Logger:         logger.NewOtelLogger(logProvider.Logger(cfg.ServiceName), cfg.LogLevel),
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
	}
	return t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
		defer cancel()
		tracerProvider.Shutdown(ctx)
		meterProvider.Shutdown(ctx)
		logProvider.Shutdown(ctx)
	}, nil
}
