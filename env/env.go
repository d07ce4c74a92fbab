// Package env reads command line settings from cobra flags with environment
// fallbacks and builds the logger and the tracer and meter providers a
// command runs with.
package env

import (
	"context"
	"log"
	"os"

	"github.com/agentuity/go-metacache/logger"
	"github.com/agentuity/go-metacache/telemetry"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return defaultValue
}

// LogLevel reads --log-level, then METACACHE_LOG_LEVEL, defaulting to info.
func LogLevel(cmd *cobra.Command) logger.LogLevel {
	return logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.LevelEnv, "info"), logger.LevelInfo)
}

// NewLogger returns a console logger at the level LogLevel selects.
func NewLogger(cmd *cobra.Command) logger.Logger {
	log.SetFlags(0)
	return logger.NewConsoleLogger(LogLevel(cmd))
}

// NewTelemetry returns the logger, tracer provider and meter provider for a command. The cobra flags it reads are:
//
// --otlp-url (string): the url of the otlp server, METACACHE_OTLP_URL otherwise; telemetry is off when empty
//
// --otlp-token (string): the bearer token for the otlp server, METACACHE_OTLP_TOKEN otherwise
//
// Without an otlp url the logger writes to the console only and the
// providers are the global ones.
func NewTelemetry(ctx context.Context, cmd *cobra.Command, serviceName string) (*telemetry.Telemetry, func(), error) {
	console := NewLogger(cmd)
	otlpURL := FlagOrEnv(cmd, "otlp-url", "METACACHE_OTLP_URL", "")
	if otlpURL == "" {
		return &telemetry.Telemetry{
			Logger:         console,
			TracerProvider: otel.GetTracerProvider(),
			MeterProvider:  otel.GetMeterProvider(),
		}, func() {}, nil
	}
	tel, shutdown, err := telemetry.New(ctx, telemetry.Config{
		URL:         otlpURL,
		AuthToken:   FlagOrEnv(cmd, "otlp-token", "METACACHE_OTLP_TOKEN", ""),
		ServiceName: serviceName,
		LogLevel:    LogLevel(cmd),
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating telemetry")
	}
	tel.Logger = tel.Logger.Stack(console)
	return tel, shutdown, nil
}
