package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLevelFromEnv(t *testing.T) {
	tests := []struct {
		name          string
		envValue      string
		expectedLevel LogLevel
	}{
		{name: "trace level", envValue: "trace", expectedLevel: LevelTrace},
		{name: "debug level", envValue: "debug", expectedLevel: LevelDebug},
		{name: "warn alias", envValue: "warning", expectedLevel: LevelWarn},
		{name: "error level", envValue: "error", expectedLevel: LevelError},
		{name: "off", envValue: "off", expectedLevel: LevelNone},
		{name: "mixed case debug", envValue: "DeBuG", expectedLevel: LevelDebug},
		{name: "empty string", envValue: "", expectedLevel: LevelInfo},
		{name: "invalid value", envValue: "invalid", expectedLevel: LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(LevelEnv, tt.envValue)
			assert.Equal(t, tt.expectedLevel, GetLevelFromEnv())
		})
	}
}

func TestLogLevelConstants(t *testing.T) {
	assert.Equal(t, LogLevel(0), LevelTrace)
	assert.Equal(t, LogLevel(5), LevelNone)
}

type bufferSink struct {
	lines []string
}

func (b *bufferSink) Write(p []byte) (int, error) {
	b.lines = append(b.lines, string(p))
	return len(p), nil
}

func TestConsoleLoggerSink(t *testing.T) {
	sink := &bufferSink{}
	log := NewConsoleLogger(LevelNone)
	log.SetSink(sink, LevelDebug)

	log.Trace("dropped")
	log.WithPrefix("[routing]").With(map[string]interface{}{"collection": "abc"}).Debug("built map with %d ranges", 3)

	assert.Len(t, sink.lines, 1)
	assert.Contains(t, sink.lines[0], "[DEBUG]")
	assert.Contains(t, sink.lines[0], "[routing] built map with 3 ranges")
	assert.Contains(t, sink.lines[0], `{"collection":"abc"}`)
	assert.NotContains(t, sink.lines[0], "\x1b[")
}

func TestConsoleLoggerLevels(t *testing.T) {
	log := NewConsoleLogger(LevelWarn)
	assert.False(t, log.IsLevelEnabled(LevelInfo))
	assert.True(t, log.IsLevelEnabled(LevelError))
	assert.False(t, Discard().IsLevelEnabled(LevelError))
}

func TestConsoleLoggerStack(t *testing.T) {
	recorder := NewTestLogger()
	log := NewConsoleLogger(LevelNone).Stack(recorder)
	log.With(map[string]interface{}{"k": "v"}).Warn("stale routing for %s", "coll1")
	assert.True(t, recorder.Contains("WARNING", "stale routing for coll1"))
}
